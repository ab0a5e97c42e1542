// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/relationlibs/version"
)

// ErrSilent is returned by commands that already reported their failure.
const ErrSilent = errors.ConstError("cmd: error out silently")

// Info holds everything necessary to describe a Command's intent and usage.
type Info struct {
	// Name is the Command's name.
	Name string

	// Args describes the command's expected arguments.
	Args string

	// Purpose is a short explanation of the Command's purpose.
	Purpose string

	// Doc is the long documentation for the Command.
	Doc string
}

// Usage combines Name and Args to describe the Command's intended usage.
func (i *Info) Usage() string {
	if i.Args == "" {
		return i.Name
	}
	return fmt.Sprintf("%s %s", i.Name, i.Args)
}

// Command is implemented by the subcommands of relationlibs.
type Command interface {
	// Info returns information about the command.
	Info() *Info

	// SetFlags adds command specific flags to the flag set.
	SetFlags(f *gnuflag.FlagSet)

	// Init initializes the command from the positional arguments left
	// after flag parsing.
	Init(args []string) error

	// Run executes the command.
	Run(ctx *Context) error
}

// Context holds the execution environment of a command.
type Context struct {
	context.Context

	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// AbsPath returns an absolute representation of path, relative to the
// directory the command was run from.
func (ctx *Context) AbsPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ctx.Dir, path)
}

// Infof writes a line to stderr.
func (ctx *Context) Infof(format string, args ...any) {
	fmt.Fprintf(ctx.Stderr, format+"\n", args...)
}

func checkEmpty(args []string) error {
	if len(args) != 0 {
		return errors.Errorf("unrecognized args: %q", args)
	}
	return nil
}

// superCommand dispatches to one of a set of named subcommands.
type superCommand struct {
	name    string
	purpose string
	subcmds map[string]Command

	debug         bool
	loggingConfig string
}

func newSuperCommand(name, purpose string) *superCommand {
	return &superCommand{
		name:    name,
		purpose: purpose,
		subcmds: make(map[string]Command),
	}
}

// Register adds a subcommand.
func (c *superCommand) Register(subcmd Command) {
	name := subcmd.Info().Name
	if _, found := c.subcmds[name]; found {
		panic(fmt.Sprintf("command already registered: %q", name))
	}
	c.subcmds[name] = subcmd
}

func (c *superCommand) setFlags(f *gnuflag.FlagSet) {
	f.BoolVar(&c.debug, "debug", false, "Log debug messages to stderr")
	f.StringVar(&c.loggingConfig, "logging-config", "", "Specify log levels for modules")
}

func (c *superCommand) printUsage(w io.Writer, f *gnuflag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s [flags] <command> ...\n\n%s\n\n", c.name, c.purpose)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(c.subcmds))
	for name := range c.subcmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "    %-16s - %s\n", name, c.subcmds[name].Info().Purpose)
	}
	fmt.Fprintln(w, "\nFlags:")
	f.SetOutput(w)
	f.PrintDefaults()
}

func printCommandUsage(w io.Writer, name string, cmd Command, f *gnuflag.FlagSet) {
	info := cmd.Info()
	fmt.Fprintf(w, "Usage: %s %s [flags]\n\nSummary:\n%s\n", name, info.Usage(), info.Purpose)
	fmt.Fprintln(w, "\nFlags:")
	f.SetOutput(w)
	f.PrintDefaults()
	if info.Doc != "" {
		fmt.Fprintf(w, "\nDetails:\n%s\n", strings.TrimSpace(info.Doc))
	}
}

func (c *superCommand) configureLogging(ctx *Context) error {
	writer := loggo.NewSimpleWriter(ctx.Stderr, loggo.DefaultFormatter)
	if _, err := loggo.ReplaceDefaultWriter(writer); err != nil {
		return errors.Trace(err)
	}
	level := "WARNING"
	if c.debug {
		level = "DEBUG"
	}
	if err := loggo.ConfigureLoggers("<root>=" + level); err != nil {
		return errors.Trace(err)
	}
	if c.loggingConfig == "" {
		return nil
	}
	return errors.Annotate(loggo.ConfigureLoggers(c.loggingConfig), "logging config")
}

// Main parses args, runs the selected subcommand and returns the process
// exit code: 0 on success, 1 if the command failed and 2 on usage errors.
func (c *superCommand) Main(ctx *Context, args []string) int {
	f := gnuflag.NewFlagSet(c.name, gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	c.setFlags(f)
	if err := f.Parse(false, args); err != nil {
		if errors.Is(err, gnuflag.ErrHelp) {
			c.printUsage(ctx.Stdout, f)
			return 0
		}
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		return 2
	}
	rest := f.Args()
	if len(rest) == 0 || rest[0] == "help" {
		if len(rest) > 1 {
			if sub, ok := c.subcmds[rest[1]]; ok {
				sf := gnuflag.NewFlagSet(rest[1], gnuflag.ContinueOnError)
				sub.SetFlags(sf)
				printCommandUsage(ctx.Stdout, c.name, sub, sf)
				return 0
			}
		}
		c.printUsage(ctx.Stdout, f)
		return 0
	}
	sub, ok := c.subcmds[rest[0]]
	if !ok {
		fmt.Fprintf(ctx.Stderr, "ERROR unrecognized command: %s %s\n", c.name, rest[0])
		return 2
	}
	if err := c.configureLogging(ctx); err != nil {
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		return 2
	}

	sf := gnuflag.NewFlagSet(rest[0], gnuflag.ContinueOnError)
	sf.SetOutput(io.Discard)
	sub.SetFlags(sf)
	if err := sf.Parse(true, rest[1:]); err != nil {
		if errors.Is(err, gnuflag.ErrHelp) {
			printCommandUsage(ctx.Stdout, c.name, sub, sf)
			return 0
		}
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		return 2
	}
	if err := sub.Init(sf.Args()); err != nil {
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		return 2
	}
	logger.Debugf(ctx, "running %s %s [%s]", c.name, rest[0], version.Current)
	if err := sub.Run(ctx); err != nil {
		if !errors.Is(err, ErrSilent) {
			fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		}
		return 1
	}
	return 0
}
