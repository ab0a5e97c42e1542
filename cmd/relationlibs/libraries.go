// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"

	"github.com/juju/gnuflag"

	"github.com/juju/relationlibs/version"
)

// libraryInfo is the printed form of a charm library.
type libraryInfo struct {
	Name    string `yaml:"name" json:"name"`
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
}

type librariesCommand struct {
	out Output
}

func (c *librariesCommand) Info() *Info {
	return &Info{
		Name:    "libraries",
		Purpose: "List the implemented charm libraries.",
	}
}

func (c *librariesCommand) SetFlags(f *gnuflag.FlagSet) {
	c.out.AddFlags(f, "yaml", defaultFormatters)
}

func (c *librariesCommand) Init(args []string) error {
	return checkEmpty(args)
}

func (c *librariesCommand) Run(ctx *Context) error {
	var libs []libraryInfo
	for _, name := range version.Names() {
		lib := version.Libraries[name]
		libs = append(libs, libraryInfo{
			Name:    lib.Name,
			ID:      lib.ID,
			Version: fmt.Sprintf("%d.%d", lib.API, lib.Patch),
		})
	}
	return c.out.Write(ctx, libs)
}

type versionCommand struct{}

func (c *versionCommand) Info() *Info {
	return &Info{
		Name:    "version",
		Purpose: "Print the relationlibs version.",
	}
}

func (c *versionCommand) SetFlags(f *gnuflag.FlagSet) {}

func (c *versionCommand) Init(args []string) error {
	return checkEmpty(args)
}

func (c *versionCommand) Run(ctx *Context) error {
	_, err := fmt.Fprintln(ctx.Stdout, version.Current)
	return err
}
