// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command relationlibs inspects relation data with the relation libraries.
package main

import (
	"context"
	"fmt"
	"os"

	internallogger "github.com/juju/relationlibs/internal/logger"
)

var logger = internallogger.GetLogger("relationlibs.cmd")

func newCommand() *superCommand {
	super := newSuperCommand("relationlibs", "Inspect and validate Juju relation data.")
	super.Register(&scrapeConfigCommand{})
	super.Register(&validateCommand{})
	super.Register(&librariesCommand{})
	super.Register(&versionCommand{})
	return super
}

// Main runs the relationlibs command with args, which exclude the
// program name, and returns the exit code.
func Main(args []string) int {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		return 2
	}
	ctx := &Context{
		Context: context.Background(),
		Dir:     dir,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
	return newCommand().Main(ctx, args)
}

func main() {
	os.Exit(Main(os.Args[1:]))
}
