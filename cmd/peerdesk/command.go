// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// command is one node of the CLI tree.
type command struct {
	// name is typed by the user (e.g., "host").
	name string

	// summary is shown in the parent's listing.
	summary string

	// description is shown in the command's own help.
	description string

	// usage overrides the synthesized usage line.
	usage string

	// flags returns the command's flag set. Called once per Execute.
	flags func() *pflag.FlagSet

	subcommands []*command

	// run receives the positional arguments left after flag parsing.
	run func(args []string) error

	parent *command
}

// execute parses args and dispatches to a subcommand or run.
func (c *command) execute(args []string, stderr io.Writer) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.printHelp(stderr)
		return nil
	}

	if len(c.subcommands) > 0 && len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		for _, sub := range c.subcommands {
			if sub.name == args[0] {
				sub.parent = c
				return sub.execute(args[1:], stderr)
			}
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
	}

	if len(c.subcommands) > 0 && c.run == nil {
		c.printHelp(stderr)
		return fmt.Errorf("subcommand required")
	}

	if c.flags != nil {
		flagSet := c.flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			return fmt.Errorf("%s\n\nRun '%s --help' for usage.", err, c.fullName())
		}
		args = flagSet.Args()
	}

	if c.run == nil {
		c.printHelp(stderr)
		return fmt.Errorf("no action defined for %q", c.fullName())
	}
	return c.run(args)
}

func (c *command) printHelp(w io.Writer) {
	name := c.fullName()
	if c.description != "" {
		fmt.Fprintf(w, "%s\n\n", c.description)
	} else if c.summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.summary)
	}

	switch {
	case c.usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.usage)
	case len(c.subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", name)
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", name)
	}

	if len(c.subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
		}
		tw.Flush()
	}

	if c.flags != nil {
		var flagHelp strings.Builder
		flagSet := c.flags()
		flagSet.SetOutput(&flagHelp)
		flagSet.PrintDefaults()
		if flagHelp.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", flagHelp.String())
		}
	}

	if len(c.subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", name)
	}
}

func (c *command) fullName() string {
	if c.parent == nil {
		return c.name
	}
	return c.parent.fullName() + " " + c.name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
