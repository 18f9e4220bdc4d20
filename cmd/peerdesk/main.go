// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/peerdesk/lib/version"
)

// shutdownTimeout bounds Supervisor.Close on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	return rootCommand(stdin, stdout, stderr).execute(args, stderr)
}

func rootCommand(stdin io.Reader, stdout, stderr io.Writer) *command {
	var showVersion bool
	root := &command{
		name:        "peerdesk",
		summary:     "Peer-to-peer remote desktop",
		description: "peerdesk shares a desktop with a peer found through a signaling directory.\nMedia and input travel end-to-end encrypted over a direct WebRTC path.",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("peerdesk", pflag.ContinueOnError)
			flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flagSet
		},
		subcommands: []*command{
			identityCommand(stdout),
			hostCommand(stdin, stderr),
			connectCommand(stderr),
		},
	}
	root.run = func(args []string) error {
		if showVersion {
			fmt.Fprintf(stdout, "peerdesk %s\n", version.Info())
			return nil
		}
		root.printHelp(stderr)
		return errors.New("subcommand required")
	}
	return root
}

// serve runs n until wait returns or ctx ends, then closes it. Events
// are logged for the whole lifetime of the bus.
func serve(ctx context.Context, n *node, wait func(ctx context.Context) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	group.Go(func() error {
		err := n.supervisor.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		logEvents(n.logger, n.supervisor.Events(), stopped)
		return nil
	})
	group.Go(func() error {
		err := wait(groupCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		defer close(stopped)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, n.close(shutdownCtx))
	})
	return group.Wait()
}
