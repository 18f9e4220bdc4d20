// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/peerdesk/dataproto"
	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/media"
	"github.com/bureau-foundation/peerdesk/session"
	"github.com/bureau-foundation/peerdesk/signaling"
	"github.com/bureau-foundation/peerdesk/supervisor"
)

func identityCommand(stdout io.Writer) *command {
	var (
		global    globalOptions
		showPeers bool
	)
	return &command{
		name:    "identity",
		summary: "Print this node's connection id and fingerprint",
		description: "Print this node's connection id and key fingerprint, creating the\n" +
			"identity on first use. Share the connection id with a peer so they\ncan connect.",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("identity", pflag.ContinueOnError)
			global.addFlags(flagSet)
			flagSet.BoolVar(&showPeers, "peers", false, "also list pinned peers")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			file, err := global.loadConfig()
			if err != nil {
				return err
			}
			local, err := loadIdentity(file)
			if err != nil {
				return err
			}
			defer local.Close()

			fmt.Fprintf(stdout, "connection id: %s\n", local.ConnectionID)
			fmt.Fprintf(stdout, "display name:  %s\n", local.DisplayName)
			fmt.Fprintf(stdout, "fingerprint:   %s\n", local.Fingerprint())
			if !showPeers {
				return nil
			}

			peers, err := identity.OpenKnownPeers(filepath.Join(file.Paths.State, knownPeersDir), nil)
			if err != nil {
				return fmt.Errorf("opening known peers: %w", err)
			}
			defer peers.Close()
			list, err := peers.List()
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "\nknown peers (%d):\n", len(list))
			tw := tabwriter.NewWriter(stdout, 2, 0, 3, ' ', 0)
			for _, peer := range list {
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", peer.ConnectionID, peer.DisplayName,
					peer.Fingerprint(), peer.LastSeen.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func hostCommand(stdin io.Reader, stderr io.Writer) *command {
	var (
		global        globalOptions
		width, height int
		audio         bool
		remoteControl bool
		autoAccept    bool
	)
	return &command{
		name:    "host",
		summary: "Share this desktop with connecting viewers",
		description: "Run a host node. Incoming connect requests are accepted on the\n" +
			"terminal, or automatically with --auto-accept. The shared display is\na synthetic test pattern.",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("host", pflag.ContinueOnError)
			global.addFlags(flagSet)
			flagSet.IntVar(&width, "width", 1280, "synthetic display width")
			flagSet.IntVar(&height, "height", 720, "synthetic display height")
			flagSet.BoolVar(&audio, "audio", false, "also send a synthetic audio tone")
			flagSet.BoolVar(&remoteControl, "remote-control", false, "let viewers inject input (overrides session.remote_control)")
			flagSet.BoolVar(&autoAccept, "auto-accept", false, "accept every request (overrides session.auto_accept)")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if width <= 0 || height <= 0 || width > 0xffff || height > 0xffff {
				return fmt.Errorf("display size %dx%d is out of range", width, height)
			}
			file, err := global.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(stderr, global.verbose)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			options := nodeOptions{
				autoAccept: autoAccept || file.Session.AutoAccept,
				configure: func(template *session.Config) {
					template.Displays = media.NewSyntheticDisplays(media.Dimensions{Width: width, Height: height})
					if audio {
						template.Audio = &media.SyntheticAudio{Frequency: 440}
					}
					template.RemoteControl = remoteControl || file.Session.RemoteControl
					template.RequestRemoteControl = false
				},
			}
			if !options.autoAccept {
				options.acceptor = terminalAcceptor(stdin, stderr)
			}
			n, err := openNode(ctx, file, logger, options)
			if err != nil {
				return err
			}
			fmt.Fprintf(stderr, "hosting as %s (fingerprint %s)\n", n.local.ConnectionID, n.local.Fingerprint())
			return serve(ctx, n, func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
		},
	}
}

// terminalAcceptor asks on the terminal for each request. Without a
// terminal it declines everything.
func terminalAcceptor(stdin io.Reader, prompt io.Writer) supervisor.Acceptor {
	file, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return supervisor.DeclineAll
	}
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return func(ctx context.Context, request signaling.Envelope) (bool, string) {
		peer := request.Peer()
		fmt.Fprintf(prompt, "\n%s (%s, fingerprint %s) wants to connect. Accept? [y/N] ",
			peer.ConnectionID, peer.DisplayName, peer.Fingerprint())
		select {
		case <-ctx.Done():
			return false, supervisor.ReasonShuttingDown
		case line, ok := <-lines:
			answer := strings.ToLower(strings.TrimSpace(line))
			if ok && (answer == "y" || answer == "yes") {
				return true, ""
			}
			return false, supervisor.ReasonDeclined
		}
	}
}

func connectCommand(stderr io.Writer) *command {
	var (
		global        globalOptions
		remoteControl bool
		sendPath      string
		compress      bool
	)
	return &command{
		name:    "connect",
		summary: "View a remote host's desktop",
		usage:   "peerdesk connect <connection-id> [flags]",
		description: "Connect to the host with the given connection id and render its\n" +
			"display until the session ends or the command is interrupted.",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("connect", pflag.ContinueOnError)
			global.addFlags(flagSet)
			flagSet.BoolVar(&remoteControl, "remote-control", false, "ask the host for input control")
			flagSet.StringVar(&sendPath, "send", "", "send this file once streaming")
			flagSet.BoolVar(&compress, "compress", false, "compress file chunks with zstd")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 1 {
				return errors.New("exactly one connection id is required")
			}
			remote, err := connid.Parse(args[0])
			if err != nil {
				return err
			}
			file, err := global.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(stderr, global.verbose)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := openNode(ctx, file, logger, nodeOptions{
				configure: func(template *session.Config) {
					template.RequestRemoteControl = remoteControl
				},
			})
			if err != nil {
				return err
			}
			viewer, err := n.supervisor.Connect(remote)
			if err != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return errors.Join(err, n.close(shutdownCtx))
			}
			return serve(ctx, n, func(ctx context.Context) error {
				if sendPath != "" {
					go sendWhenStreaming(ctx, n, viewer, sendPath, compress)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-viewer.Done():
					return viewer.Err()
				}
			})
		},
	}
}

// sendWhenStreaming waits for the session to stream, then transfers
// path and logs the outcome.
func sendWhenStreaming(ctx context.Context, n *node, viewer *session.Session, path string, compress bool) {
	logger := n.logger.With("session_id", viewer.ID(), "path", path)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for viewer.State() != session.StateStreaming {
		select {
		case <-ctx.Done():
			return
		case <-viewer.Done():
			return
		case <-ticker.C:
		}
	}

	source, err := os.Open(path)
	if err != nil {
		logger.Error("opening file", "error", err)
		return
	}
	defer source.Close()
	info, err := source.Stat()
	if err != nil {
		logger.Error("reading file size", "error", err)
		return
	}
	outgoing, err := viewer.SendFile(ctx, dataproto.Source{Name: filepath.Base(path), Size: info.Size(), Reader: source},
		dataproto.SendOptions{Compress: compress})
	if err != nil {
		logger.Error("starting transfer", "error", err)
		return
	}
	if err := outgoing.Wait(ctx); err != nil {
		logger.Error("transfer failed", "transfer_id", outgoing.ID(), "error", err)
		return
	}
	logger.Info("transfer complete", "transfer_id", outgoing.ID())
}
