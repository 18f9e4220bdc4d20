// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/config"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/session"
	"github.com/bureau-foundation/peerdesk/signaling"
	"github.com/bureau-foundation/peerdesk/supervisor"
)

// knownPeersDir is the badger directory under paths.state.
const knownPeersDir = "known_peers"

// globalOptions are accepted by every subcommand.
type globalOptions struct {
	configPath string
	verbose    bool
}

func (g *globalOptions) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "", "config file (YAML or JSONC); defaults to $"+config.EnvironmentVariable)
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")
}

// loadConfig reads --config, then $PEERDESK_CONFIG, then falls back to
// the built-in defaults.
func (g *globalOptions) loadConfig() (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = os.Getenv(config.EnvironmentVariable)
	}
	var (
		loaded *config.Config
		err    error
	)
	if path == "" {
		loaded, err = config.Parse(nil, "")
	} else {
		loaded, err = config.LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return loaded, nil
}

func loadIdentity(file *config.Config) (*identity.Identity, error) {
	options := identity.Options{
		Dir:         file.Paths.State,
		DisplayName: file.Identity.DisplayName,
	}
	if file.Identity.PassphraseEnv != "" {
		options.Passphrase = os.Getenv(file.Identity.PassphraseEnv)
		if options.Passphrase == "" {
			return nil, fmt.Errorf("%s is empty; identity.passphrase_env requires it", file.Identity.PassphraseEnv)
		}
	}
	return identity.LoadOrCreate(options)
}

// node is one running peer: identity, pinned peers, directory
// connection and the supervisor over them.
type node struct {
	local      *identity.Identity
	knownPeers *identity.KnownPeers
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
}

// nodeOptions adjust the session template for a role.
type nodeOptions struct {
	configure  func(*session.Config)
	acceptor   supervisor.Acceptor
	autoAccept bool
}

func openNode(ctx context.Context, file *config.Config, logger *slog.Logger, options nodeOptions) (*node, error) {
	clk := clock.Real()

	local, err := loadIdentity(file)
	if err != nil {
		return nil, err
	}
	logger = logger.With("local", local.ConnectionID.String())

	knownPeers, err := identity.OpenKnownPeers(filepath.Join(file.Paths.State, knownPeersDir), clk)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("opening known peers: %w", err)
	}

	template, err := session.FromFile(file)
	if err != nil {
		knownPeers.Close()
		local.Close()
		return nil, err
	}
	transportConfig, err := session.TransportFromFile(file)
	if err != nil {
		knownPeers.Close()
		local.Close()
		return nil, err
	}
	template.Local = local
	template.KnownPeers = knownPeers
	template.Links = session.TransportLinks(transportConfig, clk, logger)
	template.Clock = clk
	template.Logger = logger
	if options.configure != nil {
		options.configure(&template)
	}

	channel, err := signaling.Dial(ctx, signaling.ClientConfig{
		URL:            file.Signaling.URL,
		Identity:       local,
		Clock:          clk,
		Logger:         logger,
		PingInterval:   file.Signaling.PingInterval.Std(),
		PongTimeout:    file.Signaling.PongTimeout.Std(),
		BackoffInitial: file.Signaling.BackoffInitial.Std(),
		BackoffMax:     file.Signaling.BackoffMax.Std(),
	})
	if err != nil {
		knownPeers.Close()
		local.Close()
		return nil, fmt.Errorf("connecting to %s: %w", file.Signaling.URL, err)
	}

	sup, err := supervisor.New(supervisor.Config{
		Signaling:  channel,
		Session:    template,
		Acceptor:   options.acceptor,
		AutoAccept: options.autoAccept,
		Logger:     logger,
	})
	if err != nil {
		channel.Disconnect()
		knownPeers.Close()
		local.Close()
		return nil, err
	}
	logger.Info("node online", "directory", file.Signaling.URL, "fingerprint", local.Fingerprint())
	return &node{local: local, knownPeers: knownPeers, supervisor: sup, logger: logger}, nil
}

// close shuts the supervisor down within budget and releases the
// identity and peer store.
func (n *node) close(ctx context.Context) error {
	var errs []error
	if err := n.supervisor.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := n.knownPeers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing known peers: %w", err))
	}
	if err := n.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing identity: %w", err))
	}
	return errors.Join(errs...)
}

// logEvents writes bus events to the logger until the bus closes or
// stop is closed.
func logEvents(logger *slog.Logger, events <-chan session.Event, stop <-chan struct{}) {
	for {
		var event session.Event
		select {
		case <-stop:
			return
		case received, ok := <-events:
			if !ok {
				return
			}
			event = received
		}
		switch event := event.(type) {
		case session.StateChanged:
			logger.Info("session state", "session_id", event.SessionID, "from", event.From.String(), "to", event.To.String())
		case session.PeerConnected:
			logger.Info("peer connected", "session_id", event.SessionID,
				"peer", event.Peer.ConnectionID.String(), "display_name", event.Peer.DisplayName, "fingerprint", event.Fingerprint)
		case session.PeerDisconnected:
			logger.Info("peer disconnected", "session_id", event.SessionID, "peer", event.Peer.String(), "reason", event.Reason)
		case session.InputReceived:
			logger.Debug("input", "session_id", event.SessionID, "kind", event.Input.Kind.String())
		case session.FrameReceived:
			logger.Debug("frame", "session_id", event.SessionID, "timestamp", event.Timestamp, "width", event.Dimensions.Width)
		case session.TransferProgress:
			logger.Info("transfer", "session_id", event.SessionID, "transfer_id", event.Transfer.TransferID,
				"status", event.Transfer.Status.String(), "chunks", event.Transfer.Bitmap.Count(), "of", event.Transfer.Bitmap.Length)
		case session.ErrorOccurred:
			level := slog.LevelWarn
			if event.Fatal {
				level = slog.LevelError
			}
			logger.Log(context.Background(), level, "session error", "session_id", event.SessionID,
				"kind", string(event.Err.Kind), "error", event.Err.Error())
		}
	}
}
