// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/version"
	"github.com/bureau-foundation/peerdesk/signaling"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	var (
		listenAddress string
		path          string
		verbose       bool
		showVersion   bool
	)
	flagSet := pflag.NewFlagSet("peerdesk-directory", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&listenAddress, "listen", "127.0.0.1:7420", "address to listen on")
	flagSet.StringVar(&path, "path", "/signal", "websocket endpoint path")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "peerdesk-directory %s\n", version.Info())
		return nil
	}
	if flagSet.NArg() != 0 {
		return fmt.Errorf("unexpected argument %q", flagSet.Arg(0))
	}

	logger := newLogger(stderr, verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddress, err)
	}
	return serve(ctx, listener, path, clock.Real(), logger)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	if file, ok := w.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

// newHandler mounts the directory at path next to a health check.
func newHandler(directory *signaling.Directory, path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, directory)
	mux.HandleFunc("GET /healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(writer, "ok")
	})
	return mux
}

// serve runs the directory on listener until ctx ends.
func serve(ctx context.Context, listener net.Listener, path string, clk clock.Clock, logger *slog.Logger) error {
	directory := signaling.NewDirectory(clk, logger)
	server := &http.Server{
		Handler:           newHandler(directory, path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("directory listening", "address", listener.Addr().String(), "path", path, "version", version.Version)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("directory shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	})
	return group.Wait()
}
