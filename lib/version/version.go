// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build metadata for peerdesk binaries.
//
// Release builds inject the variables with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/peerdesk/lib/version.Commit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags -X.
var (
	Version   = "0.1.0-dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the one-line string printed by --version.
func Info() string {
	return fmt.Sprintf("%s (%s, %s, %s/%s)", Version, Commit, BuildTime, runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies this build to the signaling directory.
func UserAgent() string {
	return "peerdesk/" + Version
}
