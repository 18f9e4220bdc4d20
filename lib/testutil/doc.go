// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the channel helpers shared by peerdesk tests.
//
// Real wall-clock waits appear only here: each helper bounds a channel
// operation with a timeout so a broken test fails instead of hanging.
// Everything that measures time inside the code under test uses a
// fake clock from lib/clock.
package testutil
