// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// peerdesk-directory is the development signaling relay. It accepts
// websocket registrations at --path, routes envelopes between
// registered connection ids, and answers GET /healthz. It holds no
// state beyond the live registrations.
package main
