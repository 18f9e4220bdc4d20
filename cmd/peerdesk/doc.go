// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// peerdesk is the remote desktop node.
//
//	peerdesk identity              print the connection id and fingerprint
//	peerdesk host                  share the (synthetic) display
//	peerdesk connect 123-456-789   view a host
//
// Every subcommand reads the node config from --config or
// $PEERDESK_CONFIG and falls back to built-in defaults. Logs go to
// stderr as text on a terminal and JSON otherwise.
package main
