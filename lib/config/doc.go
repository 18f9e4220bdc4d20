// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the peerdesk node configuration.
//
// A node reads exactly one file, named by the --config flag or the
// PEERDESK_CONFIG environment variable. YAML is the native format;
// files ending in .json or .jsonc are accepted too, with comments and
// trailing commas stripped by tidwall/jsonc before parsing. Values
// absent from the file keep the defaults from [Default].
//
// Path values may reference ${HOME} and ${PEERDESK_ROOT}, with an
// optional ${VAR:-fallback}. [Config.Validate] reports every problem
// at once. Range checks for media, crypto and transport parameters
// live in the fallible constructors of the packages that own them;
// this package only guarantees the file is structurally sound.
package config
