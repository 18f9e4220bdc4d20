// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sink defines where a session delivers what it receives:
// input events on a host go to an [Injector], decoded frames and audio
// on a viewer go to a [Renderer].
//
// Platform back-ends implement these contracts outside this module.
// The package provides implementations that log ([LogInjector],
// [LogRenderer]) for headless nodes and implementations that record
// ([RecordingInjector], [RecordingRenderer]) for tests and tooling.
package sink
