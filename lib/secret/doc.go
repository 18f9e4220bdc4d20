// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps key material out of swap and core dumps.
//
// A [Buffer] is an anonymous mmap region locked with mlock and marked
// MADV_DONTDUMP. Identity seeds and session shared secrets live in
// Buffers for as long as they are needed and are zeroed on Close.
// When the process is not allowed to lock memory (RLIMIT_MEMLOCK
// exhausted, unprivileged containers) the buffer falls back to
// ordinary heap memory and [Buffer.Locked] reports false; zeroing on
// Close still happens.
package secret
