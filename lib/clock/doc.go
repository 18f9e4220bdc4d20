// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in peerdesk.
//
// Session timeouts, the adaptive controller ticker, pacer refill,
// signaling backoff and transfer cancel grace all read time through a
// [Clock] instead of the time package. Production wiring passes
// [Real]; tests pass a [Fake] and move time forward with
// [Fake.Advance], which makes timeout and hysteresis tests
// deterministic.
//
// A goroutine that arms a timer races with the test that advances the
// clock. [Fake.BlockUntil] closes that race: it waits until the
// expected number of timers is pending.
package clock
