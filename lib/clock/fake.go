// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. The zero value is not usable;
// construct with [NewFake].
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

type pendingTimer struct {
	deadline time.Time
	period   time.Duration // non-zero for tickers

	channel  chan time.Time
	callback func()

	cancelled bool
}

// NewFake returns a fake clock reading start.
func NewFake(start time.Time) *Fake {
	fake := &Fake{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

var _ Clock = (*Fake)(nil)

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After implements Clock.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.addLocked(&pendingTimer{deadline: f.now.Add(d), channel: channel})
	return channel
}

// AfterFunc implements Clock. A non-positive duration runs callback
// before AfterFunc returns.
func (f *Fake) AfterFunc(d time.Duration, callback func()) *Timer {
	if d <= 0 {
		callback()
		return &Timer{}
	}
	entry := &pendingTimer{callback: callback}
	f.mu.Lock()
	entry.deadline = f.now.Add(d)
	f.addLocked(entry)
	f.mu.Unlock()
	return &Timer{stop: func() bool { return f.cancel(entry) }}
}

// NewTicker implements Clock.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: ticker interval must be positive")
	}
	channel := make(chan time.Time, 1)
	entry := &pendingTimer{period: d, channel: channel}
	f.mu.Lock()
	entry.deadline = f.now.Add(d)
	f.addLocked(entry)
	f.mu.Unlock()
	return &Ticker{
		C:    channel,
		stop: func() { f.cancel(entry) },
		reset: func(interval time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			entry.period = interval
			entry.deadline = f.now.Add(interval)
			if entry.cancelled {
				entry.cancelled = false
				f.addLocked(entry)
			}
		},
	}
}

// Advance moves time forward by d, firing every timer whose deadline
// is reached in deadline order. Tickers fire once per elapsed period.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		firedAt := f.now
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			f.removeLocked(next)
		}
		f.mu.Unlock()

		if next.callback != nil {
			next.callback()
			continue
		}
		select {
		case next.channel <- firedAt:
		default:
		}
	}
}

// BlockUntil waits until at least count timers are pending.
func (f *Fake) BlockUntil(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) < count {
		f.changed.Wait()
	}
}

// Pending returns the number of armed timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fake) addLocked(entry *pendingTimer) {
	f.pending = append(f.pending, entry)
	f.changed.Broadcast()
}

func (f *Fake) removeLocked(entry *pendingTimer) {
	f.pending = slices.DeleteFunc(f.pending, func(candidate *pendingTimer) bool {
		return candidate == entry
	})
	f.changed.Broadcast()
}

func (f *Fake) cancel(entry *pendingTimer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.cancelled || !slices.Contains(f.pending, entry) {
		return false
	}
	entry.cancelled = true
	f.removeLocked(entry)
	return true
}

// nextDueLocked returns the earliest timer due at or before target.
// Ties resolve in registration order.
func (f *Fake) nextDueLocked(target time.Time) *pendingTimer {
	var earliest *pendingTimer
	for _, entry := range f.pending {
		if entry.deadline.After(target) {
			continue
		}
		if earliest == nil || entry.deadline.Before(earliest.deadline) {
			earliest = entry
		}
	}
	return earliest
}
