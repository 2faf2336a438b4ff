// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time operations for testability. Production code
// injects Real(); tests inject Fake() with deterministic time control.
//
// Every production function that calls time.Now, time.After,
// time.AfterFunc, or time.Sleep should accept a Clock parameter (or be
// a method on a struct with a Clock field) instead of calling the time
// package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After. If d <= 0, the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real) or synchronously during Advance (fake).
	// Returns a Timer whose Stop cancels the pending call and whose
	// Reset re-arms it, including after it has fired. If d <= 0, f
	// runs immediately.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep pauses the current goroutine for at least duration d.
	// Equivalent to time.Sleep.
	Sleep(d time.Duration)
}

// Timer is a scheduled one-shot event created by AfterFunc. It has no
// channel; the event is the function call. Timers are re-armable: a
// fallback timer that fired once can be Reset to watch a refreshed
// deadline.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the Timer from firing. Returns true if the call stops
// the timer, false if the timer has already fired or been stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset changes the timer to fire after duration d, re-activating it
// if it already fired or was stopped. Returns true if the timer was
// still pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
