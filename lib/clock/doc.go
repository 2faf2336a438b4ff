// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, time.AfterFunc, or time.Sleep directly. In
// production, Real() provides the standard library behavior. In tests,
// Fake() provides a deterministic clock that advances only when Advance
// is called.
//
// The fencing engine is timer-heavy: agent execution escalates SIGTERM
// to SIGKILL on a fixed schedule, synchronous daemon calls give up after
// a grace period, and every registered callback can carry a fallback
// timer against a daemon that never answers. All of those schedules run
// on a Clock so tests assert firing order instead of sleeping.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Client struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	c := &Client{clock: clock.Real()}
//
// In tests:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	c := &Client{clock: fake}
//	// ... start goroutines ...
//	fake.WaitForTimers(1)            // wait for a timer to register
//	fake.Advance(10 * time.Second)   // fire it deterministically
//
// # FakeClock Synchronization
//
// When a goroutine calls Sleep, After, or AfterFunc on a FakeClock, it
// registers a pending timer. Use WaitForTimers to block until a
// specific number of timers are registered before calling Advance. This
// eliminates the race between timer registration and time advancement
// that plagues tests using time.Sleep for synchronization.
package clock
