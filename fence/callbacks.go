// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/palisade-cluster/palisade/lib/clock"
)

// replyGrace is the slack granted past a call's own timeout before
// the client stops believing the daemon will answer. Shared by the
// synchronous reply wait and the callback fallback timers.
const replyGrace = 60 * time.Second

// CallbackFunc receives the outcome of a tracked asynchronous call:
// the call id, the daemon's errno-style result code, and the opaque
// value given at registration.
type CallbackFunc func(callID, code int, userData any)

// callbackEntry is one tracked call. It lives from registration until
// a matching reply is delivered, its fallback timer fires, or it is
// removed explicitly.
type callbackEntry struct {
	options  CallOptions
	userData any
	fn       CallbackFunc
	timer    *clock.Timer
}

// callbackRegistry maps call ids to callbacks, plus one session-wide
// default slot. The default is not a table entry under key zero: it
// never matches a reply by id, catches only replies no entry claims,
// and survives RemoveCallback of real ids.
type callbackRegistry struct {
	clk    clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	entries      map[int]*callbackEntry
	defaultEntry *callbackEntry
}

// register tracks a call. A zero callID installs the default
// callback; a negative callID is a call that already failed, so fn
// runs immediately with that code (unless suppressed by
// CallSuccessOnly) and nothing is stored. Returns true only when an
// entry was stored.
func (r *callbackRegistry) register(callID int, timeout time.Duration, options CallOptions, userData any, fn CallbackFunc) bool {
	if callID == 0 {
		r.mu.Lock()
		r.defaultEntry = &callbackEntry{options: options, userData: userData, fn: fn}
		r.mu.Unlock()
		return false
	}
	if callID < 0 {
		if options&CallSuccessOnly == 0 {
			fn(callID, callID, userData)
		}
		return false
	}

	entry := &callbackEntry{options: options, userData: userData, fn: fn}
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[int]*callbackEntry)
	}
	r.entries[callID] = entry
	if timeout > 0 {
		// Backstop in case the daemon never answers: synthesize a
		// timeout reply through the normal delivery path.
		entry.timer = r.clk.AfterFunc(timeout+replyGrace, func() {
			r.deliver(callID, codeTimeout)
		})
	}
	r.mu.Unlock()
	return true
}

// deliver routes a reply code to the tracked call, removing it. Only
// positive ids can match an entry; a matched entry consumes the reply.
// The default callback fires only on a lookup miss. A failure code
// that matches nothing and has no default is logged.
func (r *callbackRegistry) deliver(callID, code int) {
	var entry *callbackEntry
	r.mu.Lock()
	if callID > 0 {
		if found, ok := r.entries[callID]; ok {
			delete(r.entries, callID)
			entry = found
		}
	}
	fallback := r.defaultEntry
	r.mu.Unlock()

	if entry != nil {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if code >= 0 || entry.options&CallSuccessOnly == 0 {
			entry.fn(callID, code, entry.userData)
		}
		return
	}
	switch {
	case fallback != nil:
		if code >= 0 || fallback.options&CallSuccessOnly == 0 {
			fallback.fn(callID, code, fallback.userData)
		}
	case code < 0:
		r.logger.Warn("no callback for failed call", "call_id", callID, "code", code)
	}
}

// refresh re-arms the fallback timer of a tracked call to the new
// timeout plus grace. Only entries registered with CallTimeoutUpdates
// participate.
func (r *callbackRegistry) refresh(callID int, timeout time.Duration) {
	r.mu.Lock()
	var timer *clock.Timer
	if entry, ok := r.entries[callID]; ok && entry.options&CallTimeoutUpdates != 0 {
		timer = entry.timer
	}
	r.mu.Unlock()
	if timer != nil {
		timer.Reset(timeout + replyGrace)
	}
}

// remove drops one entry and stops its timer. A zero callID clears
// the default callback instead.
func (r *callbackRegistry) remove(callID int) {
	r.mu.Lock()
	if callID == 0 {
		r.defaultEntry = nil
		r.mu.Unlock()
		return
	}
	entry := r.entries[callID]
	delete(r.entries, callID)
	r.mu.Unlock()

	if entry != nil && entry.timer != nil {
		entry.timer.Stop()
	}
}

// removeAll clears every entry, every timer, and the default slot.
func (r *callbackRegistry) removeAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.defaultEntry = nil
	r.mu.Unlock()

	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

// has reports whether a call id is tracked.
func (r *callbackRegistry) has(callID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[callID]
	return ok
}

// RegisterCallback tracks an in-flight call so its eventual reply, or
// a synthesized timeout if none comes within timeout plus a grace
// period, is delivered to fn. A callID of zero installs fn as the
// session-wide default callback, which runs only for replies matching
// no registration; a negative callID invokes fn immediately with that
// code. Returns true when an entry was stored for a real call id.
//
// Registered callbacks survive disconnection; their fallback timers
// still fire. RemoveAllCallbacks clears them.
func (c *Client) RegisterCallback(callID int, timeout time.Duration, options CallOptions, userData any, fn CallbackFunc) bool {
	if fn == nil {
		return false
	}
	return c.callbacks.register(callID, timeout, options, userData, fn)
}

// RemoveCallback stops tracking a call. The daemon may still answer;
// a late reply then routes to the default callback if one is
// installed.
func (c *Client) RemoveCallback(callID int) {
	c.callbacks.remove(callID)
}

// RemoveAllCallbacks clears the registry and the default callback.
func (c *Client) RemoveAllCallbacks() {
	c.callbacks.removeAll()
}
