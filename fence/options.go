// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"log/slog"

	"github.com/palisade-cluster/palisade/agent"
	"github.com/palisade-cluster/palisade/lib/clock"
	"github.com/palisade-cluster/palisade/lib/secrets"
)

// DefaultSocketPath is where the fencing daemon listens when the
// caller does not say otherwise.
const DefaultSocketPath = "/run/palisade/fencer.sock"

// Options configures a Client. The zero value is usable: it connects
// to DefaultSocketPath on the real clock with logging discarded.
type Options struct {
	// SocketPath is the fencing daemon's unix socket.
	SocketPath string

	// ClientName identifies this client to the daemon. It appears in
	// daemon logs and in history records as the requesting client.
	ClientName string

	// Clock drives sync-call timeouts and callback fallback timers.
	// Defaults to the real clock.
	Clock clock.Clock

	// Logger receives dispatch warnings and dropped-message reports.
	// Defaults to a discard logger.
	Logger *slog.Logger

	// Source answers agent discovery queries (namespace resolution,
	// agent listing, metadata). Optional; without it namespace "any"
	// cannot be resolved and ListAgents/Metadata fail.
	Source agent.Source

	// Secrets substitutes secret device parameters during offline
	// validation. Optional; without it marker values pass through
	// untouched.
	Secrets *secrets.Store
}

// CallOptions is the per-call behavior bitmask carried in every
// envelope. Options combine with bitwise or.
type CallOptions uint32

const (
	// CallSync blocks the caller until the correlated reply arrives
	// or the wait times out.
	CallSync CallOptions = 1 << iota

	// CallDiscardReply drops the reply payload; only the result code
	// is examined.
	CallDiscardReply

	// CallSuccessOnly suppresses callback invocation for failure
	// codes.
	CallSuccessOnly

	// CallTimeoutUpdates lets daemon timeout-refresh messages re-arm
	// this call's fallback timer.
	CallTimeoutUpdates

	// CallLegacyNodeID marks the fence target as a numeric cluster
	// node id rather than a node name, for daemons that resolve names
	// themselves.
	CallLegacyNodeID

	// CallManualAck records a fencing action as already done by hand
	// instead of executing any device.
	CallManualAck

	// CallAllowSelfFence permits a request whose target is the
	// requesting node itself.
	CallAllowSelfFence
)
