// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

// Package fence is the client side of the Palisade fencing daemon
// protocol: a long-lived session over a unix socket carrying CBOR
// envelopes.
//
// A Client correlates requests and replies by call id. Calls run
// synchronously (the caller blocks for the correlated reply) or
// asynchronously, where the reply is delivered to a callback
// registered against the call id, backed by a fallback timer that
// synthesizes a timeout if the daemon never answers. Server-pushed
// notifications (fencing results, device and topology changes,
// history updates) fan out to subscribers in registration order from
// a single dispatch goroutine, which is the only reader of the
// connection.
//
// The typed operations cover the daemon surface: device and topology
// registration, target queries, device actions, fencing requests,
// and history. Validate runs an agent's validate-all action locally
// without the daemon; Kick and LastFencedTime are self-contained
// helpers that manage their own short-lived session.
package fence
