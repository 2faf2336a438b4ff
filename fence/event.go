// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"time"
)

// Notification event names, used both as Subscribe arguments and as
// envelope subtypes on the wire. Disconnect is synthesized locally
// when the session ends; the rest are pushed by the daemon.
const (
	NotifyFence          = "fence"
	NotifyDisconnect     = "disconnect"
	NotifyDeviceRegister = "device_register"
	NotifyDeviceRemove   = "device_remove"
	NotifyLevelRegister  = "level_register"
	NotifyLevelRemove    = "level_remove"
	NotifyHistory        = "history"
)

// Event is a decoded notification. Result is populated for every
// event; the remaining fields are populated from the nested document
// of fence events and stay zero for the other subtypes.
type Event struct {
	Result      int    `cbor:"-"`
	Operation   string `cbor:"operation,omitempty"`
	Origin      string `cbor:"origin,omitempty"`
	Action      string `cbor:"action,omitempty"`
	Target      string `cbor:"target,omitempty"`
	Executioner string `cbor:"executioner,omitempty"`
	OperationID string `cbor:"operation_id,omitempty"`
	Client      string `cbor:"client,omitempty"`
	Device      string `cbor:"device,omitempty"`
}

// HistoryState is the lifecycle state of a fencing operation in the
// daemon's history.
type HistoryState int

const (
	StateQuery HistoryState = iota
	StateExecuting
	StateDone
	StateFailed
)

// StateUnknown is what foreign or future state names decode to.
const StateUnknown HistoryState = -1

func (s HistoryState) String() string {
	switch s {
	case StateQuery:
		return "query"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state in its wire form. HistoryState
// travels as text in CBOR documents.
func (s HistoryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a wire state name. Unknown names decode to
// StateUnknown rather than erroring, so history from a newer daemon
// still lists.
func (s *HistoryState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "query":
		*s = StateQuery
	case "executing":
		*s = StateExecuting
	case "done":
		*s = StateDone
	case "failed":
		*s = StateFailed
	default:
		*s = StateUnknown
	}
	return nil
}

// HistoryRecord is one fencing operation from the daemon's history.
type HistoryRecord struct {
	// Target is the node the operation was aimed at.
	Target string `cbor:"target"`

	// Action is the fencing action requested.
	Action string `cbor:"action"`

	// Origin is the node the request originated from.
	Origin string `cbor:"origin,omitempty"`

	// Delegate is the node that ran the device, when the operation
	// got that far.
	Delegate string `cbor:"delegate,omitempty"`

	// Client is the requesting client's name.
	Client string `cbor:"client,omitempty"`

	// Completed is when the operation reached a terminal state, zero
	// while it is still in flight.
	Completed time.Time `cbor:"completed,omitempty"`

	// State is where the operation is in its lifecycle.
	State HistoryState `cbor:"state"`
}
