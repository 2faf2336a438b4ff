// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotConnected is returned by operations that need a live
	// session, and resolves pending calls when the connection dies
	// under them.
	ErrNotConnected = errors.New("not connected to fencing daemon")

	// ErrProtocol covers malformed, mismatched, or field-missing
	// daemon traffic. Wrapped with detail at each site.
	ErrProtocol = errors.New("fencing daemon protocol error")

	// ErrInvalidArgument is returned before anything is sent when a
	// request cannot be expressed on the wire.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateSubscriber is returned by Subscribe when the exact
	// event/callback pair is already registered.
	ErrDuplicateSubscriber = errors.New("duplicate notification subscriber")

	// ErrTimeout is returned when a synchronous call outlives its
	// timeout plus the reply grace period, and is the code carried by
	// synthetic replies from expired fallback timers.
	ErrTimeout = errors.New("timed out waiting for fencing daemon")
)

// DaemonError carries a daemon result code through unchanged. The
// daemon uses errno-style codes: zero is success, negative values are
// failures.
type DaemonError struct {
	Op   string
	Code int
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("fencing daemon rejected %q with code %d", e.Op, e.Code)
}

// codeTimeout is the errno-style result code a fallback timer
// synthesizes when the daemon never answered a tracked call.
const codeTimeout = -int(unix.ETIME)

// daemonResult converts a reply code into the error surfaced by the
// typed operations: nil on success, *DaemonError on a failure code.
func daemonResult(op string, code int) error {
	if code < 0 {
		return &DaemonError{Op: op, Code: code}
	}
	return nil
}
