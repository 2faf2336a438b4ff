// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Classified execution failures. Callers branch with errors.Is; the
// concrete error values carry additional context via wrapping.
var (
	// ErrTimeout means this package killed the agent because its time
	// budget expired (the SIGTERM/SIGKILL escalation fired, or the
	// synchronous deadline passed). Never retried.
	ErrTimeout = errors.New("agent execution timed out")

	// ErrAborted means the agent died from a signal this package did
	// not send.
	ErrAborted = errors.New("agent terminated by signal")

	// ErrNoOutput means the agent failed without writing anything to
	// stderr, leaving no diagnostic to report.
	ErrNoOutput = errors.New("agent failed without diagnostic output")

	// ErrAgentTimeout means the agent itself reported a timeout
	// talking to its device, as opposed to this package timing the
	// agent out.
	ErrAgentTimeout = errors.New("agent reported a device timeout")

	// ErrNotSupported means the agent rejected the requested action
	// as unrecognised.
	ErrNotSupported = errors.New("agent does not support the requested action")

	// ErrParameterWrite means the parameter blob could not be fully
	// delivered to the agent's stdin. The attempt is abandoned before
	// the agent can act on partial input.
	ErrParameterWrite = errors.New("writing agent parameters failed")
)

// ExitError is a generic nonzero agent exit that matched none of the
// recognised failure patterns.
type ExitError struct {
	// Code is the agent's exit status.
	Code int

	// Stderr is the captured error output, possibly truncated.
	Stderr string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("agent exited with status %d", e.Code)
	}
	return fmt.Sprintf("agent exited with status %d: %s", e.Code, stderr)
}

// Result is the final outcome of executing an Action, after retries.
type Result struct {
	// Err classifies the failure; nil means the agent exited 0.
	Err error

	// ExitCode is the agent's exit status when it exited on its own,
	// and -1 when it was killed, timed out, or never ran.
	ExitCode int

	// Stdout and Stderr hold output captured from the final attempt.
	Stdout string
	Stderr string

	// Tries is the number of attempts made, including the final one.
	Tries int
}

// OK reports whether the action succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Error output phrases recognised during classification. These are
// conventions of the fencing agent ecosystem, matched against stderr
// of a nonzero exit. The timeout phrase deliberately omits the first
// letter so both "Timed out" and "timed out" match.
const (
	timeoutPhrase     = "imed out"
	unsupportedPhrase = "Unrecognised action"
)

// classifyExit maps a nonzero exit status to its failure. The refined
// form (asynchronous completion) inspects stderr; the raw form
// (synchronous completion) reports the bare status.
func classifyExit(code int, stderr string, refined bool) error {
	if !refined {
		return &ExitError{Code: code, Stderr: stderr}
	}
	switch {
	case stderr == "":
		return ErrNoOutput
	case strings.Contains(stderr, timeoutPhrase):
		return fmt.Errorf("%w: %s", ErrAgentTimeout, strings.TrimSpace(stderr))
	case strings.Contains(stderr, unsupportedPhrase):
		return fmt.Errorf("%w: %s", ErrNotSupported, strings.TrimSpace(stderr))
	}
	return &ExitError{Code: code, Stderr: stderr}
}
