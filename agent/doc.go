// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent executes fencing agents as subprocesses.
//
// A fencing agent is an external executable that knows how to power
// off, reboot, or interrogate one class of fencing device. The agent
// protocol is deliberately primitive: parameters arrive as
// key=value lines on standard input, results leave as the exit status
// plus whatever the agent printed. This package owns that boundary:
// it serializes parameters (filtering cluster-internal keys that
// agents must never see), spawns the agent in its own process group,
// enforces a two-stage SIGTERM/SIGKILL timeout escalation, captures
// output, classifies the outcome, and retries transient failures
// within the action's time budget.
//
// An Action is built once with NewAction and executed with Execute
// (blocking) or ExecuteAsync (completion callback). The Action must
// not be inspected while an execution is in flight; after Execute
// returns or the done callback fires, Result holds the final outcome
// including output from the last attempt.
//
// All timers run on a lib/clock.Clock, so escalation order is
// testable without wall-clock waits.
//
// The package also defines the agent family Namespace enum and the
// Source interface through which family-specific discovery and
// metadata backends are reached; this module deliberately contains no
// such backend.
package agent
