// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/palisade-cluster/palisade/lib/clock"
)

// ActionOptions configures one fencing agent invocation.
type ActionOptions struct {
	// Agent is the executable name, resolved through PATH.
	Agent string

	// Action is the verb: off, on, reboot, monitor, status, list,
	// validate-all. The emitted verb may be remapped by a
	// pcmk_<verb>_action parameter; the Action's identity keeps this
	// one.
	Action string

	// Target optionally names the node being fenced. When set, the
	// victim is also passed as nodename, nodeid (if TargetID is
	// nonzero), and the agent's host argument.
	Target string

	// TargetID is the cluster-layer numeric id of the target, zero
	// when unknown.
	TargetID uint32

	// Timeout is the full time budget for the action across all
	// attempts.
	Timeout time.Duration

	// Parameters is the device configuration. Keys carrying the
	// pcmk_ prefix or the CRM_meta marker, and crm_feature_set, are
	// consumed here and never reach the agent.
	Parameters map[string]string

	// PortMap optionally maps a target node name to the port alias
	// the device knows it by.
	PortMap map[string]string

	// Clock defaults to clock.Real(). Tests inject a fake to drive
	// the escalation timers.
	Clock clock.Clock

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Action is one fencing agent invocation with its retry state. Build
// it with NewAction, run it with Execute or ExecuteAsync, and read
// the outcome with Result. An Action must not be inspected while an
// execution is in flight, and must not be executed twice
// concurrently.
type Action struct {
	agent    string
	verb     string
	target   string
	targetID uint32
	args     []byte

	timeout    time.Duration
	remaining  time.Duration
	maxRetries int
	tries      int
	firstStart time.Time

	clock  clock.Clock
	logger *slog.Logger

	done   DoneFunc
	result Result
}

// DoneFunc receives the final Result of an asynchronous execution,
// after all retries. It runs on the action's supervision goroutine.
type DoneFunc func(result Result)

// NewAction builds an Action and serializes its argument blob. The
// blob is fixed at creation; retries resend the same parameters.
func NewAction(options ActionOptions) *Action {
	action := &Action{
		agent:      options.Agent,
		verb:       options.Action,
		target:     options.Target,
		targetID:   options.TargetID,
		args:       argumentBlob(options),
		timeout:    options.Timeout,
		remaining:  options.Timeout,
		maxRetries: defaultMaxRetries,
		clock:      options.Clock,
		logger:     options.Logger,
	}
	if value, ok := options.Parameters[retriesKey(options.Action)]; ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			action.maxRetries = parsed
		}
	}
	if action.clock == nil {
		action.clock = clock.Real()
	}
	if action.logger == nil {
		action.logger = slog.New(slog.DiscardHandler)
	}
	return action
}

// Result returns the final outcome. Valid only after Execute returns
// or the ExecuteAsync done callback has fired.
func (a *Action) Result() Result { return a.result }

// Arguments returns the serialized parameter blob exactly as the
// agent receives it on stdin.
func (a *Action) Arguments() []byte { return a.args }
