// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/palisade-cluster/palisade/lib/clock"
)

// killDelay is how long after SIGTERM the asynchronous escalation
// waits before SIGKILL.
const killDelay = 5 * time.Second

// syncReapGrace is the slack the synchronous path allows past the
// remaining timeout before SIGKILLing the group.
const syncReapGrace = time.Second

// maxCapturedOutput caps how much stdout or stderr is retained per
// attempt. The streams are always drained to EOF so the agent never
// blocks on a full pipe; bytes past the cap are discarded.
const maxCapturedOutput = 1 << 20

// cappedBuffer retains the first maxCapturedOutput bytes written and
// swallows the rest without failing the writer.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := maxCapturedOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
		return len(p), nil
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// childSession owns every transient resource of one attempt: the
// process, its process group, the output buffers, and the escalation
// timers. Each retry gets a fresh childSession, so no tracking state
// leaks between attempts.
type childSession struct {
	cmd    *exec.Cmd
	pgid   int
	stdout cappedBuffer
	stderr cappedBuffer

	termTimer *clock.Timer
	killTimer *clock.Timer

	timedOut bool
	waitErr  error
}

// signalGroup sends sig to the agent's whole process group, so
// helpers forked by the agent are reclaimed too. ESRCH from an
// already-gone group is harmless.
func (c *childSession) signalGroup(sig unix.Signal) {
	_ = unix.Kill(-c.pgid, sig)
}

// armEscalation schedules the two-stage timeout: SIGTERM to the group
// at remaining, SIGKILL at remaining plus killDelay. Both timers are
// armed up front so the SIGKILL backstop exists even if the SIGTERM
// handler itself wedges the agent.
func (c *childSession) armEscalation(clk clock.Clock, remaining time.Duration, logger *slog.Logger) {
	c.termTimer = clk.AfterFunc(remaining, func() {
		logger.Warn("agent timed out, sending SIGTERM to process group", "pgid", c.pgid)
		c.signalGroup(unix.SIGTERM)
	})
	c.killTimer = clk.AfterFunc(remaining+killDelay, func() {
		logger.Warn("agent survived SIGTERM, sending SIGKILL to process group", "pgid", c.pgid)
		c.signalGroup(unix.SIGKILL)
	})
}

// stopEscalation cancels pending escalation timers and records
// whether either had already fired. Stop returning false on a timer
// that was stopped exactly once means it fired, even if its callback
// has not finished running yet.
func (c *childSession) stopEscalation() {
	if c.termTimer == nil {
		return
	}
	termFired := !c.termTimer.Stop()
	killFired := !c.killTimer.Stop()
	if termFired || killFired {
		c.timedOut = true
	}
}

// spawnChild starts one attempt: a new process group, the parameter
// blob written to stdin, and the pipe closed before any waiting
// begins. A short or failed write kills the group and reaps it before
// returning, so the agent never acts on partial parameters.
func (a *Action) spawnChild() (*childSession, error) {
	a.tries++
	if a.tries == 1 {
		a.firstStart = a.clock.Now()
	}

	child := &childSession{cmd: exec.Command(a.agent)}
	child.cmd.Stdout = &child.stdout
	child.cmd.Stderr = &child.stderr
	child.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := child.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	if err := child.cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %q: %w", a.agent, err)
	}
	child.pgid = child.cmd.Process.Pid

	written, err := stdin.Write(a.args)
	if err == nil && written < len(a.args) {
		err = io.ErrShortWrite
	}
	_ = stdin.Close()
	if err != nil {
		child.signalGroup(unix.SIGKILL)
		_ = child.cmd.Wait()
		return nil, fmt.Errorf("%w: %v", ErrParameterWrite, err)
	}

	a.logger.Debug("agent started",
		"agent", a.agent, "action", a.verb, "pgid", child.pgid, "try", a.tries)
	return child, nil
}

// Execute runs the action to completion, blocking through retries.
// On context cancellation the process group is SIGKILLed and the
// context error reported without further retries.
func (a *Action) Execute(ctx context.Context) Result {
	for {
		child, err := a.spawnChild()
		if err != nil {
			a.result = Result{Err: err, ExitCode: -1, Tries: a.tries}
		} else {
			a.runSyncAttempt(ctx, child)
		}
		if a.result.Err == nil || ctx.Err() != nil {
			return a.result
		}
		retry, remaining := a.retryDecision()
		if !retry {
			return a.result
		}
		a.remaining = remaining
		a.logger.Info("retrying agent",
			"agent", a.agent, "action", a.verb, "try", a.tries+1, "remaining", remaining)
		a.clock.Sleep(retryDelay)
	}
}

// runSyncAttempt waits for the child with a single deadline at
// remaining plus the reap grace. On expiry the whole group is
// SIGKILLed and reaped; the result is the raw classification without
// stderr refinement.
func (a *Action) runSyncAttempt(ctx context.Context, child *childSession) {
	reaped := make(chan error, 1)
	go func() { reaped <- child.cmd.Wait() }()

	select {
	case err := <-reaped:
		child.waitErr = err
	case <-a.clock.After(a.remaining + syncReapGrace):
		child.timedOut = true
		child.signalGroup(unix.SIGKILL)
		child.waitErr = <-reaped
	case <-ctx.Done():
		child.signalGroup(unix.SIGKILL)
		<-reaped
		a.result = Result{
			Err:      fmt.Errorf("agent execution canceled: %w", ctx.Err()),
			ExitCode: -1,
			Stdout:   child.stdout.String(),
			Stderr:   child.stderr.String(),
			Tries:    a.tries,
		}
		return
	}
	a.result = a.classify(child, false)
}

// ExecuteAsync starts the action and returns immediately; the done
// callback fires exactly once with the final result, after all
// retries. An error is returned only when the first attempt cannot
// be spawned, in which case done never fires.
func (a *Action) ExecuteAsync(done DoneFunc) error {
	if done == nil {
		return errors.New("agent: ExecuteAsync requires a done callback")
	}
	child, err := a.spawnChild()
	if err != nil {
		return err
	}
	a.done = done
	go a.superviseAsync(child)
	return nil
}

// superviseAsync drives one asynchronous execution to completion:
// arm escalation, reap, classify with stderr refinement, and retry
// while the policy allows. A respawn failure during a retry becomes
// the final result rather than masking the earlier one.
func (a *Action) superviseAsync(child *childSession) {
	for {
		child.armEscalation(a.clock, a.remaining, a.logger)
		child.waitErr = child.cmd.Wait()
		child.stopEscalation()
		a.result = a.classify(child, true)

		if a.result.Err == nil {
			break
		}
		retry, remaining := a.retryDecision()
		if !retry {
			break
		}
		a.remaining = remaining
		a.logger.Info("retrying agent",
			"agent", a.agent, "action", a.verb, "try", a.tries+1, "remaining", remaining)
		a.clock.Sleep(retryDelay)

		next, err := a.spawnChild()
		if err != nil {
			a.result = Result{Err: err, ExitCode: -1, Tries: a.tries}
			break
		}
		child = next
	}
	a.done(a.result)
}

// retryDecision applies the retry policy to the action's current
// state.
func (a *Action) retryDecision() (bool, time.Duration) {
	elapsed := a.clock.Now().Sub(a.firstStart)
	return shouldRetry(a.tries, a.maxRetries, a.result.Err, elapsed, a.timeout)
}

// classify turns a reaped attempt into a Result. Priority order: an
// escalation or deadline timeout wins over everything, even a clean
// exit that raced the kill; then death by a foreign signal; then the
// exit status, refined through stderr in asynchronous mode.
func (a *Action) classify(child *childSession, refined bool) Result {
	result := Result{
		ExitCode: -1,
		Stdout:   child.stdout.String(),
		Stderr:   child.stderr.String(),
		Tries:    a.tries,
	}

	var exitErr *exec.ExitError
	switch {
	case child.timedOut:
		result.Err = ErrTimeout
	case child.waitErr == nil:
		result.ExitCode = 0
	case errors.As(child.waitErr, &exitErr):
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Err = fmt.Errorf("%w %v", ErrAborted, status.Signal())
			break
		}
		result.ExitCode = exitErr.ExitCode()
		result.Err = classifyExit(result.ExitCode, result.Stderr, refined)
	default:
		result.Err = fmt.Errorf("waiting for agent: %w", child.waitErr)
	}

	if result.Err != nil {
		a.logger.Debug("agent attempt failed",
			"agent", a.agent, "action", a.verb, "try", a.tries, "error", result.Err)
	}
	return result
}
