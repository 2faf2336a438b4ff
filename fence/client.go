// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/palisade-cluster/palisade/agent"
	"github.com/palisade-cluster/palisade/lib/clock"
	"github.com/palisade-cluster/palisade/lib/codec"
	"github.com/palisade-cluster/palisade/lib/secrets"
)

// dialTimeout is the maximum time to wait for the unix socket
// connection itself, separate from any call timeout.
const dialTimeout = 5 * time.Second

// signonReadTimeout bounds the wait for the daemon's signon reply,
// which is read inline before the reader goroutine exists. This is a
// wall-clock socket deadline, not an injected-clock timer.
const signonReadTimeout = 10 * time.Second

// defaultCallTimeout is the per-call timeout used when the caller
// passes zero.
const defaultCallTimeout = 120 * time.Second

// Client is a session with the fencing daemon. Construct with New,
// establish with Connect. All methods are safe for concurrent use;
// Connect must not race itself.
type Client struct {
	socketPath string
	clientName string
	clk        clock.Clock
	logger     *slog.Logger
	source     agent.Source
	secrets    *secrets.Store

	callbacks callbackRegistry
	notify    notifyRegistry

	// writeMu serializes envelope writes; enc is bound to the current
	// connection.
	writeMu sync.Mutex
	enc     *codec.Encoder

	mu         sync.Mutex
	conn       net.Conn
	token      string
	connected  bool
	nextCallID int
	waiters    []*syncWaiter
	readerDone chan struct{}
}

// syncWaiter is one blocked synchronous call. The reader resolves it
// with the correlated reply or an error; the channel is buffered so
// resolution never blocks dispatch even if the waiter already gave
// up.
type syncWaiter struct {
	callID int
	ch     chan syncOutcome
}

type syncOutcome struct {
	env *envelope
	err error
}

// Reply is the outcome of Send. For asynchronous calls only CallID is
// populated; for synchronous calls Code carries the daemon's result
// and Payload the reply document unless CallDiscardReply was set.
type Reply struct {
	CallID  int
	Code    int
	Payload codec.RawMessage
}

// New builds a disconnected client from options, applying defaults
// for anything left zero.
func New(options Options) *Client {
	if options.SocketPath == "" {
		options.SocketPath = DefaultSocketPath
	}
	if options.ClientName == "" {
		options.ClientName = "palisade"
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	client := &Client{
		socketPath: options.SocketPath,
		clientName: options.ClientName,
		clk:        options.Clock,
		logger:     options.Logger,
		source:     options.Source,
		secrets:    options.Secrets,
	}
	client.callbacks.clk = options.Clock
	client.callbacks.logger = options.Logger
	return client
}

// Connect dials the daemon, performs the signon exchange, and starts
// the reader goroutine. Any failure leaves the client disconnected
// with the socket closed. The signon grants the session token quoted
// on every later call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to fencing daemon: %w", err)
	}

	enc := codec.NewEncoder(conn)
	dec := codec.NewDecoder(conn)

	signon := &envelope{Type: msgTypeCommand, Op: opRegister, ClientName: c.clientName}
	if err := enc.Encode(signon); err != nil {
		conn.Close()
		return fmt.Errorf("sending signon: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(signonReadTimeout))
	var reply envelope
	if err := dec.Decode(&reply); err != nil {
		conn.Close()
		return fmt.Errorf("reading signon reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if reply.Op != opRegister || reply.ClientID == "" {
		conn.Close()
		return fmt.Errorf("%w: signon reply carries no client token", ErrProtocol)
	}

	c.writeMu.Lock()
	c.enc = enc
	c.writeMu.Unlock()

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.token = reply.ClientID
	c.connected = true
	c.readerDone = done
	c.mu.Unlock()

	c.logger.Debug("connected to fencing daemon",
		"socket", c.socketPath, "client_id", reply.ClientID)
	go c.readLoop(dec, done)
	return nil
}

// Disconnect closes the session. Idempotent. The exiting reader fails
// any blocked synchronous calls and synthesizes the disconnect
// notification; registered callbacks stay registered.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.token = ""
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether the session is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one operation to the daemon. With CallSync it blocks
// until the correlated reply arrives, the timeout plus grace period
// elapses on the client clock, or ctx is canceled; otherwise it
// returns the allocated call id immediately for use with
// RegisterCallback. A zero timeout means the default call timeout.
//
// Send is the raw surface under the typed operations; it reports the
// daemon's result code without interpreting it.
func (c *Client) Send(ctx context.Context, op string, payload any, options CallOptions, timeout time.Duration) (*Reply, error) {
	if op == "" {
		return nil, fmt.Errorf("%w: empty operation", ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	token := c.token
	callID := c.nextCallIDLocked()
	var waiter *syncWaiter
	if options&CallSync != 0 {
		waiter = &syncWaiter{callID: callID, ch: make(chan syncOutcome, 1)}
		c.waiters = append(c.waiters, waiter)
	}
	c.mu.Unlock()

	env := &envelope{
		Type:        msgTypeCommand,
		Op:          op,
		ClientName:  c.clientName,
		Token:       token,
		CallID:      callID,
		CallOptions: options,
		Timeout:     int(timeout / time.Second),
	}
	if payload != nil {
		raw, err := codec.Marshal(payload)
		if err != nil {
			c.removeWaiter(waiter)
			return nil, fmt.Errorf("encoding %s payload: %w", op, err)
		}
		env.packPayload(raw)
	}

	if err := c.writeEnvelope(env); err != nil {
		c.removeWaiter(waiter)
		// A failed write means the connection is dead; drop it so
		// later calls fail fast.
		c.Disconnect()
		return nil, fmt.Errorf("sending %s: %w", op, err)
	}

	if waiter == nil {
		return &Reply{CallID: callID}, nil
	}

	select {
	case outcome := <-waiter.ch:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return buildReply(op, outcome.env, options)
	case <-c.clk.After(timeout + replyGrace):
		c.removeWaiter(waiter)
		return nil, fmt.Errorf("%w: no reply to %s call %d", ErrTimeout, op, callID)
	case <-ctx.Done():
		c.removeWaiter(waiter)
		return nil, ctx.Err()
	}
}

// nextCallIDLocked allocates a call id. Ids stay within positive
// int32 range and wrap back to 1, never 0 or negative.
func (c *Client) nextCallIDLocked() int {
	c.nextCallID++
	if c.nextCallID > math.MaxInt32 {
		c.nextCallID = 1
	}
	return c.nextCallID
}

func (c *Client) writeEnvelope(env *envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.enc == nil {
		return ErrNotConnected
	}
	return c.enc.Encode(env)
}

func (c *Client) removeWaiter(waiter *syncWaiter) {
	if waiter == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, candidate := range c.waiters {
		if candidate == waiter {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// buildReply validates and unpacks a correlated reply envelope.
func buildReply(op string, env *envelope, options CallOptions) (*Reply, error) {
	if env.RC == nil {
		return nil, fmt.Errorf("%w: reply to %s carries no result code", ErrProtocol, op)
	}
	reply := &Reply{CallID: env.CallID, Code: *env.RC}
	if options&CallDiscardReply == 0 {
		payload, err := env.unpackPayload()
		if err != nil {
			return nil, fmt.Errorf("reply to %s: %w", op, err)
		}
		reply.Payload = payload
	}
	return reply, nil
}

// readLoop owns the inbound stream. It is the single dispatch point:
// every reply, notification, and timeout refresh passes through here
// serially, which is what keeps notification order and one-at-a-time
// callback invocation. Exits when the stream dies, tearing the
// session down.
func (c *Client) readLoop(dec *codec.Decoder, done chan struct{}) {
	defer close(done)
	for {
		var raw codec.RawMessage
		if err := dec.Decode(&raw); err != nil {
			c.teardown(err)
			return
		}
		var env envelope
		if err := codec.Unmarshal(raw, &env); err != nil {
			// Well-framed but unintelligible: drop it, keep the
			// session.
			diag, _ := codec.Diagnose(raw)
			c.logger.Warn("dropping undecodable message", "error", err, "message", diag)
			continue
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *envelope) {
	switch env.Type {
	case msgTypeCommand:
		c.dispatchReply(env)
	case msgTypeNotify:
		c.dispatchNotification(env)
	case msgTypeTimeoutUpdate:
		c.callbacks.refresh(env.CallID, time.Duration(env.Timeout)*time.Second)
	default:
		c.logger.Warn("dropping message of unknown type", "type", env.Type, "op", env.Op)
	}
}

// dispatchReply routes a command reply: first to the blocked
// synchronous call with the matching id, then to a registered
// callback. A reply that matches neither while synchronous calls are
// blocked is a correlation failure: the oldest waiter resolves with a
// protocol error and the payload is discarded. With no waiters the
// callback registry's default/warn path takes it.
func (c *Client) dispatchReply(env *envelope) {
	c.mu.Lock()
	waiter := c.takeWaiterLocked(env.CallID)
	c.mu.Unlock()
	if waiter != nil {
		waiter.ch <- syncOutcome{env: env}
		return
	}

	if env.CallID > 0 && c.callbacks.has(env.CallID) {
		c.deliverReplyToCallbacks(env)
		return
	}

	c.mu.Lock()
	var oldest *syncWaiter
	if len(c.waiters) > 0 {
		oldest = c.waiters[0]
		c.waiters = c.waiters[1:]
	}
	c.mu.Unlock()
	if oldest != nil {
		c.logger.Warn("reply matches no pending call",
			"call_id", env.CallID, "op", env.Op, "oldest_pending", oldest.callID)
		oldest.ch <- syncOutcome{err: fmt.Errorf("%w: reply for call %d arrived while call %d was pending",
			ErrProtocol, env.CallID, oldest.callID)}
		return
	}
	c.deliverReplyToCallbacks(env)
}

func (c *Client) takeWaiterLocked(callID int) *syncWaiter {
	if callID <= 0 {
		return nil
	}
	for i, waiter := range c.waiters {
		if waiter.callID == callID {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return waiter
		}
	}
	return nil
}

func (c *Client) deliverReplyToCallbacks(env *envelope) {
	if env.RC == nil {
		c.logger.Warn("dropping reply without result code", "call_id", env.CallID, "op", env.Op)
		return
	}
	c.callbacks.deliver(env.CallID, *env.RC)
}

// dispatchNotification decodes and fans out a server-pushed event.
// Only fence events carry a nested document; for the rest the result
// code is all there is.
func (c *Client) dispatchNotification(env *envelope) {
	if env.Subtype == "" {
		c.logger.Warn("dropping notification without subtype")
		return
	}
	var data Event
	if env.RC != nil {
		data.Result = *env.RC
	}
	if env.Subtype == NotifyFence {
		payload, err := env.unpackPayload()
		if err != nil {
			c.logger.Warn("dropping fence notification", "error", err)
			return
		}
		if len(payload) > 0 {
			if err := codec.Unmarshal(payload, &data); err != nil {
				diag, _ := codec.Diagnose(payload)
				c.logger.Warn("dropping undecodable fence notification", "error", err, "payload", diag)
				return
			}
		}
	}
	c.notify.fanout(env.Subtype, data)
}

// teardown runs exactly once per established connection, from the
// reader. It flushes blocked synchronous calls with a connection
// error and synthesizes the disconnect notification, whether the
// daemon vanished or Disconnect pulled the socket out from under the
// reader.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.token = ""
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	c.writeMu.Lock()
	c.enc = nil
	c.writeMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Debug("fencing daemon session ended", "cause", cause)

	for _, waiter := range waiters {
		waiter.ch <- syncOutcome{err: fmt.Errorf("%w: connection lost: %v", ErrNotConnected, cause)}
	}
	c.notify.fanout(NotifyDisconnect, Event{})
}
