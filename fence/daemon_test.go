// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/palisade-cluster/palisade/lib/codec"
	"github.com/palisade-cluster/palisade/lib/testutil"
)

// fakeDaemon is an in-process stand-in for the fencing daemon: a unix
// socket listener that answers the signon exchange and hands every
// later envelope to the test's handler. Configure handler and
// signonReply before the client connects.
type fakeDaemon struct {
	t        *testing.T
	path     string
	listener net.Listener

	// handler builds zero or more replies to one received envelope.
	// It runs on the connection goroutine; use t.Errorf, never
	// t.Fatalf, from inside it.
	handler func(env *envelope) []*envelope

	// signonReply, when set, replaces the default successful signon
	// response.
	signonReply *envelope

	// signons receives the signon envelope of each connection;
	// received receives every envelope after it.
	signons  chan *envelope
	received chan *envelope

	mu    sync.Mutex
	enc   *codec.Encoder
	conns []net.Conn
	wg    sync.WaitGroup
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	path := filepath.Join(testutil.SocketDir(t), "fencer.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listening on %s: %v", path, err)
	}
	d := &fakeDaemon{
		t:        t,
		path:     path,
		listener: listener,
		signons:  make(chan *envelope, 4),
		received: make(chan *envelope, 64),
	}
	d.wg.Add(1)
	go d.acceptLoop()
	t.Cleanup(d.stop)
	return d
}

func (d *fakeDaemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.enc = codec.NewEncoder(conn)
		d.mu.Unlock()
		d.wg.Add(1)
		go d.serveConn(conn)
	}
}

func (d *fakeDaemon) serveConn(conn net.Conn) {
	defer d.wg.Done()
	dec := codec.NewDecoder(conn)

	signon := new(envelope)
	if err := dec.Decode(signon); err != nil {
		return
	}
	d.signons <- signon
	reply := d.signonReply
	if reply == nil {
		reply = &envelope{Type: msgTypeCommand, Op: opRegister, ClientID: "fake-session"}
	}
	if err := d.send(reply); err != nil {
		return
	}

	for {
		env := new(envelope)
		if err := dec.Decode(env); err != nil {
			return
		}
		d.received <- env
		if d.handler == nil {
			continue
		}
		for _, out := range d.handler(env) {
			if err := d.send(out); err != nil {
				return
			}
		}
	}
}

// send encodes one envelope toward the most recently accepted client.
func (d *fakeDaemon) send(env *envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enc == nil {
		return errors.New("fake daemon has no connection")
	}
	return d.enc.Encode(env)
}

// closeConns severs every accepted connection, simulating a daemon
// crash. The listener stays up.
func (d *fakeDaemon) closeConns() {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.enc = nil
	d.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (d *fakeDaemon) stop() {
	d.listener.Close()
	d.closeConns()
	d.wg.Wait()
}

// commandReply builds a bare result-code reply correlated to env.
func commandReply(env *envelope, code int) *envelope {
	return &envelope{Type: msgTypeCommand, Op: env.Op, CallID: env.CallID, RC: &code}
}

// commandReplyPayload builds a correlated reply carrying an encoded
// document. Safe to call from the daemon's connection goroutine.
func commandReplyPayload(t *testing.T, env *envelope, code int, payload any) *envelope {
	out := commandReply(env, code)
	raw, err := codec.Marshal(payload)
	if err != nil {
		t.Errorf("encoding reply payload: %v", err)
		return out
	}
	out.packPayload(raw)
	return out
}

// decodePayload unpacks and decodes an envelope payload into target.
func decodePayload(t *testing.T, env *envelope, target any) {
	t.Helper()
	raw, err := env.unpackPayload()
	if err != nil {
		t.Fatalf("unpacking payload: %v", err)
	}
	if err := codec.Unmarshal(raw, target); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// newTestClient connects a client to the fake daemon and disconnects
// it when the test finishes.
func newTestClient(t *testing.T, d *fakeDaemon, options Options) *Client {
	t.Helper()
	options.SocketPath = d.path
	if options.ClientName == "" {
		options.ClientName = "test-client"
	}
	if options.Logger == nil {
		options.Logger = testLogger()
	}
	client := New(options)
	if err := client.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}
