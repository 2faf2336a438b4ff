// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// NotifyFunc receives server-pushed notifications. The event name is
// the subscribed subtype; data carries the decoded event document.
type NotifyFunc func(event string, data Event)

type notifySubscriber struct {
	event string
	fn    NotifyFunc
}

// notifyRegistry is the ordered subscriber list. The (event,
// callback) pair is unique; delivery walks subscribers in
// registration order.
type notifyRegistry struct {
	mu          sync.Mutex
	subscribers []notifySubscriber
}

func callbackIdentity(fn NotifyFunc) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

func (r *notifyRegistry) add(event string, fn NotifyFunc) error {
	identity := callbackIdentity(fn)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subscriber := range r.subscribers {
		if subscriber.event == event && callbackIdentity(subscriber.fn) == identity {
			return ErrDuplicateSubscriber
		}
	}
	r.subscribers = append(r.subscribers, notifySubscriber{event: event, fn: fn})
	return nil
}

// removeFirst drops the first subscriber registered for event.
func (r *notifyRegistry) removeFirst(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, subscriber := range r.subscribers {
		if subscriber.event == event {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			return
		}
	}
}

// fanout invokes every subscriber of event, in registration order,
// synchronously. The registry lock is not held during invocation so
// subscribers may subscribe or unsubscribe from within the callback.
func (r *notifyRegistry) fanout(event string, data Event) {
	r.mu.Lock()
	matched := make([]NotifyFunc, 0, len(r.subscribers))
	for _, subscriber := range r.subscribers {
		if subscriber.event == event {
			matched = append(matched, subscriber.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range matched {
		fn(event, data)
	}
}

// notifyControl is the payload of subscription control messages.
type notifyControl struct {
	Activate   string `cbor:"activate,omitempty"`
	Deactivate string `cbor:"deactivate,omitempty"`
}

// Subscribe registers fn for an event name (see the Notify
// constants). The exact (event, fn) pair may be registered only once;
// a duplicate returns ErrDuplicateSubscriber and changes nothing.
// Callback identity is the function's code pointer, so two closures
// built from the same function literal count as the same callback.
// When connected, the daemon is asked to start pushing the event;
// the subscription itself is kept even if that control send fails,
// and is replayed implicitly because the daemon pushes all activated
// events for the session.
func (c *Client) Subscribe(event string, fn NotifyFunc) error {
	if event == "" || fn == nil {
		return fmt.Errorf("%w: subscription needs an event name and a callback", ErrInvalidArgument)
	}
	if err := c.notify.add(event, fn); err != nil {
		return err
	}
	if event == NotifyDisconnect || !c.Connected() {
		// Disconnect is synthesized locally; the daemon knows nothing
		// about it.
		return nil
	}
	_, err := c.Send(context.Background(), opNotify, notifyControl{Activate: event}, 0, 0)
	if err != nil {
		return fmt.Errorf("activating %s notifications: %w", event, err)
	}
	return nil
}

// Unsubscribe asks the daemon to stop pushing the event and then
// removes the first subscriber registered for it. The control message
// is sent whether or not a subscriber matches.
func (c *Client) Unsubscribe(event string) error {
	if event == "" {
		return fmt.Errorf("%w: unsubscribe needs an event name", ErrInvalidArgument)
	}
	var sendErr error
	if event != NotifyDisconnect && c.Connected() {
		if _, err := c.Send(context.Background(), opNotify, notifyControl{Deactivate: event}, 0, 0); err != nil {
			sendErr = fmt.Errorf("deactivating %s notifications: %w", event, err)
		}
	}
	c.notify.removeFirst(event)
	return sendErr
}
