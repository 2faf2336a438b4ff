// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"context"
	"fmt"
	"time"

	"github.com/palisade-cluster/palisade/agent"
	"github.com/palisade-cluster/palisade/lib/codec"
)

// devicePayload is the request document for device registration and
// removal. Origin records which operation produced the request; the
// daemon logs it.
type devicePayload struct {
	DeviceID   string            `cbor:"device_id"`
	Origin     string            `cbor:"origin,omitempty"`
	Agent      string            `cbor:"agent,omitempty"`
	Namespace  agent.Namespace   `cbor:"namespace,omitempty"`
	Parameters map[string]string `cbor:"parameters,omitempty"`
}

type levelPayload struct {
	Node      string   `cbor:"node,omitempty"`
	Pattern   string   `cbor:"pattern,omitempty"`
	Attribute string   `cbor:"attribute,omitempty"`
	Value     string   `cbor:"value,omitempty"`
	Level     int      `cbor:"level"`
	Devices   []string `cbor:"devices,omitempty"`
	Origin    string   `cbor:"origin,omitempty"`
}

type queryPayload struct {
	Target string `cbor:"target,omitempty"`
}

type queryReply struct {
	Devices []string `cbor:"devices"`
}

type executePayload struct {
	DeviceID string `cbor:"device_id"`
	Action   string `cbor:"action"`
	Target   string `cbor:"target,omitempty"`
}

type executeReply struct {
	Output string `cbor:"output,omitempty"`
}

type fencePayload struct {
	Target    string `cbor:"target"`
	NodeID    uint32 `cbor:"node_id,omitempty"`
	Action    string `cbor:"action"`
	Tolerance int    `cbor:"tolerance,omitempty"`
}

type historyPayload struct {
	Target string `cbor:"target,omitempty"`
}

type historyReply struct {
	Records []HistoryRecord `cbor:"records"`
}

// finish turns a completed Send into the operation's error: for
// synchronous calls the daemon code decides, for asynchronous calls
// there is nothing to report yet.
func finish(op string, reply *Reply, options CallOptions, err error) error {
	if err != nil {
		return err
	}
	if options&CallSync == 0 {
		return nil
	}
	return daemonResult(op, reply.Code)
}

// RegisterDevice registers a fencing device with the daemon. A
// namespace of NamespaceAny is resolved through the configured
// Source. Legacy-family agents are registered as the shim executable
// with the real agent carried in the plugin parameter.
func (c *Client) RegisterDevice(ctx context.Context, options CallOptions, id string, namespace agent.Namespace, agentName string, parameters map[string]string) error {
	if id == "" || agentName == "" {
		return fmt.Errorf("%w: device registration needs an id and an agent", ErrInvalidArgument)
	}
	resolved := agent.ResolveNamespace(c.source, agentName, namespace)
	payload := devicePayload{
		DeviceID:   id,
		Origin:     opDeviceRegister,
		Agent:      agentName,
		Namespace:  resolved,
		Parameters: parameters,
	}
	switch resolved {
	case agent.NamespaceInvalid:
		return fmt.Errorf("%w: agent %q not found in any namespace", ErrInvalidArgument, agentName)
	case agent.NamespaceLegacy:
		merged := make(map[string]string, len(parameters)+1)
		for key, value := range parameters {
			merged[key] = value
		}
		merged["plugin"] = agentName
		payload.Agent = agent.LegacyShimAgent
		payload.Parameters = merged
	}

	reply, err := c.Send(ctx, opDeviceRegister, payload, options, 0)
	return finish(opDeviceRegister, reply, options, err)
}

// RemoveDevice unregisters a fencing device.
func (c *Client) RemoveDevice(ctx context.Context, options CallOptions, id string) error {
	if id == "" {
		return fmt.Errorf("%w: device removal needs an id", ErrInvalidArgument)
	}
	payload := devicePayload{DeviceID: id, Origin: opDeviceRemove}
	reply, err := c.Send(ctx, opDeviceRemove, payload, options, 0)
	return finish(opDeviceRemove, reply, options, err)
}

// LevelSpec names a fencing topology level. The target is exactly one
// of: a node name, a node-name pattern, or an attribute=value pair.
// Devices is the ordered device list for that level.
type LevelSpec struct {
	Node      string
	Pattern   string
	Attribute string
	Value     string
	Level     int
	Devices   []string
}

func (s LevelSpec) payload(origin string) (levelPayload, error) {
	switch {
	case s.Node != "", s.Pattern != "", s.Attribute != "" && s.Value != "":
	default:
		return levelPayload{}, fmt.Errorf("%w: topology level needs a node, a pattern, or an attribute=value pair",
			ErrInvalidArgument)
	}
	return levelPayload{
		Node:      s.Node,
		Pattern:   s.Pattern,
		Attribute: s.Attribute,
		Value:     s.Value,
		Level:     s.Level,
		Devices:   s.Devices,
		Origin:    origin,
	}, nil
}

// RegisterLevel registers a fencing topology level.
func (c *Client) RegisterLevel(ctx context.Context, options CallOptions, spec LevelSpec) error {
	payload, err := spec.payload(opLevelRegister)
	if err != nil {
		return err
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("%w: topology level needs at least one device", ErrInvalidArgument)
	}
	reply, err := c.Send(ctx, opLevelRegister, payload, options, 0)
	return finish(opLevelRegister, reply, options, err)
}

// RemoveLevel removes a fencing topology level. Devices in spec are
// ignored; the level is matched by target and level number.
func (c *Client) RemoveLevel(ctx context.Context, options CallOptions, spec LevelSpec) error {
	payload, err := spec.payload(opLevelRemove)
	if err != nil {
		return err
	}
	payload.Devices = nil
	reply, err := c.Send(ctx, opLevelRemove, payload, options, 0)
	return finish(opLevelRemove, reply, options, err)
}

// Query returns the ids of devices able to fence the target, or of
// all registered devices when target is empty. Always synchronous.
func (c *Client) Query(ctx context.Context, options CallOptions, target string, timeout time.Duration) ([]string, error) {
	reply, err := c.Send(ctx, opQuery, queryPayload{Target: target}, options|CallSync, timeout)
	if err != nil {
		return nil, err
	}
	if err := daemonResult(opQuery, reply.Code); err != nil {
		return nil, err
	}
	var decoded queryReply
	if len(reply.Payload) > 0 {
		if err := codec.Unmarshal(reply.Payload, &decoded); err != nil {
			return nil, fmt.Errorf("%w: decoding query reply: %v", ErrProtocol, err)
		}
	}
	return decoded.Devices, nil
}

// executeAction runs a named device action through the daemon.
func (c *Client) executeAction(ctx context.Context, options CallOptions, id, action, target string, timeout time.Duration) (*Reply, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: device action needs a device id", ErrInvalidArgument)
	}
	payload := executePayload{DeviceID: id, Action: action, Target: target}
	return c.Send(ctx, opExecute, payload, options, timeout)
}

// List runs the device's list action and returns its raw output.
// Always synchronous.
func (c *Client) List(ctx context.Context, options CallOptions, id string, timeout time.Duration) (string, error) {
	reply, err := c.executeAction(ctx, options|CallSync, id, "list", "", timeout)
	if err != nil {
		return "", err
	}
	if err := daemonResult(opExecute, reply.Code); err != nil {
		return "", err
	}
	var decoded executeReply
	if len(reply.Payload) > 0 {
		if err := codec.Unmarshal(reply.Payload, &decoded); err != nil {
			return "", fmt.Errorf("%w: decoding list reply: %v", ErrProtocol, err)
		}
	}
	return decoded.Output, nil
}

// Monitor runs the device's monitor action and reports the daemon
// code.
func (c *Client) Monitor(ctx context.Context, options CallOptions, id string, timeout time.Duration) error {
	reply, err := c.executeAction(ctx, options, id, "monitor", "", timeout)
	return finish(opExecute, reply, options, err)
}

// Status runs the device's status action against one port and
// reports the daemon code.
func (c *Client) Status(ctx context.Context, options CallOptions, id, port string, timeout time.Duration) error {
	reply, err := c.executeAction(ctx, options, id, "status", port, timeout)
	return finish(opExecute, reply, options, err)
}

// FenceRequest describes a fencing request. Timeout bounds the whole
// operation on the daemon side; a nonzero Tolerance accepts a
// recently completed identical operation instead of fencing again.
type FenceRequest struct {
	Target    string
	NodeID    uint32
	Action    string
	Timeout   time.Duration
	Tolerance time.Duration
}

// Fence asks the daemon to carry out a fencing action.
func (c *Client) Fence(ctx context.Context, options CallOptions, request FenceRequest) error {
	if request.Target == "" || request.Action == "" {
		return fmt.Errorf("%w: fencing needs a target and an action", ErrInvalidArgument)
	}
	payload := fencePayload{
		Target:    request.Target,
		NodeID:    request.NodeID,
		Action:    request.Action,
		Tolerance: int(request.Tolerance / time.Second),
	}
	reply, err := c.Send(ctx, opFence, payload, options, request.Timeout)
	return finish(opFence, reply, options, err)
}

// Confirm records the target as fenced by hand: a manual-ack off
// request that executes no device.
func (c *Client) Confirm(ctx context.Context, options CallOptions, target string) error {
	return c.Fence(ctx, options|CallManualAck, FenceRequest{Target: target, Action: "off"})
}

// History returns the daemon's fencing history, optionally filtered
// to one target. Always synchronous.
func (c *Client) History(ctx context.Context, options CallOptions, target string, timeout time.Duration) ([]HistoryRecord, error) {
	reply, err := c.Send(ctx, opHistory, historyPayload{Target: target}, options|CallSync, timeout)
	if err != nil {
		return nil, err
	}
	if err := daemonResult(opHistory, reply.Code); err != nil {
		return nil, err
	}
	var decoded historyReply
	if len(reply.Payload) > 0 {
		if err := codec.Unmarshal(reply.Payload, &decoded); err != nil {
			return nil, fmt.Errorf("%w: decoding history reply: %v", ErrProtocol, err)
		}
	}
	return decoded.Records, nil
}

// ListAgents lists installed fence agents through the configured
// Source.
func (c *Client) ListAgents(namespace agent.Namespace) ([]string, error) {
	if c.source == nil {
		return nil, fmt.Errorf("%w: no agent source configured", ErrInvalidArgument)
	}
	return c.source.ListAgents(namespace)
}

// Metadata fetches an agent's metadata document through the
// configured Source, resolving namespace "any" first.
func (c *Client) Metadata(ctx context.Context, namespace agent.Namespace, name string, timeout time.Duration) (string, error) {
	if c.source == nil {
		return "", fmt.Errorf("%w: no agent source configured", ErrInvalidArgument)
	}
	resolved := agent.ResolveNamespace(c.source, name, namespace)
	if resolved == agent.NamespaceInvalid {
		return "", fmt.Errorf("%w: agent %q not found in any namespace", ErrInvalidArgument, name)
	}
	return c.source.Metadata(ctx, resolved, name, timeout)
}
