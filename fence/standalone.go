// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// standaloneClientName identifies the one-shot sessions opened by the
// package-level helpers.
const standaloneClientName = "palisade-api"

// standaloneTarget derives the fence target for the helpers: the node
// name when known, otherwise the numeric id rendered as text with
// legacy node-id routing so the daemon resolves the name itself.
func standaloneTarget(nodeID uint32, name string) (string, CallOptions, error) {
	if name != "" {
		return name, 0, nil
	}
	if nodeID == 0 {
		return "", 0, fmt.Errorf("%w: need a node name or a nonzero node id", ErrInvalidArgument)
	}
	return strconv.FormatUint(uint64(nodeID), 10), CallLegacyNodeID, nil
}

// Kick fences a node through a short-lived session: connect, fence,
// disconnect. The action is reboot, or off when off is set.
// Self-fencing is allowed, so a node can use Kick on itself as a
// last resort.
func Kick(ctx context.Context, options Options, nodeID uint32, name string, timeout time.Duration, off bool) error {
	target, routing, err := standaloneTarget(nodeID, name)
	if err != nil {
		return err
	}

	options.ClientName = standaloneClientName
	client := New(options)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	action := "reboot"
	if off {
		action = "off"
	}
	return client.Fence(ctx, CallSync|CallAllowSelfFence|routing, FenceRequest{
		Target:  target,
		NodeID:  nodeID,
		Action:  action,
		Timeout: timeout,
	})
}

// LastFencedTime reports when a node was last successfully fenced,
// zero if never. With inProgress set it instead reports the current
// time while any fencing operation against the node is still in
// flight, zero otherwise.
func LastFencedTime(ctx context.Context, options Options, nodeID uint32, name string, inProgress bool) (time.Time, error) {
	target, routing, err := standaloneTarget(nodeID, name)
	if err != nil {
		return time.Time{}, err
	}

	options.ClientName = standaloneClientName
	client := New(options)
	if err := client.Connect(ctx); err != nil {
		return time.Time{}, err
	}
	defer client.Disconnect()

	records, err := client.History(ctx, CallSync|routing, target, 0)
	if err != nil {
		return time.Time{}, err
	}

	if inProgress {
		for _, record := range records {
			if record.State != StateDone && record.State != StateFailed {
				return client.clk.Now(), nil
			}
		}
		return time.Time{}, nil
	}

	var when time.Time
	for _, record := range records {
		if record.State == StateDone && record.Completed.After(when) {
			when = record.Completed
		}
	}
	return when, nil
}
