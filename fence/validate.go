// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/palisade-cluster/palisade/agent"
)

// privateParameterPrefix marks cluster-internal device parameters.
// Validation strips them by prefix; agents never understand them.
const privateParameterPrefix = "pcmk_"

// validateDummyTarget is the placeholder victim for validation runs.
// The validate-all action checks configuration only and never touches
// a host.
const validateDummyTarget = "node1"

// Validate checks a device configuration by running the agent's
// validate-all action locally, with no daemon involved. Cluster-
// internal parameters are stripped first and secret parameters are
// substituted through the configured store (substitution failure is
// logged and validation proceeds with the raw values). Captured
// stdout and stderr are returned alongside the verdict.
//
// Only primary- and internal-family agents can be validated offline;
// the legacy shim protocol has no validation action.
func (c *Client) Validate(ctx context.Context, options CallOptions, deviceID string, namespace agent.Namespace, agentName string, parameters map[string]string, timeout time.Duration) (stdout, stderr string, err error) {
	if agentName == "" {
		return "", "", fmt.Errorf("%w: validation needs an agent", ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	filtered := make(map[string]string, len(parameters))
	for key, value := range parameters {
		if strings.HasPrefix(key, privateParameterPrefix) || key == "provides" || key == "stonith-timeout" {
			continue
		}
		filtered[key] = value
	}
	if c.secrets != nil {
		if err := c.secrets.Substitute(deviceID, filtered); err != nil {
			c.logger.Warn("validating with unsubstituted secret parameters",
				"device", deviceID, "error", err)
		}
	}

	resolved := agent.ResolveNamespace(c.source, agentName, namespace)
	switch resolved {
	case agent.NamespacePrimary, agent.NamespaceInternal:
	case agent.NamespaceLegacy:
		return "", "", fmt.Errorf("%w: legacy agents cannot be validated offline", agent.ErrNotSupported)
	default:
		return "", "", fmt.Errorf("%w: cannot validate %q in namespace %s", ErrInvalidArgument, agentName, resolved)
	}

	action := agent.NewAction(agent.ActionOptions{
		Agent:      agentName,
		Action:     "validate-all",
		Target:     validateDummyTarget,
		Timeout:    timeout,
		Parameters: filtered,
		Clock:      c.clk,
		Logger:     c.logger,
	})
	result := action.Execute(ctx)
	return result.Stdout, result.Stderr, result.Err
}
