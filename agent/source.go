// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"time"
)

// Source looks up installed fencing agents. Each agent family has its
// own discovery and metadata mechanism (directory scans, plugin
// registries, compiled-in tables); those backends live outside this
// module and are reached through this interface.
type Source interface {
	// ListAgents returns the installed agent names for one family,
	// sorted. NamespaceAny merges every family.
	ListAgents(namespace Namespace) ([]string, error)

	// HasAgent reports whether the named agent is installed in the
	// family.
	HasAgent(namespace Namespace, name string) bool

	// Metadata returns the agent's metadata document (XML text,
	// passed through untouched). The timeout bounds how long the
	// backend may take; implementations that execute the agent to
	// obtain metadata enforce it.
	Metadata(ctx context.Context, namespace Namespace, name string, timeout time.Duration) (string, error)
}

// ResolveNamespace maps a namespace hint to the concrete family that
// provides the named agent. A concrete hint is returned unchanged;
// the wildcard probes the source in priority order: internal, then
// primary, then legacy. When no family claims the agent (or source is
// nil), the result is NamespaceInvalid.
func ResolveNamespace(source Source, agentName string, hint Namespace) Namespace {
	switch hint {
	case NamespacePrimary, NamespaceLegacy, NamespaceInternal:
		return hint
	case NamespaceInvalid:
		return NamespaceInvalid
	}
	if source == nil {
		return NamespaceInvalid
	}
	for _, family := range []Namespace{NamespaceInternal, NamespacePrimary, NamespaceLegacy} {
		if source.HasAgent(family, agentName) {
			return family
		}
	}
	return NamespaceInvalid
}
