// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package agent

// Namespace identifies which implementation convention a fencing
// agent follows. Agent discovery, metadata, and execution are routed
// by family; NamespaceAny must be resolved to a concrete family (see
// ResolveNamespace) before an agent can run.
type Namespace int

const (
	// NamespaceAny means the family is unspecified and must be
	// resolved by probing the configured Source.
	NamespaceAny Namespace = iota

	// NamespacePrimary is the current agent convention: parameters on
	// stdin, XML metadata, validate-all support.
	NamespacePrimary

	// NamespaceLegacy is the historical convention, reached through
	// the fence_legacy shim with the real agent passed as a plugin
	// parameter.
	NamespaceLegacy

	// NamespaceInternal is for agents built into the fencing daemon
	// itself; they never execute on the client side.
	NamespaceInternal

	// NamespaceInvalid is the parse result for unknown family names.
	NamespaceInvalid
)

// ParseNamespace maps a family name to its Namespace. The empty
// string and "any" are the wildcard; unknown names are
// NamespaceInvalid.
func ParseNamespace(text string) Namespace {
	switch text {
	case "", "any":
		return NamespaceAny
	case "primary":
		return NamespacePrimary
	case "legacy":
		return NamespaceLegacy
	case "internal":
		return NamespaceInternal
	}
	return NamespaceInvalid
}

// String returns the wire name of the namespace. Invalid and
// out-of-range values render as "unsupported".
func (n Namespace) String() string {
	switch n {
	case NamespaceAny:
		return "any"
	case NamespacePrimary:
		return "primary"
	case NamespaceLegacy:
		return "legacy"
	case NamespaceInternal:
		return "internal"
	}
	return "unsupported"
}

// MarshalText implements encoding.TextMarshaler so Namespace fields
// serialize as their wire names.
func (n Namespace) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names
// decode to NamespaceInvalid rather than failing, so a newer daemon
// can introduce families without breaking older clients.
func (n *Namespace) UnmarshalText(text []byte) error {
	*n = ParseNamespace(string(text))
	return nil
}
