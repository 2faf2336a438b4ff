// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
)

// Parameter keys and values with protocol meaning. The pcmk_ prefix
// marks cluster-private options consumed here and never shown to
// agents; CRM_meta marks cluster metadata attributes; crm_feature_set
// is the cluster's schema version marker. All three are historical
// wire compatibility and must not change.
const (
	privatePrefix   = "pcmk_"
	metaMarker      = "CRM_meta"
	featureSetKey   = "crm_feature_set"
	actionKey       = "action"
	hostArgumentKey = "pcmk_host_argument"
	defaultHostArg  = "port"
	noHostArg       = "none"
	dynamicValue    = "dynamic"
)

// LegacyShimAgent is the wrapper executable that runs legacy-family
// agents. It resolves its real target itself, so no host argument is
// injected for it, and device registration names it with the real
// agent carried in a plugin parameter.
const LegacyShimAgent = "fence_legacy"

// reservedKey reports whether a parameter key is cluster-internal and
// must be withheld from the agent. The prefix and marker checks are
// deliberately substring matches, not prefix matches: remapped keys
// like device_pcmk_off_action must be withheld too.
func reservedKey(key string) bool {
	return strings.Contains(key, privatePrefix) ||
		strings.Contains(key, metaMarker) ||
		key == featureSetKey
}

// appendArg writes one key=value line unless the key is reserved.
func appendArg(blob *bytes.Buffer, key, value string) {
	if reservedKey(key) {
		return
	}
	blob.WriteString(key)
	blob.WriteByte('=')
	blob.WriteString(value)
	blob.WriteByte('\n')
}

// argumentBlob serializes the parameters an agent will read from
// stdin. The emitted verb may be remapped by a pcmk_<verb>_action
// override; the action's identity keeps the original verb.
//
// When a target is set, the blob additionally names the victim three
// ways: nodename always, nodeid when a numeric id is known, and the
// agent's host argument (default "port") resolved through the port
// map, unless the agent declares it needs none or the configuration
// already pins a value.
func argumentBlob(options ActionOptions) []byte {
	var blob bytes.Buffer

	verb := options.Action
	if remapped := options.Parameters[overrideKey(options.Action)]; remapped != "" {
		verb = remapped
	}
	appendArg(&blob, actionKey, verb)

	if options.Target != "" {
		appendArg(&blob, "nodename", options.Target)
		if options.TargetID != 0 {
			appendArg(&blob, "nodeid", strconv.FormatUint(uint64(options.TargetID), 10))
		}
		appendHostArgument(&blob, options)
	}

	// The device configuration, minus the action key already emitted.
	// Sorted for reproducible blobs.
	keys := make([]string, 0, len(options.Parameters))
	for key := range options.Parameters {
		if key != actionKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		appendArg(&blob, key, options.Parameters[key])
	}

	return blob.Bytes()
}

// appendHostArgument emits the victim-identifying parameter. The
// parameter name comes from the pcmk_host_argument override when
// present, "none" suppresses it entirely, and an explicit configured
// value wins over injection unless it is the "dynamic" placeholder.
func appendHostArgument(blob *bytes.Buffer, options ActionOptions) {
	if options.Agent == LegacyShimAgent {
		return
	}
	name := options.Parameters[hostArgumentKey]
	if name == "" {
		name = defaultHostArg
	}
	if name == noHostArg {
		return
	}
	if existing, configured := options.Parameters[name]; configured && existing != dynamicValue {
		return
	}
	alias := options.Target
	if mapped, ok := options.PortMap[options.Target]; ok {
		alias = mapped
	}
	appendArg(blob, name, alias)
}

// overrideKey is the parameter name remapping the given verb, e.g.
// pcmk_reboot_action.
func overrideKey(verb string) string {
	return privatePrefix + verb + "_action"
}

// retriesKey is the parameter name overriding max retries for the
// given verb, e.g. pcmk_off_retries.
func retriesKey(verb string) string {
	return privatePrefix + verb + "_retries"
}
