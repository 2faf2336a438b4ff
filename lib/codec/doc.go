// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Palisade's standard CBOR encoding
// configuration.
//
// The fencing daemon protocol is CBOR end to end: request, reply,
// notification, and timeout-refresh envelopes on the daemon socket are
// all CBOR documents, as are the nested operation payloads they carry.
// CBOR is self-delimiting, so a stream encoder/decoder pair on the
// connection needs no extra framing. Agent metadata is the one
// exception: agents emit XML which travels through the protocol
// untouched, as an opaque text field.
//
// This package provides the shared encoding and decoding modes so that
// every package encodes identically without duplicating configuration.
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes.
//
// For buffer-oriented operations (payload documents):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the daemon socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Protocol types tag their fields with `cbor` struct tags; nothing in
// this module serializes to JSON.
package codec
