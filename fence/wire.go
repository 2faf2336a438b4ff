// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/palisade-cluster/palisade/lib/codec"
)

// Message types. The type field classifies every envelope on the
// stream; direction determines which other fields are populated.
const (
	msgTypeCommand       = "command"
	msgTypeNotify        = "notify"
	msgTypeTimeoutUpdate = "timeout_update"
)

// Daemon operations.
const (
	opRegister       = "register"
	opDeviceRegister = "device_register"
	opDeviceRemove   = "device_remove"
	opLevelRegister  = "level_register"
	opLevelRemove    = "level_remove"
	opQuery          = "query"
	opExecute        = "execute"
	opFence          = "fence"
	opHistory        = "history"
	opNotify         = "notify"
)

// compressionTag identifies the payload compression algorithm. Tags
// are protocol constants shared with the daemon; changing them breaks
// wire compatibility.
type compressionTag uint8

const (
	compressionNone compressionTag = 0
	compressionLZ4  compressionTag = 1
	compressionZstd compressionTag = 2
)

// compressThreshold is the payload size at which the write path
// switches to compressed carriage.
const compressThreshold = 1024

// maxPayloadSize bounds the decompressed size a peer may claim, so a
// broken or hostile raw_size cannot force an enormous allocation.
const maxPayloadSize = 16 << 20

// envelope is the one wire frame of the client/daemon protocol,
// CBOR-encoded with no extra framing. A payload travels either inline
// in payload or compressed in the compression/compressed/raw_size
// triple, never both.
type envelope struct {
	Type        string           `cbor:"type"`
	Op          string           `cbor:"op,omitempty"`
	ClientName  string           `cbor:"client_name,omitempty"`
	ClientID    string           `cbor:"client_id,omitempty"`
	Token       string           `cbor:"token,omitempty"`
	CallID      int              `cbor:"call_id,omitempty"`
	CallOptions CallOptions      `cbor:"call_options,omitempty"`
	Timeout     int              `cbor:"timeout,omitempty"`
	RC          *int             `cbor:"rc,omitempty"`
	Subtype     string           `cbor:"subtype,omitempty"`
	Payload     codec.RawMessage `cbor:"payload,omitempty"`
	Compression compressionTag   `cbor:"compression,omitempty"`
	Compressed  []byte           `cbor:"compressed,omitempty"`
	RawSize     int              `cbor:"raw_size,omitempty"`
}

// zstdEncoder and zstdDecoder are reused across envelopes. Both are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("fence: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("fence: zstd decoder initialization failed: " + err.Error())
	}
}

// packPayload places an encoded payload in the envelope: inline below
// the compression threshold, zstd-compressed at or above it. Payloads
// that do not shrink stay inline.
func (e *envelope) packPayload(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if len(raw) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(raw, nil)
		if len(compressed) < len(raw) {
			e.Compression = compressionZstd
			e.Compressed = compressed
			e.RawSize = len(raw)
			return
		}
	}
	e.Payload = codec.RawMessage(raw)
}

// unpackPayload returns the envelope's payload bytes, decompressing
// as the tag dictates. The read path accepts every tag the cluster
// stack has ever written; raw_size must match the decompressed length
// exactly.
func (e *envelope) unpackPayload() ([]byte, error) {
	if len(e.Compressed) == 0 {
		return e.Payload, nil
	}
	if e.RawSize < 0 || e.RawSize > maxPayloadSize {
		return nil, fmt.Errorf("%w: implausible raw_size %d", ErrProtocol, e.RawSize)
	}

	switch e.Compression {
	case compressionNone:
		if len(e.Compressed) != e.RawSize {
			return nil, fmt.Errorf("%w: uncompressed payload is %d bytes, raw_size says %d",
				ErrProtocol, len(e.Compressed), e.RawSize)
		}
		return e.Compressed, nil

	case compressionLZ4:
		raw := make([]byte, e.RawSize)
		read, err := lz4.UncompressBlock(e.Compressed, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 payload: %v", ErrProtocol, err)
		}
		if read != e.RawSize {
			return nil, fmt.Errorf("%w: lz4 payload is %d bytes, raw_size says %d",
				ErrProtocol, read, e.RawSize)
		}
		return raw, nil

	case compressionZstd:
		raw, err := zstdDecoder.DecodeAll(e.Compressed, make([]byte, 0, e.RawSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd payload: %v", ErrProtocol, err)
		}
		if len(raw) != e.RawSize {
			return nil, fmt.Errorf("%w: zstd payload is %d bytes, raw_size says %d",
				ErrProtocol, len(raw), e.RawSize)
		}
		return raw, nil

	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrProtocol, e.Compression)
	}
}
