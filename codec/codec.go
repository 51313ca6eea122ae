// Package codec provides serialization for persisted message records.
//
// Records are the full flat form of a relay.Message, used for the retry
// index and dead-letter storage.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
package codec

import (
	"errors"

	"github.com/rbaliyan/relay"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode record")
	ErrDecodeFailure = errors.New("failed to decode record")
)

// Codec serializes message records for storage backends.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes a message to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(msg *relay.Message) ([]byte, error)

	// Decode deserializes bytes to a message.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (*relay.Message, error)

	// ContentType returns the MIME type for this codec.
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
