package codec

import (
	"errors"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
//
// Benefits:
//   - Smaller record size than JSON
//   - Faster encoding/decoding
//   - Supports binary payloads natively
type MsgPack struct{}

// msgpackRecord is the MessagePack wire format
type msgpackRecord struct {
	ID          string            `msgpack:"id"`
	Payload     []byte            `msgpack:"payload"`
	Type        string            `msgpack:"type"`
	Status      string            `msgpack:"status"`
	RetryCount  int               `msgpack:"retry_count"`
	MaxRetries  int               `msgpack:"max_retries"`
	CreatedAt   time.Time         `msgpack:"created_at"`
	UpdatedAt   time.Time         `msgpack:"updated_at"`
	NextRetryAt *time.Time        `msgpack:"next_retry_at,omitempty"`
	Error       string            `msgpack:"error,omitempty"`
	Metadata    map[string]string `msgpack:"metadata,omitempty"`
	Position    string            `msgpack:"position,omitempty"`
}

// Encode serializes a message record to MessagePack bytes
func (c MsgPack) Encode(msg *relay.Message) ([]byte, error) {
	mr := msgpackRecord{
		ID:          msg.ID,
		Payload:     msg.Payload,
		Type:        msg.Type,
		Status:      string(msg.Status),
		RetryCount:  msg.RetryCount,
		MaxRetries:  msg.MaxRetries,
		CreatedAt:   msg.CreatedAt,
		UpdatedAt:   msg.UpdatedAt,
		NextRetryAt: msg.NextRetryAt,
		Error:       msg.Error,
		Metadata:    msg.Metadata,
		Position:    msg.Position,
	}

	data, err := msgpack.Marshal(&mr)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to a message record
func (c MsgPack) Decode(data []byte) (*relay.Message, error) {
	var mr msgpackRecord
	if err := msgpack.Unmarshal(data, &mr); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return &relay.Message{
		ID:          mr.ID,
		Payload:     mr.Payload,
		Type:        mr.Type,
		Status:      relay.Status(mr.Status),
		RetryCount:  mr.RetryCount,
		MaxRetries:  mr.MaxRetries,
		CreatedAt:   mr.CreatedAt,
		UpdatedAt:   mr.UpdatedAt,
		NextRetryAt: mr.NextRetryAt,
		Error:       mr.Error,
		Metadata:    mr.Metadata,
		Position:    mr.Position,
	}, nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
