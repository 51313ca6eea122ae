package codec

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rbaliyan/relay"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable records.
//
// Payload is stored as pre-encoded bytes (base64 in JSON wire format).
type JSON struct{}

// jsonRecord is the JSON wire format
type jsonRecord struct {
	ID          string            `json:"id"`
	Payload     []byte            `json:"payload"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Position    string            `json:"position,omitempty"`
}

// Encode serializes a message record to JSON bytes
func (c JSON) Encode(msg *relay.Message) ([]byte, error) {
	data, err := json.Marshal(toRecord(msg))
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to a message record
func (c JSON) Decode(data []byte) (*relay.Message, error) {
	var jr jsonRecord
	if err := json.Unmarshal(data, &jr); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return fromRecord(&jr), nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

func toRecord(msg *relay.Message) *jsonRecord {
	return &jsonRecord{
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
}

func fromRecord(jr *jsonRecord) *relay.Message {
	return &relay.Message{
		ID:          jr.ID,
		Payload:     jr.Payload,
		Type:        jr.Type,
		Status:      relay.Status(jr.Status),
		RetryCount:  jr.RetryCount,
		MaxRetries:  jr.MaxRetries,
		CreatedAt:   jr.CreatedAt,
		UpdatedAt:   jr.UpdatedAt,
		NextRetryAt: jr.NextRetryAt,
		Error:       jr.Error,
		Metadata:    jr.Metadata,
		Position:    jr.Position,
	}
}

// Compile-time check
var _ Codec = JSON{}
