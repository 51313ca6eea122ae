package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a message.
//
// Transitions within a single message are strictly ordered:
// pending -> processing -> {completed | failed -> {pending (retry) | dead_letter}}.
type Status string

const (
	// StatusPending indicates the message is waiting to be claimed.
	StatusPending Status = "pending"

	// StatusProcessing indicates exactly one consumer holds the message.
	StatusProcessing Status = "processing"

	// StatusCompleted indicates delivery succeeded and the message was
	// acknowledged.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the last delivery attempt failed and a retry
	// is scheduled.
	StatusFailed Status = "failed"

	// StatusDeadLetter indicates retries are exhausted. The message is
	// parked in the dead-letter store pending operator action.
	StatusDeadLetter Status = "dead_letter"
)

// DefaultMessageType tags messages enqueued by the inbound webhook handler.
const DefaultMessageType = "webhook"

// DefaultMaxRetries is the retry budget assigned to new messages.
const DefaultMaxRetries = 5

// Message is the unit of work flowing through the pipeline.
//
// The payload is the original webhook body and is immutable, as is the ID.
// A message with Status == StatusDeadLetter is immutable except for replay,
// which produces a new Message (fresh ID, RetryCount = 0) rather than
// mutating the original.
type Message struct {
	// ID is a globally unique identifier, assigned at creation.
	ID string

	// Payload is the opaque original webhook body.
	Payload []byte

	// Type tags the message for filtering and replay.
	Type string

	// Status is the current lifecycle state.
	Status Status

	// RetryCount increments on each failure. Always <= MaxRetries.
	RetryCount int

	// MaxRetries is the retry budget. The message becomes terminal once
	// RetryCount == MaxRetries.
	MaxRetries int

	CreatedAt time.Time
	UpdatedAt time.Time

	// NextRetryAt is set when a retry is scheduled, cleared on re-claim.
	NextRetryAt *time.Time

	// Error holds the last failure reason, for diagnostics.
	Error string

	// Metadata holds contextual tags such as replay provenance.
	Metadata map[string]string

	// Position is the opaque log offset assigned by the queue on enqueue,
	// used for acknowledgement and stream introspection.
	Position string
}

// NewMessage creates a pending message for the given payload with a fresh
// ID and the default type and retry budget.
func NewMessage(payload []byte) *Message {
	now := time.Now()
	return &Message{
		ID:         uuid.New().String(),
		Payload:    payload,
		Type:       DefaultMessageType,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		maps.Copy(clone.Metadata, m.Metadata)
	}
	if m.NextRetryAt != nil {
		t := *m.NextRetryAt
		clone.NextRetryAt = &t
	}
	return &clone
}

// SetMetadata sets a metadata tag, allocating the map if needed.
func (m *Message) SetMetadata(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

// Record field names for the flat persisted form.
const (
	fieldID          = "id"
	fieldPayload     = "payload"
	fieldType        = "type"
	fieldStatus      = "status"
	fieldRetryCount  = "retry_count"
	fieldMaxRetries  = "max_retries"
	fieldCreatedAt   = "created_at"
	fieldUpdatedAt   = "updated_at"
	fieldNextRetryAt = "next_retry_at"
	fieldError       = "error"
	fieldMetadata    = "metadata"
)

// Record serializes the message to a flat field set suitable for stream and
// hash storage: payload is base64, metadata is a JSON object, timestamps are
// RFC3339Nano. Empty optional fields are omitted.
func (m *Message) Record() map[string]any {
	rec := map[string]any{
		fieldID:         m.ID,
		fieldPayload:    base64.StdEncoding.EncodeToString(m.Payload),
		fieldType:       m.Type,
		fieldStatus:     string(m.Status),
		fieldRetryCount: strconv.Itoa(m.RetryCount),
		fieldMaxRetries: strconv.Itoa(m.MaxRetries),
		fieldCreatedAt:  m.CreatedAt.Format(time.RFC3339Nano),
		fieldUpdatedAt:  m.UpdatedAt.Format(time.RFC3339Nano),
	}
	if m.NextRetryAt != nil {
		rec[fieldNextRetryAt] = m.NextRetryAt.Format(time.RFC3339Nano)
	}
	if m.Error != "" {
		rec[fieldError] = m.Error
	}
	if len(m.Metadata) > 0 {
		// Metadata is a flat string map, always marshalable.
		data, _ := json.Marshal(m.Metadata)
		rec[fieldMetadata] = string(data)
	}
	return rec
}

// MessageFromRecord decodes the flat persisted form produced by Record.
//
// Any unreadable field results in a MalformedRecordError: the record is
// corrupt, not retryable.
func MessageFromRecord(rec map[string]string) (*Message, error) {
	id := rec[fieldID]
	if id == "" {
		return nil, &MalformedRecordError{Field: fieldID, Err: fmt.Errorf("missing")}
	}

	payload, err := base64.StdEncoding.DecodeString(rec[fieldPayload])
	if err != nil {
		return nil, &MalformedRecordError{ID: id, Field: fieldPayload, Err: err}
	}

	retryCount, err := strconv.Atoi(rec[fieldRetryCount])
	if err != nil {
		return nil, &MalformedRecordError{ID: id, Field: fieldRetryCount, Err: err}
	}
	maxRetries, err := strconv.Atoi(rec[fieldMaxRetries])
	if err != nil {
		return nil, &MalformedRecordError{ID: id, Field: fieldMaxRetries, Err: err}
	}

	createdAt, err := time.Parse(time.RFC3339Nano, rec[fieldCreatedAt])
	if err != nil {
		return nil, &MalformedRecordError{ID: id, Field: fieldCreatedAt, Err: err}
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, rec[fieldUpdatedAt])
	if err != nil {
		return nil, &MalformedRecordError{ID: id, Field: fieldUpdatedAt, Err: err}
	}

	msg := &Message{
		ID:         id,
		Payload:    payload,
		Type:       rec[fieldType],
		Status:     Status(rec[fieldStatus]),
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		Error:      rec[fieldError],
	}

	if raw, ok := rec[fieldNextRetryAt]; ok && raw != "" {
		next, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, &MalformedRecordError{ID: id, Field: fieldNextRetryAt, Err: err}
		}
		msg.NextRetryAt = &next
	}

	if raw, ok := rec[fieldMetadata]; ok && raw != "" {
		metadata := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, &MalformedRecordError{ID: id, Field: fieldMetadata, Err: err}
		}
		msg.Metadata = metadata
	}

	return msg, nil
}
