package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Envelope is the transport form of a dispatch event published to SQS or NATS.
type Envelope struct {
	EventID         uuid.UUID       `json:"event_id"`
	EventType       string          `json:"event_type"`
	BusinessID      string          `json:"business_id"`
	Key             string          `json:"key"`
	TimestampMicros int64           `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
}

var (
	errMissingBusiness = errors.New("events: business id is required")
	errMissingType     = errors.New("events: event type missing")
)

// NewEnvelope wraps a stored entry for publishing.
func NewEnvelope(entry Entry) (Envelope, error) {
	if strings.TrimSpace(entry.BusinessID) == "" {
		return Envelope{}, errMissingBusiness
	}
	if strings.TrimSpace(entry.Type) == "" {
		return Envelope{}, errMissingType
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		EventID:         entry.ID,
		EventType:       entry.Type,
		BusinessID:      entry.BusinessID,
		Key:             entry.Key,
		TimestampMicros: entry.CreatedAt.UTC().UnixMicro(),
		Payload:         append([]byte(nil), payload...),
	}, nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: marshal envelope: %w", err)
	}
	return data, nil
}

// Subject is the NATS subject for the envelope under prefix.
func (e Envelope) Subject(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return e.EventType
	}
	return prefix + "." + e.EventType
}
