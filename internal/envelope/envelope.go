// Package envelope defines the normalized unit of work that flows from
// ingress through the durable queue to the agent gateway.
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Envelope is one inbound webhook event after authentication.
//
// Payload holds the raw producer JSON until the first forward attempt, when
// the worker substitutes the sanitized projection and fills Flags.
type Envelope struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	EventType  string          `json:"event_type"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
	Flags      []Flag          `json:"flags"`
	Sanitized  bool            `json:"sanitized"`
}

// Flag records how many injection heuristics matched a payload field.
type Flag struct {
	Field      string `json:"field"`
	MatchCount int    `json:"match_count"`
}

// Meta carries the request-derived attributes the forwarder and the admin
// surface need without re-parsing the payload.
type Meta struct {
	DeliveryID string            `json:"delivery_id"`
	Action     string            `json:"action,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// New stamps a fresh envelope.
func New(source, eventType string, payload json.RawMessage, receivedAt time.Time) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Source:     source,
		EventType:  eventType,
		ReceivedAt: receivedAt.UTC(),
		Payload:    payload,
		Flags:      []Flag{},
	}
}

// Digest returns a hex blake3 fingerprint of the envelope's stored form.
func Digest(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
