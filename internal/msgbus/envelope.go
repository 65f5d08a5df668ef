package msgbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the typed wrapper around every payload that crosses the bus.
// Delivery is at-least-once: handlers must tolerate duplicates.
type Envelope struct {
	// Type names the payload struct, e.g. "ServerHeartbeatMessage".
	Type string `json:"type"`
	// Payload is the JSON-encoded message body.
	Payload json.RawMessage `json:"payload"`
	// SenderID is the server id of the publishing instance. Carries the
	// temporary id until registration completes.
	SenderID string `json:"senderId"`
	// Timestamp is the publish time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// CorrelationID links a reply to its request. Empty for broadcasts.
	CorrelationID string `json:"correlationId,omitempty"`
	// ReplyTo is the channel a reply should be published to, set by Request.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("msgbus: decode %s payload: %w", e.Type, err)
	}
	return nil
}

func newEnvelope(msgType, senderID string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("msgbus: marshal %s payload: %w", msgType, err)
	}
	return Envelope{
		Type:      msgType,
		Payload:   body,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}
