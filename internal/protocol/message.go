// Package protocol defines the closed set of push-channel message types and
// their JSON envelope codec.
package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Envelope is the top-level wrapper for all push-channel messages.
type Envelope struct {
	Type    string          `json:"type"`
	TS      int64           `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope around a typed payload.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Marshal serializes the envelope to JSON bytes.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParsePayload unmarshals the payload into target.
func (e Envelope) ParsePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, target)
}

// Parse decodes raw bytes into an envelope. Unknown types are returned as-is;
// callers decide whether to ignore them.
func Parse(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	return e, nil
}
