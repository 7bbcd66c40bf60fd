// Package protocol holds the wire types shared by the realtime hub, the lock
// negotiation API and the client core.
package protocol

import (
	"encoding/json"
	"fmt"
)

type EnvelopeType string

const (
	TypeClientChatNew    EnvelopeType = "client_chat_new"
	TypeClientChatUpdate EnvelopeType = "client_chat_update"
	TypeClientChatClear  EnvelopeType = "client_chat_clear"
	TypeClientChatRead   EnvelopeType = "client_chat_read"

	TypeDMChatNew     EnvelopeType = "dm_chat_new"
	TypeDMChatUpdate  EnvelopeType = "dm_chat_update"
	TypeDMChatReceipt EnvelopeType = "dm_chat_receipt"
	TypeDMChatRead    EnvelopeType = "dm_chat_read"

	TypeGlobalPresence EnvelopeType = "global_presence"

	TypeUnlockRequest       EnvelopeType = "unlock_request"
	TypeUnlockRequestUpdate EnvelopeType = "unlock_request_update"
	TypeForceUnlock         EnvelopeType = "force_unlock"

	// TypeView is sent by clients to declare the floor plan a socket shows.
	TypeView EnvelopeType = "view"
)

// Envelope is the discriminated union carried over the realtime channel.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(kind EnvelopeType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{Type: kind, Payload: raw}, nil
}

// Decode unmarshals the payload into target.
func (e Envelope) Decode(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// ParseEnvelope decodes one inbound frame. Frames without a type are invalid.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// ViewPayload is the body of a TypeView envelope. An empty DocumentID means
// the socket no longer shows any floor plan.
type ViewPayload struct {
	DocumentID string `json:"documentId"`
}
