package signaling

import (
	"context"
	"encoding/json"
)

// Type identifies the role of a signaling message.
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	TypeEnd       Type = "end"
)

// Envelope is the wire message exchanged through the relay.
type Envelope struct {
	Type   Type            `json:"type"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	CallID string          `json:"callId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Result is the relay's answer to an emitted signal.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Relay is the external signaling transport.
type Relay interface {
	// EmitSignal delivers env to env.To.
	EmitSignal(ctx context.Context, env Envelope) Result

	// OnSignal registers handler for envelopes of callID addressed to
	// selfID. The returned function removes the registration.
	OnSignal(callID, selfID string, handler func(Envelope)) (unsubscribe func())
}
