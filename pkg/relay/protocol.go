package relay

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/silviot/nc_peercall_go/pkg/signaling"
)

// Frame types of the websocket relay protocol.
const (
	FrameHello       = "hello"
	FrameWelcome     = "welcome"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSignal      = "signal"
	FrameAck         = "ack"
	FrameDeliver     = "deliver"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameError       = "error"
)

// Relay error texts reported in acks. The signaling package classifies
// them by substring.
const (
	errRemoteOffline  = "remote offline"
	errUnreachable    = "relay unreachable"
	errAckTimeout     = "ack timeout"
	errSenderMismatch = "relay rejected: sender mismatch"
	errNoEnvelope     = "relay rejected: missing envelope"
)

// Frame is one relay protocol message. Which fields are set depends on Type.
type Frame struct {
	Type     string              `json:"type"`
	ID       string              `json:"id,omitempty"`
	CallID   string              `json:"callId,omitempty"` // subscribe, unsubscribe
	Hello    *Hello              `json:"hello,omitempty"`
	Envelope *signaling.Envelope `json:"envelope,omitempty"`
	Success  bool                `json:"success,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Hello registers a connection as an endpoint. Random and Token are only
// checked when the server has a shared secret.
type Hello struct {
	Endpoint string `json:"endpoint"`
	Random   string `json:"random,omitempty"`
	Token    string `json:"token,omitempty"`
}

// generateNonce generates a random hex nonce for auth
func generateNonce() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// hmacSHA256 computes HMAC-SHA256 of data with secret
func hmacSHA256(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func newHello(endpoint, secret string) *Hello {
	h := &Hello{Endpoint: endpoint}
	if secret != "" {
		h.Random = generateNonce()
		h.Token = hmacSHA256(secret, h.Random)
	}
	return h
}

func (h *Hello) valid(secret string) bool {
	if h == nil || h.Endpoint == "" {
		return false
	}
	if secret == "" {
		return true
	}
	return hmac.Equal([]byte(h.Token), []byte(hmacSHA256(secret, h.Random)))
}
