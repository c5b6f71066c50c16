package webrtc

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/nc_peercall_go/pkg/ice"
)

// State is the lifecycle state of a Manager.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateFailed
}

func (s State) String() string { return string(s) }

// Stream is a bundle of already-captured local tracks. The core only
// borrows it; the caller keeps ownership of the underlying capture.
type Stream struct {
	ID     string
	Tracks []webrtc.TrackLocal
}

// RemoteStream groups the remote tracks that share a stream id.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

// ID returns the remote stream id.
func (r *RemoteStream) ID() string { return r.id }

// Tracks returns the tracks received so far for this stream.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}

func (r *RemoteStream) addTrack(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// EventKind identifies a negotiator event.
type EventKind int

const (
	EventSignal  EventKind = iota + 1 // local signal to relay to the remote
	EventStream                       // remote stream received
	EventConnect                      // media path established
	EventClose                        // connection closed
	EventError                        // negotiation or transport error
)

func (k EventKind) String() string {
	switch k {
	case EventSignal:
		return "signal"
	case EventStream:
		return "stream"
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Negotiator.
type Event struct {
	Kind   EventKind
	Signal json.RawMessage // EventSignal
	Stream *RemoteStream   // EventStream
	Err    error           // EventError
}

// Negotiator is the underlying peer-negotiation primitive owned by a
// Manager. Events for one negotiator are delivered in emission order.
type Negotiator interface {
	// Signal consumes a signal produced by the remote negotiator.
	// Errors wrapping ErrMalformedSignal mean the signal was dropped.
	Signal(data json.RawMessage) error

	// ReplaceStream swaps the outbound tracks without renegotiating.
	// On error the previous tracks remain in use.
	ReplaceStream(s *Stream) error

	// Events returns the event channel.
	Events() <-chan Event

	// Close releases the connection. It never stops local tracks.
	Close() error
}

// PeerConfig configures a Negotiator.
type PeerConfig struct {
	CallID     string
	Initiator  bool
	ICEServers []ice.Server
	Stream     *Stream
	Logger     *slog.Logger
}

// PeerFactory creates a Negotiator.
type PeerFactory func(cfg PeerConfig) (Negotiator, error)
