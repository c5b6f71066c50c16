package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/nc_peercall_go/pkg/ice"
)

// Compile-time interface check.
var _ Negotiator = (*Peer)(nil)

const eventBuffer = 16

// peerSignal is the negotiation payload exchanged between two Peers.
// Session descriptions carry Type and SDP; trickled candidates carry
// Candidate only.
type peerSignal struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Peer is a Negotiator backed by a pion PeerConnection.
type Peer struct {
	callID    string
	initiator bool
	pc        *webrtc.PeerConnection
	logger    *slog.Logger
	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once
	queue     *fifo[Event]

	mu               sync.Mutex
	senders          []*webrtc.RTPSender
	senderKinds      map[*webrtc.RTPSender]webrtc.RTPCodecType
	remoteSet        bool
	localSent        bool
	pendingRemote    []webrtc.ICECandidateInit // received before the remote description
	pendingLocal     []webrtc.ICECandidateInit // gathered before the local description was sent
	remoteStreams    map[string]*RemoteStream
	connectedEmitted bool
}

// DefaultPeerFactory creates pion-backed negotiators.
func DefaultPeerFactory(cfg PeerConfig) (Negotiator, error) {
	p, err := NewPeer(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewPeer creates a PeerConnection for one call. When cfg.Initiator is
// set the offer is produced immediately and delivered as an EventSignal.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	// A brief relay or NAT hiccup should not end the call: disconnected is
	// reported as transient and only failed is terminal.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 30*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice.ToWebRTC(cfg.ICEServers),
	})
	if err != nil {
		cfg.Logger.Error("failed to create peer connection", "callID", cfg.CallID, "error", err)
		return nil, err
	}

	p := &Peer{
		callID:        cfg.CallID,
		initiator:     cfg.Initiator,
		pc:            pc,
		logger:        cfg.Logger.With("callID", cfg.CallID),
		events:        make(chan Event, eventBuffer),
		closeCh:       make(chan struct{}),
		queue:         newFIFO[Event](),
		senderKinds:   make(map[*webrtc.RTPSender]webrtc.RTPCodecType),
		remoteStreams: make(map[string]*RemoteStream),
	}

	if err := p.addStream(cfg.Stream); err != nil {
		pc.Close()
		return nil, err
	}

	go p.pump()

	pc.OnICECandidate(p.onICECandidate)
	pc.OnTrack(p.onTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE connection state changed", "state", state.String())
	})
	pc.OnConnectionStateChange(p.onConnectionStateChange)

	if cfg.Initiator {
		go p.createOffer()
	}

	p.logger.Info("peer connection created", "initiator", cfg.Initiator, "iceServers", len(cfg.ICEServers))
	return p, nil
}

// addStream attaches local tracks, or recvonly transceivers when there are
// none so the SDP still carries audio and video m-lines.
func (p *Peer) addStream(s *Stream) error {
	if s == nil || len(s.Tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
		p.logger.Debug("no local tracks, receive-only transceivers added")
		return nil
	}

	for _, track := range s.Tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		p.senders = append(p.senders, sender)
		p.senderKinds[sender] = track.Kind()
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so sender interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) createOffer() {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.emit(Event{Kind: EventError, Err: fmt.Errorf("failed to create offer: %w", err)})
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.emit(Event{Kind: EventError, Err: fmt.Errorf("failed to set local description: %w", err)})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitSignal(peerSignal{Type: "offer", SDP: offer.SDP})
	p.flushLocalCandidatesLocked()
}

// onICECandidate trickles gathered candidates. Candidates gathered before
// the local description went out are held back so the remote always sees
// the description first.
func (p *Peer) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		p.logger.Debug("ICE gathering complete")
		return
	}

	init := c.ToJSON()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.localSent {
		p.pendingLocal = append(p.pendingLocal, init)
		return
	}
	p.emitSignal(peerSignal{Candidate: &init})
}

func (p *Peer) flushLocalCandidatesLocked() {
	p.localSent = true
	for i := range p.pendingLocal {
		p.emitSignal(peerSignal{Candidate: &p.pendingLocal[i]})
	}
	p.pendingLocal = nil
}

func (p *Peer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	codec := track.Codec()
	p.logger.Info("track received",
		"streamID", track.StreamID(),
		"kind", track.Kind().String(),
		"codec", codec.MimeType,
	)

	p.mu.Lock()
	rs, known := p.remoteStreams[track.StreamID()]
	if !known {
		rs = newRemoteStream(track.StreamID())
		p.remoteStreams[track.StreamID()] = rs
	}
	rs.addTrack(track)
	p.mu.Unlock()

	if !known {
		p.emit(Event{Kind: EventStream, Stream: rs})
	}
}

func (p *Peer) onConnectionStateChange(state webrtc.PeerConnectionState) {
	p.logger.Info("peer connection state changed", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		first := !p.connectedEmitted
		p.connectedEmitted = true
		p.mu.Unlock()
		if first {
			p.emit(Event{Kind: EventConnect})
		}
	case webrtc.PeerConnectionStateFailed:
		p.emit(Event{Kind: EventError, Err: ErrICEFailed})
	case webrtc.PeerConnectionStateClosed:
		p.emit(Event{Kind: EventClose})
	case webrtc.PeerConnectionStateDisconnected:
		// ICE may still recover; failed follows if it does not.
		p.logger.Warn("peer connection disconnected, waiting for ICE to recover")
	}
}

// Signal applies a remote offer, answer or candidate.
func (p *Peer) Signal(data json.RawMessage) error {
	var msg peerSignal
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed() {
		return nil
	}

	if msg.Candidate != nil {
		return p.addRemoteCandidateLocked(*msg.Candidate)
	}

	switch msg.Type {
	case "offer":
		return p.applyOfferLocked(msg.SDP)
	case "answer":
		return p.applyAnswerLocked(msg.SDP)
	default:
		return fmt.Errorf("%w: unrecognized payload type %q", ErrMalformedSignal, msg.Type)
	}
}

func (p *Peer) addRemoteCandidateLocked(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrMalformedSignal)
	}
	if !p.remoteSet {
		p.pendingRemote = append(p.pendingRemote, c)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: failed to add ICE candidate: %v", ErrMalformedSignal, err)
	}
	return nil
}

func (p *Peer) applyOfferLocked(sdp string) error {
	if p.initiator || p.remoteSet {
		return fmt.Errorf("%w: unexpected offer", ErrMalformedSignal)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: failed to set remote description: %v", ErrMalformedSignal, err)
	}
	p.remoteSet = true
	p.flushRemoteCandidatesLocked()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	p.emitSignal(peerSignal{Type: "answer", SDP: answer.SDP})
	p.flushLocalCandidatesLocked()
	return nil
}

func (p *Peer) applyAnswerLocked(sdp string) error {
	if !p.initiator || p.remoteSet {
		return fmt.Errorf("%w: unexpected answer", ErrMalformedSignal)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: failed to set remote description: %v", ErrMalformedSignal, err)
	}
	p.remoteSet = true
	p.flushRemoteCandidatesLocked()
	return nil
}

func (p *Peer) flushRemoteCandidatesLocked() {
	for _, c := range p.pendingRemote {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Debug("failed to add queued ICE candidate", "error", err)
		}
	}
	p.pendingRemote = nil
}

// ReplaceStream swaps sender tracks by kind. Senders whose kind is absent
// from s are muted. Any failure restores the previous tracks.
func (p *Peer) ReplaceStream(s *Stream) error {
	if s == nil {
		return errors.New("nil stream")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	type swap struct {
		sender *webrtc.RTPSender
		prev   webrtc.TrackLocal
	}
	var done []swap
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			if err := done[i].sender.ReplaceTrack(done[i].prev); err != nil {
				p.logger.Error("failed to restore track", "error", err)
			}
		}
	}

	used := make(map[*webrtc.RTPSender]bool)
	for _, track := range s.Tracks {
		sender := p.senderForLocked(track.Kind(), used)
		if sender == nil {
			rollback()
			return fmt.Errorf("no %s sender to carry track %q", track.Kind(), track.ID())
		}
		prev := sender.Track()
		if err := sender.ReplaceTrack(track); err != nil {
			rollback()
			return fmt.Errorf("failed to replace %s track: %w", track.Kind(), err)
		}
		used[sender] = true
		done = append(done, swap{sender: sender, prev: prev})
	}

	for _, sender := range p.senders {
		if used[sender] || sender.Track() == nil {
			continue
		}
		prev := sender.Track()
		if err := sender.ReplaceTrack(nil); err != nil {
			rollback()
			return fmt.Errorf("failed to mute %s sender: %w", p.senderKinds[sender], err)
		}
		done = append(done, swap{sender: sender, prev: prev})
	}

	p.logger.Info("local stream replaced", "streamID", s.ID, "tracks", len(s.Tracks))
	return nil
}

func (p *Peer) senderForLocked(kind webrtc.RTPCodecType, used map[*webrtc.RTPSender]bool) *webrtc.RTPSender {
	for _, sender := range p.senders {
		if !used[sender] && p.senderKinds[sender] == kind {
			return sender
		}
	}
	return nil
}

// Events returns the negotiator's event channel.
func (p *Peer) Events() <-chan Event {
	return p.events
}

// Close releases the PeerConnection. Local tracks are left untouched.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.queue.close()
		err = p.pc.Close()
		p.logger.Info("peer connection closed")
	})
	return err
}

func (p *Peer) isClosed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}

func (p *Peer) emitSignal(sig peerSignal) {
	data, err := json.Marshal(sig)
	if err != nil {
		p.emit(Event{Kind: EventError, Err: fmt.Errorf("failed to encode signal: %w", err)})
		return
	}
	p.emit(Event{Kind: EventSignal, Signal: data})
}

// emit queues ev without blocking. pion callbacks and Signal both emit
// while holding p.mu, so a slow consumer must never stall them.
func (p *Peer) emit(ev Event) {
	if p.isClosed() {
		return
	}
	p.queue.push(ev)
}

// pump forwards queued events to the events channel in order.
func (p *Peer) pump() {
	for {
		ev, ok := p.queue.pop()
		if !ok {
			return
		}
		select {
		case p.events <- ev:
		case <-p.closeCh:
			return
		}
	}
}
