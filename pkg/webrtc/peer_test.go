package webrtc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

func newOpusTrack(t *testing.T, id, streamID string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id, streamID,
	)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return track
}

// writeSilence feeds Opus silence frames until stop is closed.
func writeSilence(track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
		}
	}
}

type peerResult struct {
	connected bool
	streams   int
}

// relayPeers shuttles signals between a and b and collects connect and
// stream events until both sides are connected and have a stream.
func relayPeers(t *testing.T, a, b *Peer) (peerResult, peerResult) {
	t.Helper()
	var ra, rb peerResult
	deadline := time.After(15 * time.Second)

	handle := func(ev Event, self *peerResult, other *Peer) {
		switch ev.Kind {
		case EventSignal:
			if err := other.Signal(ev.Signal); err != nil && !errors.Is(err, ErrMalformedSignal) {
				t.Fatalf("Signal: %v", err)
			}
		case EventConnect:
			self.connected = true
		case EventStream:
			self.streams++
		case EventError:
			t.Fatalf("negotiator error: %v", ev.Err)
		}
	}

	for !(ra.connected && rb.connected && ra.streams > 0 && rb.streams > 0) {
		select {
		case ev := <-a.Events():
			handle(ev, &ra, b)
		case ev := <-b.Events():
			handle(ev, &rb, a)
		case <-deadline:
			t.Fatalf("loopback did not converge: a=%+v b=%+v", ra, rb)
		}
	}
	return ra, rb
}

func TestPeer_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback negotiation in short mode")
	}

	trackA := newOpusTrack(t, "audio-a", "stream-a")
	trackB := newOpusTrack(t, "audio-b", "stream-b")

	offerer, err := NewPeer(PeerConfig{
		CallID:    "loop",
		Initiator: true,
		Stream:    &Stream{ID: "stream-a", Tracks: []webrtc.TrackLocal{trackA}},
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewPeer offerer: %v", err)
	}
	defer offerer.Close()

	answerer, err := NewPeer(PeerConfig{
		CallID: "loop",
		Stream: &Stream{ID: "stream-b", Tracks: []webrtc.TrackLocal{trackB}},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewPeer answerer: %v", err)
	}
	defer answerer.Close()

	stop := make(chan struct{})
	defer close(stop)
	go writeSilence(trackA, stop)
	go writeSilence(trackB, stop)

	ra, rb := relayPeers(t, offerer, answerer)
	if ra.streams != 1 || rb.streams != 1 {
		t.Errorf("expected one remote stream each, got %d and %d", ra.streams, rb.streams)
	}

	// Swapping to a fresh audio track must not need renegotiation.
	next := newOpusTrack(t, "audio-a2", "stream-a2")
	if err := offerer.ReplaceStream(&Stream{ID: "stream-a2", Tracks: []webrtc.TrackLocal{next}}); err != nil {
		t.Fatalf("ReplaceStream: %v", err)
	}

	// No video sender exists, so a video-only stream is refused and the
	// audio sender keeps its track.
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "stream-v",
	)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	if err := offerer.ReplaceStream(&Stream{ID: "stream-v", Tracks: []webrtc.TrackLocal{video}}); err == nil {
		t.Fatal("expected ReplaceStream without a matching sender to fail")
	}
	if got := offerer.senders[0].Track(); got != next {
		t.Error("failed replacement must keep the previous track")
	}
}

func TestPeer_SignalMalformed(t *testing.T) {
	p, err := NewPeer(PeerConfig{CallID: "bad", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	cases := []json.RawMessage{
		json.RawMessage(`not json`),
		json.RawMessage(`{}`),
		json.RawMessage(`{"type":"answer","sdp":"v=0"}`), // responder never accepts answers
		json.RawMessage(`{"type":"offer","sdp":"garbage"}`),
		json.RawMessage(`{"candidate":{"candidate":""}}`),
	}
	for _, data := range cases {
		if err := p.Signal(data); !errors.Is(err, ErrMalformedSignal) {
			t.Errorf("Signal(%s): expected ErrMalformedSignal, got %v", data, err)
		}
	}
}

func TestPeer_QueuesEarlyCandidates(t *testing.T) {
	p, err := NewPeer(PeerConfig{CallID: "early", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	c := json.RawMessage(`{"candidate":{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host","sdpMid":"0"}}`)
	if err := p.Signal(c); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	p.mu.Lock()
	pending := len(p.pendingRemote)
	p.mu.Unlock()
	if pending != 1 {
		t.Errorf("expected 1 queued candidate, got %d", pending)
	}
}

func TestPeer_CloseIdempotent(t *testing.T) {
	p, err := NewPeer(PeerConfig{CallID: "close", Initiator: true, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := p.Signal(json.RawMessage(`{"type":"answer","sdp":"v=0"}`)); err != nil {
		t.Errorf("Signal after Close should be ignored, got %v", err)
	}
}
