// Package media provides the daemon's local audio source and a monitor for
// received audio. Both speak Opus at 48kHz.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/silviot/nc_peercall_go/pkg/webrtc"
)

const (
	SampleRate    = 48000
	frameDuration = 20 * time.Millisecond
	frameSamples  = SampleRate / 50 // per channel, 20ms
	maxPacketSize = 4000
)

// ToneConfig configures a ToneSource.
type ToneConfig struct {
	StreamID  string
	Frequency float64 // Hz; zero sends silence
	Amplitude float64 // 0..1, defaults to 0.2
	Channels  int     // 1 or 2, defaults to 2
	Logger    *slog.Logger
}

// ToneSource encodes a sine tone into an Opus track. It stands in for a
// capture device when the daemon has no real input.
type ToneSource struct {
	track     *pionwebrtc.TrackLocalStaticSample
	encoder   *opus.Encoder
	streamID  string
	channels  int
	frequency float64
	amplitude float64
	phase     float64
	logger    *slog.Logger

	pcm    []int16
	packet []byte

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewToneSource creates a tone source. Call Start to begin sending.
func NewToneSource(cfg ToneConfig) (*ToneSource, error) {
	if cfg.StreamID == "" {
		return nil, errors.New("stream id required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, fmt.Errorf("unsupported channel count: %d", cfg.Channels)
	}
	if cfg.Amplitude <= 0 || cfg.Amplitude > 1 {
		cfg.Amplitude = 0.2
	}

	encoder, err := opus.NewEncoder(SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus encoder: %w", err)
	}

	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeOpus, ClockRate: SampleRate, Channels: 2},
		cfg.StreamID+"-audio", cfg.StreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	return &ToneSource{
		track:     track,
		encoder:   encoder,
		streamID:  cfg.StreamID,
		channels:  cfg.Channels,
		frequency: cfg.Frequency,
		amplitude: cfg.Amplitude,
		logger:    cfg.Logger,
		pcm:       make([]int16, frameSamples*cfg.Channels),
		packet:    make([]byte, maxPacketSize),
		closeCh:   make(chan struct{}),
	}, nil
}

// Stream returns the local stream carrying the tone track.
func (t *ToneSource) Stream() *webrtc.Stream {
	return &webrtc.Stream{ID: t.streamID, Tracks: []pionwebrtc.TrackLocal{t.track}}
}

// Start sends one frame every 20ms until Stop.
func (t *ToneSource) Start() {
	t.wg.Add(1)
	go t.run()
}

func (t *ToneSource) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C:
		}

		frame, err := t.nextFrame()
		if err != nil {
			t.logger.Error("failed to encode tone frame", "streamID", t.streamID, "error", err)
			return
		}
		if err := t.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			t.logger.Debug("failed to write tone sample", "streamID", t.streamID, "error", err)
		}
	}
}

// nextFrame renders and encodes the next 20ms of audio.
func (t *ToneSource) nextFrame() ([]byte, error) {
	step := 2 * math.Pi * t.frequency / SampleRate
	for i := 0; i < frameSamples; i++ {
		v := int16(t.amplitude * math.Sin(t.phase) * 32767)
		for c := 0; c < t.channels; c++ {
			t.pcm[i*t.channels+c] = v
		}
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}

	n, err := t.encoder.Encode(t.pcm, t.packet)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, t.packet[:n])
	return out, nil
}

// Stop halts the tone. It is idempotent.
func (t *ToneSource) Stop() {
	t.closeOnce.Do(func() { close(t.closeCh) })
	t.wg.Wait()
}
