package media

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"
)

// Stats summarizes the audio a Monitor has decoded.
type Stats struct {
	Frames    int       `json:"frames"`
	Errors    int       `json:"errors"`
	Peak      float32   `json:"peak"` // peak of the last decoded frame
	LastFrame time.Time `json:"lastFrame"`
}

// Monitor decodes a remote Opus track and records its level.
type Monitor struct {
	callID   string
	channels int
	decoder  *opus.Decoder
	logger   *slog.Logger
	pcm      []float32

	mu    sync.Mutex
	stats Stats
}

// NewMonitor creates a monitor for a track with the given channel count.
func NewMonitor(callID string, channels int, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if channels < 1 {
		channels = 2 // opus/48000/2 in SDP
	}

	decoder, err := opus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, err
	}

	return &Monitor{
		callID:   callID,
		channels: channels,
		decoder:  decoder,
		logger:   logger,
		pcm:      make([]float32, 5760*channels), // 120ms, the longest Opus frame
	}, nil
}

// Run reads track until it ends. It returns when the peer connection closes.
func (m *Monitor) Run(track *pionwebrtc.TrackRemote) {
	if !strings.EqualFold(track.Codec().MimeType, pionwebrtc.MimeTypeOpus) {
		m.logger.Warn("not monitoring non-opus track", "callID", m.callID, "codec", track.Codec().MimeType)
		return
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			m.logger.Debug("remote track ended", "callID", m.callID, "trackID", track.ID(), "error", err)
			return
		}
		m.handlePacket(pkt)
	}
}

func (m *Monitor) handlePacket(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}

	n, err := m.decoder.DecodeFloat32(pkt.Payload, m.pcm)
	if err != nil {
		m.mu.Lock()
		m.stats.Errors++
		m.mu.Unlock()
		m.logger.Debug("opus decode error", "callID", m.callID, "seq", pkt.SequenceNumber, "error", err)
		return
	}
	if n == 0 {
		return
	}

	peak := clampPeak(m.pcm[:n*m.channels])

	m.mu.Lock()
	m.stats.Frames++
	m.stats.Peak = peak
	m.stats.LastFrame = time.Now()
	frames := m.stats.Frames
	m.mu.Unlock()

	if frames <= 5 || frames%500 == 0 {
		m.logger.Debug("decoded audio frame", "callID", m.callID, "samplesPerCh", n, "frameCount", frames, "peak", peak)
	}
}

// Stats returns a snapshot of the decoded audio.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// clampPeak clamps samples to [-1, 1] in place and returns the peak
// magnitude. The decoder overshoots during transients.
func clampPeak(samples []float32) float32 {
	var peak float32
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = v
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
