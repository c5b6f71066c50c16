package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/nc_peercall_go/pkg/ice"
	"github.com/silviot/nc_peercall_go/pkg/signaling"
	"github.com/silviot/nc_peercall_go/pkg/webrtc"
)

// StreamFactory provides the local media for a new call. release is called
// once the call is over; the session itself never stops the stream.
type StreamFactory func(callID string) (stream *webrtc.Stream, release func(), err error)

// CallRequest asks the Manager to start a call.
type CallRequest struct {
	CallID    string // generated when empty
	RemoteID  string
	Initiator bool
}

// CallInfo is a snapshot of a tracked call.
type CallInfo struct {
	CallID    string       `json:"callId"`
	RemoteID  string       `json:"remoteId"`
	Initiator bool         `json:"initiator"`
	State     webrtc.State `json:"state"`
	StartedAt time.Time    `json:"startedAt"`
}

type call struct {
	session   *Session
	release   func()
	remoteID  string
	initiator bool
	startedAt time.Time
}

func (c *call) info(callID string) CallInfo {
	return CallInfo{
		CallID:    callID,
		RemoteID:  c.remoteID,
		Initiator: c.initiator,
		State:     c.session.State(),
		StartedAt: c.startedAt,
	}
}

// Manager tracks the calls of one local endpoint
type Manager struct {
	localID        string
	deps           Deps
	connectTimeout time.Duration
	newStream      StreamFactory
	onRemoteStream func(callID string, stream *webrtc.RemoteStream)
	maxCalls       int
	logger         *slog.Logger

	calls map[string]*call // callID -> call
	mu    sync.RWMutex
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
}

// ManagerConfig holds configuration for the call manager
type ManagerConfig struct {
	LocalID        string
	Relay          signaling.Relay
	ICE            ice.Config
	Retry          signaling.RetryPolicy
	NewPeer        webrtc.PeerFactory
	ConnectTimeout time.Duration
	NewStream      StreamFactory // defaults to a stream without tracks
	OnRemoteStream func(callID string, stream *webrtc.RemoteStream)
	MaxCalls       int
	Logger         *slog.Logger
}

// NewManager creates a new call manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 16
	}
	if cfg.NewStream == nil {
		cfg.NewStream = func(callID string) (*webrtc.Stream, func(), error) {
			return &webrtc.Stream{ID: callID}, func() {}, nil
		}
	}

	ctx, stop := context.WithCancel(context.Background())

	return &Manager{
		localID: cfg.LocalID,
		deps: Deps{
			Relay:   cfg.Relay,
			ICE:     cfg.ICE,
			Retry:   cfg.Retry,
			NewPeer: cfg.NewPeer,
			Logger:  cfg.Logger,
		},
		connectTimeout: cfg.ConnectTimeout,
		newStream:      cfg.NewStream,
		onRemoteStream: cfg.OnRemoteStream,
		maxCalls:       cfg.MaxCalls,
		logger:         cfg.Logger,
		calls:          make(map[string]*call),
		ctx:            ctx,
		stop:           stop,
	}
}

// StartCall creates a session for req and connects it in the background.
// Calls that end or fail are dropped from the registry.
func (m *Manager) StartCall(req CallRequest) (CallInfo, error) {
	callID := req.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return CallInfo{}, fmt.Errorf("call manager closed")
	}
	if _, exists := m.calls[callID]; exists {
		return CallInfo{}, fmt.Errorf("%w: %s", ErrCallExists, callID)
	}
	if len(m.calls) >= m.maxCalls {
		return CallInfo{}, ErrTooManyCalls
	}

	stream, release, err := m.newStream(callID)
	if err != nil {
		return CallInfo{}, fmt.Errorf("failed to create local stream: %w", err)
	}

	c := &call{
		release:   release,
		remoteID:  req.RemoteID,
		initiator: req.Initiator,
		startedAt: time.Now(),
	}

	cfg := Config{
		CallID:         callID,
		LocalID:        m.localID,
		RemoteID:       req.RemoteID,
		Initiator:      req.Initiator,
		Stream:         stream,
		ConnectTimeout: m.connectTimeout,
		OnStateChange: func(s webrtc.State) {
			if s.IsTerminal() {
				m.finish(callID, c)
			}
		},
	}
	if m.onRemoteStream != nil {
		cfg.OnRemoteStream = func(rs *webrtc.RemoteStream) { m.onRemoteStream(callID, rs) }
	}

	sess, err := New(cfg, m.deps)
	if err != nil {
		release()
		return CallInfo{}, err
	}
	c.session = sess
	m.calls[callID] = c

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := sess.Connect(m.ctx); err != nil {
			m.logger.Warn("call did not connect", "callID", callID, "error", err)
			m.finish(callID, c)
			return
		}
		m.logger.Info("call connected", "callID", callID, "remoteID", req.RemoteID)
	}()

	m.logger.Info("call started", "callID", callID, "remoteID", req.RemoteID, "initiator", req.Initiator)

	return c.info(callID), nil
}

// finish removes c if it is still registered and releases it.
func (m *Manager) finish(callID string, c *call) {
	m.mu.Lock()
	current, exists := m.calls[callID]
	if exists && current == c {
		delete(m.calls, callID)
	}
	m.mu.Unlock()

	if !exists || current != c {
		return
	}
	m.teardown(callID, c)
}

func (m *Manager) teardown(callID string, c *call) {
	c.session.Destroy()
	c.release()
	m.logger.Info("call ended", "callID", callID, "state", c.session.State())
}

// EndCall hangs up a call
func (m *Manager) EndCall(callID string) error {
	m.mu.Lock()
	c, exists := m.calls[callID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	delete(m.calls, callID)
	m.mu.Unlock()

	m.teardown(callID, c)
	return nil
}

// Get returns a snapshot of one call
func (m *Manager) Get(callID string) (CallInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, exists := m.calls[callID]
	if !exists {
		return CallInfo{}, false
	}
	return c.info(callID), true
}

// List returns all calls, oldest first
func (m *Manager) List() []CallInfo {
	m.mu.RLock()
	out := make([]CallInfo, 0, len(m.calls))
	for callID, c := range m.calls {
		out = append(out, c.info(callID))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of tracked calls
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// ConnectedCount returns the number of calls with an established media path
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.calls {
		if c.session.IsConnected() {
			n++
		}
	}
	return n
}

// Close ends every call and waits for background connects to settle
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stop()
	callIDs := make([]string, 0, len(m.calls))
	for callID := range m.calls {
		callIDs = append(callIDs, callID)
	}
	m.mu.Unlock()

	for _, callID := range callIDs {
		if err := m.EndCall(callID); err != nil {
			m.logger.Error("failed to end call during shutdown", "callID", callID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("call cleanup timeout")
	}

	return nil
}
