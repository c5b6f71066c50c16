package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/nc_peercall_go/pkg/ice"
	"github.com/silviot/nc_peercall_go/pkg/signaling"
)

// endTimeout bounds the best-effort hangup notice sent by Destroy.
const endTimeout = 2 * time.Second

// Signaling is the call-scoped signaling channel a Manager drives.
type Signaling interface {
	Send(ctx context.Context, t signaling.Type, data json.RawMessage) error
	Subscribe(handler func(signaling.Envelope)) (unsubscribe func())
}

var _ Signaling = (*signaling.Adapter)(nil)

// Config configures a Manager.
type Config struct {
	CallID     string
	Initiator  bool
	Stream     *Stream // borrowed; never stopped by the manager
	ICEServers []ice.Server
	Signaling  Signaling
	NewPeer    PeerFactory // defaults to DefaultPeerFactory

	OnRemoteStream func(*RemoteStream)
	OnStateChange  func(State)

	Logger *slog.Logger
}

type outboundSignal struct {
	typ  signaling.Type
	data json.RawMessage
}

// Manager owns the negotiated connection of one call attempt and drives
// its lifecycle: idle, connecting, connected, then disconnected or failed.
// Terminal states accept no further input.
type Manager struct {
	callID         string
	initiator      bool
	iceServers     []ice.Server
	signaling      Signaling
	newPeer        PeerFactory
	onRemoteStream func(*RemoteStream)
	onStateChange  func(State)
	logger         *slog.Logger
	callbacks      *dispatcher

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	inbound  chan signaling.Envelope
	outbound *fifo[outboundSignal]
	wg       sync.WaitGroup

	mu          sync.Mutex
	state       State
	destroyed   bool
	tornDown    bool
	peer        Negotiator
	closing     Negotiator // handed off by teardownLocked, closed by unlock
	stream      *Stream
	unsubscribe func()
	connectDone chan struct{}
	connectErr  error
	resolved    bool
}

// NewManager creates a manager in the idle state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Signaling == nil {
		return nil, ErrNoSignaling
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewPeer == nil {
		cfg.NewPeer = DefaultPeerFactory
	}

	logger := cfg.Logger.With("callID", cfg.CallID)
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		callID:         cfg.CallID,
		initiator:      cfg.Initiator,
		iceServers:     cfg.ICEServers,
		signaling:      cfg.Signaling,
		newPeer:        cfg.NewPeer,
		onRemoteStream: cfg.OnRemoteStream,
		onStateChange:  cfg.OnStateChange,
		logger:         logger,
		callbacks:      newDispatcher(logger),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		inbound:        make(chan signaling.Envelope, 32),
		outbound:       newFIFO[outboundSignal](),
		state:          StateIdle,
		stream:         cfg.Stream,
		connectDone:    make(chan struct{}),
	}, nil
}

// Connect starts negotiation and blocks until the call is connected, fails
// or is destroyed. If ctx ends first, ctx.Err() is returned and negotiation
// carries on; use Destroy to abandon it.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}

	m.setStateLocked(StateConnecting)

	peer, err := m.newPeer(PeerConfig{
		CallID:     m.callID,
		Initiator:  m.initiator,
		ICEServers: m.iceServers,
		Stream:     m.stream,
		Logger:     m.logger,
	})
	if err != nil {
		err = fmt.Errorf("failed to create negotiator: %w", err)
		m.failLocked(err)
		m.unlock()
		return err
	}
	m.peer = peer
	m.unsubscribe = m.signaling.Subscribe(m.enqueueInbound)

	m.wg.Add(2)
	go m.loop(peer.Events())
	go m.sendLoop()

	done := m.connectDone
	m.mu.Unlock()

	select {
	case <-done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.connectErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplaceStream swaps the outbound media on a connected call. On failure
// the previous stream stays in use and the state is unchanged.
func (m *Manager) ReplaceStream(s *Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected {
		return ErrNotConnected
	}
	if err := m.peer.ReplaceStream(s); err != nil {
		m.logger.Warn("stream replacement failed, keeping previous stream", "error", err)
		return fmt.Errorf("failed to replace stream: %w", err)
	}
	m.stream = s
	return nil
}

// Destroy tears the call down. It is safe from any state and repeated
// calls are no-ops. From connecting or connected it returns only after the
// hangup notice was sent or endTimeout elapsed. Release errors are logged,
// never returned.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true

	notify := false
	switch m.state {
	case StateConnecting, StateConnected:
		m.logger.Info("destroying call", "state", m.state)
		m.setStateLocked(StateDisconnected)
		m.resolveLocked(ErrDestroyed)
		notify = true
	}
	m.teardownLocked()
	peer := m.closing
	m.closing = nil
	m.mu.Unlock()

	if notify {
		m.sendEnd()
	}
	m.closeNegotiator(peer)

	m.wg.Wait()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the media path is established.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) enqueueInbound(env signaling.Envelope) {
	select {
	case m.inbound <- env:
	case <-m.done:
	}
}

// loop serializes negotiator events and inbound envelopes.
func (m *Manager) loop(events <-chan Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				m.handleEvent(Event{Kind: EventClose})
				continue
			}
			m.handleEvent(ev)
		case env := <-m.inbound:
			m.handleInbound(env)
		}
	}
}

func (m *Manager) handleEvent(ev Event) {
	m.mu.Lock()
	defer m.unlock()

	if m.state.IsTerminal() {
		m.logger.Debug("ignoring negotiator event in terminal state", "event", ev.Kind, "state", m.state)
		return
	}

	switch ev.Kind {
	case EventSignal:
		c := signaling.Classify(ev.Signal, m.initiator)
		if c.Fallback {
			m.logger.Warn("unrecognized signal payload, classified by role", "type", c.Type, "initiator", m.initiator)
		}
		m.outbound.push(outboundSignal{typ: c.Type, data: ev.Signal})

	case EventStream:
		if m.onRemoteStream != nil && ev.Stream != nil {
			cb, stream := m.onRemoteStream, ev.Stream
			m.callbacks.post(func() { cb(stream) })
		}

	case EventConnect:
		if m.state == StateConnecting {
			m.setStateLocked(StateConnected)
			m.resolveLocked(nil)
		}

	case EventClose:
		if m.state == StateConnected {
			m.setStateLocked(StateDisconnected)
			m.teardownLocked()
			return
		}
		m.failLocked(ErrPeerClosed)

	case EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("negotiation error")
		}
		m.failLocked(err)
	}
}

func (m *Manager) handleInbound(env signaling.Envelope) {
	m.mu.Lock()
	defer m.unlock()

	if m.state.IsTerminal() {
		m.logger.Debug("ignoring inbound signal in terminal state", "type", env.Type, "state", m.state)
		return
	}

	if env.Type == signaling.TypeEnd {
		m.logger.Info("remote ended the call", "state", m.state)
		if m.state == StateConnected {
			m.setStateLocked(StateDisconnected)
			m.teardownLocked()
			return
		}
		m.failLocked(ErrRemoteHangup)
		return
	}

	if err := m.peer.Signal(env.Data); err != nil {
		if errors.Is(err, ErrMalformedSignal) {
			m.logger.Warn("dropping malformed inbound signal", "type", env.Type, "error", err)
			return
		}
		m.failLocked(fmt.Errorf("failed to apply %s: %w", env.Type, err))
	}
}

// sendLoop relays outbound signals in emission order.
func (m *Manager) sendLoop() {
	defer m.wg.Done()
	for {
		out, ok := m.outbound.pop()
		if !ok {
			return
		}
		// The queue still drains after teardown; nothing goes out then.
		if m.ctx.Err() != nil {
			return
		}
		err := m.signaling.Send(m.ctx, out.typ, out.data)
		if err == nil {
			continue
		}
		if m.ctx.Err() != nil {
			return
		}
		m.handleSendError(out.typ, err)
	}
}

func (m *Manager) handleSendError(t signaling.Type, err error) {
	m.mu.Lock()
	defer m.unlock()

	if m.state.IsTerminal() {
		return
	}

	switch {
	case errors.Is(err, signaling.ErrRelayRejected):
		m.failLocked(fmt.Errorf("failed to send %s: %w", t, err))
	case t == signaling.TypeOffer || t == signaling.TypeAnswer:
		// Negotiation cannot progress without the description.
		m.failLocked(fmt.Errorf("failed to send %s: %w", t, err))
	default:
		m.logger.Warn("dropping undeliverable signal", "type", t, "error", err)
	}
}

func (m *Manager) sendEnd() {
	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	if err := m.signaling.Send(ctx, signaling.TypeEnd, nil); err != nil {
		m.logger.Debug("failed to notify remote of hangup", "error", err)
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Info("call state changed", "from", m.state, "to", s)
	m.state = s
	if m.onStateChange != nil {
		cb := m.onStateChange
		m.callbacks.post(func() { cb(s) })
	}
}

func (m *Manager) resolveLocked(err error) {
	if m.resolved {
		return
	}
	m.resolved = true
	m.connectErr = err
	close(m.connectDone)
}

func (m *Manager) failLocked(err error) {
	m.logger.Error("call failed", "state", m.state, "error", err)
	m.setStateLocked(StateFailed)
	m.resolveLocked(err)
	m.teardownLocked()
}

// teardownLocked releases everything the manager owns. The local stream
// is only detached. The negotiator is closed by the caller once m.mu is
// released.
func (m *Manager) teardownLocked() {
	if m.tornDown {
		return
	}
	m.tornDown = true

	m.cancel()
	close(m.done)

	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.closing = m.peer
	m.peer = nil
	m.stream = nil
	m.outbound.close()
	m.callbacks.close()
}

// unlock releases m.mu, then closes a negotiator handed off by
// teardownLocked so State and IsConnected never wait on it.
func (m *Manager) unlock() {
	peer := m.closing
	m.closing = nil
	m.mu.Unlock()
	m.closeNegotiator(peer)
}

func (m *Manager) closeNegotiator(peer Negotiator) {
	if peer == nil {
		return
	}
	if err := peer.Close(); err != nil {
		m.logger.Warn("failed to close negotiator", "error", err)
	}
}
