// Package session composes signaling, ICE configuration and the peer
// connection manager into per-call sessions, and tracks them for the
// daemon's control API.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/silviot/nc_peercall_go/pkg/ice"
	"github.com/silviot/nc_peercall_go/pkg/signaling"
	"github.com/silviot/nc_peercall_go/pkg/webrtc"
)

var (
	// ErrInvalidConfig wraps validation failures from New.
	ErrInvalidConfig = errors.New("invalid call config")

	// ErrConnectTimeout is returned by Connect when ConnectTimeout elapses.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrCallExists is returned when a live call already uses the id.
	ErrCallExists = errors.New("call already exists")

	// ErrCallNotFound is returned for an unknown call id.
	ErrCallNotFound = errors.New("call not found")

	// ErrTooManyCalls is returned when the registry is full.
	ErrTooManyCalls = errors.New("too many active calls")
)

var validate = validator.New()

// Config describes one call attempt. It is immutable once passed to New.
type Config struct {
	CallID    string         `validate:"required"`
	LocalID   string         `validate:"required"`
	RemoteID  string         `validate:"required,nefield=LocalID"`
	Initiator bool
	Stream    *webrtc.Stream `validate:"required"` // borrowed; the caller stops capture

	OnRemoteStream func(*webrtc.RemoteStream)
	OnStateChange  func(webrtc.State)

	// ConnectTimeout bounds Connect when positive.
	ConnectTimeout time.Duration `validate:"gte=0"`
}

// Deps are the collaborators shared by sessions.
type Deps struct {
	Relay   signaling.Relay
	ICE     ice.Config
	Retry   signaling.RetryPolicy
	NewPeer webrtc.PeerFactory
	Logger  *slog.Logger
}

// Session is the entry point for a single call attempt.
type Session struct {
	callID  string
	timeout time.Duration
	logger  *slog.Logger
	manager *webrtc.Manager
}

// New validates cfg and wires a session for it.
func New(cfg Config, deps Deps) (*Session, error) {
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("%w: relay required", ErrInvalidConfig)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	logger := deps.Logger.With("callID", cfg.CallID)

	servers := ice.NewResolver(deps.ICE, logger).Resolve()

	adapter := signaling.NewAdapter(signaling.AdapterConfig{
		Relay:    deps.Relay,
		CallID:   cfg.CallID,
		LocalID:  cfg.LocalID,
		RemoteID: cfg.RemoteID,
		Retry:    deps.Retry,
		Logger:   deps.Logger,
	})

	manager, err := webrtc.NewManager(webrtc.Config{
		CallID:         cfg.CallID,
		Initiator:      cfg.Initiator,
		Stream:         cfg.Stream,
		ICEServers:     servers,
		Signaling:      adapter,
		NewPeer:        deps.NewPeer,
		OnRemoteStream: cfg.OnRemoteStream,
		OnStateChange:  cfg.OnStateChange,
		Logger:         deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection manager: %w", err)
	}

	logger.Info("call session created",
		"localID", cfg.LocalID,
		"remoteID", cfg.RemoteID,
		"initiator", cfg.Initiator,
		"iceServers", len(servers),
	)

	return &Session{
		callID:  cfg.CallID,
		timeout: cfg.ConnectTimeout,
		logger:  logger,
		manager: manager,
	}, nil
}

// Connect negotiates the call. With a ConnectTimeout, a call that is not
// connected in time is destroyed and ErrConnectTimeout is returned.
func (s *Session) Connect(ctx context.Context) error {
	if s.timeout <= 0 {
		return s.manager.Connect(ctx)
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.manager.Connect(connectCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		s.logger.Warn("connect timed out", "timeout", s.timeout)
		s.manager.Destroy()
		return ErrConnectTimeout
	}
	return err
}

// ReplaceStream swaps the outbound media. Failures are logged only.
func (s *Session) ReplaceStream(stream *webrtc.Stream) {
	if err := s.manager.ReplaceStream(stream); err != nil {
		if errors.Is(err, webrtc.ErrNotConnected) {
			s.logger.Debug("ignoring stream replacement outside a connected call", "state", s.manager.State())
			return
		}
		s.logger.Warn("stream replacement failed", "error", err)
	}
}

// IsConnected reports whether the media path is up.
func (s *Session) IsConnected() bool {
	return s.manager.IsConnected()
}

// State returns the call state.
func (s *Session) State() webrtc.State {
	return s.manager.State()
}

// CallID returns the call id.
func (s *Session) CallID() string {
	return s.callID
}

// Destroy ends the call. It is idempotent.
func (s *Session) Destroy() {
	s.manager.Destroy()
}
