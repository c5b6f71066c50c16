package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	helloTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
)

// ServerConfig holds relay server configuration
type ServerConfig struct {
	Secret string       // optional shared secret for hello auth
	Logger *slog.Logger // Logger instance
}

// endpointConn is a registered endpoint and the calls it listens on.
type endpointConn struct {
	*wsConn
	endpoint string

	mu    sync.Mutex
	calls map[string]struct{}
}

func (e *endpointConn) subscribe(callID string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.calls[callID] = struct{}{}
	} else {
		delete(e.calls, callID)
	}
}

func (e *endpointConn) listening(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.calls[callID]
	return ok
}

// Server relays signaling envelopes between websocket-connected endpoints.
// A signal is only delivered when the target endpoint has subscribed to
// the envelope's call; otherwise the sender is told the remote is offline.
type Server struct {
	secret   string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*endpointConn
	done  chan struct{}
	once  sync.Once
}

// NewServer creates a relay server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		secret: cfg.Secret,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*endpointConn),
		done:  make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and serves one endpoint connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}
	conn := newWSConn(ws)
	defer conn.Close()

	ep, ok := s.handshake(conn)
	if !ok {
		return
	}
	defer s.unregister(ep)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		frame, err := conn.ReadFrame(readTimeout)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("relay read error", "endpoint", ep.endpoint, "error", err)
			}
			return
		}

		switch frame.Type {
		case FrameSignal:
			s.handleSignal(ep, frame)
		case FrameSubscribe:
			ep.subscribe(frame.CallID, true)
			s.logger.Debug("endpoint subscribed", "endpoint", ep.endpoint, "callID", frame.CallID)
		case FrameUnsubscribe:
			ep.subscribe(frame.CallID, false)
			s.logger.Debug("endpoint unsubscribed", "endpoint", ep.endpoint, "callID", frame.CallID)
		case FramePing:
			if err := conn.WriteFrame(Frame{Type: FramePong}); err != nil {
				s.logger.Debug("failed to send pong", "endpoint", ep.endpoint, "error", err)
			}
		default:
			s.logger.Debug("unknown relay frame type", "endpoint", ep.endpoint, "type", frame.Type)
		}
	}
}

// handshake waits for hello and registers the endpoint. A second
// connection for the same endpoint replaces the first.
func (s *Server) handshake(conn *wsConn) (*endpointConn, bool) {
	frame, err := conn.ReadFrame(helloTimeout)
	if err != nil {
		s.logger.Debug("no hello received", "error", err)
		return nil, false
	}
	if frame.Type != FrameHello || !frame.Hello.valid(s.secret) {
		s.logger.Warn("rejecting relay connection", "type", frame.Type)
		conn.WriteFrame(Frame{Type: FrameError, Error: "relay rejected: invalid hello"})
		return nil, false
	}

	ep := &endpointConn{
		wsConn:   conn,
		endpoint: frame.Hello.Endpoint,
		calls:    make(map[string]struct{}),
	}

	s.mu.Lock()
	prev := s.conns[ep.endpoint]
	s.conns[ep.endpoint] = ep
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("replacing existing relay connection", "endpoint", ep.endpoint)
		prev.Close()
	}

	if err := conn.WriteFrame(Frame{Type: FrameWelcome}); err != nil {
		s.unregister(ep)
		return nil, false
	}
	s.logger.Info("endpoint connected", "endpoint", ep.endpoint)
	return ep, true
}

func (s *Server) unregister(ep *endpointConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[ep.endpoint] == ep {
		delete(s.conns, ep.endpoint)
		s.logger.Info("endpoint disconnected", "endpoint", ep.endpoint)
	}
}

func (s *Server) handleSignal(from *endpointConn, frame Frame) {
	ack := Frame{Type: FrameAck, ID: frame.ID}

	switch env := frame.Envelope; {
	case env == nil:
		ack.Error = errNoEnvelope
	case env.From != from.endpoint:
		s.logger.Warn("sender mismatch", "endpoint", from.endpoint, "from", env.From)
		ack.Error = errSenderMismatch
	default:
		s.mu.Lock()
		target := s.conns[env.To]
		s.mu.Unlock()

		if target == nil || !target.listening(env.CallID) {
			ack.Error = errRemoteOffline
			break
		}
		if err := target.WriteFrame(Frame{Type: FrameDeliver, Envelope: env}); err != nil {
			s.logger.Debug("failed to deliver signal", "to", env.To, "error", err)
			ack.Error = errUnreachable + ": " + err.Error()
			break
		}
		ack.Success = true
	}

	if err := from.WriteFrame(ack); err != nil {
		s.logger.Debug("failed to send ack", "endpoint", from.endpoint, "error", err)
	}
}

// ConnectionCount returns the number of registered endpoints.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every endpoint.
func (s *Server) Close() error {
	s.once.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for endpoint, conn := range s.conns {
		conn.Close()
		delete(s.conns, endpoint)
	}
	return nil
}
