package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/silviot/nc_peercall_go/pkg/signaling"
)

// ClientConfig holds relay client configuration
type ClientConfig struct {
	URL          string        // relay WebSocket URL
	Endpoint     string        // endpoint id announced in hello
	Secret       string        // optional shared secret
	AckTimeout   time.Duration // how long EmitSignal waits for an ack
	PingInterval time.Duration // keep-alive interval
	Logger       *slog.Logger  // Logger instance
}

type clientHandler struct {
	callID  string
	selfID  string
	handler func(signaling.Envelope)
}

// Client connects one endpoint to a relay Server.
type Client struct {
	url          string
	endpoint     string
	secret       string
	ackTimeout   time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	conn      *wsConn
	pending   map[string]chan Frame
	handlers  map[uint64]clientHandler
	nextID    uint64
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a relay client. Call Connect before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:          cfg.URL,
		endpoint:     cfg.Endpoint,
		secret:       cfg.Secret,
		ackTimeout:   cfg.AckTimeout,
		pingInterval: cfg.PingInterval,
		logger:       cfg.Logger.With("endpoint", cfg.Endpoint),
		pending:      make(map[string]chan Frame),
		handlers:     make(map[uint64]clientHandler),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Connect dials the relay, announces the endpoint and waits for welcome.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("relay client already connected")
	}
	select {
	case <-c.done:
		return errors.New("relay client closed")
	default:
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Error("failed to connect to relay", "url", c.url, "error", err)
		return err
	}
	conn := newWSConn(ws)

	if err := conn.WriteFrame(Frame{Type: FrameHello, Hello: newHello(c.endpoint, c.secret)}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	reply, err := conn.ReadFrame(helloTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to read welcome: %w", err)
	}
	if reply.Type != FrameWelcome {
		conn.Close()
		return fmt.Errorf("relay refused hello: %s", reply.Error)
	}

	c.conn = conn
	c.logger.Info("connected to relay", "url", c.url)

	// Handlers registered before Connect.
	calls := make(map[string]struct{})
	for _, h := range c.handlers {
		calls[h.callID] = struct{}{}
	}
	for callID := range calls {
		c.sendSubscription(conn, callID, true)
	}

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)

	return nil
}

// readLoop handles incoming frames until the connection drops.
func (c *Client) readLoop(conn *wsConn) {
	defer c.wg.Done()
	defer c.disconnect(conn)

	for {
		frame, err := conn.ReadFrame(readTimeout)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("relay read error", "error", err)
			}
			return
		}

		switch frame.Type {
		case FrameAck:
			c.resolve(frame)
		case FrameDeliver:
			if frame.Envelope != nil {
				c.dispatch(*frame.Envelope)
			}
		case FramePong:
			// Keep-alive response, ignore
		case FrameError:
			c.logger.Error("relay error", "message", frame.Error)
		default:
			c.logger.Debug("unknown relay frame type", "type", frame.Type)
		}
	}
}

// writeLoop sends periodic pings.
func (c *Client) writeLoop(conn *wsConn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteFrame(Frame{Type: FramePing}); err != nil {
				c.logger.Error("failed to send ping", "error", err)
			}
		}
	}
}

func (c *Client) resolve(frame Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("ack for unknown message", "id", frame.ID)
		return
	}
	ch <- frame
}

func (c *Client) dispatch(env signaling.Envelope) {
	c.mu.Lock()
	var targets []func(signaling.Envelope)
	for _, h := range c.handlers {
		if h.callID == env.CallID && h.selfID == env.To {
			targets = append(targets, h.handler)
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.logger.Debug("no handler for delivered signal", "callID", env.CallID, "type", env.Type)
	}
	for _, h := range targets {
		h(env)
	}
}

// disconnect fails pending acks and marks the client unusable.
func (c *Client) disconnect(conn *wsConn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan Frame)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- Frame{Type: FrameAck, ID: id, Error: errUnreachable + ": connection lost"}
	}
	conn.Close()
	c.closeOnce.Do(func() { close(c.done) })
}

// EmitSignal sends env and waits for the relay's ack.
func (c *Client) EmitSignal(ctx context.Context, env signaling.Envelope) signaling.Result {
	if err := ctx.Err(); err != nil {
		return signaling.Result{Error: errUnreachable + ": " + err.Error()}
	}

	id := uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return signaling.Result{Error: errUnreachable + ": not connected"}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := conn.WriteFrame(Frame{Type: FrameSignal, ID: id, Envelope: &env}); err != nil {
		forget()
		return signaling.Result{Error: errUnreachable + ": " + err.Error()}
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return signaling.Result{Success: ack.Success, Error: ack.Error}
	case <-timer.C:
		forget()
		return signaling.Result{Error: errAckTimeout}
	case <-ctx.Done():
		forget()
		return signaling.Result{Error: errUnreachable + ": " + ctx.Err().Error()}
	}
}

// OnSignal registers handler for envelopes addressed to selfID on callID.
// The relay is told to route the call here while any handler is registered.
func (c *Client) OnSignal(callID, selfID string, handler func(signaling.Envelope)) func() {
	if selfID != c.endpoint {
		c.logger.Warn("subscribing for an endpoint this client does not own", "selfID", selfID)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	first := c.handlerCountLocked(callID) == 0
	c.handlers[id] = clientHandler{callID: callID, selfID: selfID, handler: handler}
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		c.sendSubscription(conn, callID, true)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			last := c.handlerCountLocked(callID) == 0
			conn := c.conn
			c.mu.Unlock()

			if last && conn != nil {
				c.sendSubscription(conn, callID, false)
			}
		})
	}
}

func (c *Client) handlerCountLocked(callID string) int {
	n := 0
	for _, h := range c.handlers {
		if h.callID == callID {
			n++
		}
	}
	return n
}

func (c *Client) sendSubscription(conn *wsConn, callID string, on bool) {
	frame := Frame{Type: FrameUnsubscribe, CallID: callID}
	if on {
		frame.Type = FrameSubscribe
	}
	if err := conn.WriteFrame(frame); err != nil {
		c.logger.Warn("failed to update relay subscription", "callID", callID, "subscribe", on, "error", err)
	}
}

// Done is closed when the relay connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsConnected returns whether the relay connection is active
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the relay connection and cleans up
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}

	c.wg.Wait()
	return nil
}
