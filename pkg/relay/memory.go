// Package relay provides signaling relays: an in-process relay and a
// websocket relay server with its client.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/silviot/nc_peercall_go/pkg/signaling"
)

var (
	_ signaling.Relay = (*Memory)(nil)
	_ signaling.Relay = (*Client)(nil)
)

const subscriberBuffer = 64

// Memory is an in-process relay. Each subscription has its own delivery
// goroutine, so envelopes reach a subscriber in emission order.
type Memory struct {
	logger *slog.Logger

	mu        sync.Mutex
	subs      map[string]map[*subscriber]struct{} // keyed by endpoint
	intercept func(signaling.Envelope) (signaling.Result, bool)
}

type subscriber struct {
	callID  string
	handler func(signaling.Envelope)
	ch      chan signaling.Envelope
	stop    chan struct{}
}

// NewMemory creates an empty in-process relay.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Intercept installs a hook consulted before delivery. When it returns
// true its result is reported and the envelope is not delivered.
func (m *Memory) Intercept(fn func(signaling.Envelope) (signaling.Result, bool)) {
	m.mu.Lock()
	m.intercept = fn
	m.mu.Unlock()
}

// EmitSignal queues env for every subscription of env.To on env.CallID.
func (m *Memory) EmitSignal(ctx context.Context, env signaling.Envelope) signaling.Result {
	if err := ctx.Err(); err != nil {
		return signaling.Result{Error: errUnreachable + ": " + err.Error()}
	}

	m.mu.Lock()
	intercept := m.intercept
	var targets []*subscriber
	for sub := range m.subs[env.To] {
		if sub.callID == env.CallID {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	if intercept != nil {
		if res, handled := intercept(env); handled {
			return res
		}
	}

	if len(targets) == 0 {
		m.logger.Debug("no subscriber for signal", "to", env.To, "callID", env.CallID)
		return signaling.Result{Error: errRemoteOffline}
	}

	for _, sub := range targets {
		select {
		case sub.ch <- env:
		case <-sub.stop:
		case <-ctx.Done():
			return signaling.Result{Error: errUnreachable + ": " + ctx.Err().Error()}
		}
	}
	return signaling.Result{Success: true}
}

// OnSignal subscribes handler to envelopes addressed to selfID on callID.
func (m *Memory) OnSignal(callID, selfID string, handler func(signaling.Envelope)) func() {
	sub := &subscriber{
		callID:  callID,
		handler: handler,
		ch:      make(chan signaling.Envelope, subscriberBuffer),
		stop:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.subs[selfID] == nil {
		m.subs[selfID] = make(map[*subscriber]struct{})
	}
	m.subs[selfID][sub] = struct{}{}
	m.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[selfID], sub)
			if len(m.subs[selfID]) == 0 {
				delete(m.subs, selfID)
			}
			m.mu.Unlock()
			close(sub.stop)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, subs := range m.subs {
		n += len(subs)
	}
	return n
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.stop:
			return
		case env := <-s.ch:
			s.handler(env)
		}
	}
}
