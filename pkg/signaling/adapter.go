// Package signaling binds a signaling relay to one call and endpoint pair.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// RetryPolicy controls how retryable send failures are retried.
type RetryPolicy struct {
	Attempts int           // total attempts including the first
	Delay    time.Duration // delay before the first retry
	MaxDelay time.Duration // cap for the doubling delay
}

// DefaultRetryPolicy is used when AdapterConfig.Retry is the zero value.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	Delay:    200 * time.Millisecond,
	MaxDelay: 2 * time.Second,
}

// AdapterConfig holds the call scope of an Adapter.
type AdapterConfig struct {
	Relay    Relay
	CallID   string
	LocalID  string
	RemoteID string
	Retry    RetryPolicy
	Logger   *slog.Logger
}

// Adapter sends and receives envelopes for a single call.
type Adapter struct {
	relay    Relay
	callID   string
	localID  string
	remoteID string
	retry    RetryPolicy
	logger   *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewAdapter creates an adapter bound to the call described by cfg.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}

	return &Adapter{
		relay:    cfg.Relay,
		callID:   cfg.CallID,
		localID:  cfg.LocalID,
		remoteID: cfg.RemoteID,
		retry:    cfg.Retry,
		logger:   cfg.Logger.With("callID", cfg.CallID),
	}
}

// Send emits a signal of type t carrying data to the remote endpoint.
// Retryable relay failures are retried according to the retry policy; the
// last error is returned once attempts run out.
func (a *Adapter) Send(ctx context.Context, t Type, data json.RawMessage) error {
	env := Envelope{
		Type:   t,
		From:   a.localID,
		To:     a.remoteID,
		CallID: a.callID,
		Data:   data,
	}

	backoff := a.retry.Delay
	var err error
	for attempt := 1; ; attempt++ {
		err = ResultError(a.relay.EmitSignal(ctx, env))
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= a.retry.Attempts {
			break
		}

		a.logger.Warn("signal send failed, retrying", "type", t, "attempt", attempt, "nextBackoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if a.retry.MaxDelay > 0 && backoff > a.retry.MaxDelay {
			backoff = a.retry.MaxDelay
		}
	}

	a.logger.Error("signal send failed", "type", t, "error", err)
	return err
}

// Subscribe registers handler for envelopes from the remote endpoint of
// this call. Only one subscription may be active at a time; calling
// Subscribe again before unsubscribing panics. The returned function is
// safe to call more than once.
func (a *Adapter) Subscribe(handler func(Envelope)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unsubscribe != nil {
		panic("signaling: Subscribe called with an active subscription")
	}

	cancel := a.relay.OnSignal(a.callID, a.localID, func(env Envelope) {
		if !a.accepts(env) {
			a.logger.Debug("dropping envelope outside call scope", "from", env.From, "to", env.To, "envCallID", env.CallID)
			return
		}
		handler(env)
	})

	var once sync.Once
	unsubscribe = func() {
		once.Do(func() {
			a.mu.Lock()
			a.unsubscribe = nil
			a.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		})
	}
	a.unsubscribe = unsubscribe
	return unsubscribe
}

func (a *Adapter) accepts(env Envelope) bool {
	return env.CallID == a.callID && env.To == a.localID && env.From == a.remoteID
}

// CallID returns the call this adapter is bound to.
func (a *Adapter) CallID() string {
	return a.callID
}
