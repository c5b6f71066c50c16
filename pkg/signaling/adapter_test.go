package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeRelay records emitted envelopes and lets tests push inbound ones.
type fakeRelay struct {
	mu           sync.Mutex
	emitted      []Envelope
	results      []Result // consumed in order; last one repeats
	handlers     map[int]func(Envelope)
	nextID       int
	unsubscribed int
}

func newFakeRelay(results ...Result) *fakeRelay {
	if len(results) == 0 {
		results = []Result{{Success: true}}
	}
	return &fakeRelay{results: results, handlers: make(map[int]func(Envelope))}
}

func (f *fakeRelay) EmitSignal(_ context.Context, env Envelope) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, env)
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

func (f *fakeRelay) OnSignal(_, _ string, handler func(Envelope)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
		f.unsubscribed++
	}
}

func (f *fakeRelay) deliver(env Envelope) {
	f.mu.Lock()
	handlers := make([]func(Envelope), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (f *fakeRelay) emitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitted)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(relay Relay) *Adapter {
	return NewAdapter(AdapterConfig{
		Relay:    relay,
		CallID:   "call-1",
		LocalID:  "alice",
		RemoteID: "bob",
		Retry:    RetryPolicy{Attempts: 3, Delay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		Logger:   quietLogger(),
	})
}

func TestAdapterSend_ScopesEnvelope(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)

	data := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if err := a.Send(context.Background(), TypeOffer, data); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(relay.emitted) != 1 {
		t.Fatalf("expected 1 emitted envelope, got %d", len(relay.emitted))
	}
	env := relay.emitted[0]
	if env.Type != TypeOffer || env.From != "alice" || env.To != "bob" || env.CallID != "call-1" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if string(env.Data) != string(data) {
		t.Errorf("data = %s, want %s", env.Data, data)
	}
}

func TestAdapterSend_BareFailureIsRejected(t *testing.T) {
	relay := newFakeRelay(Result{Success: false})
	a := newTestAdapter(relay)

	err := a.Send(context.Background(), TypeOffer, nil)
	if !errors.Is(err, ErrRelayRejected) {
		t.Fatalf("expected ErrRelayRejected, got %v", err)
	}
	if relay.emitCount() != 1 {
		t.Errorf("rejected signals must not be retried, got %d attempts", relay.emitCount())
	}
}

func TestAdapterSend_RetriesUnreachable(t *testing.T) {
	relay := newFakeRelay(
		Result{Success: false, Error: "remote offline"},
		Result{Success: true},
	)
	a := newTestAdapter(relay)

	if err := a.Send(context.Background(), TypeCandidate, nil); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if relay.emitCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", relay.emitCount())
	}
}

func TestAdapterSend_RetriesExhausted(t *testing.T) {
	relay := newFakeRelay(Result{Success: false, Error: "relay unreachable"})
	a := newTestAdapter(relay)

	err := a.Send(context.Background(), TypeAnswer, nil)
	if !errors.Is(err, ErrRemoteUnreachable) {
		t.Fatalf("expected ErrRemoteUnreachable, got %v", err)
	}
	if relay.emitCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", relay.emitCount())
	}
}

func TestAdapterSend_ContextCancelStopsRetries(t *testing.T) {
	relay := newFakeRelay(Result{Success: false, Error: "timeout"})
	a := NewAdapter(AdapterConfig{
		Relay:    relay,
		CallID:   "call-1",
		LocalID:  "alice",
		RemoteID: "bob",
		Retry:    RetryPolicy{Attempts: 10, Delay: time.Hour},
		Logger:   quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- a.Send(ctx, TypeOffer, nil) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}
}

func TestAdapterSubscribe_FiltersCrossTalk(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)

	var got []Envelope
	unsubscribe := a.Subscribe(func(env Envelope) { got = append(got, env) })
	defer unsubscribe()

	relay.deliver(Envelope{Type: TypeOffer, From: "bob", To: "alice", CallID: "call-1"})
	relay.deliver(Envelope{Type: TypeOffer, From: "mallory", To: "alice", CallID: "call-1"})
	relay.deliver(Envelope{Type: TypeOffer, From: "bob", To: "alice", CallID: "call-2"})
	relay.deliver(Envelope{Type: TypeOffer, From: "bob", To: "carol", CallID: "call-1"})

	if len(got) != 1 {
		t.Fatalf("expected 1 accepted envelope, got %d: %+v", len(got), got)
	}
	if got[0].From != "bob" || got[0].CallID != "call-1" {
		t.Errorf("unexpected envelope accepted: %+v", got[0])
	}
}

func TestAdapterSubscribe_TwicePanics(t *testing.T) {
	a := newTestAdapter(newFakeRelay())
	unsubscribe := a.Subscribe(func(Envelope) {})
	defer unsubscribe()

	defer func() {
		if recover() == nil {
			t.Error("expected second Subscribe to panic")
		}
	}()
	a.Subscribe(func(Envelope) {})
}

func TestAdapterSubscribe_UnsubscribeIdempotent(t *testing.T) {
	relay := newFakeRelay()
	a := newTestAdapter(relay)

	unsubscribe := a.Subscribe(func(Envelope) {})
	unsubscribe()
	unsubscribe()

	if relay.unsubscribed != 1 {
		t.Errorf("expected relay unsubscribe once, got %d", relay.unsubscribed)
	}

	// A fresh subscription is allowed after unsubscribing.
	again := a.Subscribe(func(Envelope) {})
	again()
}

func TestResultError(t *testing.T) {
	cases := []struct {
		result Result
		want   error
	}{
		{Result{Success: true}, nil},
		{Result{Success: false}, ErrRelayRejected},
		{Result{Success: false, Error: "forbidden"}, ErrRelayRejected},
		{Result{Success: false, Error: "Remote Offline"}, ErrRemoteUnreachable},
		{Result{Success: false, Error: "ack timeout"}, ErrRemoteUnreachable},
		{Result{Success: false, Error: "relay not connected"}, ErrRemoteUnreachable},
	}
	for _, tc := range cases {
		err := ResultError(tc.result)
		if tc.want == nil {
			if err != nil {
				t.Errorf("%+v: expected nil, got %v", tc.result, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("%+v: expected %v, got %v", tc.result, tc.want, err)
		}
	}
}
