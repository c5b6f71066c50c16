package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/silviot/nc_peercall_go/pkg/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type inbox struct {
	mu   sync.Mutex
	envs []signaling.Envelope
}

func (i *inbox) add(env signaling.Envelope) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.envs = append(i.envs, env)
}

func (i *inbox) wait(t *testing.T, n int) []signaling.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		i.mu.Lock()
		if len(i.envs) >= n {
			out := append([]signaling.Envelope(nil), i.envs...)
			i.mu.Unlock()
			return out
		}
		i.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d envelopes", n)
	return nil
}

func TestMemory_DeliversInOrder(t *testing.T) {
	m := NewMemory(quietLogger())
	var got inbox
	unsubscribe := m.OnSignal("call-1", "bob", got.add)
	defer unsubscribe()

	for _, typ := range []signaling.Type{signaling.TypeOffer, signaling.TypeCandidate, signaling.TypeEnd} {
		env := signaling.Envelope{Type: typ, From: "alice", To: "bob", CallID: "call-1"}
		if res := m.EmitSignal(context.Background(), env); !res.Success {
			t.Fatalf("EmitSignal(%s): %+v", typ, res)
		}
	}

	envs := got.wait(t, 3)
	if envs[0].Type != signaling.TypeOffer || envs[1].Type != signaling.TypeCandidate || envs[2].Type != signaling.TypeEnd {
		t.Errorf("out of order delivery: %+v", envs)
	}
}

func TestMemory_RemoteOffline(t *testing.T) {
	m := NewMemory(quietLogger())
	unsubscribe := m.OnSignal("other-call", "bob", func(signaling.Envelope) {})
	defer unsubscribe()

	res := m.EmitSignal(context.Background(), signaling.Envelope{From: "alice", To: "bob", CallID: "call-1"})
	if res.Success || res.Error != errRemoteOffline {
		t.Fatalf("expected remote offline, got %+v", res)
	}
}

func TestMemory_Unsubscribe(t *testing.T) {
	m := NewMemory(quietLogger())
	unsubscribe := m.OnSignal("call-1", "bob", func(signaling.Envelope) {})
	if m.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", m.Subscribers())
	}
	unsubscribe()
	unsubscribe()
	if m.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after unsubscribe, want 0", m.Subscribers())
	}
}

func TestMemory_Intercept(t *testing.T) {
	m := NewMemory(quietLogger())
	var got inbox
	unsubscribe := m.OnSignal("call-1", "bob", got.add)
	defer unsubscribe()

	m.Intercept(func(env signaling.Envelope) (signaling.Result, bool) {
		if env.Type == signaling.TypeCandidate {
			return signaling.Result{Error: "forbidden"}, true
		}
		return signaling.Result{}, false
	})

	res := m.EmitSignal(context.Background(), signaling.Envelope{Type: signaling.TypeCandidate, To: "bob", CallID: "call-1"})
	if res.Success || res.Error != "forbidden" {
		t.Errorf("expected intercepted result, got %+v", res)
	}
	res = m.EmitSignal(context.Background(), signaling.Envelope{Type: signaling.TypeOffer, To: "bob", CallID: "call-1"})
	if !res.Success {
		t.Errorf("expected delivery, got %+v", res)
	}
	if envs := got.wait(t, 1); len(envs) != 1 || envs[0].Type != signaling.TypeOffer {
		t.Errorf("unexpected deliveries: %+v", envs)
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := m.EmitSignal(ctx, signaling.Envelope{To: "bob"})
	if res.Success {
		t.Fatal("expected failure with cancelled context")
	}
	if err := signaling.ResultError(res); !signaling.IsRetryable(err) {
		t.Errorf("cancelled emit should be retryable, got %v", err)
	}
}
