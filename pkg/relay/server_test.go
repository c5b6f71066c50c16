package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/nc_peercall_go/pkg/signaling"
)

func startServer(t *testing.T, secret string) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerConfig{Secret: secret, Logger: quietLogger()})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func connectClient(t *testing.T, url, endpoint, secret string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		URL:        url,
		Endpoint:   endpoint,
		Secret:     secret,
		AckTimeout: time.Second,
		Logger:     quietLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect(%s): %v", endpoint, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnections(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ConnectionCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d connections, got %d", n, srv.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_RoundTrip(t *testing.T) {
	srv, url := startServer(t, "")
	alice := connectClient(t, url, "alice", "")
	bob := connectClient(t, url, "bob", "")
	waitConnections(t, srv, 2)

	var got inbox
	unsubscribe := bob.OnSignal("call-1", "bob", got.add)
	defer unsubscribe()

	env := signaling.Envelope{
		Type:   signaling.TypeOffer,
		From:   "alice",
		To:     "bob",
		CallID: "call-1",
		Data:   []byte(`{"type":"offer","sdp":"v=0"}`),
	}
	// The subscription travels on bob's connection, so the first attempts
	// may race it.
	emitUntilDelivered(t, alice, env)

	envs := got.wait(t, 1)
	if envs[0].From != "alice" || envs[0].CallID != "call-1" || string(envs[0].Data) != string(env.Data) {
		t.Errorf("unexpected delivery: %+v", envs[0])
	}
}

func emitUntilDelivered(t *testing.T, c *Client, env signaling.Envelope) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		res := c.EmitSignal(context.Background(), env)
		if res.Success {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("EmitSignal: %+v", res)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_RemoteOffline(t *testing.T) {
	srv, url := startServer(t, "")
	alice := connectClient(t, url, "alice", "")
	connectClient(t, url, "bob", "")
	waitConnections(t, srv, 2)

	cases := []signaling.Envelope{
		{From: "alice", To: "nobody", CallID: "c"}, // not connected
		{From: "alice", To: "bob", CallID: "c"},    // connected, not listening on c
	}
	for _, env := range cases {
		res := alice.EmitSignal(context.Background(), env)
		if res.Success || res.Error != errRemoteOffline {
			t.Fatalf("%s: expected remote offline, got %+v", env.To, res)
		}
		if err := signaling.ResultError(res); !signaling.IsRetryable(err) {
			t.Errorf("offline should be retryable, got %v", err)
		}
	}
}

func TestServer_UnsubscribeStopsRouting(t *testing.T) {
	srv, url := startServer(t, "")
	alice := connectClient(t, url, "alice", "")
	bob := connectClient(t, url, "bob", "")
	waitConnections(t, srv, 2)

	env := signaling.Envelope{Type: signaling.TypeCandidate, From: "alice", To: "bob", CallID: "call-1"}

	unsubscribe := bob.OnSignal("call-1", "bob", func(signaling.Envelope) {})
	emitUntilDelivered(t, alice, env)
	unsubscribe()

	deadline := time.Now().Add(2 * time.Second)
	for {
		res := alice.EmitSignal(context.Background(), env)
		if res.Error == errRemoteOffline {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("routing continued after unsubscribe: %+v", res)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_CancelledContextNotSent(t *testing.T) {
	srv, url := startServer(t, "")
	alice := connectClient(t, url, "alice", "")
	bob := connectClient(t, url, "bob", "")
	waitConnections(t, srv, 2)

	var got inbox
	unsubscribe := bob.OnSignal("call-1", "bob", got.add)
	defer unsubscribe()

	first := signaling.Envelope{Type: signaling.TypeCandidate, From: "alice", To: "bob", CallID: "call-1", Data: []byte(`"first"`)}
	emitUntilDelivered(t, alice, first)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	late := first
	late.Data = []byte(`"late"`)
	res := alice.EmitSignal(ctx, late)
	if err := signaling.ResultError(res); !signaling.IsRetryable(err) {
		t.Fatalf("expected unreachable error, got %+v", res)
	}

	// A marker sent afterwards arrives behind anything already written.
	marker := first
	marker.Data = []byte(`"marker"`)
	if res := alice.EmitSignal(context.Background(), marker); !res.Success {
		t.Fatalf("marker not delivered: %+v", res)
	}
	envs := got.wait(t, 2)
	for _, env := range envs {
		if string(env.Data) == `"late"` {
			t.Fatal("signal emitted with a cancelled context reached the remote")
		}
	}
}

func TestServer_SenderMismatch(t *testing.T) {
	srv, url := startServer(t, "")
	alice := connectClient(t, url, "alice", "")
	connectClient(t, url, "bob", "")
	waitConnections(t, srv, 2)

	res := alice.EmitSignal(context.Background(), signaling.Envelope{From: "mallory", To: "bob", CallID: "c"})
	if res.Success || res.Error != errSenderMismatch {
		t.Fatalf("expected sender mismatch, got %+v", res)
	}
	if err := signaling.ResultError(res); signaling.IsRetryable(err) {
		t.Errorf("sender mismatch must not be retryable, got %v", err)
	}
}

func TestServer_Auth(t *testing.T) {
	_, url := startServer(t, "shared-secret")

	connectClient(t, url, "alice", "shared-secret")

	c := NewClient(ClientConfig{URL: url, Endpoint: "eve", Secret: "wrong", Logger: quietLogger()})
	defer c.Close()
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected hello with a bad token to be refused")
	}
}

func TestServer_PingPong(t *testing.T) {
	_, url := startServer(t, "")

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(Frame{Type: FrameHello, Hello: &Hello{Endpoint: "raw"}}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var welcome Frame
	if err := ws.ReadJSON(&welcome); err != nil || welcome.Type != FrameWelcome {
		t.Fatalf("expected welcome, got %+v (%v)", welcome, err)
	}

	if err := ws.WriteJSON(Frame{Type: FramePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong Frame
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&pong); err != nil || pong.Type != FramePong {
		t.Fatalf("expected pong, got %+v (%v)", pong, err)
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1", Endpoint: "alice", Logger: quietLogger()})
	defer c.Close()

	res := c.EmitSignal(context.Background(), signaling.Envelope{To: "bob"})
	if err := signaling.ResultError(res); !signaling.IsRetryable(err) {
		t.Fatalf("expected retryable unreachable error, got %v", err)
	}
	if c.IsConnected() {
		t.Error("client should not report connected")
	}
}

func TestClient_ConnectFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:9999", Endpoint: "alice", Logger: quietLogger()})
	defer c.Close()

	if err := c.Connect(ctx); err == nil {
		t.Error("expected connection to fail")
	}
}

func TestClient_DoneOnServerClose(t *testing.T) {
	srv, url := startServer(t, "")
	c := connectClient(t, url, "alice", "")
	waitConnections(t, srv, 1)

	srv.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the server closing")
	}
	if c.IsConnected() {
		t.Error("client should report disconnected")
	}
}
