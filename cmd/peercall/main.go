package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/silviot/nc_peercall_go/pkg/ice"
	"github.com/silviot/nc_peercall_go/pkg/media"
	"github.com/silviot/nc_peercall_go/pkg/relay"
	"github.com/silviot/nc_peercall_go/pkg/session"
	"github.com/silviot/nc_peercall_go/pkg/signaling"
	"github.com/silviot/nc_peercall_go/pkg/webrtc"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <relay|peer> [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  relay   run the signaling relay\n")
	fmt.Fprintf(os.Stderr, "  peer    run a call endpoint with an HTTP control API\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "relay":
		err = runRelay(ctx, os.Args[2:])
	case "peer":
		err = runPeer(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runRelay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	var (
		port     = fs.String("port", "8090", "HTTP server port")
		secret   = fs.String("secret", "", "Shared secret required in hello")
		logLevel = fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	fs.Parse(args)

	envDefault(port, "8090", "PORT")
	envDefault(secret, "", "PEERCALL_RELAY_SECRET")
	envDefault(logLevel, "info", "LOG_LEVEL")

	logger := setupLogger(*logLevel)
	logger.Info("starting signaling relay", "port", *port, "auth", *secret != "")

	srv := relay.NewServer(relay.ServerConfig{Secret: *secret, Logger: logger})
	defer srv.Close()

	mux := http.NewServeMux()
	mux.Handle("GET /ws", srv)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","endpoints":%d,"timestamp":%d}`+"\n",
			srv.ConnectionCount(), time.Now().Unix())
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP relay_endpoints_connected Number of connected endpoints\n")
		fmt.Fprintf(w, "# TYPE relay_endpoints_connected gauge\n")
		fmt.Fprintf(w, "relay_endpoints_connected %d\n", srv.ConnectionCount())
	})

	return serve(ctx, logger, &http.Server{Addr: ":" + *port, Handler: mux}, func() { srv.Close() })
}

func runPeer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	var (
		port           = fs.String("port", "8080", "HTTP server port")
		relayURL       = fs.String("relay-url", "", "Signaling relay WebSocket URL")
		relaySecret    = fs.String("relay-secret", "", "Relay shared secret")
		self           = fs.String("self", "", "Local endpoint id")
		callTo         = fs.String("call-to", "", "Endpoint to call on startup")
		callID         = fs.String("call-id", "", "Call id for -call-to (generated when empty)")
		stunServers    = fs.String("stun", "", "Comma-separated STUN URLs")
		turnServers    = fs.String("turn", "", "Comma-separated url:username:credential TURN entries")
		toneHz         = fs.Float64("tone", 440, "Frequency of the generated local audio in Hz (0 for silence)")
		connectTimeout = fs.Duration("connect-timeout", 30*time.Second, "Give up on calls that are not connected in time")
		retries        = fs.Int("signal-retries", 10, "Attempts per signaling message while the remote is unreachable")
		retryDelay     = fs.Duration("signal-retry-delay", 500*time.Millisecond, "Initial delay between signaling attempts")
		maxCalls       = fs.Int("max-calls", 16, "Maximum concurrent calls")
		logLevel       = fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	fs.Parse(args)

	envDefault(port, "8080", "PORT")
	envDefault(relayURL, "", "PEERCALL_RELAY_URL")
	envDefault(relaySecret, "", "PEERCALL_RELAY_SECRET")
	envDefault(self, "", "PEERCALL_SELF")
	envDefault(logLevel, "info", "LOG_LEVEL")

	if *relayURL == "" || *self == "" {
		return errors.New("missing required configuration: PEERCALL_RELAY_URL (-relay-url) and PEERCALL_SELF (-self)")
	}

	iceCfg := ice.ConfigFromEnv(os.LookupEnv)
	if *stunServers != "" {
		iceCfg.STUN = *stunServers
	}
	if *turnServers != "" {
		iceCfg.TURN = *turnServers
	}

	logger := setupLogger(*logLevel)
	logger.Info("starting call endpoint",
		"port", *port,
		"relay_url", *relayURL,
		"self", *self)

	client := relay.NewClient(relay.ClientConfig{
		URL:      *relayURL,
		Endpoint: *self,
		Secret:   *relaySecret,
		Logger:   logger,
	})
	defer client.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	monitors := newMonitorSet(logger)

	calls := session.NewManager(session.ManagerConfig{
		LocalID: *self,
		Relay:   client,
		ICE:     iceCfg,
		Retry: signaling.RetryPolicy{
			Attempts: *retries,
			Delay:    *retryDelay,
			MaxDelay: 5 * time.Second,
		},
		ConnectTimeout: *connectTimeout,
		NewStream: func(callID string) (*webrtc.Stream, func(), error) {
			tone, err := media.NewToneSource(media.ToneConfig{
				StreamID:  *self + "-" + callID,
				Frequency: *toneHz,
				Logger:    logger,
			})
			if err != nil {
				return nil, nil, err
			}
			tone.Start()
			return tone.Stream(), tone.Stop, nil
		},
		OnRemoteStream: monitors.watch,
		MaxCalls:       *maxCalls,
		Logger:         logger,
	})
	defer calls.Close()

	if *callTo != "" {
		info, err := calls.StartCall(session.CallRequest{CallID: *callID, RemoteID: *callTo, Initiator: true})
		if err != nil {
			return fmt.Errorf("failed to start call: %w", err)
		}
		logger.Info("calling", "callID", info.CallID, "remoteID", *callTo)
	}

	mux := http.NewServeMux()
	calls.Routes(mux)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","relay":%t,"calls":%d,"connected":%d,"timestamp":%d}`+"\n",
			client.IsConnected(), calls.Count(), calls.ConnectedCount(), time.Now().Unix())
	})
	mux.HandleFunc("GET /api/v1/audio", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(monitors.stats())
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP peercall_calls_active Number of tracked calls\n")
		fmt.Fprintf(w, "# TYPE peercall_calls_active gauge\n")
		fmt.Fprintf(w, "peercall_calls_active %d\n", calls.Count())
		fmt.Fprintf(w, "# HELP peercall_calls_connected Number of calls with media flowing\n")
		fmt.Fprintf(w, "# TYPE peercall_calls_connected gauge\n")
		fmt.Fprintf(w, "peercall_calls_connected %d\n", calls.ConnectedCount())
		fmt.Fprintf(w, "# HELP peercall_audio_frames_decoded Remote audio frames decoded on live tracks\n")
		fmt.Fprintf(w, "# TYPE peercall_audio_frames_decoded gauge\n")
		fmt.Fprintf(w, "peercall_audio_frames_decoded %d\n", monitors.frames())
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(gctx, logger, &http.Server{Addr: ":" + *port, Handler: mux}, nil)
	})
	g.Go(func() error {
		select {
		case <-client.Done():
			return errors.New("relay connection lost")
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// serve runs server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, logger *slog.Logger, server *http.Server, onShutdown func()) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if onShutdown != nil {
		onShutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	return nil
}

// monitorSet decodes every remote audio track and keeps its stats.
type monitorSet struct {
	logger *slog.Logger

	mu       sync.Mutex
	monitors map[string][]*media.Monitor // callID -> monitors
}

func newMonitorSet(logger *slog.Logger) *monitorSet {
	return &monitorSet{logger: logger, monitors: make(map[string][]*media.Monitor)}
}

func (s *monitorSet) watch(callID string, stream *webrtc.RemoteStream) {
	for _, track := range stream.Tracks() {
		if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
			continue
		}
		mon, err := media.NewMonitor(callID, int(track.Codec().Channels), s.logger)
		if err != nil {
			s.logger.Error("failed to create audio monitor", "callID", callID, "error", err)
			continue
		}
		s.mu.Lock()
		s.monitors[callID] = append(s.monitors[callID], mon)
		s.mu.Unlock()

		s.logger.Info("monitoring remote audio", "callID", callID, "streamID", stream.ID(), "trackID", track.ID())
		go func() {
			mon.Run(track)
			s.mu.Lock()
			delete(s.monitors, callID)
			s.mu.Unlock()
		}()
	}
}

func (s *monitorSet) stats() map[string][]media.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]media.Stats, len(s.monitors))
	for callID, mons := range s.monitors {
		for _, m := range mons {
			out[callID] = append(out[callID], m.Stats())
		}
	}
	return out
}

func (s *monitorSet) frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, mons := range s.monitors {
		for _, m := range mons {
			n += m.Stats().Frames
		}
	}
	return n
}

// envDefault replaces an unchanged flag value with the environment.
func envDefault(value *string, def, key string) {
	if *value != def {
		return
	}
	if v := os.Getenv(key); v != "" {
		*value = v
	}
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
