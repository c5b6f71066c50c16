// Package ice turns STUN/TURN configuration strings into the ICE server
// list used by a peer connection.
package ice

import (
	"log/slog"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvSTUNServers = "PEERCALL_STUN_SERVERS"
	EnvTURNServers = "PEERCALL_TURN_SERVERS"
)

// DefaultSTUN is used when no usable STUN server is configured.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config holds the raw relay-server configuration strings.
type Config struct {
	STUN string // comma-separated STUN URLs
	TURN string // comma-separated url:username:credential entries
}

// Server is one ICE server entry.
type Server struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// ConfigFromEnv builds a Config from lookup, usually os.LookupEnv.
func ConfigFromEnv(lookup func(string) (string, bool)) Config {
	var cfg Config
	if v, ok := lookup(EnvSTUNServers); ok {
		cfg.STUN = v
	}
	if v, ok := lookup(EnvTURNServers); ok {
		cfg.TURN = v
	}
	return cfg
}

// Parse converts cfg into ICE servers. Entries that cannot be used are
// returned in skipped rather than failing the whole configuration.
func Parse(cfg Config) (servers []Server, skipped []string) {
	// Entries pion cannot parse would fail the whole PeerConnection, so they
	// are skipped. If none survive the defaults apply.
	for _, raw := range splitList(cfg.STUN) {
		if !isScheme(raw, stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS) {
			skipped = append(skipped, raw)
			continue
		}
		servers = append(servers, Server{URLs: raw})
	}
	if len(servers) == 0 {
		for _, raw := range DefaultSTUN {
			servers = append(servers, Server{URLs: raw})
		}
	}

	for _, raw := range splitList(cfg.TURN) {
		server, ok := parseTURN(raw)
		if !ok {
			skipped = append(skipped, raw)
			continue
		}
		servers = append(servers, server)
	}

	return servers, skipped
}

// parseTURN splits url:username:credential from the right, since the url
// itself contains colons (turn:host:port).
func parseTURN(raw string) (Server, bool) {
	last := strings.LastIndex(raw, ":")
	if last <= 0 {
		return Server{}, false
	}
	credential := raw[last+1:]
	rest := raw[:last]

	mid := strings.LastIndex(rest, ":")
	if mid <= 0 {
		return Server{}, false
	}
	username := rest[mid+1:]
	url := rest[:mid]

	if username == "" || credential == "" {
		return Server{}, false
	}
	if !isScheme(url, stun.SchemeTypeTURN, stun.SchemeTypeTURNS) {
		return Server{}, false
	}

	return Server{URLs: url, Username: username, Credential: credential}, true
}

func isScheme(raw string, schemes ...stun.SchemeType) bool {
	uri, err := stun.ParseURI(raw)
	if err != nil || uri.Host == "" {
		return false
	}
	for _, s := range schemes {
		if uri.Scheme == s {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Resolver parses its configuration once and hands out the result.
type Resolver struct {
	servers []Server
}

// NewResolver parses cfg and logs any skipped entries.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	servers, skipped := Parse(cfg)
	for _, entry := range skipped {
		logger.Warn("skipping malformed ICE server entry", "entry", redact(entry))
	}
	logger.Debug("ICE servers resolved", "count", len(servers), "skipped", len(skipped))

	return &Resolver{servers: servers}
}

// Resolve returns the ICE server list. The slice is a copy.
func (r *Resolver) Resolve() []Server {
	out := make([]Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// ToWebRTC converts servers into pion's configuration type.
func ToWebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: []string{s.URLs}}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

// redact keeps credentials out of logs.
func redact(entry string) string {
	if i := strings.LastIndex(entry, ":"); i > 0 && strings.HasPrefix(entry, "turn") {
		return entry[:i] + ":***"
	}
	return entry
}
