// Package handler implements the public HTTP surface of the passage
// server: the control-plane API, the tunnel connect endpoint, and the
// catch-all reverse-proxy pipeline.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/passage-dev/passage/internal/protocol"
	"github.com/passage-dev/passage/internal/tunnel"
)

// reservedSegments are first path segments that never resolve as
// tunnel ids.
var reservedSegments = map[string]struct{}{
	"api":     {},
	"health":  {},
	"metrics": {},
}

// Config holds the runtime parameters for the Mux.
type Config struct {
	AppName     string
	Version     string
	Environment string

	// ExternalURL is the public base URL advertised in create
	// responses, e.g. "https://tunnel.example.com".
	ExternalURL string

	// AuthHeader names the operator credential header.
	AuthHeader  string
	OperatorKey string
	AdminKey    string

	RequestTimeout    time.Duration
	MaxBodyBytes      int64
	MaxFrameBytes     int
	HeartbeatInterval time.Duration
	MissThreshold     int
	MaxInFlight       int
	HandshakeTimeout  time.Duration

	// RateLimit is the per-client request rate for the control plane
	// and proxy entry points, in requests per second. Zero disables
	// throttling.
	RateLimit float64
	RateBurst int
}

// Mux routes all public endpoints. It serves the control plane, the
// websocket connect endpoint, and proxies everything else by tunnel id.
type Mux struct {
	*http.ServeMux

	cfg      Config
	registry *tunnel.Registry
	clock    tunnel.Clock
	limiter  *limiterPool
	log      *slog.Logger
}

// NewMux wires the routes onto a fresh ServeMux.
func NewMux(cfg Config, registry *tunnel.Registry, clock tunnel.Clock) *Mux {
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "x-api-key"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if clock == nil {
		clock = tunnel.SystemClock()
	}

	m := &Mux{
		ServeMux: http.NewServeMux(),
		cfg:      cfg,
		registry: registry,
		clock:    clock,
		log:      slog.Default().With("component", "handler"),
	}
	if cfg.RateLimit > 0 {
		m.limiter = newLimiterPool(cfg.RateLimit, cfg.RateBurst)
	}

	m.HandleFunc("GET /health", m.health)
	m.HandleFunc("GET /api", m.apiIndex)
	m.Handle("GET /metrics", promhttp.Handler())

	m.HandleFunc("POST /api/tunnels/create", m.throttled(m.requireOperator(m.createTunnel)))
	m.HandleFunc("GET /api/tunnels/list", m.throttled(m.requireOperator(m.listTunnels)))
	m.HandleFunc("GET /api/tunnels/{id}/status", m.throttled(m.requireOperator(m.tunnelStatus)))
	m.HandleFunc("DELETE /api/tunnels/{id}", m.throttled(m.requireOperator(m.deleteTunnel)))

	m.HandleFunc("GET /api/tunnel/connect/{id}", m.connect)

	m.HandleFunc("/", m.throttled(m.proxy))

	return m
}

func (m *Mux) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"app":         m.cfg.AppName,
		"version":     m.cfg.Version,
		"environment": m.cfg.Environment,
	})
}

func (m *Mux) apiIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app":     m.cfg.AppName,
		"version": m.cfg.Version,
		"routes": []string{
			"GET /health",
			"GET /metrics",
			"POST /api/tunnels/create",
			"GET /api/tunnels/list",
			"GET /api/tunnels/{id}/status",
			"DELETE /api/tunnels/{id}",
			"GET /api/tunnel/connect/{id}",
			"ANY /{tunnel_id}/{path}",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError emits the uniform error body used across all endpoints.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

// statusForKind maps client-request error kinds to HTTP statuses.
func statusForKind(kind string) int {
	switch kind {
	case protocol.KindTunnelNotFound:
		return http.StatusNotFound
	case protocol.KindTunnelNotConnected, protocol.KindTunnelBusy:
		return http.StatusServiceUnavailable
	case protocol.KindRequestTimeout:
		return http.StatusGatewayTimeout
	case protocol.KindUpstreamGone:
		return http.StatusBadGateway
	case protocol.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case protocol.KindUnauthorized:
		return http.StatusUnauthorized
	case protocol.KindForbidden:
		return http.StatusForbidden
	case protocol.KindThrottled:
		return http.StatusTooManyRequests
	case protocol.KindCapacityExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
