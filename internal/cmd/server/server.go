// Package server implements the public tunnel server runtime: the
// HTTP control plane, the proxy front door, the websocket transport
// endpoint, and the background sweeper.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/passage-dev/passage/internal/handler"
	"github.com/passage-dev/passage/internal/transport"
	"github.com/passage-dev/passage/internal/tunnel"
)

// Config holds the runtime parameters for a Server.
type Config struct {
	Address        string
	ExternalURL    string
	OperatorKey    string
	AdminKey       string
	AuthHeader     string
	Environment    string
	AllowedOrigins []string

	RequestTimeout    time.Duration
	MaxTunnels        int
	HeartbeatInterval time.Duration
	MissThreshold     int
	SweepInterval     time.Duration
	IdleTimeout       time.Duration
	MaxFrameBytes     int
	MaxBodyBytes      int64
	MaxInFlight       int
	RateLimit         float64
	RateBurst         int
}

// Server binds the HTTP front end and the idle-tunnel sweeper,
// running them in parallel via transport.Serve.
type Server struct {
	version string
}

// NewServer returns a Server that reports the given build version.
func NewServer(version string) *Server {
	return &Server{version: version}
}

// Run starts the HTTP server and the sweeper. It blocks until ctx is
// cancelled or an unrecoverable error occurs.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	if cfg.OperatorKey == "" {
		return errors.New("refusing to start: operator key is empty; " +
			"set --operator-key or PASSAGE_SERVER_OPERATOR_KEY to a unique secret")
	}
	if cfg.AdminKey == "" {
		slog.Warn("admin key is empty; admin access is limited to the operator key")
	}

	clock := tunnel.SystemClock()

	registry := tunnel.NewRegistry(tunnel.RegistryOptions{
		MaxTunnels:  cfg.MaxTunnels,
		IdleTimeout: cfg.IdleTimeout,
		Clock:       clock,
	})

	mux := handler.NewMux(handler.Config{
		AppName:           "passage",
		Version:           s.version,
		Environment:       cfg.Environment,
		ExternalURL:       cfg.ExternalURL,
		AuthHeader:        cfg.AuthHeader,
		OperatorKey:       cfg.OperatorKey,
		AdminKey:          cfg.AdminKey,
		RequestTimeout:    cfg.RequestTimeout,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissThreshold:     cfg.MissThreshold,
		MaxInFlight:       cfg.MaxInFlight,
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
	}, registry, clock)

	httpSrv, err := transport.NewServer(
		transport.WithAddress(cfg.Address),
		transport.WithAllowedOrigins(cfg.AllowedOrigins),
		transport.WithMount(func(root *http.ServeMux) error {
			root.Handle("/", mux)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	sweeper := &sweeperListener{
		registry: registry,
		clock:    clock,
		interval: cfg.SweepInterval,
	}

	return transport.Serve(ctx, httpSrv, sweeper)
}
