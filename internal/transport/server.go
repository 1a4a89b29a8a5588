package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
)

// MountFunc defines a function that registers handlers onto the provided ServeMux.
// By passing *http.ServeMux, we allow the caller to register multiple services.
type MountFunc func(mux *http.ServeMux) error

// ServerOption defines a functional option for configuring the server.
type ServerOption func(*Server)

type Server struct {
	*http.Server
	address        string
	mount          MountFunc
	allowedOrigins []string
}

// WithAddress configures the server address.
func WithAddress(address string) ServerOption {
	return func(o *Server) {
		o.address = address
	}
}

// WithMount configures the mount function.
func WithMount(mount MountFunc) ServerOption {
	return func(o *Server) {
		o.mount = mount
	}
}

// WithAllowedOrigins configures the allowed origins for CORS.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(o *Server) {
		o.allowedOrigins = origins
	}
}

// NewServer creates a new HTTP server with the given options.
func NewServer(opts ...ServerOption) (*Server, error) {
	srv := &Server{
		address: ":8989",
	}

	for _, opt := range opts {
		opt(srv)
	}

	mux := http.NewServeMux()

	// Execute the user-provided function to register routes onto the mux.
	if srv.mount != nil {
		if err := srv.mount(mux); err != nil {
			return nil, err
		}
	}

	var handler http.Handler = mux

	// Apply CORS Middleware
	if len(srv.allowedOrigins) == 0 {
		// If no allowed origins are specified, allow all origins.
		handler = cors.AllowAll().Handler(handler)
	} else {
		c := cors.New(cors.Options{
			AllowedOrigins:   srv.allowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           7200,
		})
		handler = c.Handler(handler)
	}

	// No ReadTimeout or WriteTimeout: the tunnel transport endpoint
	// holds a single connection open for the session lifetime.
	srv.Server = &http.Server{
		Addr:              srv.address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}

	return srv, nil
}

// Start starts the HTTP server and blocks until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	s.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	slog.Info("Server starting on",
		"address", listener.Addr().String(),
		"allowedOrigins", s.allowedOrigins,
	)

	if err := s.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Gracefully shutting down HTTP server...")
	if err := s.Shutdown(ctx); err != nil {
		slog.Error("Graceful shutdown failed, forcing close", "error", err)
		return s.Close()
	}
	return nil
}
