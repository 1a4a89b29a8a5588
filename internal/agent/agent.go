// Package agent implements the local end of a passage tunnel: it
// creates (or reuses) a tunnel on the server, dials the transport
// endpoint, and serves proxied requests from a local HTTP origin.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/passage-dev/passage/internal/protocol"
	"github.com/passage-dev/passage/internal/tunnel"
)

// Config holds all agent runtime parameters.
type Config struct {
	ServerURL  string
	AuthHeader string
	APIKey     string

	// TunnelID and AuthToken, when both set, skip the create call and
	// reattach to a pre-issued tunnel.
	TunnelID  string
	AuthToken string

	Name     string
	Metadata map[string]string

	LocalScheme string
	LocalHost   string
	LocalPort   int

	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	MissThreshold     int
	MaxFrameBytes     int
	DrainTimeout      time.Duration
}

// localTimeoutMargin keeps the agent-side dispatch deadline inside the
// server's request timeout so the agent, not the server, reports local
// slowness.
const localTimeoutMargin = 2 * time.Second

// errAttachRejected marks handshake failures that retrying cannot fix.
type errAttachRejected struct {
	kind    string
	message string
}

func (e *errAttachRejected) Error() string {
	return fmt.Sprintf("attach rejected: %s: %s", e.kind, e.message)
}

func (e *errAttachRejected) permanent() bool {
	switch e.kind {
	case protocol.KindUnknownID, protocol.KindBadToken:
		return true
	}
	return false
}

// Agent is the tunnel client runtime.
type Agent struct {
	cfg    Config
	log    *slog.Logger
	local  *http.Client
	origin string
}

// New validates the configuration and builds an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if cfg.LocalPort == 0 {
		return nil, errors.New("local port is required")
	}
	if cfg.TunnelID == "" && cfg.APIKey == "" {
		return nil, errors.New("api key is required unless a pre-issued tunnel id and token are given")
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "x-api-key"
	}
	if cfg.LocalScheme == "" {
		cfg.LocalScheme = "http"
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = "127.0.0.1"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	localTimeout := cfg.RequestTimeout - localTimeoutMargin
	if localTimeout <= 0 {
		localTimeout = cfg.RequestTimeout
	}

	return &Agent{
		cfg:    cfg,
		log:    slog.Default().With("component", "agent"),
		origin: fmt.Sprintf("%s://%s:%d", cfg.LocalScheme, cfg.LocalHost, cfg.LocalPort),
		local: &http.Client{
			Timeout: localTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects belong to the public caller, not the agent.
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Run executes the agent until ctx is cancelled or a permanent attach
// failure occurs. Transport drops are retried with exponential backoff;
// the same id and token reattach as long as the descriptor survives on
// the server.
func (a *Agent) Run(ctx context.Context) error {
	id, token := a.cfg.TunnelID, a.cfg.AuthToken
	if id == "" || token == "" {
		client := newControlClient(a.cfg.ServerURL, a.cfg.AuthHeader, a.cfg.APIKey)
		created, err := client.CreateTunnel(ctx, a.cfg.Name, a.cfg.LocalPort, a.cfg.Metadata)
		if err != nil {
			return err
		}
		id, token = created.TunnelID, created.AuthToken
		a.log.Info("tunnel created", "tunnel", id, "url", created.URL)
	}

	retry := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}

	for {
		err := a.runSession(ctx, id, token)

		if ctx.Err() != nil {
			return nil
		}

		var rejected *errAttachRejected
		if errors.As(err, &rejected) && rejected.permanent() {
			return fmt.Errorf("tunnel %s is gone, create a new one: %w", id, err)
		}

		delay := retry.Duration()
		if err != nil {
			a.log.Warn("tunnel session failed, reconnecting", "error", err, "retry_in", delay)
		} else {
			a.log.Info("tunnel session ended, reconnecting", "retry_in", delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession dials, attaches, and pumps frames until the session ends.
func (a *Agent) runSession(ctx context.Context, id, token string) error {
	wsURL, err := connectURL(a.cfg.ServerURL, id)
	if err != nil {
		return err
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", wsURL, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	conn := tunnel.NewWSConn(ws, a.cfg.MaxFrameBytes)

	if err := a.attach(conn, token); err != nil {
		conn.Close()
		return err
	}
	a.log.Info("attached to server", "tunnel", id, "origin", a.origin)

	sess := tunnel.NewSession(tunnel.SessionOptions{
		TunnelID:          id,
		Conn:              conn,
		HeartbeatInterval: a.cfg.HeartbeatInterval,
		MissThreshold:     a.cfg.MissThreshold,
		MaxFrameBytes:     a.cfg.MaxFrameBytes,
		Logger:            a.log.With("tunnel", id),
	})
	// Dispatch is attached after construction so the closure can
	// answer through the session itself.
	return a.pump(ctx, sess)
}

// pump runs the session with local dispatch wired in and drains
// in-flight requests on shutdown.
func (a *Agent) pump(ctx context.Context, sess *tunnel.Session) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			// Give in-flight local calls a grace window before the
			// session is torn down.
			timer := time.NewTimer(a.cfg.DrainTimeout)
			defer timer.Stop()
			select {
			case <-sess.Done():
			case <-timer.C:
			}
			cancel()
		case <-sess.Done():
		}
	}()

	sess.SetRequestHandler(func(hctx context.Context, f *protocol.Frame) {
		a.dispatch(hctx, sess, f)
	})

	err := sess.Run(runCtx)
	if cause := sess.Cause(); cause != "" && cause != protocol.KindShutdown && cause != protocol.KindPeerClose {
		return fmt.Errorf("session closed: %s", cause)
	}
	return err
}

// attach performs the handshake: send the token, wait for ack or error.
func (a *Agent) attach(conn tunnel.Conn, token string) error {
	data, err := protocol.Encode(&protocol.Frame{Type: protocol.TypeAttach, AuthToken: token}, a.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("send attach: %w", err)
	}

	reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read attach reply: %w", err)
	}
	f, err := protocol.Decode(reply, a.cfg.MaxFrameBytes)
	if err != nil {
		return fmt.Errorf("decode attach reply: %w", err)
	}

	switch f.Type {
	case protocol.TypeAck:
		return nil
	case protocol.TypeError:
		return &errAttachRejected{kind: f.Kind, message: f.Message}
	default:
		return fmt.Errorf("unexpected attach reply %q", f.Type)
	}
}

// connectURL converts the control-plane base URL into the websocket
// transport endpoint for the tunnel id.
func connectURL(serverURL, id string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/tunnel/connect/" + id
	return u.String(), nil
}
