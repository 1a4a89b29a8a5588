package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/passage-dev/passage/internal/protocol"
	"github.com/passage-dev/passage/internal/tunnel"
)

// dispatch executes one proxied request against the local origin and
// sends the correlated response frame back through the session. Local
// failures never kill the session; they become synthetic error
// responses the server materializes for the public caller.
func (a *Agent) dispatch(ctx context.Context, sess *tunnel.Session, f *protocol.Frame) {
	target := a.origin + f.Path
	if f.Query != "" {
		target += "?" + f.Query
	}

	req, err := http.NewRequestWithContext(ctx, f.Method, target, bytes.NewReader(f.Body))
	if err != nil {
		a.sendError(sess, f.ID, http.StatusBadGateway, protocol.KindLocalUnreachable, "invalid proxied request")
		return
	}
	req.Header = protocol.ToHTTPHeader(f.Headers)
	// The Host the public caller used is preserved in X-Forwarded-Host;
	// the local origin sees itself.
	req.Host = req.URL.Host

	resp, err := a.local.Do(req)
	if err != nil {
		a.log.Warn("local origin request failed", "method", f.Method, "path", f.Path, "error", err)
		status, kind := classifyLocalError(err)
		a.sendError(sess, f.ID, status, kind, "local origin: "+err.Error())
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.sendError(sess, f.ID, http.StatusBadGateway, protocol.KindLocalUnreachable, "reading local response failed")
		return
	}

	out := &protocol.Frame{
		Type:    protocol.TypeResponse,
		ID:      f.ID,
		Status:  resp.StatusCode,
		Headers: protocol.FromHTTPHeader(resp.Header),
		Body:    body,
	}
	if err := sess.Send(out); err != nil {
		a.log.Warn("dropping response, session closed", "id", f.ID)
		return
	}
	a.log.Debug("proxied request", "method", f.Method, "path", f.Path, "status", resp.StatusCode, "bytes", len(body))
}

// sendError emits a synthetic response frame with a structured JSON
// error body.
func (a *Agent) sendError(sess *tunnel.Session, id string, status int, kind, message string) {
	body, _ := json.Marshal(map[string]string{"error": kind, "message": message})
	_ = sess.Send(&protocol.Frame{
		Type:    protocol.TypeResponse,
		ID:      id,
		Status:  status,
		Headers: protocol.Headers{{"Content-Type", "application/json"}},
		Body:    body,
	})
}

// classifyLocalError distinguishes an unreachable origin from a slow
// one.
func classifyLocalError(err error) (status int, kind string) {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return http.StatusGatewayTimeout, protocol.KindRequestTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, protocol.KindRequestTimeout
	}
	return http.StatusBadGateway, protocol.KindLocalUnreachable
}
