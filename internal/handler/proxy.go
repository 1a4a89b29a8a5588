package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tomasen/realip"

	"github.com/passage-dev/passage/internal/metrics"
	"github.com/passage-dev/passage/internal/protocol"
	"github.com/passage-dev/passage/internal/tunnel"
)

const defaultMaxBodyBytes = 10 << 20

// proxy is the catch-all pipeline for public requests of the shape
// /{tunnel_id}/{rest...}. The whole body is buffered before framing;
// streaming is deliberately out of scope for the text protocol.
func (m *Mux) proxy(w http.ResponseWriter, r *http.Request) {
	id, rest := splitTunnelPath(r.URL.Path)

	if id == "" {
		// Root path: plain 404 to discourage scanners.
		writeError(w, http.StatusNotFound, protocol.KindTunnelNotFound, "not found")
		return
	}
	if _, reserved := reservedSegments[id]; reserved {
		writeError(w, http.StatusNotFound, protocol.KindTunnelNotFound, "not found")
		return
	}

	_, sess, ok := m.registry.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.KindTunnelNotFound, "no such tunnel")
		return
	}
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.KindTunnelNotConnected, "tunnel has no connected agent")
		return
	}

	maxBody := m.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, protocol.KindPayloadTooLarge,
				"request body exceeds "+strconv.FormatInt(maxBody, 10)+" bytes")
			return
		}
		writeError(w, http.StatusInternalServerError, protocol.KindInternal, "failed to read request body")
		return
	}

	headers := protocol.FromHTTPHeader(r.Header)
	headers.Add("X-Forwarded-Host", r.Host)
	headers.Add("X-Forwarded-For", realip.FromRequest(r))

	frame := &protocol.Frame{
		Method:  r.Method,
		Path:    rest,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Body:    body,
	}

	ctx, cancel := context.WithTimeout(r.Context(), m.cfg.RequestTimeout)
	defer cancel()

	resp, err := sess.SendRequest(ctx, frame)
	if err != nil {
		m.writeProxyError(w, id, err)
		return
	}

	out := protocol.ToHTTPHeader(resp.Headers)
	for key, values := range out {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
	metrics.ProxyRequests.WithLabelValues(strconv.Itoa(resp.Status)).Inc()
}

func (m *Mux) writeProxyError(w http.ResponseWriter, id string, err error) {
	var kind string
	var status int
	switch {
	case errors.Is(err, tunnel.ErrRequestTimeout):
		kind, status = protocol.KindRequestTimeout, http.StatusGatewayTimeout
	case errors.Is(err, tunnel.ErrSessionClosed):
		kind, status = protocol.KindUpstreamGone, http.StatusBadGateway
	case errors.Is(err, tunnel.ErrTunnelBusy):
		kind, status = protocol.KindTunnelBusy, http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		return
	default:
		kind, status = protocol.KindInternal, http.StatusInternalServerError
	}
	m.log.Warn("proxy request failed", "tunnel", id, "kind", kind, "error", err)
	metrics.ProxyRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	writeError(w, status, kind, "upstream request failed")
}

// splitTunnelPath separates the first path segment from the remainder.
// The remainder always keeps its leading slash.
func splitTunnelPath(path string) (id, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "/"
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, "/"
}
