package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/passage-dev/passage/internal/tunnel"
)

const (
	testOperatorKey = "operator-secret"
	testAdminKey    = "admin-secret"
)

func newTestMux(t *testing.T, cfg Config, regOpts tunnel.RegistryOptions) (*Mux, *tunnel.Registry) {
	t.Helper()
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "x-api-key"
	}
	if cfg.OperatorKey == "" {
		cfg.OperatorKey = testOperatorKey
	}
	if cfg.AdminKey == "" {
		cfg.AdminKey = testAdminKey
	}
	if cfg.ExternalURL == "" {
		cfg.ExternalURL = "http://tunnel.test"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	registry := tunnel.NewRegistry(regOpts)
	return NewMux(cfg, registry, nil), registry
}

func doJSON(t *testing.T, m *Mux, method, target, body, apiKey string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	w := httptest.NewRecorder()
	m.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: non-JSON body %q", method, target, w.Body.String())
		}
	}
	return w, decoded
}

func TestHealth(t *testing.T) {
	t.Parallel()

	m, _ := newTestMux(t, Config{AppName: "passage", Version: "v1.2.3", Environment: "TEST"}, tunnel.RegistryOptions{})

	w, body := doJSON(t, m, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["status"] != "healthy" || body["app"] != "passage" || body["version"] != "v1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestOperatorAuth(t *testing.T) {
	t.Parallel()

	m, _ := newTestMux(t, Config{}, tunnel.RegistryOptions{})

	tests := []struct {
		name   string
		apiKey string
		status int
		kind   string
	}{
		{"missing key", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong key", "nope", http.StatusForbidden, "FORBIDDEN"},
		{"operator key", testOperatorKey, http.StatusOK, ""},
		{"admin key", testAdminKey, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := doJSON(t, m, http.MethodGet, "/api/tunnels/list", "", tt.apiKey)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.kind != "" && body["error"] != tt.kind {
				t.Errorf("error kind = %v, want %s", body["error"], tt.kind)
			}
		})
	}
}

func TestTunnelLifecycle(t *testing.T) {
	t.Parallel()

	m, _ := newTestMux(t, Config{ExternalURL: "http://tunnel.test/"}, tunnel.RegistryOptions{})

	w, body := doJSON(t, m, http.MethodPost, "/api/tunnels/create",
		`{"name":"dev","local_port":3000,"metadata":{"env":"ci"}}`, testOperatorKey)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %v", w.Code, body)
	}
	id, _ := body["tunnel_id"].(string)
	token, _ := body["auth_token"].(string)
	if len(id) != 8 || token == "" {
		t.Fatalf("create body = %v", body)
	}
	if body["url"] != "http://tunnel.test/"+id {
		t.Errorf("url = %v, want %s", body["url"], "http://tunnel.test/"+id)
	}
	if _, err := time.Parse(time.RFC3339, body["created_at"].(string)); err != nil {
		t.Errorf("created_at = %v: %v", body["created_at"], err)
	}

	w, body = doJSON(t, m, http.MethodGet, "/api/tunnels/"+id+"/status", "", testOperatorKey)
	if w.Code != http.StatusOK {
		t.Fatalf("status status = %d", w.Code)
	}
	if body["status"] != "connecting" || body["connected"] != false || body["name"] != "dev" {
		t.Errorf("status body = %v", body)
	}

	w, body = doJSON(t, m, http.MethodGet, "/api/tunnels/list", "", testOperatorKey)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if body["total"] != float64(1) {
		t.Errorf("total = %v, want 1", body["total"])
	}

	w, _ = doJSON(t, m, http.MethodDelete, "/api/tunnels/"+id, "", testOperatorKey)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}
	w, _ = doJSON(t, m, http.MethodDelete, "/api/tunnels/"+id, "", testOperatorKey)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	w, _ = doJSON(t, m, http.MethodGet, "/api/tunnels/"+id+"/status", "", testOperatorKey)
	if w.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", w.Code)
	}
}

func TestCreateTunnelErrors(t *testing.T) {
	t.Parallel()

	m, _ := newTestMux(t, Config{}, tunnel.RegistryOptions{MaxTunnels: 1})

	w, _ := doJSON(t, m, http.MethodPost, "/api/tunnels/create",
		`{"name":"`+strings.Repeat("x", 100)+`"}`, testOperatorKey)
	if w.Code != http.StatusBadRequest {
		t.Errorf("overlong name status = %d, want 400", w.Code)
	}

	w, _ = doJSON(t, m, http.MethodPost, "/api/tunnels/create", `{"name":`, testOperatorKey)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want 400", w.Code)
	}

	w, _ = doJSON(t, m, http.MethodPost, "/api/tunnels/create", "", testOperatorKey)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200", w.Code)
	}
	w, body := doJSON(t, m, http.MethodPost, "/api/tunnels/create", "", testOperatorKey)
	if w.Code != http.StatusServiceUnavailable || body["error"] != "CAPACITY_EXCEEDED" {
		t.Errorf("capacity status = %d body %v, want 503 CAPACITY_EXCEEDED", w.Code, body)
	}
}

func TestProxyRouting(t *testing.T) {
	t.Parallel()

	m, registry := newTestMux(t, Config{}, tunnel.RegistryOptions{})
	created, err := registry.Create(tunnel.CreateSpec{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name   string
		target string
		status int
		kind   string
	}{
		{"root path", "/", http.StatusNotFound, "TUNNEL_NOT_FOUND"},
		{"reserved api segment", "/api/nope", http.StatusNotFound, "TUNNEL_NOT_FOUND"},
		{"reserved metrics segment", "/metrics/sub", http.StatusNotFound, "TUNNEL_NOT_FOUND"},
		{"unknown tunnel id", "/zzzzzzzz/path", http.StatusNotFound, "TUNNEL_NOT_FOUND"},
		{"known but unattached", "/" + created.ID + "/path", http.StatusServiceUnavailable, "TUNNEL_NOT_CONNECTED"},
		{"bare tunnel id", "/" + created.ID, http.StatusServiceUnavailable, "TUNNEL_NOT_CONNECTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := doJSON(t, m, http.MethodGet, tt.target, "", "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if body["error"] != tt.kind {
				t.Errorf("error kind = %v, want %s", body["error"], tt.kind)
			}
		})
	}
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	m, _ := newTestMux(t, Config{RateLimit: 1, RateBurst: 1}, tunnel.RegistryOptions{})

	w, _ := doJSON(t, m, http.MethodGet, "/api/tunnels/list", "", testOperatorKey)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w, body := doJSON(t, m, http.MethodGet, "/api/tunnels/list", "", testOperatorKey)
	if w.Code != http.StatusTooManyRequests || body["error"] != "THROTTLED" {
		t.Errorf("second request status = %d body %v, want 429 THROTTLED", w.Code, body)
	}
}

func TestSplitTunnelPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path, id, rest string
	}{
		{"/", "", "/"},
		{"/abc12345", "abc12345", "/"},
		{"/abc12345/", "abc12345", "/"},
		{"/abc12345/some/path", "abc12345", "/some/path"},
	}
	for _, tt := range tests {
		id, rest := splitTunnelPath(tt.path)
		if id != tt.id || rest != tt.rest {
			t.Errorf("splitTunnelPath(%q) = (%q, %q), want (%q, %q)", tt.path, id, rest, tt.id, tt.rest)
		}
	}
}
