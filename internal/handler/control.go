package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/passage-dev/passage/internal/protocol"
	"github.com/passage-dev/passage/internal/tunnel"
)

// requireOperator guards control-plane endpoints with the configured
// credential header. Missing credential is 401, wrong credential 403.
// The admin key is accepted everywhere the operator key is.
func (m *Mux) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(m.cfg.AuthHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, protocol.KindUnauthorized, "missing "+m.cfg.AuthHeader+" header")
			return
		}
		if !m.credentialOK(key) {
			writeError(w, http.StatusForbidden, protocol.KindForbidden, "invalid credential")
			return
		}
		next(w, r)
	}
}

func (m *Mux) credentialOK(key string) bool {
	if m.cfg.OperatorKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(m.cfg.OperatorKey)) == 1 {
		return true
	}
	if m.cfg.AdminKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(m.cfg.AdminKey)) == 1 {
		return true
	}
	return false
}

type createRequest struct {
	Name      string            `json:"name"`
	LocalPort int               `json:"local_port"`
	Metadata  map[string]string `json:"metadata"`
}

type createResponse struct {
	TunnelID  string `json:"tunnel_id"`
	AuthToken string `json:"auth_token"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

func (m *Mux) createTunnel(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, protocol.KindInternal, "invalid request body")
			return
		}
	}

	created, err := m.registry.Create(tunnel.CreateSpec{
		Name:      req.Name,
		LocalPort: req.LocalPort,
		Metadata:  req.Metadata,
	})
	if err != nil {
		var spec *tunnel.ErrInvalidSpec
		switch {
		case errors.Is(err, tunnel.ErrCapacity):
			writeError(w, http.StatusServiceUnavailable, protocol.KindCapacityExceeded, "tunnel capacity reached")
		case errors.As(err, &spec):
			writeError(w, http.StatusBadRequest, protocol.KindInternal, spec.Error())
		default:
			writeError(w, http.StatusInternalServerError, protocol.KindInternal, "create failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, createResponse{
		TunnelID:  created.ID,
		AuthToken: created.Token,
		URL:       fmt.Sprintf("%s/%s", strings.TrimRight(m.cfg.ExternalURL, "/"), created.ID),
		CreatedAt: created.CreatedAt.Format(time.RFC3339),
	})
}

type tunnelInfo struct {
	TunnelID   string            `json:"tunnel_id"`
	Name       string            `json:"name,omitempty"`
	Status     string            `json:"status"`
	CreatedAt  string            `json:"created_at"`
	LastActive string            `json:"last_active"`
	LocalPort  int               `json:"local_port,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Connected  bool              `json:"connected"`
}

func descriptorInfo(d tunnel.Descriptor) tunnelInfo {
	return tunnelInfo{
		TunnelID:   d.ID,
		Name:       d.Name,
		Status:     string(d.Status),
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
		LastActive: d.LastActive.Format(time.RFC3339),
		LocalPort:  d.LocalPort,
		Metadata:   d.Metadata,
		Connected:  d.Connected,
	}
}

func (m *Mux) listTunnels(w http.ResponseWriter, _ *http.Request) {
	descriptors := m.registry.List()
	infos := make([]tunnelInfo, 0, len(descriptors))
	for _, d := range descriptors {
		infos = append(infos, descriptorInfo(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnels": infos, "total": len(infos)})
}

func (m *Mux) tunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, _, ok := m.registry.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.KindTunnelNotFound, "no such tunnel")
		return
	}
	writeJSON(w, http.StatusOK, descriptorInfo(d))
}

func (m *Mux) deleteTunnel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !m.registry.Delete(id) {
		writeError(w, http.StatusNotFound, protocol.KindTunnelNotFound, "no such tunnel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
