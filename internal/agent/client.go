package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// controlClient talks to the server's control plane over plain HTTP.
type controlClient struct {
	serverURL  string
	authHeader string
	apiKey     string
	httpClient *http.Client
}

func newControlClient(serverURL, authHeader, apiKey string) *controlClient {
	return &controlClient{
		serverURL:  strings.TrimRight(serverURL, "/"),
		authHeader: authHeader,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreatedTunnel is the create response contract.
type CreatedTunnel struct {
	TunnelID  string `json:"tunnel_id"`
	AuthToken string `json:"auth_token"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

// CreateTunnel registers a new tunnel and returns its credentials. The
// token is only ever returned here.
func (c *controlClient) CreateTunnel(ctx context.Context, name string, localPort int, metadata map[string]string) (*CreatedTunnel, error) {
	payload, err := json.Marshal(map[string]any{
		"name":       name,
		"local_port": localPort,
		"metadata":   metadata,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/api/tunnels/create", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.authHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create tunnel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("create tunnel: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var created CreatedTunnel
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("create tunnel: decode response: %w", err)
	}
	if created.TunnelID == "" || created.AuthToken == "" {
		return nil, fmt.Errorf("create tunnel: incomplete response")
	}
	return &created, nil
}
