// Package cli is the client side of the admin API used by the command line.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"clusterproxy/internal/admin"
	"clusterproxy/internal/cluster"
	"clusterproxy/internal/config"
)

// APIError is a non-2xx answer of the admin API.
type APIError struct {
	StatusCode int
	Message    string
	// Status is set when a cluster action failed after reaching the cluster.
	Status *cluster.Status
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the admin API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a running clusterproxy.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the admin API at address (host:port).
func NewClient(address, token string) *Client {
	return &Client{
		baseURL: "http://" + address,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientFromConfig resolves the admin address and token the same way the
// server does.
func NewClientFromConfig(configPath string) (*Client, error) {
	settings, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewClientFromSettings(settings)
}

// NewClientFromSettings builds a client for already loaded settings. The
// token comes from the settings or, failing that, the admin-token file
// written by the server.
func NewClientFromSettings(settings config.Config) (*Client, error) {
	token := settings.Proxy.AdminToken
	if token == "" {
		path, err := config.AdminTokenPath()
		if err != nil {
			return nil, err
		}
		token, err = config.ReadAdminToken(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read admin token (is clusterproxy serve running?): %w", err)
		}
	}
	return NewClient(settings.Proxy.AdminAddress, token), nil
}

// BaseURL returns the admin API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// ListClusters calls GET /clusters.
func (c *Client) ListClusters(ctx context.Context) ([]cluster.Status, error) {
	var out []cluster.Status
	err := c.do(ctx, http.MethodGet, "/clusters", nil, &out)
	return out, err
}

// GetCluster calls GET /clusters/{id}.
func (c *Client) GetCluster(ctx context.Context, id string) (cluster.Status, error) {
	var out cluster.Status
	err := c.do(ctx, http.MethodGet, "/clusters/"+url.PathEscape(id), nil, &out)
	return out, err
}

// AddCluster calls POST /clusters.
func (c *Client) AddCluster(ctx context.Context, def cluster.Definition) (cluster.Status, error) {
	var out cluster.Status
	err := c.do(ctx, http.MethodPost, "/clusters", def, &out)
	return out, err
}

// RemoveCluster calls DELETE /clusters/{id}.
func (c *Client) RemoveCluster(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/clusters/"+url.PathEscape(id), nil, nil)
}

// Action runs activate, refresh, reconnect or disconnect on a cluster.
func (c *Client) Action(ctx context.Context, id, action string) (cluster.Status, error) {
	var out cluster.Status
	err := c.do(ctx, http.MethodPost, "/clusters/"+url.PathEscape(id)+"/"+action, nil, &out)
	return out, err
}

// ShellToken issues a single-use token for a shell or port-forward upgrade.
func (c *Client) ShellToken(ctx context.Context, id, tabID string) (admin.ShellTokenResponse, error) {
	var out admin.ShellTokenResponse
	err := c.do(ctx, http.MethodPost, "/clusters/"+url.PathEscape(id)+"/shell-token", map[string]string{"tabId": tabID}, &out)
	return out, err
}

// Forwards lists the active port forwards of a cluster.
func (c *Client) Forwards(ctx context.Context, id string) ([]admin.ForwardInfo, error) {
	var out []admin.ForwardInfo
	err := c.do(ctx, http.MethodGet, "/clusters/"+url.PathEscape(id)+"/forwards", nil, &out)
	return out, err
}

// Power posts a power event.
func (c *Client) Power(ctx context.Context, event string) error {
	return c.do(ctx, http.MethodPost, "/power/"+url.PathEscape(event), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach clusterproxy at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var payload struct {
			Error  string          `json:"error"`
			Status *cluster.Status `json:"status"`
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Status = payload.Status
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
