// Package upstream is a client for the Supabase Management API.
//
// A Client carries the caller's access token and is meant to live for a
// single request.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the public management API endpoint.
const DefaultBaseURL = "https://api.supabase.com"

// Config holds settings shared by every client built from it.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Factory builds request-scoped clients that share one transport.
type Factory struct {
	baseURL    string
	httpClient *http.Client
}

// NewFactory creates a client factory.
func NewFactory(cfg Config) *Factory {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Factory{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// ForToken returns a client that authenticates with token.
func (f *Factory) ForToken(token string) *Client {
	return &Client{
		baseURL:    f.baseURL,
		token:      token,
		httpClient: f.httpClient,
	}
}

// Client calls the management API on behalf of one access token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ListOrganizations lists organizations the token belongs to.
func (c *Client) ListOrganizations(ctx context.Context) ([]Organization, error) {
	var orgs []Organization
	if err := c.do(ctx, http.MethodGet, "/v1/organizations", nil, &orgs, "get organizations"); err != nil {
		return nil, err
	}
	return orgs, nil
}

// ListProjects lists every project visible to the token.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/v1/projects", nil, &projects, "get projects"); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetBackupConfig fetches the backup configuration of a project database.
func (c *Client) GetBackupConfig(ctx context.Context, ref string) (*BackupConfig, error) {
	var cfg BackupConfig
	path := "/v1/projects/" + url.PathEscape(ref) + "/database/backups"
	if err := c.do(ctx, http.MethodGet, path, nil, &cfg, "get database backups"); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RunQuery executes SQL against a project database and returns the raw rows.
func (c *Client) RunQuery(ctx context.Context, ref, query string) (json.RawMessage, error) {
	var rows json.RawMessage
	path := "/v1/projects/" + url.PathEscape(ref) + "/database/query"
	body := map[string]string{"query": query}
	if err := c.do(ctx, http.MethodPost, path, body, &rows, "run query"); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListOrganizationMembers lists members of an organization.
func (c *Client) ListOrganizationMembers(ctx context.Context, slug string) ([]Member, error) {
	var members []Member
	path := "/v1/organizations/" + url.PathEscape(slug) + "/members"
	if err := c.do(ctx, http.MethodGet, path, nil, &members, "get organization members"); err != nil {
		return nil, err
	}
	return members, nil
}

// QueryRows runs query and decodes the returned rows into T.
func QueryRows[T any](ctx context.Context, c interface {
	RunQuery(ctx context.Context, ref, query string) (json.RawMessage, error)
}, ref, query string) ([]T, error) {
	raw, err := c.RunQuery(ctx, ref, query)
	if err != nil {
		return nil, err
	}
	var rows []T
	if len(raw) == 0 || string(raw) == "null" {
		return rows, nil
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode query rows: %w", err)
	}
	return rows, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, op string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Name:       ErrorName,
			Message:    fmt.Sprintf("Failed to %s: %s", op, responseMessage(resp, data)),
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// responseMessage extracts the upstream error message, falling back to the status text.
func responseMessage(resp *http.Response, data []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" && len(text) < 512 {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
