// Package client is an HTTP client for the credential/call-control gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	types "github.com/sebas/handset/api/types/v1"
)

// Client talks to one gateway instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new gateway API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BaseURL returns the gateway base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token fetches a signaling credential for the given identity.
// Any non-success response is a setup failure surfaced to the caller;
// the client does not retry.
func (c *Client) Token(ctx context.Context, identity string) (string, error) {
	resp, err := c.post(ctx, "/api/v1/token", types.TokenRequest{Identity: identity})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var tok types.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	return tok.Token, nil
}

// PlaceCall asks the gateway to originate a server-side call.
func (c *Client) PlaceCall(ctx context.Context, to string) (*types.CallResponse, error) {
	resp, err := c.post(ctx, "/api/v1/call", types.CallRequest{To: to})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var call types.CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return nil, fmt.Errorf("decode call: %w", err)
	}
	return &call, nil
}

// Call fetches the status of one server-side call.
func (c *Client) Call(ctx context.Context, sid string) (*types.CallStatus, error) {
	resp, err := c.get(ctx, "/api/v1/call/"+sid)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status types.CallStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode call status: %w", err)
	}
	return &status, nil
}

// Calls fetches the gateway's recent call records, newest first.
func (c *Client) Calls(ctx context.Context) ([]types.CallRecord, error) {
	resp, err := c.get(ctx, "/api/v1/calls")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var calls []types.CallRecord
	if err := json.NewDecoder(resp.Body).Decode(&calls); err != nil {
		return nil, fmt.Errorf("decode calls: %w", err)
	}
	return calls, nil
}

// Health fetches gateway health.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	resp, err := c.get(ctx, "/api/v1/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &health, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var apiErr types.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("gateway %s: %s (HTTP %d)", req.URL.Path, apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("gateway %s: HTTP %d", req.URL.Path, resp.StatusCode)
	}
	return resp, nil
}
