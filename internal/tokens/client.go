// Package tokens is a client for the external token-issuing service. The
// orchestrator never inspects token contents; it only stores, fetches and
// revokes them per service identifier on behalf of plugins.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/validate"
)

const maxResponseSize = 1 << 20 // 1 MB

// ErrTokenNotFound indicates no token is stored for the service.
var ErrTokenNotFound = errors.New("tokens: token not found")

// Client talks to the token service over its JSON request/response API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a token service client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if err := validate.HTTPURL(baseURL); err != nil {
		return nil, fmt.Errorf("tokens: invalid service URL: %w", err)
	}

	c := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: constants.TokenServiceTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to disallowed scheme: %s", req.URL.Scheme)
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type tokenPayload struct {
	Service string `json:"service"`
	Token   string `json:"token,omitempty"`
}

// StoreToken saves or replaces the token for a service.
func (c *Client) StoreToken(ctx context.Context, serviceID, token string) error {
	if !validate.Ident(serviceID) {
		return fmt.Errorf("tokens: invalid service id %q", serviceID)
	}
	if token == "" {
		return errors.New("tokens: token is required")
	}

	body, err := json.Marshal(tokenPayload{Service: serviceID, Token: token})
	if err != nil {
		return fmt.Errorf("tokens: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tokens", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tokens: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tokens: store token for %s: %w", serviceID, err)
	}
	defer resp.Body.Close()

	return c.checkStatus(resp, serviceID)
}

// GetToken fetches the token stored for a service.
func (c *Client) GetToken(ctx context.Context, serviceID string) (string, error) {
	if !validate.Ident(serviceID) {
		return "", fmt.Errorf("tokens: invalid service id %q", serviceID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL(serviceID), nil)
	if err != nil {
		return "", fmt.Errorf("tokens: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tokens: get token for %s: %w", serviceID, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, serviceID); err != nil {
		return "", err
	}

	var payload tokenPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&payload); err != nil {
		return "", fmt.Errorf("tokens: decode response for %s: %w", serviceID, err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("%w: %s", ErrTokenNotFound, serviceID)
	}
	return payload.Token, nil
}

// DeleteToken revokes the token stored for a service. Deleting an absent
// token is not an error.
func (c *Client) DeleteToken(ctx context.Context, serviceID string) error {
	if !validate.Ident(serviceID) {
		return fmt.Errorf("tokens: invalid service id %q", serviceID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.tokenURL(serviceID), nil)
	if err != nil {
		return fmt.Errorf("tokens: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tokens: delete token for %s: %w", serviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.checkStatus(resp, serviceID)
}

func (c *Client) tokenURL(serviceID string) string {
	return c.baseURL + "/tokens/" + url.PathEscape(serviceID)
}

func (c *Client) checkStatus(resp *http.Response, serviceID string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrTokenNotFound, serviceID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("tokens: service returned %d for %s: %s", resp.StatusCode, serviceID, msg)
	}
	return nil
}
