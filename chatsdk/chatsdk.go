/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package chatsdk is the core HTTP client for the chat backend. It owns the
// base URL, the anti-forgery token and session cookie supplied by the hosting
// page, retry/backoff for transient HTTP failures, and response envelope parsing.
package chatsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client is the core chat backend client
type Client struct {
	// HTTP client used to communicate with the backend
	httpClient *http.Client

	// Base URL for API requests
	BaseURL *url.URL

	// Configuration for the client
	Config *Config

	logger zerolog.Logger
}

// Config holds the configuration for the chat backend client
type Config struct {
	// BaseURL is the origin of the chat web application, e.g. https://chat.example.com
	BaseURL string

	// Timeout for API requests
	Timeout time.Duration

	// Default headers to include in API requests
	DefaultHeaders map[string]string

	// Custom HTTP client to use instead of the default one.
	// If nil, a default client will be created with the specified Timeout
	HttpClient *http.Client

	// MaxRetries is the maximum number of retries for transient errors (429, 502, 503, 504).
	// Set to 0 to disable retries. Default: 3.
	MaxRetries int

	// RetryBaseDelay is the initial delay between retries. Default: 1s.
	// Subsequent retries use exponential backoff (delay * 2^attempt).
	RetryBaseDelay time.Duration

	// CSRFToken is the anti-forgery token of the hosting page. Mutating
	// requests fail with a ConfigurationError when it is empty.
	CSRFToken string

	// SessionCookie is the authenticated session id sent as the "sessionid" cookie.
	SessionCookie string

	// Logger for SDK operations. The zero value discards output.
	Logger *zerolog.Logger
}

// DefaultConfig returns a default configuration for the chat backend client
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8000",
		Timeout:        30 * time.Second,
		DefaultHeaders: make(map[string]string),
		HttpClient:     nil,
		MaxRetries:     3,
		RetryBaseDelay: 1 * time.Second,
	}
}

// NewClient creates a new chat backend client with the given configuration
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, &ConfigurationError{Field: "BaseURL", Reason: "must be an absolute URL"}
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Client{
		httpClient: httpClient,
		BaseURL:    baseURL,
		Config:     config,
		logger:     logger.With().Str("module", "chatsdk").Logger(),
	}, nil
}

// GetHTTPClient returns the HTTP client used for API requests
func (c *Client) GetHTTPClient() *http.Client {
	return c.httpClient
}

// GetLogger returns the logger used by the SDK.
func (c *Client) GetLogger() zerolog.Logger {
	return c.logger
}

// HasCSRFToken reports whether an anti-forgery token is configured.
func (c *Client) HasCSRFToken() bool {
	return c.Config.CSRFToken != ""
}

// WebSocketURL returns the push channel URL for a chat room, derived from the
// base URL (http→ws, https→wss).
func (c *Client) WebSocketURL(roomID ID) string {
	u := *c.BaseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat/" + roomID.String() + "/"
	u.RawQuery = ""
	return u.String()
}

// Header returns the authentication headers used for both HTTP requests and
// the websocket handshake.
func (c *Client) Header() http.Header {
	h := make(http.Header)
	for k, v := range c.Config.DefaultHeaders {
		h.Set(k, v)
	}
	var cookies []string
	if c.Config.SessionCookie != "" {
		cookies = append(cookies, (&http.Cookie{Name: "sessionid", Value: c.Config.SessionCookie}).String())
	}
	if c.Config.CSRFToken != "" {
		cookies = append(cookies, (&http.Cookie{Name: "csrftoken", Value: c.Config.CSRFToken}).String())
	}
	if len(cookies) > 0 {
		h.Set("Cookie", strings.Join(cookies, "; "))
	}
	return h
}

// RequestWithContext performs a single HTTP request against the backend.
// Mutating methods require the anti-forgery token.
// The caller is responsible for closing the response body when done.
func (c *Client) RequestWithContext(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	if isMutating(method) && !c.HasCSRFToken() {
		return nil, &ConfigurationError{Field: "CSRFToken", Reason: "anti-forgery token is required for " + method + " " + path}
	}

	u, err := url.Parse(c.BaseURL.String() + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, err
	}

	if params != nil {
		u.RawQuery = params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range c.Header() {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.Config.CSRFToken != "" {
		req.Header.Set("X-CSRFToken", c.Config.CSRFToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Op: method + " " + u.Path, Err: err}
	}
	return resp, nil
}

// RequestWithRetry performs an HTTP request with automatic retry for transient errors.
// It retries on HTTP 429 (Too Many Requests, respecting Retry-After header) and
// transient server errors (502, 503, 504) using exponential backoff.
// The caller is responsible for closing the response body when done.
func (c *Client) RequestWithRetry(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	maxRetries := c.Config.MaxRetries
	baseDelay := c.Config.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err = c.RequestWithContext(ctx, method, path, params, body)
		if err != nil {
			return nil, err
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == maxRetries {
			return resp, nil
		}

		delay := retryDelay(resp, baseDelay, attempt)
		resp.Body.Close()

		c.logger.Debug().Str("path", path).Int("status", resp.StatusCode).
			Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return resp, err
}

// Do performs a request with retry and decodes the response envelope into v.
// v may be nil when only the envelope status matters.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, v interface{}) error {
	resp, err := c.RequestWithRetry(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	return ParseResponse(resp, v)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// isRetryableStatus returns true for HTTP status codes that should be retried.
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// retryDelay calculates the delay before the next retry attempt.
// For 429 responses, it respects the Retry-After header if present.
// Otherwise, it uses exponential backoff: baseDelay * 2^attempt.
func retryDelay(resp *http.Response, baseDelay time.Duration, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return baseDelay * (1 << uint(attempt))
}

// envelope is the common shape of every backend JSON response.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ParseResponse parses an HTTP response into the given interface. Responses
// with an HTTP error status, or a 200 carrying {"status":"error"}, become
// typed errors. v may be nil.
func ParseResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		return NewAPIError(resp, body)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	if env.Status != "" && env.Status != "success" {
		return NewEnvelopeError(resp, env.Message, body)
	}

	if v == nil {
		return nil
	}
	return json.Unmarshal(body, v)
}
