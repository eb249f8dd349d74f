// Package tbclient provides the HTTP transport for ThingsBoard REST operations.
package tbclient

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
	"time"

	"github.com/tcmartin/tbflow/pkg/message"
	"github.com/tcmartin/tbflow/pkg/operations"
)

// ErrMissingParameter is returned when a required parameter resolves to a blank value
var ErrMissingParameter = errors.New("missing required parameter")

// AuthHeader is the header ThingsBoard reads the JWT from
const AuthHeader = "X-Authorization"

// Config holds the connection settings for one ThingsBoard server
type Config struct {
	// URL is the base URL of the server, e.g. https://thingsboard.example.com
	URL string `json:"url" yaml:"url"`

	// Token is the JWT sent as "X-Authorization: Bearer <token>"
	Token string `json:"token" yaml:"token"`

	// Timeout bounds a single HTTP attempt
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries is the number of extra attempts for idempotent requests that
	// fail with a transport error or a 5xx status
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryWait is the pause between attempts
	RetryWait time.Duration `json:"retry_wait" yaml:"retry_wait"`

	// Headers are added to every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Response is a successful (2xx) response
type Response struct {
	StatusCode int           `json:"status_code"`
	Headers    http.Header   `json:"headers"`
	Body       any           `json:"body"`
	RawBody    []byte        `json:"-"`
	URL        string        `json:"url"`
	Duration   time.Duration `json:"duration"`
}

// APIError is returned for responses outside the 2xx range
type APIError struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       any         `json:"body"`
	URL        string      `json:"url"`
}

// Error implements error
func (e *APIError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d: %s", e.URL, e.StatusCode, e.Message())
}

// Message returns the server supplied error message when the body carries one,
// otherwise the HTTP status text.
func (e *APIError) Message() string {
	if body, ok := e.Body.(map[string]any); ok {
		if msg, ok := body["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return http.StatusText(e.StatusCode)
}

// Client calls ThingsBoard REST operations
type Client struct {
	config Config
	client *http.Client
}

// New creates a client for the given server
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewWithHTTPClient(cfg, &http.Client{Timeout: timeout})
}

// NewWithHTTPClient creates a client that sends requests through hc
func NewWithHTTPClient(cfg Config, hc *http.Client) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{config: cfg, client: hc}
}

// Config returns the client configuration
func (c *Client) Config() Config {
	return c.config
}

// Call executes an operation with a resolved parameter set
func (c *Client) Call(ctx context.Context, op *operations.Operation, params operations.Params) (*Response, error) {
	reqURL, body, headers, err := c.build(op, params)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if c.config.MaxRetries > 0 && idempotent(op.Method) {
		attempts += c.config.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && c.config.RetryWait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryWait):
			}
		}

		resp, err := c.do(ctx, op.Method, reqURL, body, headers)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// BuildRequest creates the HTTP request for an operation without sending it
func (c *Client) BuildRequest(ctx context.Context, op *operations.Operation, params operations.Params) (*http.Request, error) {
	reqURL, body, headers, err := c.build(op, params)
	if err != nil {
		return nil, err
	}
	return c.newRequest(ctx, op.Method, reqURL, body, headers)
}

func (c *Client) build(op *operations.Operation, params operations.Params) (string, []byte, map[string]string, error) {
	path := op.Path
	query := url.Values{}
	headers := make(map[string]string)
	var body []byte

	for _, p := range op.Params {
		value := params[p.Name]
		if message.Blank(value) {
			if p.Required {
				return "", nil, nil, fmt.Errorf("%w: %s", ErrMissingParameter, p.Name)
			}
			continue
		}

		if p.In == operations.InBody {
			encoded, err := encodeBody(value)
			if err != nil {
				return "", nil, nil, fmt.Errorf("failed to encode body parameter %s: %w", p.Name, err)
			}
			body = encoded
			continue
		}

		// Optional parameters that only picked up a structured payload are
		// left off the request.
		str, err := formatValue(p.Name, value)
		if err != nil {
			if p.Required {
				return "", nil, nil, err
			}
			continue
		}

		switch p.In {
		case operations.InPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(str))
		case operations.InQuery:
			query.Set(p.Name, str)
		case operations.InHeader:
			headers[p.Name] = str
		}
	}

	reqURL := c.config.URL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	return reqURL, body, headers, nil
}

func (c *Client) newRequest(ctx context.Context, method, reqURL string, body []byte, headers map[string]string) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if c.config.Token != "" {
		req.Header.Set(AuthHeader, "Bearer "+c.config.Token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, reqURL string, body []byte, headers map[string]string) (*Response, error) {
	req, err := c.newRequest(ctx, method, reqURL, body, headers)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	finalURL := reqURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	parsed := decodeBody(resp.Header.Get("Content-Type"), raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Body:       parsed,
			URL:        finalURL,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       parsed,
		RawBody:    raw,
		URL:        finalURL,
		Duration:   time.Since(startTime),
	}, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return parsed
		}
	}
	return string(raw)
}

func encodeBody(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
