package graphql

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

// Client posts GraphQL documents to a single endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	headers    map[string]string
}

// ClientConfig configures the transport.
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
	Headers  map[string]string
}

// NewClient creates a client for the configured endpoint.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		headers:    cfg.Headers,
	}
}

// request is the standard GraphQL HTTP envelope.
type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []responseError            `json:"errors"`
}

type responseError struct {
	Message string `json:"message"`
}

// Do executes a query document and returns the raw data payload keyed
// by top-level field. Transport and GraphQL-level errors pass through
// unmodified; this layer adds no retry or backoff.
func (c *Client) Do(ctx context.Context, query string, variables map[string]any) (map[string]json.RawMessage, error) {
	body, err := json.Marshal(request{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		messages := make([]string, len(decoded.Errors))
		for i, e := range decoded.Errors {
			messages[i] = e.Message
		}
		return nil, fmt.Errorf("graphql: %s", strings.Join(messages, "; "))
	}
	return decoded.Data, nil
}

// TransportError is an HTTP-level failure from the endpoint.
type TransportError struct {
	StatusCode int
	Body       string
}

// Error returns the transport error message.
func (e *TransportError) Error() string {
	return fmt.Sprintf("graphql endpoint returned %d: %s", e.StatusCode, e.Body)
}
