// Package recommend is the HTTP client for the external recommendation
// pipeline.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Request asks the pipeline for recommendations.
type Request struct {
	SessionID  string `json:"sessionId"`
	CustomerID string `json:"customerId"`
	Transcript string `json:"transcript,omitempty"`
	Intent     string `json:"intent,omitempty"`
}

// Result is the pipeline's answer. Recommendations are passed through to
// clients as received.
type Result struct {
	Intent          string           `json:"intent"`
	Confidence      float64          `json:"confidence"`
	Recommendations []map[string]any `json:"recommendations"`
	Timestamp       time.Time        `json:"timestamp,omitzero"`
}

// StatusError is a non-2xx response from the pipeline.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("recommendation pipeline returned %d: %s", e.Code, e.Body)
}

// Client calls the pipeline over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	retry    *RetryPolicy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a client posting to baseURL + "/recommend".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/recommend",
		http:     &http.Client{Timeout: 20 * time.Second},
		retry:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recommend posts req and decodes the result, retrying transient failures.
func (c *Client) Recommend(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	var res Result
	attempt := 0
	err = c.retry.Execute(ctx, func(ctx context.Context) error {
		attempt++
		var err error
		res, err = c.post(ctx, body)
		if err != nil {
			slog.Warn("recommend: pipeline call failed", "attempt", attempt, "customer_id", req.CustomerID, "error", err)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, body []byte) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
