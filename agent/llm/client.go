// Package llm binds the agent capability set to chat-completion endpoints.
// The client is provider-agnostic over the OpenAI-compatible wire format,
// retries transient failures with jittered exponential backoff, falls back
// across a configured endpoint chain, and opens a circuit per endpoint so a
// dead endpoint stops absorbing whole retry budgets.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// maxResponseSize caps how much of a completion body is read.
const maxResponseSize = 10 * 1024 * 1024

// Endpoint is one chat-completions endpoint in the fallback chain.
type Endpoint struct {
	// Name identifies the endpoint in logs and on its circuit breaker.
	Name string `yaml:"name"`

	// URL is the API base, e.g. "http://localhost:11434/v1".
	URL string `yaml:"url"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`

	// MaxTokens limits the completion length. 0 uses the endpoint default.
	MaxTokens int `yaml:"max_tokens"`
}

// RetryConfig tunes per-endpoint retries.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns the retry defaults: 3 attempts backing off
// from 2s, capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request sent down the endpoint chain.
type Request struct {
	Messages    []Message
	Temperature *float64
}

// Response is a completion result.
type Response struct {
	Content      string
	Model        string
	TotalTokens  int
	FinishReason string
}

// Client walks the endpoint chain for each request. Safe for concurrent
// use.
type Client struct {
	endpoints  []Endpoint
	breakers   map[string]*gobreaker.CircuitBreaker
	httpClient *http.Client
	retry      RetryConfig
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a client over the endpoint chain, first endpoint
// preferred.
func NewClient(endpoints []Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoints: endpoints,
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(endpoints)),
		retry:     DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, ep := range endpoints {
		c.breakers[ep.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    ep.Name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return c
}

// Complete sends the request down the chain: retry each endpoint up to the
// budget, fall back to the next on exhaustion, stop immediately on a fatal
// error. An open circuit skips its endpoint without consuming retries.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("complete: at least one message is required")
	}
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("complete: no endpoints configured")
	}

	var lastErr error
	for _, ep := range c.endpoints {
		resp, err := c.tryEndpoint(ctx, ep, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if IsFatal(err) {
			return nil, err
		}
		c.logger.Warn("llm endpoint failed, trying fallback",
			"endpoint", ep.Name,
			"model", ep.Model,
			"error", err)
	}
	return nil, fmt.Errorf("all llm endpoints failed: %w", lastErr)
}

// tryEndpoint runs one endpoint's retry loop. Every attempt goes through
// the endpoint's breaker, so repeated failures open the circuit and later
// requests skip straight to the fallback.
func (c *Client) tryEndpoint(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	breaker := c.breakers[ep.Name]
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		result, err := breaker.Execute(func() (any, error) {
			return c.doRequest(ctx, ep, req)
		})
		if err == nil {
			return result.(*Response), nil
		}
		lastErr = err
		if IsFatal(err) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("endpoint %s: circuit open: %w", ep.Name, err)
		}
		if attempt == c.retry.MaxAttempts {
			break
		}
		backoff := c.backoff(attempt)
		c.logger.Debug("llm request failed, retrying",
			"endpoint", ep.Name,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// backoff computes the delay after a failed attempt: exponential from the
// base, capped, with +/-25% jitter to keep concurrent retries apart.
func (c *Client) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}
	d := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

// Wire types for the OpenAI-compatible chat completions API.
type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// doRequest performs one HTTP round trip.
func (c *Client) doRequest(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	body, err := json.Marshal(completionRequest{
		Model:       ep.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   ep.MaxTokens,
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp.StatusCode, respBody)
	}

	var parsed completionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewTransientError(fmt.Errorf("parse response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewTransientError(fmt.Errorf("response has no choices"))
	}

	model := parsed.Model
	if model == "" {
		model = ep.Model
	}
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		TotalTokens:  parsed.Usage.TotalTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}
