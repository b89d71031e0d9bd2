// Package rpc provides the caching JSON-RPC proxy client.
//
// Every on-chain read goes through a Client so that redundant calls are
// answered from cache, identical in-flight calls share one round trip, and
// rate-limit / anti-forgery failures are retried with backoff before they
// reach the caller.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const maxErrorBodyLog = 500

// TokenSource supplies the anti-forgery token attached to proxy requests.
// Refresh is called by the retry path when the proxy rejects the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client executes JSON-RPC calls for a single chain through the proxy
// endpoint. Each Client owns its cache and in-flight request group, so
// per-chain instances can be constructed and swapped independently (and tests
// never share hidden state).
type Client struct {
	chainID    int
	endpoint   string
	httpClient *http.Client
	tokens     TokenSource
	cache      *Cache
	group      singleflight.Group
	classify   Classifier
	newPolicy  func() *Policy
	sleep      func(ctx context.Context, d time.Duration) error
	log        zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClassifier overrides the retry decision classifier.
func WithClassifier(cl Classifier) Option {
	return func(c *Client) { c.classify = cl }
}

// WithPolicyFactory overrides how per-request retry policies are created.
func WithPolicyFactory(f func() *Policy) Option {
	return func(c *Client) { c.newPolicy = f }
}

// WithSleeper overrides the retry delay sleeper (tests pass a no-op).
func WithSleeper(s func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = s }
}

// NewClient creates a proxy client for one chain.
func NewClient(chainID int, endpoint string, tokens TokenSource, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		chainID:    chainID,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		cache:      NewCache(),
		classify:   DefaultClassifier,
		newPolicy:  NewPolicy,
		sleep:      sleepCtx,
		log:        log.With().Str("component", "rpc_client").Int("chain_id", chainID).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChainID returns the chain this client serves.
func (c *Client) ChainID() int {
	return c.chainID
}

// CacheKey builds the exact-match cache key for a call.
// Params are serialized as JSON; encoding/json emits map keys in sorted
// order, so object params (rare for Ethereum methods) canonicalize for free.
func CacheKey(chainID int, method string, params []interface{}) (string, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params for cache key: %w", err)
	}
	return fmt.Sprintf("%d:%s:%s", chainID, method, encoded), nil
}

// Call executes a JSON-RPC method through the proxy.
//
// Cacheable methods follow cache -> in-flight coalescing -> network; two
// concurrent identical calls resolve to the same underlying result. Requests
// for state-changing methods always hit the network, uncached and
// undeduplicated.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}

	if !Cacheable(method) {
		return c.send(ctx, method, params)
	}

	key, err := CacheKey(c.chainID, method, params)
	if err != nil {
		return nil, err
	}

	ttl := TTLFor(method)
	if result, ok := c.cache.Get(key, ttl); ok {
		c.log.Trace().Str("method", method).Msg("cache hit")
		return result, nil
	}

	// singleflight removes the key before any caller's continuation runs, so
	// a call issued after completion starts fresh rather than piggybacking on
	// a finished flight.
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		result, err := c.send(ctx, method, params)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Trace().Str("method", method).Msg("coalesced with in-flight request")
	}
	return v.(json.RawMessage), nil
}

// InvalidateBlockData drops cached entries whose methods go stale on a new
// block. Called by the head watcher when a newHeads notification arrives.
func (c *Client) InvalidateBlockData() int {
	removed := c.cache.Invalidate(func(key string) bool {
		parts := strings.SplitN(key, ":", 3)
		return len(parts) == 3 && BlockSensitive(parts[1])
	})
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("Invalidated block-sensitive cache entries")
	}
	return removed
}

// proxyRequest is the body POSTed to the proxy endpoint.
type proxyRequest struct {
	ChainID int           `json:"chainId"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// proxyResponse is the proxy's JSON envelope.
type proxyResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// send performs the network call with the full retry state machine.
func (c *Client) send(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	policy := c.newPolicy()

	for {
		outcome := c.attempt(ctx, method, params)

		switch c.classify(outcome) {
		case Accept:
			return c.parseResponse(method, outcome)

		case Reject:
			if outcome.Err != nil {
				return nil, outcome.Err
			}
			return nil, fmt.Errorf("proxy returned status %d: %s", outcome.Status, truncate(outcome.Body))

		case RetryToken:
			wait, retry, terminal := policy.Next(RetryToken)
			if !retry {
				c.log.Error().Str("method", method).Msg("CSRF retries exhausted")
				return nil, terminal
			}
			if _, err := c.tokens.Refresh(ctx); err != nil {
				c.log.Warn().Err(err).Msg("Token refresh failed, retrying with previous token")
			}
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case RetryBackoff:
			wait, retry, terminal := policy.Next(RetryBackoff)
			if !retry {
				c.log.Error().Str("method", method).Msg("Rate-limit retries exhausted")
				return nil, terminal
			}
			c.log.Warn().
				Str("method", method).
				Dur("backoff", wait).
				Msg("Rate limited, backing off")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
}

// attempt issues one HTTP round trip and reports what happened.
func (c *Client) attempt(ctx context.Context, method string, params []interface{}) Outcome {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to obtain CSRF token: %w", err)}
	}

	body, err := json.Marshal(proxyRequest{ChainID: c.chainID, Method: method, Params: params})
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	return Outcome{Status: resp.StatusCode, Body: respBody}
}

// parseResponse extracts the result from an accepted response.
// A well-formed envelope carrying an error field is terminal: protocol errors
// are surfaced immediately and never cached.
func (c *Client) parseResponse(method string, outcome Outcome) (json.RawMessage, error) {
	if outcome.Status < 200 || outcome.Status >= 300 {
		return nil, fmt.Errorf("proxy returned status %d: %s", outcome.Status, truncate(outcome.Body))
	}

	var envelope proxyResponse
	if err := json.Unmarshal(outcome.Body, &envelope); err != nil {
		c.log.Error().
			Err(err).
			Str("method", method).
			Str("body", truncate(outcome.Body)).
			Msg("Failed to parse proxy response")
		return nil, fmt.Errorf("failed to parse proxy response: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Result, nil
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > maxErrorBodyLog {
		return s[:maxErrorBodyLog] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
