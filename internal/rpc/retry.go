package rpc

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Terminal errors surfaced after the retry budget is spent.
var (
	ErrRateLimited  = errors.New("rate limit exceeded after retries")
	ErrCSRFRejected = errors.New("csrf token validation failed after retries")
)

// RPCError is a protocol-level error carried in a well-formed JSON-RPC
// response. It is never retried: resubmitting a valid request that the node
// rejected would not change the outcome.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Decision classifies a single attempt's outcome.
type Decision int

const (
	// Accept terminates the request with the attempt's result.
	Accept Decision = iota
	// RetryToken refreshes the anti-forgery token and retries after a short fixed delay.
	RetryToken
	// RetryBackoff retries after an exponentially growing jittered delay.
	RetryBackoff
	// Reject terminates the request with the attempt's error, no retry.
	Reject
)

// Outcome is what a single HTTP attempt produced.
// Err is set for network-level failures; Status/Body for completed responses.
type Outcome struct {
	Status int
	Body   []byte
	Err    error
}

// Classifier maps an attempt outcome to a retry decision.
// Transport-specific retry rules live here as data, not in the client's
// control flow, so they are independently testable and swappable.
type Classifier func(Outcome) Decision

// DefaultClassifier implements the proxy's retry rules:
//   - 403 with a CSRF indication in the body: refresh token and retry
//   - 429: exponential backoff retry
//   - network errors mentioning "Rate limit" or "CSRF": backoff retry
//     (defensive net for failures not carried via status code)
//   - anything else, including well-formed RPC errors: no retry
func DefaultClassifier(o Outcome) Decision {
	if o.Err != nil {
		msg := o.Err.Error()
		if strings.Contains(msg, "Rate limit") || strings.Contains(msg, "CSRF") {
			return RetryBackoff
		}
		return Reject
	}
	switch o.Status {
	case http.StatusForbidden:
		if strings.Contains(strings.ToLower(string(o.Body)), "csrf") {
			return RetryToken
		}
		return Reject
	case http.StatusTooManyRequests:
		return RetryBackoff
	}
	return Accept
}

// Policy tracks retry state for one logical request. It is not safe for
// concurrent use and must not be shared across requests.
type Policy struct {
	maxTokenRetries int
	maxRateRetries  int
	tokenDelay      time.Duration
	startDelay      time.Duration
	jitter          time.Duration
	randJitter      func(max time.Duration) time.Duration

	tokenAttempts int
	rateAttempts  int
	delay         time.Duration
}

// NewPolicy creates a policy with the proxy's production limits:
// two token-refresh retries at a fixed 100ms delay, and three rate-limit
// retries backing off from 1s with up to 500ms of jitter per step.
func NewPolicy() *Policy {
	return &Policy{
		maxTokenRetries: 2,
		maxRateRetries:  3,
		tokenDelay:      100 * time.Millisecond,
		startDelay:      time.Second,
		jitter:          500 * time.Millisecond,
		randJitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Next consumes a decision and returns how long to wait before the next
// attempt. When the budget for the decision's failure class is exhausted it
// returns retry=false and the terminal error to surface.
func (p *Policy) Next(d Decision) (wait time.Duration, retry bool, err error) {
	switch d {
	case RetryToken:
		if p.tokenAttempts >= p.maxTokenRetries {
			return 0, false, ErrCSRFRejected
		}
		p.tokenAttempts++
		return p.tokenDelay, true, nil

	case RetryBackoff:
		if p.rateAttempts >= p.maxRateRetries {
			return 0, false, ErrRateLimited
		}
		p.rateAttempts++
		if p.delay == 0 {
			p.delay = p.startDelay
		}
		p.delay = p.delay*2 + p.randJitter(p.jitter)
		return p.delay, true, nil
	}
	return 0, false, nil
}

// Attempts returns how many retries have been consumed, by class.
func (p *Policy) Attempts() (token, rate int) {
	return p.tokenAttempts, p.rateAttempts
}
