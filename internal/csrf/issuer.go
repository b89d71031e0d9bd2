// Package csrf issues and validates the anti-forgery tokens required by the
// RPC proxy endpoint. Tokens are opaque UUIDs held in memory with a sliding
// expiry, so a restart invalidates every outstanding token and clients simply
// re-fetch one.
package csrf

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 30 * time.Minute

// Issuer mints tokens and answers validity checks.
type Issuer struct {
	ttl time.Duration
	log zerolog.Logger
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
}

// NewIssuer creates an issuer with the given token lifetime. A non-positive
// ttl falls back to DefaultTTL.
func NewIssuer(ttl time.Duration, log zerolog.Logger) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		ttl:    ttl,
		log:    log.With().Str("component", "csrf").Logger(),
		now:    time.Now,
		tokens: make(map[string]time.Time),
	}
}

// Issue mints a fresh token. Expired tokens are pruned on the way through,
// keeping the set bounded without a background sweeper.
func (i *Issuer) Issue() string {
	token := uuid.New().String()

	i.mu.Lock()
	i.pruneLocked()
	i.tokens[token] = i.now().Add(i.ttl)
	i.mu.Unlock()

	return token
}

// Validate reports whether token was issued here and has not expired. Each
// successful validation slides the expiry forward, so an actively used token
// stays valid indefinitely.
func (i *Issuer) Validate(token string) bool {
	if token == "" {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	expiry, ok := i.tokens[token]
	if !ok {
		return false
	}
	if i.now().After(expiry) {
		delete(i.tokens, token)
		return false
	}

	i.tokens[token] = i.now().Add(i.ttl)
	return true
}

// Revoke drops a token immediately.
func (i *Issuer) Revoke(token string) {
	i.mu.Lock()
	delete(i.tokens, token)
	i.mu.Unlock()
}

func (i *Issuer) pruneLocked() {
	now := i.now()
	for token, expiry := range i.tokens {
		if now.After(expiry) {
			delete(i.tokens, token)
		}
	}
}
