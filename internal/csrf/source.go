package csrf

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HTTPTokenSource fetches anti-forgery tokens from a token endpoint and caches
// the last one issued. Refresh discards the cached token and fetches a new
// one, which is what the proxy client does after a 403.
type HTTPTokenSource struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger

	mu    sync.Mutex
	token string
}

// NewHTTPTokenSource creates a token source against the given endpoint,
// typically <base>/api/csrf-token.
func NewHTTPTokenSource(endpoint string, log zerolog.Logger) *HTTPTokenSource {
	return &HTTPTokenSource{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("client", "csrf-token").Logger(),
	}
}

type tokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

// Token returns the cached token, fetching one on first use.
func (s *HTTPTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	return s.Refresh(ctx)
}

// Refresh fetches a new token unconditionally, replacing the cached one.
func (s *HTTPTokenSource) Refresh(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if !body.Success || body.Token == "" {
		return "", fmt.Errorf("token endpoint returned no token")
	}

	s.mu.Lock()
	s.token = body.Token
	s.mu.Unlock()

	s.log.Debug().Msg("Fetched new token")
	return body.Token, nil
}
