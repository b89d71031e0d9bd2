package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/looplend/looplend/internal/csrf"
)

const upstreamTimeout = 30 * time.Second

// ProxyHandlers serves the CSRF token endpoint and the JSON-RPC proxy. Every
// proxied call must carry a valid token and stay under the per-IP rate
// limit; the proxy then forwards the method to the chain's configured
// upstream and relays the result or error verbatim.
type ProxyHandlers struct {
	endpoints map[int]string
	issuer    *csrf.Issuer
	client    *http.Client
	log       zerolog.Logger

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewProxyHandlers creates the proxy handlers. endpoints maps chain id to the
// upstream JSON-RPC URL; requestsPerSec and burst shape the per-IP limiter.
func NewProxyHandlers(endpoints map[int]string, issuer *csrf.Issuer, requestsPerSec float64, burst int, log zerolog.Logger) *ProxyHandlers {
	if requestsPerSec <= 0 {
		requestsPerSec = 20
	}
	if burst <= 0 {
		burst = int(requestsPerSec) * 2
	}
	return &ProxyHandlers{
		endpoints: endpoints,
		issuer:    issuer,
		client:    &http.Client{Timeout: upstreamTimeout},
		log:       log.With().Str("component", "rpc_proxy").Logger(),
		limit:     rate.Limit(requestsPerSec),
		burst:     burst,
		limiters:  make(map[string]*clientLimiter),
	}
}

// HandleToken issues a fresh CSRF token.
// GET /api/csrf-token
func (h *ProxyHandlers) HandleToken(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   h.issuer.Issue(),
	})
}

type proxyRequest struct {
	ChainID int             `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HandleProxy forwards a JSON-RPC call to the chain's upstream endpoint.
// POST /api/rpc-proxy
func (h *ProxyHandlers) HandleProxy(w http.ResponseWriter, r *http.Request) {
	if !h.issuer.Validate(r.Header.Get("X-CSRF-Token")) {
		h.writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "Invalid or missing CSRF token",
		})
		return
	}

	if !h.allow(clientIP(r)) {
		h.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "Rate limit exceeded",
		})
		return
	}

	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Invalid request body",
		})
		return
	}
	if req.Method == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Missing method",
		})
		return
	}

	endpoint, ok := h.endpoints[req.ChainID]
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": fmt.Sprintf("Unsupported chain id %d", req.ChainID),
		})
		return
	}

	result, rpcErr, err := h.forward(r, endpoint, req)
	if err != nil {
		h.log.Error().
			Err(err).
			Int("chain_id", req.ChainID).
			Str("method", req.Method).
			Msg("Upstream RPC call failed")
		h.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": "Upstream RPC call failed",
		})
		return
	}
	if rpcErr != nil {
		// Protocol-level errors pass through with a 200, mirroring JSON-RPC
		h.writeJSON(w, http.StatusOK, map[string]any{"error": rpcErr})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (h *ProxyHandlers) forward(r *http.Request, endpoint string, req proxyRequest) (json.RawMessage, *rpcErrorBody, error) {
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}

	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  req.Method,
		"params":  params,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding upstream request: %w", err)
	}

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("building upstream request: %w", err)
	}
	upstream.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(upstream)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcErrorBody   `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decoding upstream response: %w", err)
	}
	return parsed.Result, parsed.Error, nil
}

// allow checks the per-IP limiter, creating one for new clients and pruning
// idle entries as a side effect.
func (h *ProxyHandlers) allow(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for key, entry := range h.limiters {
		if now.Sub(entry.lastSeen) > 10*time.Minute {
			delete(h.limiters, key)
		}
	}

	entry, ok := h.limiters[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(h.limit, h.burst)}
		h.limiters[ip] = entry
	}
	entry.lastSeen = now

	return entry.limiter.Allow()
}

func (h *ProxyHandlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func clientIP(r *http.Request) string {
	// middleware.RealIP has already rewritten RemoteAddr when forwarded
	// headers are present
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
