package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticTokens is a TokenSource with a fixed token and a refresh counter.
type staticTokens struct {
	mu        sync.Mutex
	token     string
	refreshes int
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *staticTokens) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	s.token = "refreshed"
	return s.token, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]Option{WithSleeper(noSleep)}, opts...)
	client := NewClient(1, server.URL, &staticTokens{token: "tok"}, zerolog.Nop(), opts...)
	return client, server
}

func TestCall_CacheHitIdempotence(t *testing.T) {
	var calls int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)

		var req proxyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 1, req.ChainID)
		assert.Equal(t, "eth_chainId", req.Method)
		assert.Equal(t, "tok", r.Header.Get("X-CSRF-Token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"0x1"}`))
	})

	first, err := client.Call(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x1"`), first)

	second, err := client.Call(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second call within TTL must be served from cache")
}

func TestCall_CoalescesConcurrentIdenticalRequests(t *testing.T) {
	var calls int64
	started := make(chan struct{})
	release := make(chan struct{})

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			close(started)
		}
		<-release
		_, _ = w.Write([]byte(`{"result":"0xde0b6b3a7640000"}`))
	})

	params := []interface{}{"0xabc", "latest"}
	results := make([]json.RawMessage, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.Call(context.Background(), "eth_getBalance", params)
		}(i)
	}

	// Let the first request reach the server, give the second goroutine time
	// to join the flight, then release.
	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "concurrent identical calls must share one round trip")
}

func TestCall_CachePartitionedByParams(t *testing.T) {
	var calls int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		_, _ = w.Write([]byte(`{"result":"` + string(rune('a'+n-1)) + `"}`))
	})

	callA := map[string]interface{}{"to": "0x1", "data": "0xaa"}
	callB := map[string]interface{}{"to": "0x1", "data": "0xbb"}

	resA, err := client.Call(context.Background(), "eth_call", []interface{}{callA, "latest"})
	require.NoError(t, err)
	resB, err := client.Call(context.Background(), "eth_call", []interface{}{callB, "latest"})
	require.NoError(t, err)

	assert.NotEqual(t, resA, resB)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "distinct params must never share a cache entry")
}

func TestCall_NonCacheableBypass(t *testing.T) {
	var calls int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		_, _ = w.Write([]byte(`{"result":"0xhash"}`))
	})

	tx := map[string]interface{}{"from": "0xabc", "to": "0xdef", "value": "0x1"}
	for i := 0; i < 2; i++ {
		_, err := client.Call(context.Background(), "eth_sendTransaction", []interface{}{tx})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "state-changing methods are never cached")
}

func TestCall_RetryCeilingOnRateLimit(t *testing.T) {
	var calls int64
	var delays []time.Duration
	var mu sync.Mutex

	recordSleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithSleeper(recordSleep))

	_, err := client.Call(context.Background(), "eth_blockNumber", nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Initial attempt plus exactly three retries
	assert.Equal(t, int64(4), atomic.LoadInt64(&calls))

	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1], "backoff delays must be strictly increasing")
	}
}

func TestCall_CSRFRefreshAndRetry(t *testing.T) {
	var calls int64
	tokens := &staticTokens{token: "stale"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if r.Header.Get("X-CSRF-Token") != "refreshed" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"Invalid CSRF token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":"0x1"}`))
	}))
	defer server.Close()

	client := NewClient(1, server.URL, tokens, zerolog.Nop(), WithSleeper(noSleep))

	result, err := client.Call(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x1"`), result)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestCall_CSRFCeiling(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"CSRF validation failed"}`))
	})

	_, err := client.Call(context.Background(), "eth_chainId", nil)
	assert.ErrorIs(t, err, ErrCSRFRejected)
}

func TestCall_ProtocolErrorNotRetriedNotCached(t *testing.T) {
	var calls int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		_, _ = w.Write([]byte(`{"error":{"code":-32000,"message":"execution reverted"}}`))
	})

	_, err := client.Call(context.Background(), "eth_call", []interface{}{map[string]interface{}{"to": "0x1"}, "latest"})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "protocol errors must not be retried")

	// The failure must not have been cached either
	_, err = client.Call(context.Background(), "eth_call", []interface{}{map[string]interface{}{"to": "0x1"}, "latest"})
	require.Error(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestInvalidateBlockData(t *testing.T) {
	var calls int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		_, _ = w.Write([]byte(`{"result":"0x10"}`))
	})

	_, err := client.Call(context.Background(), "eth_blockNumber", nil)
	require.NoError(t, err)
	_, err = client.Call(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)

	removed := client.InvalidateBlockData()
	assert.Equal(t, 1, removed, "only the block-sensitive entry drops")

	// eth_blockNumber refetches, eth_chainId is still cached
	_, err = client.Call(context.Background(), "eth_blockNumber", nil)
	require.NoError(t, err)
	_, err = client.Call(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestCacheKey_ObjectParamsCanonicalize(t *testing.T) {
	a, err := CacheKey(1, "eth_call", []interface{}{map[string]interface{}{"to": "0x1", "data": "0xaa"}})
	require.NoError(t, err)
	b, err := CacheKey(1, "eth_call", []interface{}{map[string]interface{}{"data": "0xaa", "to": "0x1"}})
	require.NoError(t, err)
	assert.Equal(t, a, b, "map key order must not change the cache key")
}
