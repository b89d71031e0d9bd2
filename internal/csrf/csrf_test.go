package csrf

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueAndValidate(t *testing.T) {
	issuer := NewIssuer(time.Minute, zerolog.Nop())

	token := issuer.Issue()
	require.NotEmpty(t, token)

	assert.True(t, issuer.Validate(token))
	assert.False(t, issuer.Validate("never-issued"))
	assert.False(t, issuer.Validate(""))
}

func TestIssuer_TokensAreUnique(t *testing.T) {
	issuer := NewIssuer(time.Minute, zerolog.Nop())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := issuer.Issue()
		require.False(t, seen[token])
		seen[token] = true
	}
}

func TestIssuer_Expiry(t *testing.T) {
	issuer := NewIssuer(time.Minute, zerolog.Nop())

	base := time.Now()
	issuer.now = func() time.Time { return base }
	token := issuer.Issue()
	require.True(t, issuer.Validate(token))

	issuer.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.False(t, issuer.Validate(token))

	// Expired tokens are dropped, not just rejected
	issuer.mu.Lock()
	_, stillThere := issuer.tokens[token]
	issuer.mu.Unlock()
	assert.False(t, stillThere)
}

func TestIssuer_ValidationSlidesExpiry(t *testing.T) {
	issuer := NewIssuer(time.Minute, zerolog.Nop())

	base := time.Now()
	issuer.now = func() time.Time { return base }
	token := issuer.Issue()

	// Validate 30s in: expiry moves to 90s
	issuer.now = func() time.Time { return base.Add(30 * time.Second) }
	require.True(t, issuer.Validate(token))

	// 80s in would have been past the original expiry
	issuer.now = func() time.Time { return base.Add(80 * time.Second) }
	assert.True(t, issuer.Validate(token))
}

func TestIssuer_Revoke(t *testing.T) {
	issuer := NewIssuer(time.Minute, zerolog.Nop())

	token := issuer.Issue()
	issuer.Revoke(token)
	assert.False(t, issuer.Validate(token))
}

func TestHTTPTokenSource_FetchesAndCaches(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"token":"tok-1"}`))
	}))
	defer server.Close()

	source := NewHTTPTokenSource(server.URL, zerolog.Nop())

	token, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Second call is served from the cached token
	token, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, 1, calls)
}

func TestHTTPTokenSource_RefreshReplacesToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.Write([]byte(`{"success":true,"token":"tok-1"}`))
			return
		}
		w.Write([]byte(`{"success":true,"token":"tok-2"}`))
	}))
	defer server.Close()

	source := NewHTTPTokenSource(server.URL, zerolog.Nop())

	token, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	token, err = source.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)

	token, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}

func TestHTTPTokenSource_Errors(t *testing.T) {
	t.Run("non-200 status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		source := NewHTTPTokenSource(server.URL, zerolog.Nop())
		_, err := source.Token(context.Background())
		assert.Error(t, err)
	})

	t.Run("success false", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false}`))
		}))
		defer server.Close()

		source := NewHTTPTokenSource(server.URL, zerolog.Nop())
		_, err := source.Token(context.Background())
		assert.Error(t, err)
	})
}
