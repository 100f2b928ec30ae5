package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyMiddleware_ReplaysCachedResponseForSameTenantAndKey(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)
	calls := 0
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/s1/events", strings.NewReader("{}"))
		r.Header.Set("x-proxy-tenant-id", "tenant-a")
		r.Header.Set("x-idempotency-key", "key-1")
		return r
	}

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req())
	require.Equal(t, http.StatusCreated, w1.Code)
	require.Equal(t, 1, calls)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req())
	require.Equal(t, http.StatusCreated, w2.Code)
	require.Equal(t, `{"ok":true}`, w2.Body.String())
	require.Equal(t, 1, calls, "second request with same tenant+key must not reach the handler")
}

func TestIdempotencyMiddleware_DoesNotShareKeysAcrossTenants(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)
	calls := 0
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		r := httptest.NewRequest(http.MethodPost, "/s1/events", strings.NewReader("{}"))
		r.Header.Set("x-proxy-tenant-id", tenant)
		r.Header.Set("x-idempotency-key", "key-1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	require.Equal(t, 2, calls, "the same key under different tenants must not be deduplicated")
}

func TestIdempotencyMiddleware_PassesThroughWithoutKey(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)
	calls := 0
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	r := httptest.NewRequest(http.MethodPost, "/s1/events", strings.NewReader("{}"))
	r.Header.Set("x-proxy-tenant-id", "tenant-a")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, 1, calls)
}
