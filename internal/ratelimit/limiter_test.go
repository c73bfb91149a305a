// ABOUTME: Tests for the per-address fixed-window limiter and HTTP middleware
// ABOUTME: Covers window counting, loopback bypass, eviction, and Retry-After

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, max int, window time.Duration, capacity int) *Limiter {
	t.Helper()
	l := New(max, window, capacity, nil)
	t.Cleanup(l.Close)
	return l
}

func TestCheck_WindowCounting(t *testing.T) {
	l := newTestLimiter(t, 3, time.Minute, 100)

	got := []bool{
		l.Check("203.0.113.5:1001"),
		l.Check("203.0.113.5:1002"),
		l.Check("203.0.113.5:1003"),
		l.Check("203.0.113.5:1004"),
	}
	assert.Equal(t, []bool{true, true, true, false}, got)
}

func TestCheck_WindowReset(t *testing.T) {
	l := newTestLimiter(t, 1, 30*time.Millisecond, 100)

	assert.True(t, l.Check("203.0.113.9"))
	assert.False(t, l.Check("203.0.113.9"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Check("203.0.113.9"))
}

func TestCheck_LoopbackAlwaysAllowed(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute, 100)

	for _, addr := range []string{"127.0.0.1:9999", "::1", "localhost:80", "127.0.0.1"} {
		for i := 0; i < 5; i++ {
			assert.True(t, l.Check(addr), "loopback %s must always pass", addr)
		}
	}
}

func TestCheck_AddressesAreIndependent(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute, 100)

	assert.True(t, l.Check("203.0.113.1"))
	assert.False(t, l.Check("203.0.113.1"))
	assert.True(t, l.Check("203.0.113.2"))
}

func TestCheck_EvictsOldestAtCapacity(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute, 2)

	require.True(t, l.Check("203.0.113.1"))
	require.True(t, l.Check("203.0.113.2"))
	// Third address evicts 203.0.113.1 (insertion-order-oldest).
	require.True(t, l.Check("203.0.113.3"))

	// The evicted address starts a fresh window even though its old one
	// had not elapsed.
	assert.True(t, l.Check("203.0.113.1"))
}

func TestRetry(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute, 100)

	assert.Zero(t, l.Retry("203.0.113.7"))

	l.Check("203.0.113.7:4000")
	remaining := l.Retry("203.0.113.7:4001")
	assert.Greater(t, remaining, 50*time.Second)
	assert.LessOrEqual(t, remaining, time.Minute)
}

func TestRemoveExpired(t *testing.T) {
	l := newTestLimiter(t, 5, 10*time.Millisecond, 100)

	l.Check("203.0.113.4")
	time.Sleep(20 * time.Millisecond)
	l.removeExpired()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.entries)
	assert.Zero(t, l.order.Len())
}

func TestMiddleware_Rejects429WithRetryAfter(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute, 100)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodGet, "/ws", nil)
	first.RemoteAddr = "203.0.113.50:5001"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	assert.Equal(t, http.StatusOK, rec.Code)

	second := httptest.NewRequest(http.MethodGet, "/ws", nil)
	second.RemoteAddr = "203.0.113.50:5002"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter := rec.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.NotEqual(t, "0", retryAfter)
}

func TestClose_Idempotent(t *testing.T) {
	l := New(1, time.Minute, 10, nil)
	l.Close()
	l.Close()
}
