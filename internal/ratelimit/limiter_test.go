package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIncrementsWithinWindow(t *testing.T) {
	s := NewMemoryStore()
	n1, err := s.IncrWithExpire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	n2, err := s.IncrWithExpire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(2), n2)
}

func TestMemoryStoreResetsAfterWindowElapses(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.IncrWithExpire(context.Background(), "k", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	n, err := s.IncrWithExpire(context.Background(), "k", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "an elapsed window should restart the counter")
}

func TestLimiterAllowsUnderBurst(t *testing.T) {
	l := New(NewMemoryStore(), "test:", Config{MaxPerMinute: 10, BurstSize: 2})
	ok1, err := l.Allow(context.Background(), "caller")
	require.NoError(t, err)
	ok2, err := l.Allow(context.Background(), "caller")
	require.NoError(t, err)
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestLimiterRejectsOverBurst(t *testing.T) {
	l := New(NewMemoryStore(), "test:", Config{MaxPerMinute: 10, BurstSize: 1})
	ok1, err := l.Allow(context.Background(), "caller")
	require.NoError(t, err)
	ok2, err := l.Allow(context.Background(), "caller")
	require.NoError(t, err)
	assert.True(t, ok1)
	assert.False(t, ok2)
}

type failingStore struct{}

func (failingStore) IncrWithExpire(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store unavailable")
}

func TestLimiterMiddlewareFailsOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, "test:", Config{})
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	l.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/invoices", nil))

	assert.True(t, called, "a store outage must not block requests")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimiterMiddlewareRejectsOverLimit(t *testing.T) {
	l := New(NewMemoryStore(), "test:", Config{MaxPerMinute: 1, BurstSize: 1})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req1 := httptest.NewRequest(http.MethodGet, "/v1/invoices", nil)
	req1.Header.Set("x-service-name", "invoicing-svc")
	rec1 := httptest.NewRecorder()
	l.Middleware(next).ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/v1/invoices", nil)
	req2.Header.Set("x-service-name", "invoicing-svc")
	rec2 := httptest.NewRecorder()
	l.Middleware(next).ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.Equal(t, "60", rec2.Header().Get("Retry-After"))
}
