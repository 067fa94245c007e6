package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDPropagated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "upstream-id", seen)
}

func TestSubjectExtraction(t *testing.T) {
	var seen int64
	var ok bool
	handler := Subject(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, ok = observability.GetSubjectID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(SubjectHeader, "42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, ok)
	assert.Equal(t, int64(42), seen)

	// garbage is ignored rather than rejected
	ok = false
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(SubjectHeader, "not-a-number")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, ok)
}

func TestRecovery(t *testing.T) {
	handler := Recovery(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mk("outer"), mk("inner"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestMemoryLimiter(t *testing.T) {
	limiter := NewMemoryLimiter(&RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute})

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(nil, "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, err := limiter.Allow(nil, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// other keys have their own window
	ok, _ = limiter.Allow(nil, "other")
	assert.True(t, ok)
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	limiter := NewMemoryLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 10 * time.Millisecond})

	ok, _ := limiter.Allow(nil, "k")
	require.True(t, ok)
	ok, _ = limiter.Allow(nil, "k")
	require.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, _ = limiter.Allow(nil, "k")
	assert.True(t, ok, "the window should reset after its duration")
}

func TestRedisLimiter(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	defer srv.Close()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	limiter := NewRedisLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	srv.Close()

	limiter := NewRedisLimiter(client, nil, "")
	ok, err := limiter.Allow(httptest.NewRequest("GET", "/", nil).Context(), "k")
	assert.Error(t, err)
	assert.True(t, ok, "an unreachable redis must not block traffic")
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewMemoryLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	handler := RateLimit(limiter, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// a different client ip is not throttled
	other := httptest.NewRequest("GET", "/", nil)
	other.RemoteAddr = "10.0.0.2:12345"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitKeysBySubject(t *testing.T) {
	limiter := NewMemoryLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), Subject, RateLimit(limiter, testLogger()))

	mkReq := func(subject int64) *http.Request {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set(SubjectHeader, fmt.Sprintf("%d", subject))
		return req
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq(1))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq(1))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// same ip, different subject: separate budget
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq(2))
	assert.Equal(t, http.StatusOK, rec.Code)
}
