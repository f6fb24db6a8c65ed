package ratelimit_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/ratelimit"
)

func TestMiddlewareRejectsWithEnvelope(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{Rate: 0.001, Burst: 1})
	defer limiter.Close()

	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.RemoteAddr = "10.0.0.1:55555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "first request passes")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "second request is limited")
	// 0.001 rps means the next token is 1000 seconds out.
	assert.Equal(t, "1000", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{Rate: 0.001, Burst: 1})
	defer limiter.Close()

	handler := ratelimit.Middleware(limiter, func(*http.Request) string { return "" }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := ratelimit.Middleware(nil, ratelimit.IPKeyFunc, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:12345"
	assert.Equal(t, "192.0.2.7", ratelimit.IPKeyFunc(req))
}
