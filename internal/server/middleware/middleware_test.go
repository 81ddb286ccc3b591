package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func serve(h http.Handler, req *http.Request) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthAcceptsAnyConfiguredKey(t *testing.T) {
	h := Auth("old-key, new-key")(ok)

	for _, tt := range []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer old", "Authorization", "Bearer old-key", http.StatusOK},
		{"header new", "X-API-Key", "new-key", http.StatusOK},
		{"wrong", "X-API-Key", "nope", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic old-key", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/trades/1", nil)
		if tt.header != "" {
			req.Header.Set(tt.header, tt.value)
		}
		assert.Equal(t, tt.want, serve(h, req), tt.name)
	}
}

func TestAuthDisabled(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(Auth(" , ")(ok), httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORS([]string{"https://app.example.org"})(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	req.Header.Set("Origin", "https://APP.example.org")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://APP.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := RateLimit(erroringLimiter{}, 1, time.Minute)(ok)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", extractClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", extractClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", extractClientIP(req))
}
