package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/redis"
)

func TestClientKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"from header", "goal-engine", "client:goal-engine"},
		{"no client", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Client-ID", tt.header)
			}
			if got := ClientKeyFunc(req); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			if got := IPKeyFunc(req); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestFirstKey(t *testing.T) {
	keyFn := FirstKey(ClientKeyFunc, IPKeyFunc)

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "9.9.9.9:1"
	if got := keyFn(req); got != "ip:9.9.9.9:1" {
		t.Errorf("fallback: got %q", got)
	}

	req.Header.Set("X-Client-ID", "web")
	if got := keyFn(req); got != "client:web" {
		t.Errorf("client: got %q", got)
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RateLimitMiddleware(nil, clock.System{}, zap.NewNop(), ClientKeyFunc)(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	clk := clock.NewFake(now)
	limiter := redis.NewRateLimiter(newTestRedis(t), clk, zap.NewNop(), redis.RateLimitConfig{Limit: 2, Window: time.Minute})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := RateLimitMiddleware(limiter, clk, zap.NewNop(), ClientKeyFunc)(handler)

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/notifications", nil)
		req.Header.Set("X-Client-ID", "burst")
		last = httptest.NewRecorder()
		wrapped.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("limit header = %q", last.Header().Get("X-RateLimit-Limit"))
	}
	if last.Header().Get("Retry-After") != "60" {
		t.Errorf("retry-after = %q", last.Header().Get("Retry-After"))
	}

	// The window slides.
	clk.Advance(61 * time.Second)
	req := httptest.NewRequest("POST", "/v1/notifications", nil)
	req.Header.Set("X-Client-ID", "burst")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("after window: expected 200, got %d", rec.Code)
	}
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health: %d %q", rec.Code, rec.Body.String())
	}
}
