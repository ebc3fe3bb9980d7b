package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/collateral_vault/internal/logging"
)

func TestRateLimiterPerCaller(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour, 2, logging.NewDiscard())
	handler := rl.Handler(okHandler())

	call := func(user string) int {
		req := httptest.NewRequest("POST", "/v1/vaults/x/deposit", nil)
		if user != "" {
			req = req.WithContext(logging.WithUserID(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("alice"); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := call("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	if code := call("bob"); code != http.StatusOK {
		t.Fatalf("other callers must not be throttled, got %d", code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, time.Second, 1, logging.NewDiscard())
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	rl.getLimiter("a")
	now = now.Add(time.Minute)
	rl.getLimiter("b")

	if removed := rl.Cleanup(30 * time.Second); removed != 1 {
		t.Fatalf("removed %d limiters, want 1", removed)
	}
	if _, ok := rl.limiters["b"]; !ok {
		t.Fatal("recent limiter was dropped")
	}
}

func TestTracingMiddlewarePropagatesTraceID(t *testing.T) {
	var seen string
	handler := NewTracingMiddleware(logging.NewDiscard()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set(TraceHeader, "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get(TraceHeader) != "abc" {
		t.Fatalf("trace id not propagated: ctx=%q header=%q", seen, rec.Header().Get(TraceHeader))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Header().Get(TraceHeader) == "" {
		t.Fatal("expected generated trace id")
	}
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(MetricsMiddleware())
	r.HandleFunc("/v1/vaults/{owner}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/vaults/NX1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}
