package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rw := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/telemetry", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rw, req)
		if rw.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rw.Code)
		}
	}

	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/telemetry", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", rw.Code)
	}

	// A different client gets its own window.
	rwOther := httptest.NewRecorder()
	reqOther := httptest.NewRequest(http.MethodPost, "/v1/telemetry", nil)
	reqOther.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rwOther, reqOther)
	if rwOther.Code != http.StatusOK {
		t.Fatalf("expected 200 for second client, got %d", rwOther.Code)
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)
	req := httptest.NewRequest(http.MethodPost, "/v1/telemetry", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	if !rl.allow(clientKey(req)) {
		t.Fatal("first request must pass")
	}
	if rl.allow(clientKey(req)) {
		t.Fatal("second request in the window must be rejected")
	}
	time.Sleep(5 * time.Millisecond)
	if !rl.allow(clientKey(req)) {
		t.Fatal("request after the window must pass")
	}
}
