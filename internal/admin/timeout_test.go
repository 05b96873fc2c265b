package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWithRequestTimeout_PassesThroughFastHandler(t *testing.T) {
	handler := WithRequestTimeout(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}), time.Second)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected body %q, got %q", "ok", rec.Body.String())
	}
	if rec.Header().Get("X-Test") != "yes" {
		t.Error("expected handler's header to be preserved")
	}
}

func TestWithRequestTimeout_ReturnsGatewayTimeoutWhenHandlerIsSlow(t *testing.T) {
	unblock := make(chan struct{})
	handler := WithRequestTimeout(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-unblock
		w.WriteHeader(http.StatusOK)
	}), 20*time.Millisecond)
	defer close(unblock)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
}
