package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
)

func TestRequestID_Generated(t *testing.T) {
	var fromContext string
	handler := RequestID(okHandler(t, func(r *http.Request) {
		fromContext = contextkeys.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/modules", nil))

	echoed := rec.Header().Get(RequestIDHeader)
	if echoed == "" {
		t.Fatal("Expected a generated request id on the response")
	}
	if fromContext != echoed {
		t.Errorf("Context id %q should match the echoed header %q", fromContext, echoed)
	}
}

func TestRequestID_HonorsCallerID(t *testing.T) {
	var fromContext string
	handler := RequestID(okHandler(t, func(r *http.Request) {
		fromContext = contextkeys.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/modules", nil)
	req.Header.Set(RequestIDHeader, "caller-supplied")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if fromContext != "caller-supplied" {
		t.Errorf("Expected caller-supplied id, got %q", fromContext)
	}
	if rec.Header().Get(RequestIDHeader) != "caller-supplied" {
		t.Errorf("Expected caller id echoed, got %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestAccessLog_PreservesStatus(t *testing.T) {
	handler := AccessLog(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/modules", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("Expected 418 to pass through, got %d", rec.Code)
	}
}
