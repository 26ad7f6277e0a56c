package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/query/patients", nil), rec)

	called := false
	if err := SecurityHeaders()(func(c echo.Context) error {
		called = true
		return nil
	})(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to run")
	}

	for _, kv := range securityHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("header %s: got %q, want %q", kv[0], got, kv[1])
		}
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("patient data responses must not be cached")
	}
}
