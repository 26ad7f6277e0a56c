package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func knownTenants(ids ...string) func(string) bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func TestRequester(t *testing.T) {
	const token = "s3cret-operator"
	tests := []struct {
		name     string
		header   string
		query    string
		operator string
		want     string
		wantCode int
	}{
		{name: "operator", operator: token, want: ""},
		{name: "no identity", wantCode: http.StatusUnauthorized},
		{name: "wrong operator token", operator: "guess", wantCode: http.StatusUnauthorized},
		{name: "tenant with token stays tenant", header: "A", operator: token, want: "A"},
		{name: "header", header: "A", want: "A"},
		{name: "query", query: "B", want: "B"},
		{name: "header wins", header: "A", query: "B", want: "A"},
		{name: "unknown", header: "Z", wantCode: http.StatusNotFound},
		{name: "malformed", header: "A;drop", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/v1/query/patients"
			if tt.query != "" {
				target += "?tenant_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(RequesterHeader, tt.header)
			}
			if tt.operator != "" {
				req.Header.Set(OperatorTokenHeader, tt.operator)
			}
			c := echo.New().NewContext(req, httptest.NewRecorder())

			var got, fromCtx string
			err := Requester(knownTenants("A", "B"), token)(func(c echo.Context) error {
				got = RequesterFrom(c)
				fromCtx = RequesterFromContext(c.Request().Context())
				return nil
			})(c)

			if tt.wantCode != 0 {
				var he *echo.HTTPError
				if !errors.As(err, &he) || he.Code != tt.wantCode {
					t.Fatalf("expected %d, got %v", tt.wantCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want || fromCtx != tt.want {
				t.Errorf("expected requester %q, got %q / %q", tt.want, got, fromCtx)
			}
		})
	}
}

func TestRequester_OperatorDisabledWithoutToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/query/patients", nil)
	req.Header.Set(OperatorTokenHeader, "anything")
	c := echo.New().NewContext(req, httptest.NewRecorder())

	called := false
	err := Requester(knownTenants("A"), "")(func(echo.Context) error {
		called = true
		return nil
	})(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if called {
		t.Error("handler must not run without an operator token configured")
	}
}
