package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/bridge/internal/platform/middleware"
)

func newTestHandler() (*Handler, *Gate, *echo.Echo) {
	g, _, _ := newTestGate()
	return NewHandler(g), g, echo.New()
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_Grant(t *testing.T) {
	h, g, e := newTestHandler()

	body := `{"requester":"A","target":"B","permissions":{"read":true},"ttlHours":2}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/access/grants", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Grant(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var rule Rule
	json.Unmarshal(rec.Body.Bytes(), &rule)
	if !rule.Permissions.Read || rule.ExpiresAt == nil {
		t.Errorf("unexpected rule: %+v", rule)
	}
	if _, ok := g.Rule("A", "B"); !ok {
		t.Error("expected rule stored")
	}
}

func TestHandler_Grant_TenantCallerOwnsTarget(t *testing.T) {
	h, g, e := newTestHandler()

	tests := []struct {
		name   string
		caller string
		body   string
		want   int
	}{
		{"owner grants", "B", `{"requester":"A","target":"B","permissions":{"read":true}}`, http.StatusCreated},
		{"self grant on other store", "A", `{"requester":"A","target":"C","permissions":{"read":true}}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/access/grants", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.Set(string(middleware.RequesterKey), tt.caller)

			code := rec.Code
			if err := h.Grant(c); err != nil {
				code = httpStatus(t, err)
			}
			if code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
	if _, ok := g.Rule("A", "C"); ok {
		t.Error("expected no rule for the rejected self grant")
	}
}

func TestHandler_GrantEmergency_OtherTenant(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/access/emergency", strings.NewReader(`{"requester":"B","hours":1}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set(string(middleware.RequesterKey), "A")

	if code := httpStatus(t, h.GrantEmergency(c)); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestHandler_Grant_UnknownTenant(t *testing.T) {
	h, _, e := newTestHandler()

	body := `{"requester":"A","target":"Z","permissions":{"read":true}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/access/grants", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if code := httpStatus(t, h.Grant(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_Grant_MissingTarget(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/access/grants", strings.NewReader(`{"requester":"A"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if code := httpStatus(t, h.Grant(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Revoke(t *testing.T) {
	h, g, e := newTestHandler()
	g.Grant(context.Background(), "A", "B", Permissions{Read: true}, 0)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("requester", "target")
	c.SetParamValues("A", "B")

	if err := h.Revoke(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("requester", "target")
	c.SetParamValues("A", "B")
	h.Revoke(c)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing rule, got %d", rec.Code)
	}
}

func TestHandler_Check(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/access/check?requester=A&target=Z&operation=read", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Check(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d Decision
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Allowed || d.Reason != ReasonTargetUnknown {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestHandler_GrantEmergency(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/access/emergency", strings.NewReader(`{"requester":"A","hours":6}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GrantEmergency(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Rule `json:"data"`
		Total int    `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Data) != 2 {
		t.Errorf("expected 2 emergency rules, got %d", resp.Total)
	}
}

func TestHandler_ListGrants(t *testing.T) {
	h, g, e := newTestHandler()
	g.Grant(context.Background(), "A", "B", Permissions{Read: true}, 0)
	g.Grant(context.Background(), "B", "C", Permissions{Read: true}, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/access/grants?requester=B", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListGrants(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Errorf("expected 1 rule for B, got %d", resp.Total)
	}
}
