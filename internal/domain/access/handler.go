package access

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/bind"
	"github.com/ehr/bridge/internal/platform/middleware"
)

type Handler struct {
	gate *Gate
}

func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/access")
	g.GET("/grants", h.ListGrants)
	g.POST("/grants", h.Grant)
	g.DELETE("/grants/:requester/:target", h.Revoke)
	g.GET("/check", h.Check)
	g.POST("/emergency", h.GrantEmergency)
}

func (h *Handler) ListGrants(c echo.Context) error {
	rules := h.gate.Rules(c.QueryParam("requester"))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  rules,
		"total": len(rules),
	})
}

func (h *Handler) Grant(c echo.Context) error {
	req, err := bind.Body[GrantRequest](c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if err := ownsTarget(c, "access.grant", req.Target); err != nil {
		return apperr.HTTPError(err)
	}
	ttl := time.Duration(req.TTLHours * float64(time.Hour))
	rule, err := h.gate.Grant(c.Request().Context(), req.Requester, req.Target, req.Permissions, ttl)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, rule)
}

func (h *Handler) Revoke(c echo.Context) error {
	if err := ownsTarget(c, "access.revoke", c.Param("target")); err != nil {
		return apperr.HTTPError(err)
	}
	removed := h.gate.Revoke(c.Request().Context(), c.Param("requester"), c.Param("target"))
	if !removed {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// Check answers whether requester may perform operation on target, using
// Validate so unknown tenants are distinguishable from denials.
func (h *Handler) Check(c echo.Context) error {
	requester := c.QueryParam("requester")
	target := c.QueryParam("target")
	if requester == "" || target == "" {
		return apperr.HTTPError(apperr.Validation("access.check", "requester and target are required"))
	}
	op := Operation(c.QueryParam("operation"))
	if op == "" {
		op = OpRead
	}
	d := h.gate.Validate(c.Request().Context(), requester, target, op)
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GrantEmergency(c echo.Context) error {
	req, err := bind.Body[EmergencyRequest](c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if caller := middleware.RequesterFrom(c); caller != "" && caller != req.Requester {
		return apperr.HTTPError(apperr.PermissionDenied("access.grant_emergency", caller, req.Requester, "emergency"))
	}
	rules, err := h.gate.GrantEmergency(c.Request().Context(), req.Requester, req.Hours)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"data":  rules,
		"total": len(rules),
	})
}

// ownsTarget lets tenant callers manage only the rules that open their own
// store. Operator calls pass.
func ownsTarget(c echo.Context, op, target string) error {
	caller := middleware.RequesterFrom(c)
	if caller == "" || caller == target {
		return nil
	}
	return apperr.PermissionDenied(op, caller, target, "grant")
}
