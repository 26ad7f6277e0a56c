package reconcile

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/bridge/internal/domain/access"
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/bind"
	"github.com/ehr/bridge/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sync", h.Sync)
	api.GET("/sync/status", h.Status)
}

func (h *Handler) Sync(c echo.Context) error {
	req, err := bind.Body[SyncRequest](c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	ctx := c.Request().Context()
	requester := middleware.RequesterFrom(c)
	// Sync reads the other tenant's documents and writes into it.
	if err := h.svc.AuthorizePair(ctx, requester, req.TenantA, req.TenantB, access.OpRead, access.OpWrite); err != nil {
		return apperr.HTTPError(err)
	}
	if req.Actor == "" {
		req.Actor = requester
	}

	if req.Collection == "" {
		results, err := h.svc.SyncAll(ctx, req.TenantA, req.TenantB, req.Actor)
		return respond(c, map[string]interface{}{"data": results, "total": len(results)}, results != nil, err)
	}
	res, err := h.svc.Sync(ctx, req)
	return respond(c, res, res != nil, err)
}

// respond writes 207 with the body when a partial failure still produced a
// result.
func respond(c echo.Context, body interface{}, hasResult bool, err error) error {
	if err == nil {
		return c.JSON(http.StatusOK, body)
	}
	if hasResult && apperr.Is(err, apperr.KindPartialFailure) {
		return c.JSON(http.StatusMultiStatus, map[string]interface{}{
			"result": body,
			"error":  err.Error(),
		})
	}
	return apperr.HTTPError(err)
}

func (h *Handler) Status(c echo.Context) error {
	a, b := c.QueryParam("tenantA"), c.QueryParam("tenantB")
	if err := h.svc.AuthorizePair(c.Request().Context(), middleware.RequesterFrom(c), a, b, access.OpRead); err != nil {
		return apperr.HTTPError(err)
	}
	collection := c.QueryParam("collection")
	if collection == "" {
		collection = "patients"
	}
	res, err := h.svc.CheckSyncStatus(c.Request().Context(), a, b, collection)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
