package transfer

import (
	"net/http"

	"github.com/labstack/echo/v4"

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
	api.POST("/transfers", h.Transfer)
	api.POST("/transfers/bulk", h.BulkTransfer)
	api.GET("/patients/:patient_id/locations", h.FindPatient)
	api.GET("/tenants/:tenant/patients/:patient_id", h.GetPatient)
	api.GET("/tenants/:tenant/patients/:patient_id/transfers", h.History)
}

// requesterMayInitiate restricts tenant callers to transfers out of their
// own store. Operator calls carry no requester.
func requesterMayInitiate(c echo.Context, from string) error {
	requester := middleware.RequesterFrom(c)
	if requester == "" || requester == from {
		return nil
	}
	return apperr.PermissionDenied("transfer.initiate", requester, from, "transfer")
}

func (h *Handler) Transfer(c echo.Context) error {
	req, err := bind.Body[Request](c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if err := requesterMayInitiate(c, req.FromHospital); err != nil {
		return apperr.HTTPError(err)
	}

	res, err := h.svc.Transfer(c.Request().Context(), req)
	if err != nil {
		if res != nil && apperr.Is(err, apperr.KindPartialFailure) {
			return c.JSON(http.StatusMultiStatus, map[string]interface{}{
				"result": res,
				"error":  apperr.HTTPError(err).Message,
			})
		}
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) BulkTransfer(c echo.Context) error {
	req, err := bind.Body[BulkRequest](c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if err := requesterMayInitiate(c, req.FromHospital); err != nil {
		return apperr.HTTPError(err)
	}

	res, err := h.svc.BulkTransfer(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	status := http.StatusOK
	if res.Failed > 0 {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, res)
}

func (h *Handler) History(c echo.Context) error {
	if err := h.svc.authorizeRead(c.Request().Context(), middleware.RequesterFrom(c), c.Param("tenant")); err != nil {
		return apperr.HTTPError(err)
	}
	hist, err := h.svc.History(c.Request().Context(), c.Param("tenant"), c.Param("patient_id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, hist)
}

func (h *Handler) GetPatient(c echo.Context) error {
	if err := h.svc.authorizeRead(c.Request().Context(), middleware.RequesterFrom(c), c.Param("tenant")); err != nil {
		return apperr.HTTPError(err)
	}
	p, err := h.svc.Patient(c.Request().Context(), c.Param("tenant"), c.Param("patient_id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) FindPatient(c echo.Context) error {
	res, err := h.svc.FindPatient(c.Request().Context(), middleware.RequesterFrom(c), c.Param("patient_id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
