package federation

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/bind"
	"github.com/ehr/bridge/internal/platform/middleware"
	"github.com/ehr/bridge/internal/platform/store"
	"github.com/ehr/bridge/pkg/pagination"
)

type Handler struct {
	router *Router
}

func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/query/:collection", h.QueryAll)
	api.GET("/tenants/:tenant/query/:collection", h.QueryOne)
	api.POST("/aggregate/:collection", h.Aggregate)
	api.GET("/locate/:collection", h.Locate)
	api.GET("/count/:collection", h.Count)
}

// AggregateRequest is the body of POST /aggregate/:collection.
type AggregateRequest struct {
	Pipeline []map[string]interface{} `json:"pipeline" validate:"required,min=1"`
}

var reservedParams = map[string]bool{
	"limit": true, "skip": true, "offset": true,
	"sort": true, "filter": true, "tenant_id": true,
}

func collectionParam(c echo.Context) (string, error) {
	coll := c.Param("collection")
	for _, known := range store.Collections {
		if coll == known {
			return coll, nil
		}
	}
	return "", apperr.Validation("federation.collection", "unknown collection %q", coll).
		WithDetail("collections", store.Collections)
}

// filterFromQuery builds a filter from the JSON "filter" parameter plus any
// non-reserved query parameter, which is matched by equality.
func filterFromQuery(c echo.Context) (store.Filter, error) {
	f := store.Filter{}
	if raw := c.QueryParam("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, apperr.Wrap(err, apperr.KindValidation, "federation.filter", "filter must be a JSON object")
		}
	}
	for key, values := range c.QueryParams() {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			f[key] = values[0]
			continue
		}
		in := make([]interface{}, len(values))
		for i, v := range values {
			in[i] = v
		}
		f[key] = map[string]interface{}{"$in": in}
	}
	return f, nil
}

// sortFromQuery parses "sort=-last_name,first_name".
func sortFromQuery(c echo.Context) []store.SortField {
	raw := c.QueryParam("sort")
	if raw == "" {
		return nil
	}
	var out []store.SortField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			out = append(out, store.SortField{Field: part[1:], Descending: true})
			continue
		}
		out = append(out, store.SortField{Field: strings.TrimPrefix(part, "+")})
	}
	return out
}

func queryOptions(c echo.Context) QueryOptions {
	p := pagination.FromContext(c)
	return QueryOptions{Limit: int64(p.Limit), Skip: int64(p.Offset), Sort: sortFromQuery(c)}
}

func (h *Handler) QueryAll(c echo.Context) error {
	coll, err := collectionParam(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	res, err := h.router.QueryAll(c.Request().Context(), middleware.RequesterFrom(c), coll, filter, queryOptions(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) QueryOne(c echo.Context) error {
	coll, err := collectionParam(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	p := pagination.FromContext(c)
	opts := QueryOptions{Limit: int64(p.Limit), Skip: int64(p.Offset), Sort: sortFromQuery(c)}
	res, err := h.router.QueryOne(c.Request().Context(), middleware.RequesterFrom(c), c.Param("tenant"), coll, filter, opts)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(res.Documents, int(res.Matched), p, c.Request().URL))
}

func (h *Handler) Aggregate(c echo.Context) error {
	coll, err := collectionParam(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	req, err := bind.Body[AggregateRequest](c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	pipeline := make([]store.Document, len(req.Pipeline))
	for i, stage := range req.Pipeline {
		pipeline[i] = store.Document(stage)
	}
	res, err := h.router.Aggregate(c.Request().Context(), middleware.RequesterFrom(c), coll, pipeline)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Locate(c echo.Context) error {
	coll, err := collectionParam(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if len(filter) == 0 {
		return apperr.HTTPError(apperr.Validation("federation.locate", "at least one filter field is required"))
	}
	res, err := h.router.Locate(c.Request().Context(), middleware.RequesterFrom(c), coll, filter)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Count(c echo.Context) error {
	coll, err := collectionParam(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	res, err := h.router.CountAll(c.Request().Context(), middleware.RequesterFrom(c), coll, filter)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
