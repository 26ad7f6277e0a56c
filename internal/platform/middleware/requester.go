package middleware

import (
	"context"
	"crypto/subtle"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/ehr/bridge/internal/platform/apperr"
)

type contextKey string

// RequesterKey holds the calling tenant id in the echo and request contexts.
const RequesterKey contextKey = "requester_tenant"

const (
	RequesterHeader     = "X-Tenant-ID"
	OperatorTokenHeader = "X-Operator-Token"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Requester resolves the caller. A request naming a tenant in the X-Tenant-ID
// header or the tenant_id query parameter runs as that tenant; unknown
// tenants are rejected. A request without a tenant runs as the operator only
// when it presents operatorToken in X-Operator-Token. Anything else is
// refused with 401, and an empty operatorToken disables operator access.
func Requester(exists func(tenantID string) bool, operatorToken string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractRequester(c)
			if tenantID != "" {
				if !tenantIDPattern.MatchString(tenantID) {
					return apperr.HTTPError(apperr.Validation("middleware.requester", "invalid tenant identifier"))
				}
				if !exists(tenantID) {
					return apperr.HTTPError(apperr.TenantNotFound("middleware.requester", tenantID))
				}
			} else if !operatorAllowed(c.Request().Header.Get(OperatorTokenHeader), operatorToken) {
				return apperr.HTTPError(apperr.New(apperr.KindUnauthenticated, "middleware.requester",
					"request must name a tenant or carry a valid operator token"))
			}

			ctx := context.WithValue(c.Request().Context(), RequesterKey, tenantID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(string(RequesterKey), tenantID)
			return next(c)
		}
	}
}

func operatorAllowed(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

func extractRequester(c echo.Context) string {
	if tid := c.Request().Header.Get(RequesterHeader); tid != "" {
		return tid
	}
	return c.QueryParam("tenant_id")
}

// RequesterFrom returns the calling tenant, or "" for operator requests.
func RequesterFrom(c echo.Context) string {
	tid, _ := c.Get(string(RequesterKey)).(string)
	return tid
}

// RequesterFromContext returns the calling tenant stored in ctx.
func RequesterFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(RequesterKey).(string)
	return tid
}
