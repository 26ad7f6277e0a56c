package apperr

import (
	"errors"

	"github.com/labstack/echo/v4"
)

// HTTPError converts err into an echo.HTTPError whose status follows the
// error kind. The body carries the kind so clients can branch on it.
func HTTPError(err error) *echo.HTTPError {
	if err == nil {
		return nil
	}
	body := map[string]interface{}{
		"kind":    KindOf(err),
		"message": err.Error(),
	}
	var e *Error
	if errors.As(err, &e) && len(e.Details) > 0 {
		body["details"] = e.Details
	}
	return echo.NewHTTPError(StatusOf(err), body).SetInternal(err)
}
