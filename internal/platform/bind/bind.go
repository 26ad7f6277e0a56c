// Package bind decodes and validates request bodies for the HTTP handlers.
package bind

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/ehr/bridge/internal/platform/apperr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Body binds the request body into a T and validates its struct tags.
// Failures are reported as validation errors.
func Body[T any](c echo.Context) (T, error) {
	var v T
	if err := c.Bind(&v); err != nil {
		return v, apperr.Wrap(err, apperr.KindValidation, "bind.body", "malformed request body")
	}
	if err := Struct(v); err != nil {
		return v, err
	}
	return v, nil
}

// Struct validates v against its validate tags.
func Struct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(err, apperr.KindValidation, "bind.validate", "invalid request")
	}
	msgs := make([]string, 0, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
		fields = append(fields, fe.Field())
	}
	return apperr.Validation("bind.validate", "%s", strings.Join(msgs, "; ")).
		WithDetail("fields", fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed rule %q", fe.Field(), fe.Tag())
}
