package middleware

import (
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/bridge/internal/platform/apperr"
)

const maxHeaderValueSize = 8192

// serverSideJS matches store operators that execute JavaScript on the
// tenant's database. Only query parameter values are checked here; request
// bodies are validated by store.ValidateFilter and store.ValidatePipeline.
var serverSideJS = regexp.MustCompile(`\$(where|function|accumulator)\b`)

// Sanitize rejects requests with path traversal, null bytes, header
// injection or server-side JavaScript operators in query parameters.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			reject := func(reason string) error {
				logger.Warn().
					Str("path", req.URL.Path).
					Str("remote_ip", c.RealIP()).
					Str("reason", reason).
					Msg("request rejected")
				return apperr.HTTPError(apperr.Validation("http.sanitize", "%s", reason))
			}

			rawPath := req.URL.RawPath
			if rawPath == "" {
				rawPath = req.URL.Path
			}
			for _, p := range []string{req.URL.Path, rawPath} {
				if containsPathTraversal(p) {
					return reject("path traversal detected")
				}
				if containsNullByte(p) {
					return reject("null byte in path")
				}
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return reject("header value exceeds maximum size: " + name)
					}
					if strings.ContainsAny(v, "\r\n") {
						return reject("header injection detected: " + name)
					}
				}
			}

			for key, values := range req.URL.Query() {
				for _, v := range values {
					if containsNullByte(key) || containsNullByte(v) {
						return reject("null byte in query parameter")
					}
					if serverSideJS.MatchString(v) {
						return reject("server-side JavaScript operators are not allowed")
					}
				}
			}

			return next(c)
		}
	}
}

func containsPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}
