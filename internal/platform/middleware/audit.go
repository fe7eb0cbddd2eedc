package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/platform/auth"
)

// AuditEntry describes one state-changing request.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Method     string
	Route      string
	Path       string
	Params     map[string]string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// Audit logs every non-GET request with who made it and its outcome, and
// forwards the entry to recorders.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)
			params := make(map[string]string, len(c.ParamNames()))
			for _, name := range c.ParamNames() {
				params[name] = c.Param(name)
			}

			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Method:     req.Method,
				Route:      c.Path(),
				Path:       req.URL.Path,
				Params:     params,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				RequestID:  rid,
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}

			logger.Info().
				Str("audit", "access").
				Str("user_id", entry.UserID).
				Strs("roles", entry.UserRoles).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Interface("params", entry.Params).
				Str("ip", entry.IPAddress).
				Str("request_id", entry.RequestID).
				Int("status", entry.StatusCode).
				Msg("audit")

			for _, r := range recorders {
				if rerr := r.RecordAccess(entry); rerr != nil {
					logger.Error().Err(rerr).Str("request_id", rid).Msg("audit recorder failed")
				}
			}
			return err
		}
	}
}
