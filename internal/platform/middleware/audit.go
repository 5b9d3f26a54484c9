package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carebill/carebill/internal/platform/auth"
)

// AuditEntry captures who touched which billing document, when, and how.
// Financial documents are append-only; the audit trail records the actors
// behind each mutation.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	Action     string // read, create, update, search
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. Tests supply mock implementations;
// the default sink is the structured log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// auditedResources maps the first path segment under /api/v1 to the audited
// document type.
var auditedResources = map[string]string{
	"invoices":     "Invoice",
	"payments":     "Payment",
	"credit-notes": "CreditNote",
	"claims":       "InsuranceClaim",
}

// Audit returns middleware that records access to billing documents. If no
// AuditRecorder is provided it falls back to structured zerolog logging.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			resource := resourceFromPath(req.URL.Path)
			if resource == "" {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			rid, _ := c.Get("request_id").(string)
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Resource:   resource,
				Action:     actionFromMethod(req.Method, req.URL.Path),
				IPAddress:  c.RealIP(),
				Path:       req.URL.Path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				RequestID:  rid,
				StatusCode: c.Response().Status,
			}

			if len(recorders) > 0 {
				for _, r := range recorders {
					if rerr := r.RecordAccess(entry); rerr != nil {
						logger.Error().Err(rerr).
							Str("request_id", entry.RequestID).
							Msg("audit recorder failed")
					}
				}
			} else {
				logger.Info().
					Str("request_id", entry.RequestID).
					Str("user_id", entry.UserID).
					Str("resource", entry.Resource).
					Str("action", entry.Action).
					Str("path", entry.Path).
					Int("status", entry.StatusCode).
					Msg("audit")
			}

			return err
		}
	}
}

func resourceFromPath(path string) string {
	const prefix = "/api/v1/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	seg := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	return auditedResources[seg]
}

func actionFromMethod(method, path string) string {
	switch method {
	case http.MethodGet:
		// A collection read is a search, a document read is a read.
		if strings.Count(strings.Trim(path, "/"), "/") <= 2 {
			return "search"
		}
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	default:
		return strings.ToLower(method)
	}
}
