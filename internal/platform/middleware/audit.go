package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/auth"
)

// AuditEntry describes one access to record or grant routes.
type AuditEntry struct {
	AccountID  string
	Role       string
	RecordID   string
	GrantID    string
	Action     string
	Route      string
	Method     string
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

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits a structured "record_access" log line for every request that
// touches records or grants, after the handler has run. An optional recorder
// receives the same entry.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if !isAuditableRoute(route) {
				return next(c)
			}

			err := next(c)

			req := c.Request()
			entry := AuditEntry{
				Route:      route,
				Method:     req.Method,
				Action:     auditAction(req.Method, route),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Timestamp:  time.Now().UTC(),
			}
			if err != nil && entry.StatusCode < http.StatusBadRequest {
				// The error handler has not written the response yet.
				entry.StatusCode = 0
			}
			if p, ok := auth.PrincipalFromContext(req.Context()); ok {
				entry.AccountID = p.AccountID.String()
				entry.Role = string(p.Role)
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			id := c.Param("id")
			if _, perr := uuid.Parse(id); perr == nil {
				if strings.HasPrefix(route, "/api/v1/grants/") {
					entry.GrantID = id
				} else {
					entry.RecordID = id
				}
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("account_id", entry.AccountID).
				Str("role", entry.Role).
				Str("record_id", entry.RecordID).
				Str("grant_id", entry.GrantID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Bool("failed", err != nil).
				Msg("record_access")

			return err
		}
	}
}

func isAuditableRoute(route string) bool {
	return strings.HasPrefix(route, "/api/v1/records") || strings.HasPrefix(route, "/api/v1/grants")
}

// auditAction names what the request did to the record.
func auditAction(method, route string) string {
	switch {
	case strings.HasSuffix(route, "/download"):
		return "download"
	case strings.HasSuffix(route, "/url"):
		return "public_url"
	case strings.HasSuffix(route, "/grants") || strings.HasPrefix(route, "/api/v1/grants"):
		switch method {
		case http.MethodPost:
			return "grant"
		case http.MethodDelete:
			return "revoke"
		default:
			return "list_grants"
		}
	}
	switch method {
	case http.MethodPost:
		return "upload"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
