// Package shield provides the HTTP middleware stack for the hookmark
// API: security headers, per-endpoint rate limiting, body limits,
// request tracing, maintenance mode, and HEAD method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(1 << 20))
//	r.Use(shield.TraceID)
//	r.Use(shield.NewRateLimiter(db).Middleware)
//
// Or apply the default stack in one call:
//
//	stack, mm := shield.DefaultStack(db, done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack for the hookmark
// API service, ordered: Maintenance, HeadToGet, SecurityHeaders,
// MaxBody, TraceID, RateLimiter. Rule and flag reloaders run until done
// closes. Health checks (/healthz) bypass maintenance and rate limits.
func DefaultStack(db *sql.DB, done <-chan struct{}) ([]func(http.Handler) http.Handler, *MaintenanceMode) {
	rl := NewRateLimiter(db, "/healthz")
	mm := NewMaintenanceMode(db, "/healthz")
	rl.StartReloader(done)
	mm.StartReloader(done)
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		TraceID,
		rl.Middleware,
	}, mm
}
