// Package shield provides the HTTP middleware of the stitching service:
// request ids with a per-request logger, security headers, CORS, body
// limits, per-client rate limiting and a drain switch for graceful
// shutdown.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(cfg, drain, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds the tunables of the default stack.
type Config struct {
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxBodyBytes   int64         `yaml:"-"`
	RateLimit      int           `yaml:"rate_limit"`  // requests per window per client, 0 disables
	RateWindow     time.Duration `yaml:"rate_window"` // default 1m
}

// DefaultStack returns the middleware chain in application order:
// RequestID, SecurityHeaders, CORS, Drain, RateLimiter, MaxBody. drain may be
// nil.
func DefaultStack(cfg Config, drain *Drain, logger *slog.Logger) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		RequestID(logger),
		SecurityHeaders(DefaultHeaders()),
		CORS(cfg.AllowedOrigins),
	}
	if drain != nil {
		stack = append(stack, drain.Middleware)
	}
	if cfg.RateLimit > 0 {
		stack = append(stack, NewRateLimiter(cfg.RateLimit, cfg.RateWindow, "/v1/health", "/metrics").Middleware)
	}
	if cfg.MaxBodyBytes > 0 {
		stack = append(stack, MaxBody(cfg.MaxBodyBytes))
	}
	return stack
}
