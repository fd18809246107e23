package shield

import (
	"log/slog"
	"net/http"

	"github.com/hazyhaar/scrollstitch/horosafe"
	"github.com/hazyhaar/scrollstitch/idgen"
	"github.com/hazyhaar/scrollstitch/kit"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

var newRequestID = idgen.Prefixed("req_", idgen.UUIDv7())

// RequestID assigns each request an id (reusing a well-formed incoming
// X-Request-ID), echoes it in the response and stores it in the context with
// a logger carrying request_id, method and path. Retrieve the logger with
// kit.Logger.
func RequestID(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if horosafe.ValidateIdentifier(id) != nil {
				id = newRequestID()
			}
			w.Header().Set(RequestIDHeader, id)

			logger := base.With("request_id", id, "method", r.Method, "path", r.URL.Path)
			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithLogger(ctx, logger)
			logger.Debug("request", "remote_addr", r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
