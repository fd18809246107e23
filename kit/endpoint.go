// Package kit holds the transport-neutral glue shared by the HTTP and MCP
// surfaces: context keys, the Endpoint shape, and its middleware.
package kit

import (
	"context"
	"time"
)

// Endpoint is one operation, independent of the transport that invoked it.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Logging logs every call of the named operation with its duration, using
// the request-scoped logger when there is one.
func Logging(op string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			l := Logger(ctx).With("op", op, "transport", GetTransport(ctx), "duration", time.Since(start))
			if sid := GetSessionID(ctx); sid != "" {
				l = l.With("session_id", sid)
			}
			if err != nil {
				l.Warn("kit: call failed", "error", err)
			} else {
				l.Debug("kit: call")
			}
			return resp, err
		}
	}
}
