package shield

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/hazyhaar/scrollstitch/kit"
)

// Drain rejects state-changing requests with 503 once shutdown begins,
// while reads and in-flight completions carry on. Excluded path prefixes
// always pass.
type Drain struct {
	active  atomic.Bool
	exclude []string
}

// NewDrain returns an inactive drain switch.
func NewDrain(excludePrefixes ...string) *Drain {
	return &Drain{exclude: excludePrefixes}
}

// Start turns draining on. It is idempotent.
func (d *Drain) Start() { d.active.Store(true) }

// Active reports whether the service is draining.
func (d *Drain) Active() bool { return d.active.Load() }

// Middleware enforces the drain.
func (d *Drain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.active.Load() || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range d.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		kit.Logger(r.Context()).Info("drain: request refused")
		w.Header().Set("Retry-After", "30")
		writeJSONError(w, http.StatusServiceUnavailable, "service is shutting down")
	})
}
