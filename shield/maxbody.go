package shield

import "net/http"

// MaxBody caps every request body at maxBytes. Frames arrive base64 encoded
// inside JSON, so callers size this at roughly 4/3 of the frame limit.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
