// Package requestid tags every request with an ID for log correlation.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"visitorid/pkg/requestcontext"
)

const Header = "X-Request-ID"

// Middleware reuses the caller's X-Request-ID when present and echoes the
// ID on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), id)))
	})
}
