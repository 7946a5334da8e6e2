// Package middleware provides the HTTP middleware wrapped around the worker
// API: panic recovery, request logging, API key checks, and a request
// timeout matched to the job deadline.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Recovery converts a handler panic into a 500 JSON response. A panicking
// job request must never take down the worker process; the pool and the
// other in-flight jobs are unaffected.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("stack", string(debug.Stack())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Recovered panic in request handler")

				writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", startTime)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
