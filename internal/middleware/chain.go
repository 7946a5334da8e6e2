package middleware

import "net/http"

// Middleware wraps an http.Handler with cross-cutting behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares around a handler, outermost first:
// Chain(Recovery, Logging)(h) runs Recovery, then Logging, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		wrapped := final
		for i := len(middlewares) - 1; i >= 0; i-- {
			wrapped = middlewares[i](wrapped)
		}
		return wrapped
	}
}
