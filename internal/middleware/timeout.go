package middleware

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// timeoutWriter wraps http.ResponseWriter to prevent writes after timeout.
// Once timedOut is set, all writes are discarded to prevent panics and
// races with the timeout response.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	timedOut    atomic.Bool
	wroteHeader bool
}

// Write implements http.ResponseWriter. Discards writes after timeout.
func (tw *timeoutWriter) Write(b []byte) (int, error) {
	if tw.timedOut.Load() {
		return len(b), nil
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	// Double-check under lock (timedOut may have changed).
	if tw.timedOut.Load() {
		return len(b), nil
	}
	return tw.ResponseWriter.Write(b)
}

// WriteHeader implements http.ResponseWriter. Discards after timeout.
func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

// Header implements http.ResponseWriter. After timeout it returns a throwaway
// header map since the real response has already been written.
func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return make(http.Header)
	}
	return tw.ResponseWriter.Header()
}

// markTimedOut marks the writer as timed out, preventing further writes.
func (tw *timeoutWriter) markTimedOut() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut.Store(true)
}

// Flush implements http.Flusher. Discards flush after timeout.
func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return
	}
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// hasWrittenHeader returns true if WriteHeader was called before timeout.
func (tw *timeoutWriter) hasWrittenHeader() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.wroteHeader
}

// Timeout returns middleware that adds a timeout to the request context.
// When the timeout fires before the handler completes, a 504 Gateway
// Timeout is sent. The handler goroutine is not killed; it keeps running
// with its writes silently discarded, so handlers should watch ctx.Done()
// for cooperative cancellation.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}

			done := make(chan struct{})
			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				// Handler may have exited without writing because the
				// context fired; still owe the client a response.
				if ctx.Err() == context.DeadlineExceeded && !tw.hasWrittenHeader() {
					writeErrorResponse(tw, http.StatusGatewayTimeout, "Request timeout", startTime)
					tw.markTimedOut()
				}
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded && !tw.hasWrittenHeader() {
					writeErrorResponse(tw, http.StatusGatewayTimeout, "Request timeout", startTime)
				}
				tw.markTimedOut()
			}
		})
	}
}
