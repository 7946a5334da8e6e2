package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// Header capture limit per response.
const maxCaptureHeaders = 100

// securityHeaderNames are the response headers surfaced separately in crawl
// results for posture analysis.
var securityHeaderNames = []string{
	"strict-transport-security",
	"content-security-policy",
	"x-frame-options",
	"x-content-type-options",
	"referrer-policy",
	"permissions-policy",
	"x-xss-protection",
	"server",
	"x-powered-by",
}

// networkCapture records the status code, headers, and URL of the main
// document response, following redirects to the final one. Safe for use from
// CDP event goroutines.
type networkCapture struct {
	mu         sync.RWMutex
	statusCode int
	headers    map[string]string
	url        string
}

func newNetworkCapture() *networkCapture {
	return &networkCapture{
		statusCode: 200,
		headers:    make(map[string]string),
	}
}

func (nc *networkCapture) setResponse(statusCode int, headers map[string]string, url string) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.statusCode = statusCode
	nc.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		nc.headers[k] = v
	}
	nc.url = url
}

func (nc *networkCapture) StatusCode() int {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.statusCode
}

func (nc *networkCapture) FinalURL() string {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.url
}

// SecurityHeaders returns only the recognized security-relevant headers,
// keyed by their lowercase names.
func (nc *networkCapture) SecurityHeaders() map[string]string {
	nc.mu.RLock()
	defer nc.mu.RUnlock()

	out := make(map[string]string)
	for k, v := range nc.headers {
		lower := strings.ToLower(k)
		for _, name := range securityHeaderNames {
			if lower == name {
				out[lower] = v
				break
			}
		}
	}
	return out
}

// setupNetworkCapture enables the Network domain and listens for document
// responses. The returned cleanup function must be called before the page is
// closed to stop the listener goroutine.
func setupNetworkCapture(ctx context.Context, page *rod.Page) (*networkCapture, func(), error) {
	capture := newNetworkCapture()

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		log.Debug().Err(err).Msg("Failed to enable Network domain, status capture degraded")
		return capture, func() {}, nil
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Timeout waiting for network capture listener cleanup")
			}
			if err := (proto.NetworkDisable{}).Call(page); err != nil {
				log.Debug().Err(err).Msg("Failed to disable Network domain during cleanup")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in network capture listener")
			}
		}()

		waitFn := pageWithCtx.EachEvent(func(e *proto.NetworkResponseReceived) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}

			if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
				return false
			}

			headers := make(map[string]string)
			count := 0
			for key, value := range e.Response.Headers {
				if count >= maxCaptureHeaders {
					break
				}
				headers[key] = value.Str()
				count++
			}

			capture.setResponse(e.Response.Status, headers, e.Response.URL)
			return false
		})
		waitFn()
	}()

	// Let the subscription become active before navigation starts.
	initTimer := time.NewTimer(100 * time.Millisecond)
	defer initTimer.Stop()
	select {
	case <-initTimer.C:
	case <-ctx.Done():
		return capture, cleanup, ctx.Err()
	}

	return capture, cleanup, nil
}
