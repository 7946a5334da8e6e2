package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Request validation limits.
const (
	MaxURLLength         = 8192
	MaxJobIDLength       = 128
	MaxTimeoutMs         = 600000 // 10 minutes in milliseconds
	MaxCookies           = 100
	MaxCookieNameLength  = 256
	MaxCookieValueLength = 4096
	MaxHeaders           = 50
	MaxHeaderNameLength  = 256
	MaxHeaderValueLength = 8192
	MaxWaitExtraSeconds  = 60
	MaxDepthLimit        = 10
	MaxViewportDimension = 7680
)

// CrawlRequest is an inbound job description from the controller.
// Field names follow the controller wire schema (target_url, cookies,
// max_depth) with rendering options layered on top.
type CrawlRequest struct {
	TargetURL        string            `json:"target_url"`
	JobID            string            `json:"job_id,omitempty"` // generated when absent
	Cookies          map[string]string `json:"cookies,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	MaxDepth         int               `json:"max_depth,omitempty"`
	MaxTimeoutMs     int               `json:"max_timeout_ms,omitempty"` // capped by REQUEST_TIMEOUT
	Wait             string            `json:"wait,omitempty"`           // load | stable | idle
	WaitExtraSeconds int               `json:"wait_extra_seconds,omitempty"`
	DisableMedia     bool              `json:"disable_media,omitempty"`
	CollectStorage   bool              `json:"collect_storage,omitempty"`
	ReturnHTML       bool              `json:"return_html,omitempty"`
	Viewport         *Viewport         `json:"viewport,omitempty"`
}

// Viewport sets the render window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Validate validates the request and returns an error if invalid.
func (r *CrawlRequest) Validate() error {
	if r.TargetURL == "" {
		return ErrURLRequired
	}
	if len(r.TargetURL) > MaxURLLength {
		return fmt.Errorf("target_url exceeds maximum length of %d", MaxURLLength)
	}
	u, err := url.Parse(r.TargetURL)
	if err != nil {
		return fmt.Errorf("invalid target_url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("target_url scheme must be http or https, got: %s", scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("target_url has no host")
	}

	if len(r.JobID) > MaxJobIDLength {
		return fmt.Errorf("job_id exceeds maximum length of %d", MaxJobIDLength)
	}

	if r.MaxTimeoutMs < 0 {
		return fmt.Errorf("max_timeout_ms cannot be negative")
	}
	if r.MaxTimeoutMs > MaxTimeoutMs {
		return fmt.Errorf("max_timeout_ms exceeds maximum of %d ms", MaxTimeoutMs)
	}

	if len(r.Cookies) > MaxCookies {
		return fmt.Errorf("too many cookies (maximum %d)", MaxCookies)
	}
	for name, value := range r.Cookies {
		if name == "" {
			return fmt.Errorf("cookie name is required")
		}
		if len(name) > MaxCookieNameLength {
			return fmt.Errorf("cookie name exceeds maximum length of %d", MaxCookieNameLength)
		}
		if len(value) > MaxCookieValueLength {
			return fmt.Errorf("cookie %q: value exceeds maximum length of %d", name, MaxCookieValueLength)
		}
	}

	if len(r.Headers) > MaxHeaders {
		return fmt.Errorf("too many headers (maximum %d)", MaxHeaders)
	}
	for name, value := range r.Headers {
		if len(name) > MaxHeaderNameLength {
			return fmt.Errorf("header name exceeds maximum length of %d", MaxHeaderNameLength)
		}
		if len(value) > MaxHeaderValueLength {
			return fmt.Errorf("header value exceeds maximum length of %d", MaxHeaderValueLength)
		}
	}

	switch WaitCondition(r.Wait) {
	case "", WaitLoad, WaitStable, WaitIdle:
	default:
		return fmt.Errorf("wait must be one of load, stable, idle; got %q", r.Wait)
	}

	if r.WaitExtraSeconds < 0 {
		return fmt.Errorf("wait_extra_seconds cannot be negative")
	}
	if r.WaitExtraSeconds > MaxWaitExtraSeconds {
		return fmt.Errorf("wait_extra_seconds exceeds maximum of %d", MaxWaitExtraSeconds)
	}

	if r.MaxDepth < 0 {
		return fmt.Errorf("max_depth cannot be negative")
	}
	if r.MaxDepth > MaxDepthLimit {
		return fmt.Errorf("max_depth exceeds maximum of %d", MaxDepthLimit)
	}

	if r.Viewport != nil {
		if r.Viewport.Width <= 0 || r.Viewport.Height <= 0 {
			return fmt.Errorf("viewport dimensions must be positive")
		}
		if r.Viewport.Width > MaxViewportDimension || r.Viewport.Height > MaxViewportDimension {
			return fmt.Errorf("viewport dimensions exceed maximum of %d", MaxViewportDimension)
		}
	}

	return nil
}

// CrawlResponse is the wire form of a job Result.
type CrawlResponse struct {
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	JobID     string      `json:"job_id,omitempty"`
	Outcome   Outcome     `json:"outcome,omitempty"`
	StartTime int64       `json:"startTimestamp"`
	EndTime   int64       `json:"endTimestamp"`
	Version   string      `json:"version"`
	Result    *PageResult `json:"result,omitempty"`
}

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"` // ok | unhealthy
	Reason  string `json:"reason,omitempty"`
	Version string `json:"version"`
}

// StatusResponse is the body of GET /status, consumed by workerctl.
type StatusResponse struct {
	Version       string      `json:"version"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Healthy       bool        `json:"healthy"`
	HealthReason  string      `json:"health_reason,omitempty"`
	Pool          PoolStatus  `json:"pool"`
	Queue         QueueStatus `json:"queue"`
}

// PoolStatus is a point-in-time snapshot of the session pool.
type PoolStatus struct {
	MaxSessions int   `json:"max_sessions"`
	Idle        int   `json:"idle"`
	Busy        int   `json:"busy"`
	Degraded    int   `json:"degraded"`
	Created     int64 `json:"created_total"`
	Recycled    int64 `json:"recycled_total"`
	Destroyed   int64 `json:"destroyed_total"`
	LaunchFails int64 `json:"launch_failures_total"`
}

// QueueStatus is a point-in-time snapshot of the dispatcher.
type QueueStatus struct {
	MaxInFlight int   `json:"max_in_flight"`
	InFlight    int   `json:"in_flight"`
	Admitted    int64 `json:"admitted_total"`
	Rejected    int64 `json:"rejected_total"`
	Completed   int64 `json:"completed_total"`
}
