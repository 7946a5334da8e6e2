package types

import (
	"time"

	"github.com/shield4u/crawl-worker/internal/parse"
	"github.com/shield4u/crawl-worker/internal/ratelimit"
)

// WaitCondition selects how long navigation waits before extracting content.
type WaitCondition string

// Wait conditions, coarsest to strictest.
const (
	WaitLoad   WaitCondition = "load"   // window load event (default)
	WaitStable WaitCondition = "stable" // DOM stops mutating
	WaitIdle   WaitCondition = "idle"   // network goes idle
)

// Job is a single crawl/render request, immutable once admitted.
type Job struct {
	ID          string
	URL         string
	Options     RenderOptions
	Deadline    time.Time // absolute; sole cancellation trigger
	SubmittedAt time.Time
}

// RemainingBudget returns the time left until the job deadline.
// Returns zero when the deadline already passed.
func (j *Job) RemainingBudget(now time.Time) time.Duration {
	if !now.Before(j.Deadline) {
		return 0
	}
	return j.Deadline.Sub(now)
}

// RenderOptions controls page navigation and extraction for one job.
type RenderOptions struct {
	Cookies        map[string]string // name -> value, set before navigation
	Headers        map[string]string // extra HTTP headers
	Wait           WaitCondition
	WaitExtra      time.Duration // extra settle time after the wait condition
	ViewportWidth  int
	ViewportHeight int
	DisableMedia   bool // block images, stylesheets, fonts, media
	CollectStorage bool // collect local/session storage keys
	MaxDepth       int  // link-frontier depth hint, echoed to the controller
}

// Outcome classifies how a job terminated. Exactly one Outcome is produced
// per admitted job.
type Outcome string

// Job outcomes.
const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeSessionFailure  Outcome = "session_failure"
	OutcomeNavigationError Outcome = "navigation_error"
	OutcomeRejected        Outcome = "rejected"
)

// Result is the single, immutable outcome record of a job.
type Result struct {
	JobID    string
	Outcome  Outcome
	Error    string      // empty on success
	Page     *PageResult // set only on success
	TimingMs int64
}

// PageResult holds everything extracted from a rendered page.
type PageResult struct {
	Meta            PageMeta          `json:"meta"`
	SecurityHeaders map[string]string `json:"security_headers,omitempty"`
	StorageKeys     StorageKeys       `json:"storage_keys"`
	HTML            string            `json:"html,omitempty"`
	Cookies         []Cookie          `json:"cookies,omitempty"`
	Parsed          *parse.Document   `json:"parsed_data,omitempty"`
	BlockSignal     *ratelimit.Info   `json:"block_signal,omitempty"`
}

// PageMeta describes the navigation itself.
type PageMeta struct {
	URL       string `json:"url"`
	FinalURL  string `json:"final_url"`
	Status    int    `json:"status"`
	Title     string `json:"title,omitempty"`
	Timestamp string `json:"timestamp"` // RFC 3339, UTC
	MaxDepth  int    `json:"max_depth"`
}

// StorageKeys lists browser storage keys observed after render. Values are
// never collected; keys alone are enough for exposure analysis.
type StorageKeys struct {
	LocalStorage   []string `json:"local_storage"`
	SessionStorage []string `json:"session_storage"`
}

// Cookie represents a browser cookie captured after navigation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}
