// Package ratelimit provides blocking-signal detection for responses from
// target sites. The controller uses the detected category and suggested delay
// to decide whether to reschedule the page on another worker or back off.
package ratelimit

import (
	"regexp"
	"strings"
)

// maxBodyLenForRegex limits the body size for regex matching to prevent ReDoS
// attacks. 100KB is sufficient for detecting blocking messages.
const maxBodyLenForRegex = 100 * 1024

// ErrorCategory represents the broad category of a detected blocking signal.
type ErrorCategory string

// Error categories.
const (
	CategoryRateLimit    ErrorCategory = "rate_limit"
	CategoryAccessDenied ErrorCategory = "access_denied"
	CategoryCaptcha      ErrorCategory = "captcha"
	CategoryGeoBlocked   ErrorCategory = "geo_blocked"
)

// ErrorPattern defines a detection pattern and its metadata.
type ErrorPattern struct {
	Pattern     *regexp.Regexp
	ErrorCode   string
	Category    ErrorCategory
	BaseDelayMs int
	Description string
}

// Info contains detected blocking information. It is embedded in crawl
// results so the zero value must marshal cleanly.
type Info struct {
	Detected       bool          `json:"detected"`
	ErrorCode      string        `json:"error_code,omitempty"`
	Category       ErrorCategory `json:"category,omitempty"`
	SuggestedDelay int           `json:"suggested_delay_ms,omitempty"`
	Description    string        `json:"description,omitempty"`
}

// patterns contains all detection patterns, ordered by specificity.
// Patterns use [^<]{0,N} instead of .{0,N} to prevent backtracking on HTML
// content and reduce ReDoS exposure while still matching across element
// boundaries.
var patterns = []ErrorPattern{
	{
		Pattern:     regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1015`),
		ErrorCode:   "CF_1015",
		Category:    CategoryRateLimit,
		BaseDelayMs: 60000,
		Description: "Cloudflare rate limit exceeded",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1020`),
		ErrorCode:   "CF_1020",
		Category:    CategoryAccessDenied,
		BaseDelayMs: 30000,
		Description: "Cloudflare access denied - suspicious request",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1009`),
		ErrorCode:   "CF_1009",
		Category:    CategoryGeoBlocked,
		BaseDelayMs: 0, // No retry will help
		Description: "Cloudflare geo-restriction",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)access\s{1,5}denied`),
		ErrorCode:   "ACCESS_DENIED",
		Category:    CategoryAccessDenied,
		BaseDelayMs: 5000,
		Description: "Generic access denied",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)rate\s{0,3}limit`),
		ErrorCode:   "RATE_LIMITED",
		Category:    CategoryRateLimit,
		BaseDelayMs: 10000,
		Description: "Generic rate limit",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)too\s{1,5}many\s{1,5}requests`),
		ErrorCode:   "TOO_MANY_REQUESTS",
		Category:    CategoryRateLimit,
		BaseDelayMs: 10000,
		Description: "Too many requests",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)you\s{1,5}(have\s{1,5}been\s{1,5})?blocked`),
		ErrorCode:   "BLOCKED",
		Category:    CategoryAccessDenied,
		BaseDelayMs: 15000,
		Description: "Request blocked",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)(captcha|hcaptcha|recaptcha|challenge-platform)`),
		ErrorCode:   "CAPTCHA_REQUIRED",
		Category:    CategoryCaptcha,
		BaseDelayMs: 0, // Manual intervention needed
		Description: "CAPTCHA or challenge required",
	},
}

// Detect analyzes the HTTP status code and rendered body for blocking
// indicators. Body is truncated to maxBodyLenForRegex before matching.
func Detect(statusCode int, body string) Info {
	info := Info{}

	if len(body) > maxBodyLenForRegex {
		body = body[:maxBodyLenForRegex]
	}

	switch statusCode {
	case 429:
		info = Info{
			Detected:       true,
			ErrorCode:      "HTTP_429",
			Category:       CategoryRateLimit,
			SuggestedDelay: 60000,
			Description:    "HTTP 429 Too Many Requests",
		}
	case 503:
		info = Info{
			Detected:       true,
			ErrorCode:      "HTTP_503",
			Category:       CategoryRateLimit,
			SuggestedDelay: 30000,
			Description:    "HTTP 503 Service Unavailable",
		}
	}

	// Body patterns may override status detection with more specific info.
	for _, pattern := range patterns {
		if pattern.Pattern.MatchString(body) {
			info = Info{
				Detected:       true,
				ErrorCode:      pattern.ErrorCode,
				Category:       pattern.Category,
				SuggestedDelay: pattern.BaseDelayMs,
				Description:    pattern.Description,
			}
			break
		}
	}

	if statusCode == 403 && !info.Detected {
		if strings.Contains(strings.ToLower(body), "cloudflare") {
			info = Info{
				Detected:       true,
				ErrorCode:      "CF_403",
				Category:       CategoryAccessDenied,
				SuggestedDelay: 30000,
				Description:    "Cloudflare 403 Forbidden",
			}
		}
	}

	return info
}
