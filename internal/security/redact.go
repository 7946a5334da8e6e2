// Package security provides request hardening for crawl jobs: SSRF
// validation of target URLs and masking of sensitive values before
// anything reaches logs or the controller.
package security

import (
	"net/url"
	"strings"

	"github.com/shield4u/crawl-worker/internal/policy"
)

// Redactor masks sensitive values according to the active crawl policy.
type Redactor struct {
	policies *policy.Manager
}

// NewRedactor creates a Redactor backed by the given policy manager.
func NewRedactor(policies *policy.Manager) *Redactor {
	return &Redactor{policies: policies}
}

// URL returns rawURL with credentials and sensitive query parameter values
// replaced. Unparseable input is redacted wholesale.
func (r *Redactor) URL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User(policy.MaskReplacement)
	}

	if parsed.RawQuery != "" {
		parsed.RawQuery = r.maskQuery(parsed.Query()).Encode()
	}

	return parsed.String()
}

// Headers returns a copy of headers with sensitive values masked.
// Key casing is preserved.
func (r *Redactor) Headers(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}

	re := r.policies.Get().MaskRegexp()
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		if re.MatchString(key) {
			out[key] = policy.MaskReplacement
		} else {
			out[key] = value
		}
	}
	return out
}

// CookieNames returns only the names of the given cookies. Cookie values
// never leave the worker in logs or reports.
func (r *Redactor) CookieNames(cookies map[string]string) []string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	return names
}

func (r *Redactor) maskQuery(params url.Values) url.Values {
	re := r.policies.Get().MaskRegexp()
	masked := make(url.Values, len(params))
	for key, values := range params {
		if re.MatchString(key) {
			masked[key] = []string{policy.MaskReplacement}
		} else {
			masked[key] = values
		}
	}
	return masked
}

// SanitizeCookieDomain clamps a requested cookie domain to the target host
// when it does not legitimately cover it. Prevents jobs from planting
// cookies on unrelated or overly broad domains.
func SanitizeCookieDomain(domain, targetHost string) string {
	if domain == "" {
		return targetHost
	}

	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	targetHost = strings.ToLower(targetHost)

	if domain == targetHost {
		return domain
	}

	if strings.HasSuffix(targetHost, "."+domain) {
		// Refuse single-label domains such as bare TLDs.
		if strings.Count(domain, ".") < 1 {
			return targetHost
		}
		return domain
	}

	return targetHost
}
