// Package policy defines the crawl policy applied to every job: path and
// extension blacklists, tracking parameters stripped during URL
// normalization, and the secret-masking rules used before anything is
// logged or reported. Defaults are compiled in; an external YAML file can
// override individual sections at runtime.
package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Default masking pattern applied to query parameter names and header keys.
const defaultMaskPattern = `(?i)\b(api[-_]?key|secret|token|bearer|password|session|authorization)\b`

// MaskReplacement substitutes matched sensitive values.
const MaskReplacement = "[REDACTED]"

// Policy is the effective crawl policy. All slices use yaml tags so an
// external override file can replace individual sections.
type Policy struct {
	// PathBlacklist lists URL path substrings that must never be visited.
	PathBlacklist []string `yaml:"path_blacklist"`

	// DestructivePaths lists path tokens that imply state mutation on the
	// target. They are checked in addition to PathBlacklist.
	DestructivePaths []string `yaml:"destructive_paths"`

	// ExtensionBlacklist lists file extensions excluded from crawling.
	ExtensionBlacklist []string `yaml:"extension_blacklist"`

	// AllowedContentTypes lists response content types worth parsing.
	AllowedContentTypes []string `yaml:"allowed_content_types"`

	// ParamsToRemove lists query parameters stripped during normalization.
	ParamsToRemove []string `yaml:"params_to_remove"`

	// MaskPattern matches sensitive parameter and header names.
	MaskPattern string `yaml:"mask_pattern"`

	maskRe *regexp.Regexp
}

// Default returns the compiled-in policy.
func Default() *Policy {
	p := &Policy{
		PathBlacklist: []string{
			"/logout", "/signout", "/sign-out", "/log-out",
			"/delete", "/remove", "/destroy",
			"/unsubscribe", "/deactivate",
		},
		DestructivePaths: []string{
			"delete", "remove", "destroy", "drop", "truncate",
			"purge", "reset", "logout",
		},
		ExtensionBlacklist: []string{
			".jpg", ".jpeg", ".png", ".gif", ".svg", ".ico", ".webp",
			".css", ".woff", ".woff2", ".ttf", ".eot",
			".mp4", ".mp3", ".avi", ".mov", ".webm",
			".zip", ".tar", ".gz", ".rar", ".7z",
			".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
			".exe", ".dmg", ".iso",
		},
		AllowedContentTypes: []string{
			"text/html", "application/xhtml+xml",
		},
		ParamsToRemove: []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"gclid", "fbclid", "msclkid",
			"PHPSESSID", "JSESSIONID", "jsessionid", "sid", "sessionid",
			"ref", "referrer",
		},
		MaskPattern: defaultMaskPattern,
	}
	// The default pattern is a constant; compilation cannot fail.
	p.maskRe = regexp.MustCompile(p.MaskPattern)
	return p
}

// Validate checks the policy is usable and compiles the mask pattern.
func (p *Policy) Validate() error {
	if len(p.PathBlacklist) == 0 && len(p.DestructivePaths) == 0 {
		return fmt.Errorf("policy must blacklist at least one path or destructive token")
	}
	if p.MaskPattern == "" {
		p.MaskPattern = defaultMaskPattern
	}
	re, err := regexp.Compile(p.MaskPattern)
	if err != nil {
		return fmt.Errorf("invalid mask_pattern: %w", err)
	}
	p.maskRe = re
	return nil
}

// CheckTarget reports whether the policy permits navigating to rawURL.
// Blacklisted paths, destructive path segments, and blacklisted extensions
// all reject the target before any browser resource is spent on it.
func (p *Policy) CheckTarget(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("unparseable url: %w", err)
	}
	path := strings.ToLower(parsed.Path)
	if path == "" {
		path = "/"
	}

	for _, blacklisted := range p.PathBlacklist {
		if strings.Contains(path, blacklisted) {
			return fmt.Errorf("path matches blacklist entry %q", blacklisted)
		}
	}
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		for _, token := range p.DestructivePaths {
			if seg == token {
				return fmt.Errorf("path segment %q is destructive", seg)
			}
		}
	}
	for _, ext := range p.ExtensionBlacklist {
		if strings.HasSuffix(path, ext) {
			return fmt.Errorf("extension %q is not crawlable", ext)
		}
	}
	return nil
}

// MaskRegexp returns the compiled sensitive-name matcher.
func (p *Policy) MaskRegexp() *regexp.Regexp {
	if p.maskRe == nil {
		p.maskRe = regexp.MustCompile(defaultMaskPattern)
	}
	return p.maskRe
}
