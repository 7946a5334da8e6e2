// Package urlutil provides URL normalization, scope checking, and structured
// decomposition used across the crawl pipeline.
package urlutil

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// pathKVPattern matches key=value path segments such as /k=v or /m=a,b,c.
var pathKVPattern = regexp.MustCompile(`^([a-zA-Z0-9_\-]+)=([^/]+)$`)

// NormalizeOptions controls URL normalization.
type NormalizeOptions struct {
	RemoveParams  []string // query parameters stripped during normalization
	TrailingSlash bool     // force a trailing slash on the path
}

// Normalize cleans and standardizes a URL: lowercases scheme and host, strips
// default ports, removes tracking parameters, sorts the remaining query, and
// drops the fragment. Equal pages produce equal normalized URLs, which the
// controller relies on for frontier deduplication.
func Normalize(rawURL string, opts NormalizeOptions) (string, error) {
	parts, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	scheme := strings.ToLower(parts.Scheme)
	host := strings.ToLower(parts.Hostname())
	netloc := host
	if port := parts.Port(); port != "" {
		defaultPort := (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
		if !defaultPort {
			netloc = host + ":" + port
		}
	}

	remove := make(map[string]bool, len(opts.RemoveParams))
	for _, p := range opts.RemoveParams {
		remove[p] = true
	}

	query := parts.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		if remove[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// url.Values.Encode sorts by key, but we rebuild explicitly so removed
	// parameters never leak through.
	var encoded strings.Builder
	for _, k := range keys {
		for _, v := range query[k] {
			if encoded.Len() > 0 {
				encoded.WriteByte('&')
			}
			encoded.WriteString(url.QueryEscape(k))
			encoded.WriteByte('=')
			encoded.WriteString(url.QueryEscape(v))
		}
	}

	path := parts.EscapedPath()
	if path == "" {
		path = "/"
	}
	if opts.TrailingSlash && !strings.HasSuffix(path, "/") {
		path += "/"
	} else if !opts.TrailingSlash && path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
	}

	normalized := url.URL{
		Scheme:   scheme,
		Host:     netloc,
		Path:     path,
		RawQuery: encoded.String(),
	}
	return normalized.String(), nil
}

// ScopeOptions controls WithinScope.
type ScopeOptions struct {
	IncludeSubdomains  bool
	PathBlacklist      []string
	ExtensionBlacklist []string
}

// WithinScope reports whether target belongs to the crawl scope anchored at
// base. Out-of-scope targets are never navigated to, only reported as links.
func WithinScope(baseURL, targetURL string, opts ScopeOptions) bool {
	if targetURL == "" {
		return false
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	target, err := url.Parse(targetURL)
	if err != nil {
		return false
	}

	baseHost := strings.ToLower(base.Hostname())
	targetHost := strings.ToLower(target.Hostname())

	if opts.IncludeSubdomains {
		if targetHost != baseHost && !strings.HasSuffix(targetHost, "."+baseHost) {
			return false
		}
	} else {
		if target.Scheme != base.Scheme || targetHost != baseHost || target.Port() != base.Port() {
			return false
		}
	}

	path := target.Path
	if path == "" {
		path = "/"
	}
	for _, blacklisted := range opts.PathBlacklist {
		if strings.Contains(path, blacklisted) {
			return false
		}
	}
	lower := strings.ToLower(path)
	for _, ext := range opts.ExtensionBlacklist {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	return true
}

// Structured is a URL decomposed by component, the shape the controller
// ingests for link analysis.
type Structured struct {
	Full       string              `json:"full"`
	Scheme     string              `json:"scheme"`
	Host       string              `json:"host"`
	Path       string              `json:"path"`
	Query      map[string][]string `json:"query"`
	Fragment   string              `json:"fragment"`
	PathParams map[string]any      `json:"path_params,omitempty"`

	// Normalized and InScope are filled by the executor from the active
	// crawl policy; the parser itself is policy-agnostic.
	Normalized string `json:"normalized,omitempty"`
	InScope    bool   `json:"in_scope"`
}

// Structure resolves rawURL against base and breaks it into components.
// Key=value path segments (e.g. /k=v/m=a,b,c) are extracted into PathParams,
// with comma-separated values split into lists.
func Structure(baseURL, rawURL string) (Structured, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return Structured{}, fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return Structured{}, fmt.Errorf("parse url: %w", err)
	}
	abs := base.ResolveReference(ref)

	path := abs.Path
	if path == "" {
		path = "/"
	}

	var pathParams map[string]any
	for _, seg := range strings.Split(path, "/") {
		m := pathKVPattern.FindStringSubmatch(seg)
		if m == nil {
			continue
		}
		if pathParams == nil {
			pathParams = make(map[string]any)
		}
		if strings.Contains(m[2], ",") {
			pathParams[m[1]] = strings.Split(m[2], ",")
		} else {
			pathParams[m[1]] = m[2]
		}
	}

	return Structured{
		Full:       abs.String(),
		Scheme:     abs.Scheme,
		Host:       strings.ToLower(abs.Hostname()),
		Path:       path,
		Query:      abs.Query(),
		Fragment:   abs.Fragment,
		PathParams: pathParams,
	}, nil
}

// StructureList resolves and decomposes a list of URLs, dropping duplicates
// while preserving first-seen order. URLs that fail to parse are skipped.
func StructureList(baseURL string, urls []string) []Structured {
	seen := make(map[string]bool, len(urls))
	out := make([]Structured, 0, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		s, err := Structure(baseURL, u)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Resolve makes rawURL absolute against base. Returns rawURL unchanged when
// either side fails to parse.
func Resolve(baseURL, rawURL string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return rawURL
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return base.ResolveReference(ref).String()
}
