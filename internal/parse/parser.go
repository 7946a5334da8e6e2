// Package parse extracts structured analysis data from rendered HTML.
// It produces the DOM summary, technology fingerprints, login-panel signals,
// and OSINT exposure sections of a crawl result.
package parse

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/shield4u/crawl-worker/internal/urlutil"
)

// visibleTextSampleLen bounds the text sample included in results.
const visibleTextSampleLen = 500

var (
	textLeakPattern   = regexp.MustCompile(`(?i)(API_KEY[\s=:]+[\w-]+|DEBUG\s*=\s*True|Exception:|Warning:)`)
	versionPattern    = regexp.MustCompile(`[?&](ver|v)=(\d+\.[\d.]+)`)
	emailPattern      = regexp.MustCompile(`[\w.-]+@[\w.-]+\.[A-Za-z]{2,}`)
	loginKeywordRe    = regexp.MustCompile(`(?i)(Login|Admin|Sign In|Dashboard)`)
	openDirectoryRe   = regexp.MustCompile(`Index of /`)
	loginPathPatterns = []string{"/admin", "/login", "/signin", "/manager", "/wp-login.php"}
	cloudPatterns     = []string{"s3.amazonaws.com", "storage.googleapis.com", "blob.core.windows.net"}
	socialPatterns    = []string{"twitter.com/", "facebook.com/", "linkedin.com/", "instagram.com/"}
)

// Document is the full parse output for one page.
type Document struct {
	DOM          DOMSummary   `json:"dom"`
	Fingerprints Fingerprints `json:"fingerprints"`
	PanelLogin   PanelLogin   `json:"panel_login_signals"`
	OSINT        OSINT        `json:"osint_exposure"`
}

// DOMSummary collects structural page information.
type DOMSummary struct {
	Title             string               `json:"title"`
	Meta              []MetaTag            `json:"meta"`
	Scripts           []string             `json:"scripts"`
	Stylesheets       []string             `json:"links"`
	VisibleLinks      []string             `json:"visible_links"`
	Forms             []Form               `json:"forms"`
	CommentsOrLeaks   []string             `json:"comments_or_text_leaks"`
	VisibleTextSample string               `json:"visible_text_sample"`
	LinkTargets       []urlutil.Structured `json:"link_targets,omitempty"`
}

// MetaTag is one <meta> element.
type MetaTag struct {
	Name     string `json:"name,omitempty"`
	Property string `json:"property,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Form is one <form> element with its named inputs.
type Form struct {
	Action string   `json:"action"`
	Method string   `json:"method"`
	Inputs []string `json:"inputs"`
}

// Fingerprints holds detected web technology hints.
type Fingerprints struct {
	CMS     []string `json:"cms"`
	Plugins []string `json:"plugins"`
	Tech    []string `json:"tech"`
}

// PanelLogin holds clues pointing at admin or login surfaces.
type PanelLogin struct {
	CandidateURLs []string `json:"candidate_urls"`
	KeywordsFound []string `json:"keywords_found"`
}

// OSINT holds exposed personal or infrastructure information.
type OSINT struct {
	Emails        []string `json:"emails"`
	CloudLinks    []string `json:"cloud_links"`
	SocialLinks   []string `json:"social_links"`
	OpenDirectory []string `json:"open_directory"`
}

// Parse analyzes rendered HTML against its base URL. The base URL anchors
// relative link resolution; it should be the final URL after redirects.
// Parse never fails on malformed markup: x/net/html repairs what it can.
func Parse(baseURL, pageHTML string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, err
	}

	c := &collector{baseURL: baseURL}
	c.walk(root)

	doc := &Document{}
	doc.DOM = c.domSummary()
	doc.Fingerprints = c.fingerprints(pageHTML)
	doc.PanelLogin = c.panelLogin(doc.DOM)
	doc.OSINT = c.osint(doc.DOM)
	return doc, nil
}

// collector accumulates raw observations during a single tree walk.
type collector struct {
	baseURL string

	title        string
	meta         []MetaTag
	scripts      []string
	stylesheets  []string
	visibleLinks []string
	forms        []Form
	comments     []string
	textParts    []string
	generator    string
	openDirHit   bool
	headings     []string
}

func (c *collector) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		c.element(n)
	case html.TextNode:
		if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
			c.textParts = append(c.textParts, trimmed)
		}
	case html.CommentNode:
		if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
			c.comments = append(c.comments, trimmed)
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		// Script and style bodies are code, not visible text.
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			continue
		}
		c.walk(child)
	}
}

func (c *collector) element(n *html.Node) {
	switch n.Data {
	case "title":
		if c.title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
			c.title = strings.TrimSpace(n.FirstChild.Data)
		}
	case "meta":
		tag := MetaTag{
			Name:     attr(n, "name"),
			Property: attr(n, "property"),
			Content:  attr(n, "content"),
		}
		c.meta = append(c.meta, tag)
		if strings.EqualFold(tag.Name, "generator") && tag.Content != "" {
			c.generator = tag.Content
		}
	case "script":
		if src := attr(n, "src"); src != "" {
			c.scripts = append(c.scripts, urlutil.Resolve(c.baseURL, src))
		}
	case "link":
		if href := attr(n, "href"); href != "" {
			c.stylesheets = append(c.stylesheets, urlutil.Resolve(c.baseURL, href))
		}
	case "a":
		if href := attr(n, "href"); href != "" {
			c.visibleLinks = append(c.visibleLinks, urlutil.Resolve(c.baseURL, href))
		}
		if openDirectoryRe.MatchString(textContent(n)) {
			c.openDirHit = true
		}
	case "form":
		form := Form{
			Action: urlutil.Resolve(c.baseURL, attr(n, "action")),
			Method: strings.ToUpper(attrDefault(n, "method", "GET")),
		}
		collectInputs(n, &form.Inputs)
		c.forms = append(c.forms, form)
	case "h1", "h2", "h3":
		if text := strings.TrimSpace(textContent(n)); text != "" {
			c.headings = append(c.headings, text)
		}
	}
}

func (c *collector) domSummary() DOMSummary {
	text := strings.Join(c.textParts, " ")
	sample := text
	if len(sample) > visibleTextSampleLen {
		sample = sample[:visibleTextSampleLen] + "..."
	}

	leaks := dedupe(append(append([]string{}, c.comments...), textLeakPattern.FindAllString(text, -1)...))

	return DOMSummary{
		Title:             c.title,
		Meta:              c.meta,
		Scripts:           c.scripts,
		Stylesheets:       c.stylesheets,
		VisibleLinks:      dedupe(c.visibleLinks),
		Forms:             c.forms,
		CommentsOrLeaks:   leaks,
		VisibleTextSample: sample,
		LinkTargets:       urlutil.StructureList(c.baseURL, c.visibleLinks),
	}
}

func (c *collector) fingerprints(pageHTML string) Fingerprints {
	fp := Fingerprints{CMS: []string{}, Plugins: []string{}, Tech: []string{}}

	if c.generator != "" {
		fp.CMS = append(fp.CMS, c.generator)
	}
	if strings.Contains(pageHTML, "/wp-content/") || strings.Contains(pageHTML, "/wp-includes/") {
		fp.CMS = append(fp.CMS, "WordPress")
	}

	for _, u := range append(append([]string{}, c.scripts...), c.stylesheets...) {
		m := versionPattern.FindStringSubmatch(u)
		if m == nil {
			continue
		}
		base := u
		if idx := strings.Index(base, "?"); idx >= 0 {
			base = base[:idx]
		}
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		fp.Plugins = append(fp.Plugins, base+" (v"+m[2]+")")
	}

	if strings.Contains(pageHTML, "jquery.js") || strings.Contains(pageHTML, "jQuery") {
		fp.Tech = append(fp.Tech, "jQuery")
	}
	for _, link := range c.visibleLinks {
		if strings.Contains(link, ".php?id=") {
			fp.Tech = append(fp.Tech, "PHP?")
			break
		}
	}
	return fp
}

func (c *collector) panelLogin(dom DOMSummary) PanelLogin {
	signals := PanelLogin{CandidateURLs: []string{}, KeywordsFound: []string{}}

	for _, link := range dom.VisibleLinks {
		for _, pattern := range loginPathPatterns {
			if strings.Contains(link, pattern) {
				signals.CandidateURLs = append(signals.CandidateURLs, link)
				break
			}
		}
	}
	signals.CandidateURLs = dedupe(signals.CandidateURLs)

	searchText := dom.Title + " " + strings.Join(c.headings, " ")
	signals.KeywordsFound = loginKeywordRe.FindAllString(searchText, -1)
	if signals.KeywordsFound == nil {
		signals.KeywordsFound = []string{}
	}
	return signals
}

func (c *collector) osint(dom DOMSummary) OSINT {
	exposure := OSINT{Emails: []string{}, CloudLinks: []string{}, SocialLinks: []string{}, OpenDirectory: []string{}}

	text := strings.Join(c.textParts, " ")
	exposure.Emails = dedupeSorted(emailPattern.FindAllString(text, -1))

	for _, link := range dom.VisibleLinks {
		for _, p := range cloudPatterns {
			if strings.Contains(link, p) {
				exposure.CloudLinks = append(exposure.CloudLinks, link)
				break
			}
		}
		for _, p := range socialPatterns {
			if strings.Contains(link, p) {
				exposure.SocialLinks = append(exposure.SocialLinks, link)
				break
			}
		}
	}

	if c.openDirHit {
		exposure.OpenDirectory = append(exposure.OpenDirectory, c.baseURL)
	}
	return exposure
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func attrDefault(n *html.Node, key, def string) string {
	if v := attr(n, key); v != "" {
		return v
	}
	return def
}

func collectInputs(n *html.Node, out *[]string) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == "input" {
			if name := attr(child, "name"); name != "" {
				*out = append(*out, name)
			}
		}
		collectInputs(child, out)
	}
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return sb.String()
}

// dedupe removes duplicates preserving first-seen order.
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// dedupeSorted removes duplicates and sorts, for fields where stable output
// matters more than document order.
func dedupeSorted(in []string) []string {
	out := dedupe(in)
	sort.Strings(out)
	return out
}
