package parse

import (
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
<title>Acme Corp - Admin Dashboard</title>
<meta name="generator" content="WordPress 6.4.2">
<meta name="description" content="Internal portal">
<script src="/wp-content/plugins/contact-form/form.js?ver=5.8.1"></script>
<link rel="stylesheet" href="/assets/main.css">
</head>
<body>
<!-- TODO remove before prod: API_KEY= abc123 -->
<h1>Login</h1>
<a href="/wp-login.php">Sign in</a>
<a href="https://twitter.com/acmecorp">Twitter</a>
<a href="https://acme-backups.s3.amazonaws.com/dump.sql">backup</a>
<a href="/products.php?id=42">Products</a>
<form action="/wp-login.php" method="post">
  <input name="log" type="text">
  <input name="pwd" type="password">
</form>
<p>Contact us at support@acme.example or sales@acme.example.</p>
<p>Contact us at support@acme.example</p>
</body>
</html>`

func TestParseDOMSummary(t *testing.T) {
	doc, err := Parse("https://acme.example/", samplePage)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if doc.DOM.Title != "Acme Corp - Admin Dashboard" {
		t.Errorf("Title = %q, want %q", doc.DOM.Title, "Acme Corp - Admin Dashboard")
	}
	if len(doc.DOM.Scripts) != 1 || !strings.Contains(doc.DOM.Scripts[0], "form.js") {
		t.Errorf("Scripts = %v, want single form.js entry", doc.DOM.Scripts)
	}
	if len(doc.DOM.Forms) != 1 {
		t.Fatalf("len(Forms) = %d, want 1", len(doc.DOM.Forms))
	}
	form := doc.DOM.Forms[0]
	if form.Method != "POST" {
		t.Errorf("form Method = %q, want POST", form.Method)
	}
	if len(form.Inputs) != 2 || form.Inputs[0] != "log" || form.Inputs[1] != "pwd" {
		t.Errorf("form Inputs = %v, want [log pwd]", form.Inputs)
	}
	if doc.DOM.VisibleTextSample == "" {
		t.Error("VisibleTextSample is empty")
	}
}

func TestParseFingerprints(t *testing.T) {
	doc, err := Parse("https://acme.example/", samplePage)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !contains(doc.Fingerprints.CMS, "WordPress 6.4.2") {
		t.Errorf("CMS = %v, missing generator value", doc.Fingerprints.CMS)
	}
	if !contains(doc.Fingerprints.CMS, "WordPress") {
		t.Errorf("CMS = %v, missing wp-content detection", doc.Fingerprints.CMS)
	}
	if len(doc.Fingerprints.Plugins) != 1 || doc.Fingerprints.Plugins[0] != "form.js (v5.8.1)" {
		t.Errorf("Plugins = %v, want [form.js (v5.8.1)]", doc.Fingerprints.Plugins)
	}
	if !contains(doc.Fingerprints.Tech, "PHP?") {
		t.Errorf("Tech = %v, missing PHP hint", doc.Fingerprints.Tech)
	}
}

func TestParsePanelLoginSignals(t *testing.T) {
	doc, err := Parse("https://acme.example/", samplePage)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	found := false
	for _, u := range doc.PanelLogin.CandidateURLs {
		if strings.Contains(u, "/wp-login.php") {
			found = true
		}
	}
	if !found {
		t.Errorf("CandidateURLs = %v, missing wp-login.php", doc.PanelLogin.CandidateURLs)
	}
	if len(doc.PanelLogin.KeywordsFound) == 0 {
		t.Error("KeywordsFound is empty, title and headings carry Admin/Login keywords")
	}
}

func TestParseOSINTExposure(t *testing.T) {
	doc, err := Parse("https://acme.example/", samplePage)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(doc.OSINT.Emails) != 2 {
		t.Errorf("Emails = %v, want 2 deduplicated addresses", doc.OSINT.Emails)
	}
	if len(doc.OSINT.CloudLinks) != 1 || !strings.Contains(doc.OSINT.CloudLinks[0], "s3.amazonaws.com") {
		t.Errorf("CloudLinks = %v, want single S3 link", doc.OSINT.CloudLinks)
	}
	if len(doc.OSINT.SocialLinks) != 1 {
		t.Errorf("SocialLinks = %v, want single twitter link", doc.OSINT.SocialLinks)
	}
}

func TestParseTextLeaks(t *testing.T) {
	doc, err := Parse("https://acme.example/", samplePage)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	found := false
	for _, leak := range doc.DOM.CommentsOrLeaks {
		if strings.Contains(leak, "API_KEY") {
			found = true
		}
	}
	if !found {
		t.Errorf("CommentsOrLeaks = %v, missing API_KEY comment", doc.DOM.CommentsOrLeaks)
	}
}

func TestParseOpenDirectory(t *testing.T) {
	page := `<html><head><title>Index of /backups</title></head>
<body><h1>Index of /backups</h1><a href="dump.sql">Index of / listing</a></body></html>`
	doc, err := Parse("https://acme.example/backups/", page)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(doc.OSINT.OpenDirectory) != 1 {
		t.Errorf("OpenDirectory = %v, want base URL recorded once", doc.OSINT.OpenDirectory)
	}
}

func TestParseMalformedHTML(t *testing.T) {
	doc, err := Parse("https://acme.example/", "<html><body><p>unclosed<a href='/x'>link")
	if err != nil {
		t.Fatalf("Parse() error = %v on malformed input", err)
	}
	if len(doc.DOM.VisibleLinks) != 1 {
		t.Errorf("VisibleLinks = %v, want recovered link", doc.DOM.VisibleLinks)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
