package parser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseHTMLExtractsTitleAndMetaDescription(t *testing.T) {
	body := `<html><head>
		<title> My Page </title>
		<meta name="description" content="a meta description">
		<link rel="canonical" href="https://example.com/canonical#frag">
	</head><body>
		<nav>skip this nav text</nav>
		<p>First real paragraph.</p>
	</body></html>`

	s := New()
	result, err := s.ParseHTML(context.Background(), "https://example.com/page", []byte(body))
	if err != nil {
		t.Fatalf("ParseHTML: %v", err)
	}
	if result.Title != "My Page" {
		t.Errorf("expected trimmed title, got %q", result.Title)
	}
	if result.Description != "a meta description" {
		t.Errorf("expected meta description, got %q", result.Description)
	}
	if strings.Contains(result.Content, "skip this nav text") {
		t.Errorf("expected nav content stripped, got %q", result.Content)
	}
	if !strings.Contains(result.Content, "First real paragraph") {
		t.Errorf("expected paragraph content retained, got %q", result.Content)
	}
	if result.CanonicalURL != "https://example.com/canonical" {
		t.Errorf("expected fragment-stripped canonical, got %q", result.CanonicalURL)
	}
}

func TestParseHTMLFallsBackToFirstParagraphForDescription(t *testing.T) {
	body := `<html><head><title>No Meta</title></head><body>
		<p></p>
		<p>The actual first paragraph with content.</p>
		<p>A second paragraph.</p>
	</body></html>`

	s := New()
	result, err := s.ParseHTML(context.Background(), "https://example.com/page", []byte(body))
	if err != nil {
		t.Fatalf("ParseHTML: %v", err)
	}
	if result.Description != "The actual first paragraph with content." {
		t.Errorf("expected first non-empty paragraph as description, got %q", result.Description)
	}
}

func TestExtractLinksNormalizesHrefs(t *testing.T) {
	body := `<html><body>
		<a href="//other.example.com/a">schema relative</a>
		<a href="http://example.com/b">force https</a>
		<a href="/c">root relative</a>
		<a href="d">path relative</a>
		<a href="#ignored">fragment only</a>
	</body></html>`

	s := New()
	result, err := s.ParseHTML(context.Background(), "https://example.com/base/", []byte(body))
	if err != nil {
		t.Fatalf("ParseHTML: %v", err)
	}

	want := map[string]bool{
		"https://other.example.com/a": false,
		"https://example.com/b":       false,
		"https://example.com/c":       false,
		"https://example.com/base/d":  false,
	}
	for _, l := range result.Links {
		if _, ok := want[l]; ok {
			want[l] = true
		}
	}
	for link, found := range want {
		if !found {
			t.Errorf("expected normalized link %q among %v", link, result.Links)
		}
	}
	for _, l := range result.Links {
		if strings.Contains(l, "#") {
			t.Errorf("expected fragment stripped from link, got %q", l)
		}
	}
}

func TestParseFileReadsPlainTextByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("hello from a markdown file"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := New()
	result, err := s.ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if result.Content != "hello from a markdown file" {
		t.Errorf("expected raw text content, got %q", result.Content)
	}
	if result.Title != "notes.md" {
		t.Errorf("expected basename as title, got %q", result.Title)
	}
}
