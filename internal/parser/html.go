// Package parser turns a fetched HTML page or file into the structured
// fields (title, description, content, links, canonical URL) the crawl
// pipeline indexes, generalizing the teacher's goquery-based link
// extraction into a full content parse.
package parser

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/avenoir-dev/spyglass/internal/fetcher"
)

// DefaultDescriptionWords bounds the content-derived description fallback,
// mirroring the original implementation's DEFAULT_DESC_LENGTH.
const DefaultDescriptionWords = 256

// strippedSelectors lists elements (and ARIA roles) whose text never
// contributes to Content, grounded on original_source's scraper/mod.rs
// ignore_list and role_key checks.
var strippedSelectors = []string{
	"script", "noscript", "style",
	"head", "sup",
	"header", "footer", "nav",
	"label", "textarea", "form", "button", "input", "select",
	"[role=navigation]", "[role=contentinfo]", "[role=button]",
}

// Service parses fetched bodies. It has no state and is safe to share
// across goroutines.
type Service struct{}

// New builds a Service.
func New() *Service { return &Service{} }

// ParseHTML extracts title/description/content/links/canonical from an
// HTML page fetched from finalURL. Satisfies fetcher.Parser.
func (s *Service) ParseHTML(ctx context.Context, finalURL string, body []byte) (fetcher.ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fetcher.ParseResult{}, err
	}

	meta := extractMeta(doc)
	title := strings.TrimSpace(doc.Find("title").First().Text())

	stripped := doc.Clone()
	stripped.Find(strings.Join(strippedSelectors, ", ")).Remove()
	content := collapseWhitespace(stripped.Find("body").Text())
	if content == "" {
		content = collapseWhitespace(stripped.Text())
	}

	description := meta["description"]
	if description == "" {
		description = meta["og:description"]
	}
	if description == "" {
		description = firstParagraph(stripped)
	}
	if description == "" && content != "" {
		description = truncateWords(content, DefaultDescriptionWords)
	}

	links := extractLinks(doc, finalURL)
	canonical := extractCanonical(doc)

	return fetcher.ParseResult{
		Title:        title,
		Description:  description,
		Content:      content,
		Links:        links,
		CanonicalURL: canonical,
		Meta:         meta,
	}, nil
}

func extractMeta(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)
	doc.Find("head meta").Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		if name, ok := s.Attr("name"); ok {
			meta[name] = content
			return
		}
		if property, ok := s.Attr("property"); ok {
			meta[property] = content
		}
	})
	return meta
}

func extractCanonical(doc *goquery.Document) string {
	href, ok := doc.Find(`head link[rel="canonical"]`).First().Attr("href")
	if !ok {
		return ""
	}
	return stripFragment(href)
}

func firstParagraph(sel *goquery.Selection) string {
	var found string
	sel.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		text := collapseWhitespace(p.Text())
		if text == "" {
			return true
		}
		found = text
		return false
	})
	return found
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
