package parser

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractLinks pulls every <a href> from doc and normalizes it against
// baseURL per spec §4.4's link normalization rules, generalizing the
// teacher's extractLinks (internal/scraper/crawler.go).
func extractLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		normalized := normalizeHref(base, href)
		if normalized == "" {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links
}

func normalizeHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}

	switch {
	case strings.HasPrefix(href, "//"):
		u, err := url.Parse("https:" + href)
		if err != nil {
			return ""
		}
		return stripFragment(u.String())

	case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
		u, err := url.Parse(href)
		if err != nil {
			return ""
		}
		u.Scheme = "https"
		return stripFragment(u.String())

	default:
		u, err := url.Parse(href)
		if err != nil {
			return ""
		}
		return stripFragment(base.ResolveReference(u).String())
	}
}

func stripFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	return u.String()
}
