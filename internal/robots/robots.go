// Package robots parses robots.txt grammar into persisted ResourceRule rows
// and evaluates crawl requests against them, refetching on a staleness
// window rather than every request.
package robots

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
)

// BotAgentName is the User-Agent token this crawler matches against
// robots.txt groups, in addition to the wildcard "*" group.
const BotAgentName = "spyglass"

// StaleAfter bounds how long a domain's cached rules are trusted before a
// refetch is attempted (spec §9 Open Question, decided: 24h).
const StaleAfter = 24 * time.Hour

// Fetcher is the subset of internal/fetcher's interface robots.txt needs:
// a single GET with the crawler's normal redirect/timeout policy.
type Fetcher interface {
	FetchRaw(ctx context.Context, url string) (statusCode int, body []byte, err error)
}

// ruleToRegex mirrors the original grammar (rule_to_regex): '*' becomes
// ".*", '^' anchors the match end, everything else is escaped literally. An
// unanchored pattern gets a trailing ".*" so "/foo" matches "/foo/bar".
func ruleToRegex(rule string) (string, bool) {
	if rule == "" {
		return "", false
	}

	var b strings.Builder
	hasEnd := false
	for _, ch := range rule {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '^':
			b.WriteByte('$')
			hasEnd = true
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	if !hasEnd {
		b.WriteString(".*")
	}
	return b.String(), true
}

// Parse reads a robots.txt body and returns the ResourceRule rows that apply
// to BotAgentName or the wildcard user-agent, grounded on original_source's
// crawler/robots.rs::parse.
func Parse(domain string, body []byte) []model.ResourceRule {
	var rules []model.ResourceRule
	// applies: the current record names BotAgentName or "*"; inAgents: still
	// inside the record's run of consecutive user-agent lines.
	var applies, inAgents bool

	for _, rawLine := range strings.Split(string(body), "\n") {
		line := strings.TrimSpace(rawLine)
		prefix, rest, hasColon := strings.Cut(line, ":")
		if !hasColon {
			continue
		}
		prefix = strings.TrimSpace(prefix)
		rest = strings.TrimSpace(rest)
		lowerPrefix := strings.ToLower(prefix)

		if strings.HasPrefix(lowerPrefix, "user-agent") {
			matches := rest == "*" || strings.EqualFold(rest, BotAgentName)
			applies = matches || (inAgents && applies)
			inAgents = true
			continue
		}
		inAgents = false

		if !applies {
			continue
		}

		switch {
		case strings.HasPrefix(lowerPrefix, "sitemap"):
			continue
		case strings.HasPrefix(lowerPrefix, "allow"), strings.HasPrefix(lowerPrefix, "disallow"):
			isAllow := strings.HasPrefix(lowerPrefix, "allow")
			regex, ok := ruleToRegex(rest)
			if ok {
				rules = append(rules, model.ResourceRule{Domain: domain, Regex: regex, AllowCrawl: isAllow})
			} else if !isAllow {
				// An empty Disallow value means "allow everything".
				allowAll, _ := ruleToRegex("/")
				rules = append(rules, model.ResourceRule{Domain: domain, Regex: allowAll, AllowCrawl: true})
			}
		}
	}

	return rules
}

// Auditor evaluates crawl requests against persisted ResourceRule rows,
// refetching robots.txt through Fetcher when the cached rules are stale.
type Auditor struct {
	store   store.Store
	fetcher Fetcher

	mu    sync.Mutex
	regex map[string]compiledRules // domain -> compiled allow/disallow sets
}

type compiledRules struct {
	allow    []*regexp.Regexp
	disallow []*regexp.Regexp
}

// NewAuditor builds an Auditor backed by st for persistence and fetcher for
// robots.txt retrieval.
func NewAuditor(st store.Store, fetcher Fetcher) *Auditor {
	return &Auditor{
		store:   st,
		fetcher: fetcher,
		regex:   make(map[string]compiledRules),
	}
}

// IsAllowed reports whether targetURL may be crawled, refreshing the
// domain's rules first if they are missing or stale. A request is allowed
// iff it matches at least one Allow rule, or it matches no Disallow rule.
func (a *Auditor) IsAllowed(ctx context.Context, targetURL string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("robots: parse url: %w", err)
	}
	domain := u.Hostname()

	compiled, err := a.rulesFor(ctx, domain)
	if err != nil {
		// Fetch failure defaults to allow: a broken/unreachable robots.txt
		// must not block an otherwise-legitimate crawl.
		return true, nil
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	for _, re := range compiled.allow {
		if re.MatchString(path) {
			return true, nil
		}
	}
	for _, re := range compiled.disallow {
		if re.MatchString(path) {
			return false, nil
		}
	}
	return true, nil
}

func (a *Auditor) rulesFor(ctx context.Context, domain string) (compiledRules, error) {
	a.mu.Lock()
	cached, ok := a.regex[domain]
	a.mu.Unlock()

	rules, lastFetched, found, err := a.store.GetResourceRules(ctx, domain)
	if err != nil {
		return compiledRules{}, err
	}

	if found && time.Since(lastFetched) < StaleAfter {
		if ok {
			return cached, nil
		}
		return a.compileAndCache(domain, rules), nil
	}

	refreshed, err := a.refetch(ctx, domain)
	if err != nil {
		if found {
			return a.compileAndCache(domain, rules), nil
		}
		return compiledRules{}, err
	}
	return refreshed, nil
}

func (a *Auditor) refetch(ctx context.Context, domain string) (compiledRules, error) {
	status, body, err := a.fetcher.FetchRaw(ctx, "https://"+domain+"/robots.txt")
	if err != nil {
		return compiledRules{}, fmt.Errorf("robots: fetch %s: %w", domain, err)
	}
	if status >= 400 {
		// No robots.txt present: treat as allow-all, but still persist an
		// (empty) fetch so the staleness window still applies.
		if err := a.store.UpsertResourceRules(ctx, domain, nil); err != nil {
			return compiledRules{}, err
		}
		return a.compileAndCache(domain, nil), nil
	}

	rules := Parse(domain, body)
	if err := a.store.UpsertResourceRules(ctx, domain, rules); err != nil {
		return compiledRules{}, err
	}
	return a.compileAndCache(domain, rules), nil
}

func (a *Auditor) compileAndCache(domain string, rules []model.ResourceRule) compiledRules {
	var compiled compiledRules
	for _, r := range rules {
		re, err := regexp.Compile(r.Regex)
		if err != nil {
			continue
		}
		if r.AllowCrawl {
			compiled.allow = append(compiled.allow, re)
		} else {
			compiled.disallow = append(compiled.disallow, re)
		}
	}

	a.mu.Lock()
	a.regex[domain] = compiled
	a.mu.Unlock()
	return compiled
}
