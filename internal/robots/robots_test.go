package robots

import (
	"context"
	"testing"

	"github.com/avenoir-dev/spyglass/internal/store/sqlite"
)

const sampleRobotsTxt = `
User-agent: *
Disallow: /admin/
Allow: /admin/public/

User-agent: BadBot
Disallow: /
`

func TestParseFiltersByUserAgent(t *testing.T) {
	rules := Parse("example.com", []byte(sampleRobotsTxt))

	var disallowAdmin, allowPublic bool
	for _, r := range rules {
		if r.Regex == "/admin/.*" && !r.AllowCrawl {
			disallowAdmin = true
		}
		if r.Regex == "/admin/public/.*" && r.AllowCrawl {
			allowPublic = true
		}
	}
	if !disallowAdmin || !allowPublic {
		t.Fatalf("expected wildcard group's rules, got %+v", rules)
	}

	for _, r := range rules {
		if r.Regex == ".*" && !r.AllowCrawl {
			t.Errorf("BadBot-only disallow-all rule leaked into wildcard group: %+v", r)
		}
	}
}

func TestRuleToRegexAnchoring(t *testing.T) {
	regex, ok := ruleToRegex("/*?title=Property:")
	if !ok {
		t.Fatal("expected a regex")
	}
	if regex != `/.*\?title=Property:.*` {
		t.Errorf("unexpected regex: %s", regex)
	}
}

func TestEmptyDisallowMeansAllowAll(t *testing.T) {
	rules := Parse("example.com", []byte("User-agent: *\nDisallow:\n"))
	if len(rules) != 1 || !rules[0].AllowCrawl {
		t.Fatalf("expected a single allow-all rule, got %+v", rules)
	}
}

type fakeFetcher struct {
	status int
	body   []byte
	err    error
	calls  int
}

func (f *fakeFetcher) FetchRaw(ctx context.Context, url string) (int, []byte, error) {
	f.calls++
	return f.status, f.body, f.err
}

func newTestAuditor(t *testing.T, fetcher Fetcher) *Auditor {
	t.Helper()
	st, err := sqlite.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewAuditor(st, fetcher)
}

func TestAuditorIsAllowedFetchesOnce(t *testing.T) {
	fetcher := &fakeFetcher{status: 200, body: []byte(sampleRobotsTxt)}
	auditor := newTestAuditor(t, fetcher)
	ctx := context.Background()

	allowed, err := auditor.IsAllowed(ctx, "https://example.com/admin/secret")
	if err != nil {
		t.Fatalf("is_allowed: %v", err)
	}
	if allowed {
		t.Error("expected /admin/secret to be disallowed")
	}

	allowed, err = auditor.IsAllowed(ctx, "https://example.com/admin/public/index.html")
	if err != nil {
		t.Fatalf("is_allowed: %v", err)
	}
	if !allowed {
		t.Error("expected /admin/public/index.html to be allowed")
	}

	if fetcher.calls != 1 {
		t.Errorf("expected rules to be cached within the staleness window, got %d fetches", fetcher.calls)
	}
}

func TestAuditorDefaultsToAllowOnFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: context.DeadlineExceeded}
	auditor := newTestAuditor(t, fetcher)

	allowed, err := auditor.IsAllowed(context.Background(), "https://example.com/anything")
	if err != nil {
		t.Fatalf("is_allowed: %v", err)
	}
	if !allowed {
		t.Error("expected fetch failure to default to allow")
	}
}

func TestAuditorTreatsMissingRobotsAsAllowAll(t *testing.T) {
	fetcher := &fakeFetcher{status: 404}
	auditor := newTestAuditor(t, fetcher)

	allowed, err := auditor.IsAllowed(context.Background(), "https://example.com/admin/secret")
	if err != nil {
		t.Fatalf("is_allowed: %v", err)
	}
	if !allowed {
		t.Error("expected missing robots.txt to allow everything")
	}
}
