package lens

import (
	"context"
	"regexp"
	"testing"

	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store/sqlite"
)

func TestCompileSimpleBuildsAllFourFilterKinds(t *testing.T) {
	cfg := model.LensConfig{
		Name:    "wiki",
		Trigger: "wiki",
		URLs:    []string{"https://oldschool.runescape.wiki/wiki/"},
		Domains: []string{"runescape.wiki"},
		Rules: []model.LensRule{
			{Allow: true, Pattern: `^https://oldschool\.runescape\.wiki/wiki/.*`},
			{Allow: false, Pattern: `.*[?&]action=edit.*`},
		},
	}

	filters, err := CompileSimple(cfg)
	if err != nil {
		t.Fatalf("CompileSimple: %v", err)
	}
	if len(filters) != 4 {
		t.Fatalf("expected 4 filters, got %d", len(filters))
	}

	var kinds [4]bool
	for _, f := range filters {
		kinds[f.Kind] = true
	}
	for k, seen := range kinds {
		if !seen {
			t.Errorf("expected filter kind %d to be present", k)
		}
	}
}

func TestCompileSimpleRejectsInvalidRegex(t *testing.T) {
	cfg := model.LensConfig{
		Name:  "broken",
		Rules: []model.LensRule{{Allow: true, Pattern: "("}},
	}
	if _, err := CompileSimple(cfg); err == nil {
		t.Fatal("expected an error for an unparseable regex rule")
	}
}

func TestAdmittedRequiresAllowAndNoSkip(t *testing.T) {
	filters := []Filter{
		{Kind: URLPrefixAllow, Value: "https://example.com/docs/"},
		{Kind: RegexSkip, Re: regexp.MustCompile(`.*\.pdf$`)},
	}

	if !Admitted(filters, "https://example.com/docs/intro") {
		t.Error("expected an allowed URL to be admitted")
	}
	if Admitted(filters, "https://example.com/other") {
		t.Error("expected a non-matching URL to be rejected")
	}
	if Admitted(filters, "https://example.com/docs/report.pdf") {
		t.Error("expected a skip-matching URL to be rejected even though an allow also matches")
	}
}

func TestAdmittedDomainAllowMatchesSubdomains(t *testing.T) {
	filters := []Filter{{Kind: DomainAllow, Value: "example.com"}}
	if !Admitted(filters, "https://docs.example.com/page") {
		t.Error("expected a subdomain to be admitted under DomainAllow")
	}
	if Admitted(filters, "https://example.com.evil.net/page") {
		t.Error("expected a lookalike suffix host to be rejected")
	}
}

func TestLensToFiltersUnionsEnabledLensesByTrigger(t *testing.T) {
	st, err := sqlite.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	enabled := model.LensConfig{
		Name:      "test_lens",
		Trigger:   "test",
		URLs:      []string{"https://oldschool.runescape.wiki/wiki/"},
		IsEnabled: true,
	}
	disabled := model.LensConfig{
		Name:      "other_lens",
		Trigger:   "test",
		URLs:      []string{"https://example.com/"},
		IsEnabled: false,
	}
	if _, err := st.UpsertLens(ctx, enabled); err != nil {
		t.Fatalf("UpsertLens enabled: %v", err)
	}
	if _, err := st.UpsertLens(ctx, disabled); err != nil {
		t.Fatalf("UpsertLens disabled: %v", err)
	}

	reg := New(st)
	filters, err := reg.LensToFilters(ctx, "test")
	if err != nil {
		t.Fatalf("LensToFilters: %v", err)
	}
	if len(filters) != 1 {
		t.Fatalf("expected only the enabled lens's filter, got %d", len(filters))
	}
	if filters[0].Value != "https://oldschool.runescape.wiki/wiki/" {
		t.Errorf("unexpected filter value %q", filters[0].Value)
	}
}

func TestLensToFiltersDispatchesToRegisteredPlugin(t *testing.T) {
	st, err := sqlite.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	cfg := model.LensConfig{Name: "drive_plugin", Trigger: "drive", IsEnabled: true, IsPlugin: true}
	if _, err := st.UpsertLens(ctx, cfg); err != nil {
		t.Fatalf("UpsertLens: %v", err)
	}

	reg := New(st)
	reg.RegisterPlugin("drive_plugin", &fakePlugin{filters: []Filter{{Kind: DomainAllow, Value: "drive.google.com"}}})

	filters, err := reg.LensToFilters(ctx, "drive")
	if err != nil {
		t.Fatalf("LensToFilters: %v", err)
	}
	if len(filters) != 1 || filters[0].Value != "drive.google.com" {
		t.Errorf("expected the plugin's filter to be returned, got %v", filters)
	}
}

func TestLensToFiltersEmptyUnionForUnknownTrigger(t *testing.T) {
	st, err := sqlite.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := New(st)
	filters, err := reg.LensToFilters(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("LensToFilters: %v", err)
	}
	if len(filters) != 0 {
		t.Errorf("expected no filters for an unknown trigger, got %v", filters)
	}
}

func TestMatchingLensesExcludesPluginAndDisabledLenses(t *testing.T) {
	st, err := sqlite.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	lenses := []model.LensConfig{
		{Name: "wiki", Trigger: "wiki", Domains: []string{"oldschool.runescape.wiki"}, IsEnabled: true},
		{Name: "disabled_lens", Domains: []string{"oldschool.runescape.wiki"}, IsEnabled: false},
		{Name: "github", Trigger: "github", IsEnabled: true, IsPlugin: true},
	}
	for _, l := range lenses {
		if _, err := st.UpsertLens(ctx, l); err != nil {
			t.Fatalf("UpsertLens %q: %v", l.Name, err)
		}
	}

	reg := New(st)
	names, err := reg.MatchingLenses(ctx, "https://oldschool.runescape.wiki/wiki/Rust")
	if err != nil {
		t.Fatalf("MatchingLenses: %v", err)
	}
	if len(names) != 1 || names[0] != "wiki" {
		t.Errorf("expected only the enabled Simple lens to match, got %v", names)
	}
}

type fakePlugin struct {
	filters []Filter
}

func (p *fakePlugin) SearchFilters(ctx context.Context) ([]Filter, error) {
	return p.filters, nil
}
