// Package lens compiles LensConfig definitions into URL-admission filters
// and resolves a query trigger to the union of its enabled lenses' filters,
// per spec §4.5.
package lens

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
)

// FilterKind identifies which of the four filter variants spec §4.5 defines.
type FilterKind int

const (
	URLPrefixAllow FilterKind = iota
	DomainAllow
	RegexAllow
	RegexSkip
)

// Filter is one compiled admission rule. Prefix/Domain carry their literal
// value in Value; RegexAllow/RegexSkip carry a compiled Regexp instead, since
// those are evaluated on every candidate URL and compiling once up front
// matters once a lens has more than a handful of rules.
type Filter struct {
	Kind  FilterKind
	Value string
	Re    *regexp.Regexp
}

// PluginLens is the capability a plugin-backed lens exposes: the core never
// inspects plugin internals, it just asks for the current filter list.
type PluginLens interface {
	SearchFilters(ctx context.Context) ([]Filter, error)
}

// Registry resolves triggers to compiled filters for Simple lenses and holds
// the plugin lenses registered at startup.
type Registry struct {
	store   store.Store
	plugins map[string]PluginLens
	cache   map[string][]Filter // lens name -> compiled Simple filters
}

// New builds a Registry backed by st. Plugin lenses are registered
// individually via RegisterPlugin since they have no on-disk LensConfig.
func New(st store.Store) *Registry {
	return &Registry{
		store:   st,
		plugins: make(map[string]PluginLens),
		cache:   make(map[string][]Filter),
	}
}

// RegisterPlugin associates a plugin capability with a lens name so
// LensToFilters can dispatch to it for Plugin-type lenses.
func (r *Registry) RegisterPlugin(name string, p PluginLens) {
	r.plugins[name] = p
}

// CompileSimple turns a LensConfig's urls/domains/rules into the filter set
// spec §4.5 defines. It does not cache; LensToFilters and MatchingLenses
// cache its result by lens name.
func CompileSimple(cfg model.LensConfig) ([]Filter, error) {
	var filters []Filter

	for _, u := range cfg.URLs {
		filters = append(filters, Filter{Kind: URLPrefixAllow, Value: u})
	}
	for _, d := range cfg.Domains {
		filters = append(filters, Filter{Kind: DomainAllow, Value: d})
	}
	for _, rule := range cfg.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("lens: compile rule %q for lens %q: %w", rule.Pattern, cfg.Name, err)
		}
		kind := RegexSkip
		if rule.Allow {
			kind = RegexAllow
		}
		filters = append(filters, Filter{Kind: kind, Value: rule.Pattern, Re: re})
	}

	return filters, nil
}

// LensToFilters looks up every enabled lens whose trigger matches, unions
// their filter lists, and returns the result. An empty union disables the
// search entirely (spec §4.5): callers must treat a nil/empty return as
// "no results", not "no filtering".
func (r *Registry) LensToFilters(ctx context.Context, trigger string) ([]Filter, error) {
	lenses, err := r.store.GetLensesByTrigger(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("lens: lookup lenses for trigger %q: %w", trigger, err)
	}

	var filters []Filter
	for _, cfg := range lenses {
		if !cfg.IsEnabled {
			continue
		}
		if cfg.IsPlugin {
			plugin, ok := r.plugins[cfg.Name]
			if !ok {
				continue
			}
			pluginFilters, err := plugin.SearchFilters(ctx)
			if err != nil {
				return nil, fmt.Errorf("lens: plugin %q search filters: %w", cfg.Name, err)
			}
			filters = append(filters, pluginFilters...)
			continue
		}

		compiled, ok := r.cache[cfg.Name]
		if !ok {
			compiled, err = CompileSimple(cfg)
			if err != nil {
				return nil, err
			}
			r.cache[cfg.Name] = compiled
		}
		filters = append(filters, compiled...)
	}

	return filters, nil
}

// MatchingLenses returns the names of enabled, non-plugin lenses whose
// filter set admits targetURL, irrespective of trigger. The Worker Pool uses
// this both to tag newly indexed documents (spec §4.8's "include lens tags")
// and to gate link enqueue to lenses actually in scope (plugin lenses like
// the connector-backed GDrive/GitHub ones are follow-crawled separately and
// excluded here, matching the original's pipeline-less-lens filtering).
func (r *Registry) MatchingLenses(ctx context.Context, targetURL string) ([]string, error) {
	all, err := r.store.ListLenses(ctx)
	if err != nil {
		return nil, fmt.Errorf("lens: list lenses: %w", err)
	}

	var names []string
	for _, cfg := range all {
		if !cfg.IsEnabled || cfg.IsPlugin {
			continue
		}
		compiled, ok := r.cache[cfg.Name]
		if !ok {
			compiled, err = CompileSimple(cfg)
			if err != nil {
				return nil, err
			}
			r.cache[cfg.Name] = compiled
		}
		if Admitted(compiled, targetURL) {
			names = append(names, cfg.Name)
		}
	}
	return names, nil
}

// Admitted reports whether targetURL is admitted under filters: at least one
// Allow filter matches and no Skip filter matches, evaluated in that order
// (spec §4.5).
func Admitted(filters []Filter, targetURL string) bool {
	allowed := false
	for _, f := range filters {
		switch f.Kind {
		case URLPrefixAllow:
			if strings.HasPrefix(targetURL, f.Value) {
				allowed = true
			}
		case DomainAllow:
			if urlHasDomain(targetURL, f.Value) {
				allowed = true
			}
		case RegexAllow:
			if f.Re != nil && f.Re.MatchString(targetURL) {
				allowed = true
			}
		}
	}
	if !allowed {
		return false
	}
	for _, f := range filters {
		if f.Kind == RegexSkip && f.Re != nil && f.Re.MatchString(targetURL) {
			return false
		}
	}
	return true
}

// urlHasDomain reports whether targetURL's host is domain or a subdomain of
// it, without a full net/url.Parse round trip since filters run on every
// candidate link during a crawl.
func urlHasDomain(targetURL, domain string) bool {
	rest := targetURL
	if idx := strings.Index(rest, "://"); idx != -1 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/?#"); idx != -1 {
		rest = rest[:idx]
	}
	if idx := strings.LastIndex(rest, "@"); idx != -1 {
		rest = rest[idx+1:]
	}
	host := rest
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
