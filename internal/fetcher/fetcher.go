// Package fetcher dispatches a CrawlTask's URL to the right transport
// (http/https, file, or a connector's api:// scheme), gates repeat network
// fetches against FetchHistory, and synthesizes the CrawlResult the worker
// pipeline hands to the Index and Store.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avenoir-dev/spyglass/internal/metrics"
	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
	"github.com/avenoir-dev/spyglass/pkg/httpclient"
	"github.com/avenoir-dev/spyglass/pkg/proxy"
	"github.com/avenoir-dev/spyglass/pkg/ratelimit"
	"github.com/avenoir-dev/spyglass/pkg/useragent"
	"golang.org/x/net/publicsuffix"
)

// DefaultRefetchWindow is how long a (domain, path) fetch is trusted before
// a network fetch is attempted again, per spec §4.3.
const DefaultRefetchWindow = 24 * time.Hour

// ErrRecentlyFetched is returned by Fetch when FetchHistory shows the target
// was already fetched within the refetch window; no state change is made.
var ErrRecentlyFetched = errors.New("fetcher: recently fetched, skipping")

// ParseResult is what a Parser extracts from a fetched HTML page or file.
type ParseResult struct {
	Title        string
	Description  string
	Content      string
	Links        []string
	CanonicalURL string
	Meta         map[string]string
}

// Parser is the narrow capability internal/parser exposes to the fetcher:
// turn a fetched body into structured fields. Kept as a local interface
// (rather than importing internal/parser directly) so the two packages
// don't have to agree on each other's full surface, the same decoupling
// internal/robots uses for its own Fetcher interface.
type Parser interface {
	ParseHTML(ctx context.Context, finalURL string, body []byte) (ParseResult, error)
	ParseFile(ctx context.Context, path string) (ParseResult, error)
}

// ConnectorRegistry is the narrow capability internal/connector exposes:
// resolve an api://<api_id>/<path> URI to a CrawlResult.
type ConnectorRegistry interface {
	Get(ctx context.Context, apiID, path string) (CrawlResult, error)
}

// CrawlResult is the pipeline's internal currency (spec §4.3): whatever
// Fetch produces, Parser enriches, and the worker hands to Index/Store.
type CrawlResult struct {
	URL         string
	OpenURL     string
	Title       string
	Description string
	Content     string
	Raw         []byte
	Links       []string
	ContentHash string
	Status      int
	Tags        []model.Tag
}

// IsSuccess reports whether Status is a 2xx.
func (r CrawlResult) IsSuccess() bool { return r.Status >= 200 && r.Status <= 299 }

// IsBadRequest reports whether Status is a 4xx: the server was reached but
// the request is considered terminal and not worth retrying.
func (r CrawlResult) IsBadRequest() bool { return r.Status >= 400 && r.Status <= 499 }

// Config configures a Fetcher.
type Config struct {
	Timeout       time.Duration
	MaxRedirects  int
	UseCookieJar  bool
	ProxyPool     *proxy.Pool
	UAPool        *useragent.Pool
	Limiter       *ratelimit.Limiter
	RefetchWindow time.Duration
	// ArchivePrefix, if set, is prepended to the target URL for Bootstrap
	// crawl tasks (spec §4.3's archive rewrite), kept configurable rather
	// than hardcoded to any one third-party archive endpoint.
	ArchivePrefix string
}

type contextKey string

const proxyKey contextKey = "proxy_url"

// Fetcher performs scheme-dispatched fetches against http(s), file, and
// api:// URLs, gating repeated network fetches via Store's FetchHistory.
type Fetcher struct {
	config     Config
	client     *httpclient.Client
	store      store.Store
	parser     Parser
	connectors ConnectorRegistry
}

// New builds a Fetcher. store, parser, and connectors may be nil if the
// caller only needs the raw HTTP path (e.g. internal/robots only calls
// FetchRaw).
func New(cfg Config, st store.Store, parser Parser, connectors ConnectorRegistry) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RefetchWindow == 0 {
		cfg.RefetchWindow = DefaultRefetchWindow
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}

	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if val := req.Context().Value(proxyKey); val != nil {
			if u, ok := val.(*url.URL); ok {
				return u, nil
			}
		}
		return http.ProxyFromEnvironment(req)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    &http.Transport{Proxy: proxyFunc},
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher: new client: %w", err)
	}

	return &Fetcher{config: cfg, client: client, store: st, parser: parser, connectors: connectors}, nil
}

// Fetch dispatches task.URL by scheme and returns the resulting CrawlResult.
func (f *Fetcher) Fetch(ctx context.Context, task *model.CrawlTask) (*CrawlResult, error) {
	u, err := url.Parse(task.URL)
	if err != nil {
		return nil, fmt.Errorf("fetcher: parse url %q: %w", task.URL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, u, task.CrawlType)
	case "file":
		return f.fetchFile(ctx, u)
	case "api":
		return f.fetchAPI(ctx, u)
	default:
		return nil, fmt.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL, crawlType model.CrawlType) (*CrawlResult, error) {
	u.Fragment = "" // fragments are never sent
	domain := u.Hostname()
	path := u.Path
	if path == "" {
		path = "/"
	}

	if f.store != nil {
		if hist, err := f.store.GetFetchHistory(ctx, domain, path); err != nil {
			return nil, fmt.Errorf("fetcher: fetch history lookup: %w", err)
		} else if hist != nil && time.Since(hist.UpdatedAt) < f.config.RefetchWindow {
			return nil, ErrRecentlyFetched
		}
	}

	openURL := u.String()
	fetchURL := openURL
	if crawlType == model.CrawlBootstrap && f.config.ArchivePrefix != "" {
		fetchURL = f.config.ArchivePrefix + openURL
	}

	start := time.Now()
	status, body, err := f.doGet(ctx, fetchURL)
	duration := time.Since(start)
	metrics.RecordFetch(domain, status, err, duration, len(body))

	if err != nil {
		// Connection-level failure: nothing reached the server, so there is
		// no meaningful status code. Mirrors the original's internal 600
		// sentinel for "unable to connect".
		return &CrawlResult{URL: openURL, OpenURL: openURL, Status: 0}, nil
	}

	result := &CrawlResult{URL: openURL, OpenURL: openURL, Raw: body, Status: status}

	if status < 200 || status > 299 {
		return result, nil
	}

	if f.parser != nil {
		parsed, err := f.parser.ParseHTML(ctx, openURL, body)
		if err != nil {
			return nil, fmt.Errorf("fetcher: parse %s: %w", openURL, err)
		}
		result.Title = parsed.Title
		result.Description = parsed.Description
		result.Content = parsed.Content
		result.Links = parsed.Links
		if parsed.CanonicalURL != "" && canonicalAllowed(openURL, parsed.CanonicalURL, crawlType) {
			result.OpenURL = parsed.CanonicalURL
		}
		result.ContentHash = contentHash(parsed.Content)
	}

	if f.store != nil {
		fh := model.FetchHistory{Domain: domain, Path: path, Hash: result.ContentHash, Status: status, UpdatedAt: time.Now().UTC()}
		if err := f.store.UpsertFetchHistory(ctx, fh); err != nil {
			return nil, fmt.Errorf("fetcher: upsert fetch history: %w", err)
		}
	}

	return result, nil
}

func (f *Fetcher) fetchFile(ctx context.Context, u *url.URL) (*CrawlResult, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return &CrawlResult{URL: u.String(), Status: 404}, nil
	}

	result := &CrawlResult{URL: u.String(), OpenURL: u.String(), Raw: body, Status: 200}

	if f.parser == nil {
		result.Content = string(body)
		result.ContentHash = contentHash(result.Content)
		return result, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	var parsed ParseResult
	if ext == ".html" || ext == ".htm" {
		parsed, err = f.parser.ParseHTML(ctx, u.String(), body)
	} else {
		parsed, err = f.parser.ParseFile(ctx, path)
	}
	if err != nil {
		return nil, fmt.Errorf("fetcher: parse file %s: %w", path, err)
	}

	result.Title = parsed.Title
	result.Description = parsed.Description
	result.Content = parsed.Content
	result.Links = parsed.Links
	result.ContentHash = contentHash(parsed.Content)
	return result, nil
}

func (f *Fetcher) fetchAPI(ctx context.Context, u *url.URL) (*CrawlResult, error) {
	if f.connectors == nil {
		return nil, fmt.Errorf("fetcher: no connector registry configured for %s", u.String())
	}
	apiID := u.Host
	path := strings.TrimPrefix(u.Path, "/")

	result, err := f.connectors.Get(ctx, apiID, path)
	if err != nil {
		return nil, fmt.Errorf("fetcher: connector get %s: %w", u.String(), err)
	}
	result.ContentHash = contentHash(result.Content)
	return &result, nil
}

// FetchRaw performs a plain GET with no history gate or parsing. It exists
// so internal/robots (and anything else that just needs a single GET under
// the crawler's normal timeout/UA/proxy/rate-limit policy) can depend on a
// narrow Fetcher interface instead of this whole package.
func (f *Fetcher) FetchRaw(ctx context.Context, targetURL string) (int, []byte, error) {
	return f.doGet(ctx, targetURL)
}

func (f *Fetcher) doGet(ctx context.Context, targetURL string) (int, []byte, error) {
	if f.config.Limiter != nil {
		if err := f.config.Limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("fetcher: rate limiter: %w", err)
		}
	}

	var activeProxy *url.URL
	if f.config.ProxyPool != nil {
		activeProxy = f.config.ProxyPool.Next()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	if activeProxy != nil {
		req = req.WithContext(context.WithValue(req.Context(), proxyKey, activeProxy))
	}

	req.Header.Set("User-Agent", f.config.UAPool.GetSequential())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req.Context(), req)
	if err != nil {
		if activeProxy != nil {
			_ = f.config.ProxyPool.MarkFailure(activeProxy)
			metrics.ProxyFailures.WithLabelValues(activeProxy.String()).Inc()
		}
		return 0, nil, fmt.Errorf("fetcher: request failed: %w", err)
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.config.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("fetcher: read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// canonicalAllowed implements spec §4.4's canonical-URL policy: a canonical
// hint only overrides the fetched URL when it shares a registrable domain
// with it, or when the fetch was a Bootstrap (archive-wrapper) crawl.
func canonicalAllowed(fetchedURL, canonicalURL string, crawlType model.CrawlType) bool {
	if crawlType == model.CrawlBootstrap {
		return true
	}

	fetched, err := url.Parse(fetchedURL)
	if err != nil {
		return false
	}
	canonical, err := url.Parse(canonicalURL)
	if err != nil {
		return false
	}

	fetchedRoot, err1 := publicsuffix.EffectiveTLDPlusOne(fetched.Hostname())
	canonicalRoot, err2 := publicsuffix.EffectiveTLDPlusOne(canonical.Hostname())
	if err1 != nil || err2 != nil {
		return false
	}
	return fetchedRoot == canonicalRoot
}

func contentHash(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
