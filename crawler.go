// Copyright 2025 Agentic World, LLC (Sherin Thomas)
//
// This file includes modifications to code originally developed by Adam Tauber,
// licensed under the Apache License, Version 2.0.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package greenlight

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentberlin/greenlight/storage"
)

// Render mode selects which fetch paths the crawler may use.
const (
	// RenderHybrid starts every domain in browser mode and downgrades to
	// plain HTTP once enough pages confirm the site is fetchable without
	// rendering. Individual URLs fall back to the browser on demand.
	RenderHybrid = "hybrid"
	// RenderAlways renders every page in the browser.
	RenderAlways = "browser"
	// RenderNever fetches every page over plain HTTP.
	RenderNever = "http"
)

// URLAction indicates how a discovered URL should be handled.
type URLAction string

const (
	// URLActionCrawl queues the URL for fetching.
	URLActionCrawl URLAction = "crawl"
	// URLActionRecord records the URL in the link tree without fetching it.
	URLActionRecord URLAction = "record"
	// URLActionSkip ignores the URL entirely.
	URLActionSkip URLAction = "skip"
)

// PageRenderer is the heavy fetch path: it loads a URL in a real browser and
// returns the rendered document plus any URLs observed on the network while
// rendering. *Renderer implements it; tests substitute fakes.
type PageRenderer interface {
	Render(ctx context.Context, rawURL string) (*FetchResponse, []string, error)
	Close()
}

var _ PageRenderer = (*Renderer)(nil)

// CrawlRequest describes one URL about to be fetched. OnRequest callbacks may
// mutate Headers or abort the request; headers affect the plain-HTTP path
// only, the browser manages its own.
type CrawlRequest struct {
	// URL is the normalized URL to fetch.
	URL string
	// Referrer is the normalized URL of the page this one was discovered
	// on, empty for seeds.
	Referrer string
	// Depth is the link distance from the seed.
	Depth int
	// Mode is the fetch path chosen by the hybrid scheduler.
	Mode FetchMode
	// ForceHeavy marks a retry that must use the browser.
	ForceHeavy bool
	// Headers are sent with the request on the plain-HTTP path.
	Headers http.Header

	abort bool
}

// Abort cancels the request before it is fetched. The URL is not marked
// visited and may be re-queued on a resumed crawl.
func (r *CrawlRequest) Abort() {
	r.abort = true
}

// PageResult contains what the crawler learned from a single processed URL.
type PageResult struct {
	// URL is the normalized URL the page was served from after redirects.
	URL string
	// RequestURL is the normalized URL as it was queued.
	RequestURL string
	// StatusCode is the final HTTP status.
	StatusCode int
	// Title is the page title, empty for non-HTML responses.
	Title string
	// Mode records which fetch path produced the page.
	Mode FetchMode
	// Depth is the link distance from the seed.
	Depth int
	// TemplateID is the page's DOM fingerprint, empty for non-HTML.
	TemplateID string
	// NewTemplate reports whether this page founded a new template cluster.
	NewTemplate bool
	// Links are the outgoing links extracted from the page.
	Links []Link
	// Body is the fetched document, decoded to UTF-8.
	Body []byte
	// Duration is the fetch wall time.
	Duration time.Duration
	// Error holds a short failure description for pages that answered
	// with an error status.
	Error string
}

// CrawlSummary is returned by Run and handed to OnCrawlComplete callbacks.
type CrawlSummary struct {
	// States holds the final per-domain crawl state, keyed by domain slug.
	States map[string]*CrawlState
	// StatePath is where the states were persisted, empty when persistence
	// is disabled.
	StatePath string
	// PagesCrawled and PagesFailed aggregate the per-domain counters.
	PagesCrawled int64
	PagesFailed  int64
	// URLsDiscovered counts the URLs accepted into the frontier.
	URLsDiscovered int64
	// Templates counts distinct template clusters across all domains.
	Templates int
	// AbandonedDomains lists domains dropped for excessive error rates.
	AbandonedDomains []string
	// Interrupted reports that the crawl stopped on cancellation rather
	// than by exhausting its frontier.
	Interrupted bool
	// Duration is the total crawl wall time.
	Duration time.Duration
}

// Callback signatures. Callbacks registered on a Crawler must be installed
// before Run and may be invoked from multiple workers concurrently.
type (
	OnRequestFunc       func(*CrawlRequest)
	OnPageCrawledFunc   func(*PageResult)
	OnURLDiscoveredFunc func(url, via string) URLAction
	OnErrorFunc         func(url string, err error)
	OnCrawlCompleteFunc func(*CrawlSummary)
	URLFilterFunc       func(normalizedURL string) error
)

// resourceExtensions mark URLs that are almost certainly assets rather than
// pages. They double as the default extension blocklist.
var resourceExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico",
	".css", ".js",
	".woff", ".woff2", ".ttf", ".eot", ".otf",
	".mp4", ".webm", ".ogg", ".mp3", ".wav",
	".pdf", ".zip", ".gz", ".tar",
}

// isLikelyResource reports whether a URL points at a non-HTML asset, judged
// by its extension. Used when no Content-Type is available.
func isLikelyResource(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range resourceExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// CrawlerConfig configures a Crawler. The zero value is not runnable; use
// sensible bounds or the config resolver's defaults.
type CrawlerConfig struct {
	// StartURLs seed the crawl, one or more per domain.
	StartURLs []string
	// Domains restricts the crawl to these hosts. Empty means the hosts of
	// the start URLs.
	Domains []string
	// IncludeSubdomains admits subdomains of the configured domains.
	IncludeSubdomains bool
	// StripWWW folds www. hosts into their bare domain during
	// normalization.
	StripWWW bool
	// UserAgent is sent on both fetch paths.
	UserAgent string

	// MaxDepth bounds the link distance from the seed. Zero means
	// unlimited.
	MaxDepth int
	// MaxURLsPerDomain bounds how many URLs a domain may enqueue. Zero
	// crawls nothing and writes an empty state; negative means unlimited.
	MaxURLsPerDomain int
	// MaxTotalURLs bounds the frontier across all domains. Zero means
	// unlimited.
	MaxTotalURLs int
	// PendingThreshold is the number of browser-rendered pages per domain
	// before the hybrid scheduler considers switching to plain HTTP.
	PendingThreshold int
	// TinyBodyBytes is the light-response size below which a page is
	// retried in the browser. Zero means the default of 1024.
	TinyBodyBytes int

	// ConcurrentRequests is the worker pool size across all domains.
	ConcurrentRequests int
	// ConcurrentRequestsPerDomain bounds parallel fetches per domain.
	ConcurrentRequestsPerDomain int
	// RequestDelay is the politeness delay between requests to one domain.
	// robots.txt crawl-delay overrides it when larger.
	RequestDelay time.Duration
	// RandomDelay is an extra random delay added to RequestDelay.
	RandomDelay time.Duration

	// RobotsMode is one of respect, ignore, list.
	RobotsMode RobotsMode
	// SitemapDiscovery seeds the frontier from declared and conventional
	// sitemaps.
	SitemapDiscovery bool

	// DisallowedExtensions blocks URLs by path suffix. Nil means the
	// default asset list; an empty slice disables the filter.
	DisallowedExtensions []string
	// DisallowedPathPatterns blocks URLs matching any of these regular
	// expressions.
	DisallowedPathPatterns []string

	// DomainErrorRateLimit abandons a domain whose failure ratio reaches
	// this value. Zero means the default of 0.5; values >= 1 disable
	// abandonment.
	DomainErrorRateLimit float64
	// DomainErrorMinAttempts is the minimum number of processed URLs
	// before the error rate is evaluated. Zero means the default of 20.
	DomainErrorMinAttempts int

	// AutoSaveInterval checkpoints state every this many processed URLs.
	// Zero means the default of 50; negative saves only on completion.
	AutoSaveInterval int
	// StatePath is the crawl state file. Empty disables persistence.
	StatePath string
	// Resume loads StatePath and skips already-visited URLs.
	Resume bool

	// RenderMode selects hybrid, browser-only or HTTP-only fetching.
	RenderMode string
	// Waits tunes the render settle pauses on the browser path.
	Waits RenderWaits
	// RetryBudget, Timeout, MaxBodySize and MaxRedirects are passed to the
	// plain-HTTP fetcher; see FetchConfig.
	RetryBudget  int
	Timeout      time.Duration
	MaxBodySize  int
	MaxRedirects int

	// Renderer overrides the browser fetch path. Nil means a chromedp
	// renderer is created on demand; the crawler manages heavy-request
	// counters itself, so injected renderers should not carry stats.
	Renderer PageRenderer
	// Transport overrides the HTTP transport, used by tests.
	Transport http.RoundTripper
}

func (cfg *CrawlerConfig) withDefaults() CrawlerConfig {
	out := *cfg
	if out.UserAgent == "" {
		out.UserAgent = "greenlight/1.0 (+https://greenlight.agentberlin.ai)"
	}
	if out.PendingThreshold <= 0 {
		out.PendingThreshold = 15
	}
	if out.TinyBodyBytes <= 0 {
		out.TinyBodyBytes = 1024
	}
	if out.ConcurrentRequests <= 0 {
		out.ConcurrentRequests = 8
	}
	if out.ConcurrentRequestsPerDomain <= 0 {
		out.ConcurrentRequestsPerDomain = 2
	}
	if out.DomainErrorRateLimit == 0 {
		out.DomainErrorRateLimit = 0.5
	}
	if out.DomainErrorMinAttempts <= 0 {
		out.DomainErrorMinAttempts = 20
	}
	if out.AutoSaveInterval == 0 {
		out.AutoSaveInterval = 50
	}
	if out.RenderMode == "" {
		out.RenderMode = RenderHybrid
	}
	if out.DisallowedExtensions == nil {
		out.DisallowedExtensions = resourceExtensions
	}
	return out
}

// crawlItem is one frontier entry.
type crawlItem struct {
	url        string
	referrer   string
	depth      int
	forceHeavy bool
}

// frontier is the shared FIFO work queue. The queued set spans the whole run
// so a URL enters the frontier at most once; heavy-mode retries bypass it via
// requeue.
type frontier struct {
	mu     sync.Mutex
	items  []crawlItem
	queued map[string]bool
	notify chan struct{}
}

func newFrontier() *frontier {
	return &frontier{
		queued: make(map[string]bool),
		notify: make(chan struct{}, 1),
	}
}

// push appends the item unless its URL was already queued this run.
func (f *frontier) push(it crawlItem) bool {
	f.mu.Lock()
	if f.queued[it.url] {
		f.mu.Unlock()
		return false
	}
	f.queued[it.url] = true
	f.items = append(f.items, it)
	f.mu.Unlock()
	f.wake()
	return true
}

// requeue re-appends an item that is being retried, skipping the dedup set.
func (f *frontier) requeue(it crawlItem) {
	f.mu.Lock()
	f.items = append(f.items, it)
	f.mu.Unlock()
	f.wake()
}

func (f *frontier) pop() (crawlItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return crawlItem{}, false
	}
	it := f.items[0]
	f.items = f.items[1:]
	return it, true
}

func (f *frontier) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// domainState is everything the crawler tracks per configured domain.
type domainState struct {
	domain string
	slug   string
	seed   string

	fetcher   *Fetcher
	robots    *RobotsCache
	sitemaps  *SitemapLoader
	store     storage.Storage
	templates *TemplateRegistry
	stats     *StatCounters

	treeMu  sync.Mutex
	urlTree map[string]map[string]bool

	// delay is the effective politeness delay, the larger of the
	// configured delay and the robots.txt crawl-delay.
	delay     time.Duration
	renderSem chan struct{}

	enqueued     atomic.Int64
	processed    atomic.Int64
	heavyClaimed atomic.Int64
	failures     atomic.Int64
	switched     atomic.Bool
	abandoned    atomic.Bool
	fallbackOnce sync.Map
}

// pending is the number of enqueued URLs not yet processed.
func (ds *domainState) pending() int64 {
	return ds.enqueued.Load() - ds.processed.Load()
}

func (ds *domainState) recordEdge(parent, child string) {
	ds.treeMu.Lock()
	children, ok := ds.urlTree[parent]
	if !ok {
		children = make(map[string]bool)
		ds.urlTree[parent] = children
	}
	children[child] = true
	ds.treeMu.Unlock()
}

// Crawler walks one or more domains, clusters pages by DOM template and
// persists a resumable CrawlState per domain. Fetching is hybrid: a headless
// browser renders the first pages of each domain, then the crawler downgrades
// to plain HTTP once the domain looks statically servable.
type Crawler struct {
	cfg        CrawlerConfig
	normalizer *Normalizer
	jar        http.CookieJar
	renderer   PageRenderer
	ownsRender bool

	domains []*domainState
	byHost  sync.Map // hostname or host:port → *domainState

	frontier      *frontier
	admitMu       sync.Mutex
	totalEnqueued atomic.Int64
	inFlight      atomic.Int64
	finished      atomic.Int64

	pathPatterns []*regexp.Regexp
	urlFilters   []URLFilterFunc
	urlActions   sync.Map

	saveMu      sync.Mutex
	abandonedMu sync.Mutex
	abandonedDs []string

	cbLock          sync.RWMutex
	onRequest       []OnRequestFunc
	onPageCrawled   []OnPageCrawledFunc
	onURLDiscovered OnURLDiscoveredFunc
	onError         []OnErrorFunc
	onCrawlComplete []OnCrawlCompleteFunc
}

// NewCrawler validates the configuration and prepares a Crawler. Domains are
// derived from the start URLs when not set explicitly.
func NewCrawler(cfg CrawlerConfig) (*Crawler, error) {
	cfg = cfg.withDefaults()
	if len(cfg.StartURLs) == 0 {
		return nil, ErrMissingSeed
	}

	c := &Crawler{
		cfg:        cfg,
		normalizer: NewNormalizer(cfg.StripWWW),
		frontier:   newFrontier(),
		renderer:   cfg.Renderer,
	}
	c.jar, _ = cookiejar.New(nil)

	for _, p := range cfg.DisallowedPathPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", p, err)
		}
		c.pathPatterns = append(c.pathPatterns, re)
	}

	seeds, err := c.normalizeSeeds()
	if err != nil {
		return nil, err
	}
	if err := c.buildDomains(seeds); err != nil {
		return nil, err
	}
	return c, nil
}

// normalizeSeeds canonicalizes the start URLs, dropping unparsable entries.
func (c *Crawler) normalizeSeeds() ([]string, error) {
	var seeds []string
	for _, raw := range c.cfg.StartURLs {
		norm, err := c.normalizer.Normalize(raw)
		if err != nil {
			log.Printf("[crawler] skipping invalid seed %q", raw)
			continue
		}
		seeds = append(seeds, norm)
	}
	if len(seeds) == 0 {
		return nil, ErrMissingSeed
	}
	return seeds, nil
}

// buildDomains creates one domainState per configured domain and assigns each
// seed to its domain.
func (c *Crawler) buildDomains(seeds []string) error {
	domains := make([]string, 0, len(c.cfg.Domains))
	seen := make(map[string]bool)
	add := func(d string) {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "https://")
		d = strings.TrimPrefix(d, "http://")
		d = strings.TrimSuffix(d, "/")
		if c.cfg.StripWWW {
			d = strings.TrimPrefix(d, "www.")
		}
		if d != "" && !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}
	for _, d := range c.cfg.Domains {
		add(d)
	}
	if len(domains) == 0 {
		for _, s := range seeds {
			if u, err := url.Parse(s); err == nil {
				add(u.Host)
			}
		}
	}
	if len(domains) == 0 {
		return ErrMissingSeed
	}

	for _, d := range domains {
		ds := &domainState{
			domain:    d,
			slug:      DomainSlug(d),
			store:     &storage.InMemoryStorage{},
			templates: NewTemplateRegistry(),
			stats:     NewStatCounters(),
			urlTree:   make(map[string]map[string]bool),
			delay:     c.cfg.RequestDelay,
			renderSem: make(chan struct{}, c.cfg.ConcurrentRequestsPerDomain),
		}
		ds.store.Init()
		ds.fetcher = NewFetcher(FetchConfig{
			UserAgent:    c.cfg.UserAgent,
			MaxBodySize:  c.cfg.MaxBodySize,
			MaxRedirects: c.cfg.MaxRedirects,
			RetryBudget:  c.cfg.RetryBudget,
			Timeout:      c.cfg.Timeout,
			Jar:          c.jar,
			Transport:    c.cfg.Transport,
			Stats:        ds.stats,
		})
		ds.robots = NewRobotsCache(ds.fetcher, c.cfg.UserAgent, c.cfg.RobotsMode, ds.stats)
		ds.sitemaps = NewSitemapLoader(ds.fetcher, ds.stats, 0)
		c.domains = append(c.domains, ds)
	}

	for _, s := range seeds {
		ds := c.domainOf(s)
		if ds == nil {
			log.Printf("[crawler] seed %s is outside the configured domains", s)
			continue
		}
		if ds.seed == "" {
			ds.seed = s
		}
	}
	for _, ds := range c.domains {
		if ds.seed == "" {
			ds.seed = "https://" + ds.domain
		}
	}
	return nil
}

// domainOf returns the domain owning a normalized URL, or nil when the URL is
// out of scope.
func (c *Crawler) domainOf(normURL string) *domainState {
	u, err := url.Parse(normURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Host)
	if v, ok := c.byHost.Load(host); ok {
		return v.(*domainState)
	}
	hostname := u.Hostname()
	var match *domainState
	for _, ds := range c.domains {
		if host == ds.domain || hostname == ds.domain || hostname == "www."+ds.domain {
			match = ds
			break
		}
		if c.cfg.IncludeSubdomains && strings.HasSuffix(hostname, "."+ds.domain) {
			match = ds
			break
		}
	}
	if match != nil {
		c.byHost.Store(host, match)
	}
	return match
}

// OnRequest registers a callback invoked before each fetch. Callbacks may
// set headers or abort the request.
func (c *Crawler) OnRequest(f OnRequestFunc) {
	c.cbLock.Lock()
	c.onRequest = append(c.onRequest, f)
	c.cbLock.Unlock()
}

// OnPageCrawled registers a callback invoked after each processed page.
func (c *Crawler) OnPageCrawled(f OnPageCrawledFunc) {
	c.cbLock.Lock()
	c.onPageCrawled = append(c.onPageCrawled, f)
	c.cbLock.Unlock()
}

// OnURLDiscovered registers the discovery hook. It is called once per
// distinct URL; the returned action is memoized for the rest of the run.
func (c *Crawler) OnURLDiscovered(f OnURLDiscoveredFunc) {
	c.cbLock.Lock()
	c.onURLDiscovered = f
	c.cbLock.Unlock()
}

// OnError registers a callback invoked for URLs that failed processing.
func (c *Crawler) OnError(f OnErrorFunc) {
	c.cbLock.Lock()
	c.onError = append(c.onError, f)
	c.cbLock.Unlock()
}

// OnCrawlComplete registers a callback invoked with the final summary.
func (c *Crawler) OnCrawlComplete(f OnCrawlCompleteFunc) {
	c.cbLock.Lock()
	c.onCrawlComplete = append(c.onCrawlComplete, f)
	c.cbLock.Unlock()
}

// AddURLFilter registers an additional admission filter. A non-nil return
// keeps the URL out of the frontier.
func (c *Crawler) AddURLFilter(f URLFilterFunc) {
	c.cbLock.Lock()
	c.urlFilters = append(c.urlFilters, f)
	c.cbLock.Unlock()
}

func (c *Crawler) callOnRequest(req *CrawlRequest) {
	c.cbLock.RLock()
	callbacks := c.onRequest
	c.cbLock.RUnlock()
	for _, f := range callbacks {
		f(req)
		if req.abort {
			return
		}
	}
}

func (c *Crawler) callOnPageCrawled(result *PageResult) {
	c.cbLock.RLock()
	callbacks := c.onPageCrawled
	c.cbLock.RUnlock()
	for _, f := range callbacks {
		f(result)
	}
}

func (c *Crawler) callOnError(u string, err error) {
	c.cbLock.RLock()
	callbacks := c.onError
	c.cbLock.RUnlock()
	for _, f := range callbacks {
		f(u, err)
	}
}

func (c *Crawler) callOnCrawlComplete(s *CrawlSummary) {
	c.cbLock.RLock()
	callbacks := c.onCrawlComplete
	c.cbLock.RUnlock()
	for _, f := range callbacks {
		f(s)
	}
}

// urlAction resolves the discovery hook for a URL, memoizing the decision so
// the hook runs once per distinct URL.
func (c *Crawler) urlAction(normURL, via string) URLAction {
	c.cbLock.RLock()
	hook := c.onURLDiscovered
	c.cbLock.RUnlock()
	if hook == nil {
		return URLActionCrawl
	}
	if v, ok := c.urlActions.Load(normURL); ok {
		return v.(URLAction)
	}
	action := hook(normURL, via)
	if action == "" {
		action = URLActionCrawl
	}
	actual, _ := c.urlActions.LoadOrStore(normURL, action)
	return actual.(URLAction)
}

// Run executes the crawl until the frontier drains, a budget is exhausted or
// ctx is cancelled. State is persisted on completion and at checkpoints; the
// summary is returned in all cases, alongside ctx's error when interrupted.
func (c *Crawler) Run(ctx context.Context) (*CrawlSummary, error) {
	started := time.Now()

	// A zero per-domain budget is an explicit no-op crawl: write empty
	// states and stop before touching the network.
	if c.cfg.MaxURLsPerDomain == 0 {
		summary := c.summary(started, false)
		if err := c.saveStates(); err != nil {
			return summary, err
		}
		c.callOnCrawlComplete(summary)
		return summary, nil
	}

	if c.cfg.RenderMode != RenderNever && c.renderer == nil {
		c.renderer = NewRenderer(RenderConfig{
			UserAgent: c.cfg.UserAgent,
			Timeout:   c.cfg.Timeout,
			Waits:     c.cfg.Waits,
			Jar:       c.jar,
		})
		c.ownsRender = true
	}
	if c.ownsRender {
		defer func() {
			c.renderer.Close()
			c.renderer = nil
			c.ownsRender = false
		}()
	}

	if c.cfg.Resume {
		c.restoreStates()
	}
	c.seedFrontier(ctx)

	pool := NewWorkerPool(ctx, c.cfg.ConcurrentRequests, c.cfg.ConcurrentRequests*2)
	c.dispatch(ctx, pool)
	pool.Close()

	if err := c.saveStates(); err != nil {
		log.Printf("[crawler] saving state: %v", err)
	}
	summary := c.summary(started, ctx.Err() != nil)
	c.callOnCrawlComplete(summary)
	return summary, ctx.Err()
}

// seedFrontier installs per-domain politeness limits and enqueues the seeds,
// sitemap URLs and any unfinished URLs from a restored state.
func (c *Crawler) seedFrontier(ctx context.Context) {
	for _, ds := range c.domains {
		if c.cfg.RobotsMode != RobotsIgnore {
			if d := ds.robots.CrawlDelay(ctx, ds.seed); d > ds.delay {
				ds.delay = d
			}
		}
		rule := &LimitRule{
			DomainGlob:  "*" + ds.domain + "*",
			Delay:       ds.delay,
			RandomDelay: c.cfg.RandomDelay,
			Parallelism: c.cfg.ConcurrentRequestsPerDomain,
		}
		if err := ds.fetcher.Limit(rule); err != nil {
			log.Printf("[crawler] %s: installing limit rule: %v", ds.domain, err)
		}

		if err := c.enqueue(ds, ds.seed, "", 0); err != nil && !errors.Is(err, ErrAlreadyVisited) {
			log.Printf("[crawler] %s: seed not queued: %v", ds.domain, err)
		}

		if c.cfg.SitemapDiscovery {
			for _, sm := range DiscoverSitemaps(ctx, ds.seed, ds.robots) {
				for _, raw := range ds.sitemaps.Load(ctx, sm) {
					norm, err := c.normalizer.Normalize(raw)
					if err != nil || c.domainOf(norm) != ds {
						continue
					}
					if c.filterURL(norm) != nil {
						continue
					}
					c.enqueue(ds, norm, "", 1)
				}
			}
		}

		// Unfinished URLs from a prior run: children known from the
		// link tree that were never processed.
		ds.treeMu.Lock()
		var pending []string
		for _, children := range ds.urlTree {
			for child := range children {
				pending = append(pending, child)
			}
		}
		ds.treeMu.Unlock()
		for _, child := range pending {
			c.enqueue(ds, child, "", 1)
		}
	}
}

// restoreStates loads the prior checkpoint. An unreadable checkpoint is
// treated as no prior state.
func (c *Crawler) restoreStates() {
	if c.cfg.StatePath == "" {
		return
	}
	states, err := LoadCrawlStates(c.cfg.StatePath, c.domains[0].slug)
	if err != nil {
		log.Printf("[crawler] no prior state loaded from %s: %v", c.cfg.StatePath, err)
		return
	}
	for _, ds := range c.domains {
		st, ok := states[ds.slug]
		if !ok {
			continue
		}
		clusters := make(map[string]TemplateCluster, len(st.Templates))
		for id, cl := range st.Templates {
			if cl != nil {
				clusters[id] = *cl
			}
		}
		ds.templates.Restore(clusters)
		ds.stats.Restore(st.Stats)
		ds.store.RestoreVisited(st.Visited)
		ds.treeMu.Lock()
		for parent, children := range st.URLTree {
			set := make(map[string]bool, len(children))
			for _, child := range children {
				set[child] = true
			}
			ds.urlTree[parent] = set
		}
		ds.treeMu.Unlock()

		// Prior visits count against the budgets, keeping the visited
		// invariants intact across resumes.
		visited := int64(len(st.Visited))
		ds.enqueued.Store(visited)
		c.totalEnqueued.Add(visited)
	}
}

// dispatch moves frontier items onto the worker pool until the frontier is
// empty with no work in flight, or ctx is cancelled.
func (c *Crawler) dispatch(ctx context.Context, pool *WorkerPool) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := c.frontier.pop()
		if !ok {
			if c.inFlight.Load() == 0 {
				// Re-check: a worker may have pushed between the
				// failed pop and the in-flight read.
				if item, ok = c.frontier.pop(); !ok {
					return
				}
			} else {
				select {
				case <-c.frontier.notify:
				case <-ctx.Done():
					return
				}
				continue
			}
		}
		it := item
		c.inFlight.Add(1)
		err := pool.Submit(func() {
			defer func() {
				c.inFlight.Add(-1)
				c.frontier.wake()
			}()
			c.process(ctx, it)
		})
		if err != nil {
			c.inFlight.Add(-1)
			return
		}
	}
}

// process runs one URL through its lifecycle: robots check, fetch, parse,
// child discovery, checkpoint, visited mark.
func (c *Crawler) process(ctx context.Context, item crawlItem) {
	ds := c.domainOf(item.url)
	if ds == nil {
		return
	}
	defer ds.processed.Add(1)

	if ctx.Err() != nil || ds.abandoned.Load() {
		return
	}

	if err := ds.robots.Check(ctx, item.url); err != nil {
		if errors.Is(err, ErrRobotsBlocked) {
			c.finishURL(ds, item.url, "")
			c.callOnError(item.url, err)
		}
		return
	}

	req := &CrawlRequest{
		URL:        item.url,
		Referrer:   item.referrer,
		Depth:      item.depth,
		Mode:       c.decideMode(ds, item),
		ForceHeavy: item.forceHeavy,
		Headers:    http.Header{},
	}
	c.callOnRequest(req)
	if req.abort {
		return
	}

	res, discovered, err := c.fetchPage(ctx, ds, req)
	if ctx.Err() != nil {
		// Cancelled mid-fetch; leave the URL unvisited so a resumed
		// crawl picks it up again.
		return
	}

	if req.Mode == ModeLight && c.cfg.RenderMode == RenderHybrid && !item.forceHeavy && c.shouldFallback(res, err) {
		if _, retried := ds.fallbackOnce.LoadOrStore(item.url, struct{}{}); !retried {
			ds.stats.Inc(StatHybridFallback)
			log.Printf("[crawler] %s: retrying %s in browser mode", ds.domain, item.url)
			c.frontier.requeue(crawlItem{url: item.url, referrer: item.referrer, depth: item.depth, forceHeavy: true})
			return
		}
	}

	if err != nil {
		ds.stats.Inc(StatPagesFailed)
		ds.failures.Add(1)
		c.maybeAbandon(ds)
		c.finishURL(ds, item.url, "")
		c.callOnError(item.url, err)
		return
	}

	result := c.handlePage(ds, item, res, discovered)
	c.finishURL(ds, item.url, result.URL)
	c.callOnPageCrawled(result)
}

// decideMode implements the per-domain hybrid state machine. Each domain
// renders its first PendingThreshold pages in the browser; once that quota is
// used and the queue has outgrown the threshold, the domain switches to plain
// HTTP for the rest of the crawl.
func (c *Crawler) decideMode(ds *domainState, item crawlItem) FetchMode {
	switch c.cfg.RenderMode {
	case RenderNever:
		return ModeLight
	case RenderAlways:
		return ModeHeavy
	}
	if c.renderer == nil {
		return ModeLight
	}
	if item.forceHeavy {
		return ModeHeavy
	}
	if ds.switched.Load() {
		return ModeLight
	}
	if n := ds.heavyClaimed.Add(1); n <= int64(c.cfg.PendingThreshold) {
		return ModeHeavy
	}
	if ds.pending() > int64(c.cfg.PendingThreshold) {
		if ds.switched.CompareAndSwap(false, true) {
			ds.stats.Inc(StatHybridSwitch)
			log.Printf("[crawler] %s: switching to plain HTTP after %d rendered pages", ds.domain, c.cfg.PendingThreshold)
		}
		return ModeLight
	}
	return ModeHeavy
}

// shouldFallback reports whether a light-mode result needs a browser retry:
// bot-mitigation statuses, a suspiciously small document, or a known
// client-side rendering shell.
func (c *Crawler) shouldFallback(res *FetchResponse, err error) bool {
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return se.Response.StatusCode == http.StatusForbidden ||
				se.Response.StatusCode == http.StatusTooManyRequests
		}
		return false
	}
	if res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		ct := res.ContentType()
		if ct != "" && !strings.Contains(ct, "text/html") {
			return false
		}
		if len(res.Body) < c.cfg.TinyBodyBytes {
			return true
		}
		if LooksClientRendered(res.Body) {
			return true
		}
	}
	return false
}

// fetchPage retrieves a URL on the mode's fetch path. A failed render falls
// back to plain HTTP in hybrid mode rather than failing the URL.
func (c *Crawler) fetchPage(ctx context.Context, ds *domainState, req *CrawlRequest) (*FetchResponse, []string, error) {
	if req.Mode == ModeHeavy && c.renderer != nil {
		select {
		case ds.renderSem <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		defer func() {
			if ctx.Err() == nil {
				c.paceSleep(ds)
			}
			<-ds.renderSem
		}()

		ds.stats.Inc(StatRequestsHeavy)
		res, discovered, err := c.renderer.Render(ctx, req.URL)
		if err == nil {
			return res, discovered, nil
		}
		if c.cfg.RenderMode != RenderHybrid || ctx.Err() != nil {
			return nil, nil, err
		}
		log.Printf("[crawler] browser rendering failed for %s: %v; falling back to plain HTTP", req.URL, err)
	}
	res, err := ds.fetcher.Fetch(ctx, req.URL, req.Headers)
	return res, nil, err
}

// paceSleep applies the politeness delay while the render slot is held,
// mirroring the limit-rule behavior of the plain-HTTP path.
func (c *Crawler) paceSleep(ds *domainState) {
	delay := ds.delay
	if c.cfg.RandomDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(c.cfg.RandomDelay)))
	}
	if delay > 0 {
		time.Sleep(delay)
	}
}

// handlePage turns a fetched response into a PageResult: template
// clustering, link extraction and child enqueuing for HTML documents.
func (c *Crawler) handlePage(ds *domainState, item crawlItem, res *FetchResponse, discovered []string) *PageResult {
	finalNorm := item.url
	if res.FinalURL != "" {
		if n, err := c.normalizer.Normalize(res.FinalURL); err == nil {
			finalNorm = n
		}
	}
	result := &PageResult{
		URL:        finalNorm,
		RequestURL: item.url,
		StatusCode: res.StatusCode,
		Mode:       res.Mode,
		Depth:      item.depth,
		Duration:   res.Duration,
	}

	if res.StatusCode >= 400 {
		ds.stats.Inc(StatPagesFailed)
		ds.failures.Add(1)
		c.maybeAbandon(ds)
		result.Error = fmt.Sprintf("HTTP status %d", res.StatusCode)
		return result
	}

	if ct := res.ContentType(); ct != "" && !strings.Contains(ct, "text/html") {
		return result
	}

	ds.stats.Inc(StatPagesCrawled)
	result.Title = PageTitle(res.Body)
	result.Body = res.Body

	host := HostOf(finalNorm)
	if host == "" {
		host = HostOf(item.url)
	}
	if tid, err := TemplateFingerprint(host, res.Body); err == nil {
		isNew, _ := ds.templates.Observe(tid, finalNorm)
		if isNew {
			ds.stats.Inc(StatTemplatesFound)
		}
		result.TemplateID = tid
		result.NewTemplate = isNew
	}

	page, err := ExtractLinks(finalNorm, res.Body)
	if err != nil {
		return result
	}
	links := page.Links
	for _, u := range discovered {
		if isLikelyResource(u) {
			continue
		}
		links = append(links, Link{URL: u, Region: RegionUnknown})
	}
	result.Links = links
	c.enqueueChildren(ds, finalNorm, item.depth, links)
	return result
}

// enqueueChildren admits a page's outgoing links into the frontier. In-scope
// children are recorded in the link tree even when budgets keep them out of
// the queue, so a resumed crawl can pick them up.
func (c *Crawler) enqueueChildren(ds *domainState, parent string, depth int, links []Link) {
	for _, l := range links {
		norm, err := c.normalizer.Normalize(l.URL)
		if err != nil {
			continue
		}
		target := c.domainOf(norm)
		if target == nil {
			continue
		}
		action := c.urlAction(norm, parent)
		if action == URLActionSkip {
			continue
		}
		if err := c.filterURL(norm); err != nil {
			target.stats.Inc(StatURLsFiltered)
			continue
		}
		target.recordEdge(parent, norm)
		if action == URLActionRecord {
			continue
		}
		if err := c.enqueue(target, norm, parent, depth+1); err == nil {
			target.stats.Inc(StatURLsDiscovered)
		}
	}
}

// filterURL applies the extension blocklist, path patterns and registered
// filters to a normalized URL.
func (c *Crawler) filterURL(normURL string) error {
	path := strings.ToLower(PathOf(normURL))
	for _, ext := range c.cfg.DisallowedExtensions {
		if strings.HasSuffix(path, ext) {
			return ErrForbiddenURL
		}
	}
	for _, re := range c.pathPatterns {
		if re.MatchString(normURL) {
			return ErrForbiddenURL
		}
	}
	c.cbLock.RLock()
	filters := c.urlFilters
	c.cbLock.RUnlock()
	for _, f := range filters {
		if err := f(normURL); err != nil {
			return err
		}
	}
	return nil
}

// enqueue admits one URL into the frontier, enforcing depth, revisit and
// budget rules. Budget accounting and the push are serialized so the
// enqueued counters never overshoot their limits.
func (c *Crawler) enqueue(ds *domainState, normURL, referrer string, depth int) error {
	if c.cfg.MaxDepth > 0 && depth > c.cfg.MaxDepth {
		return ErrMaxDepth
	}
	if visited, _ := ds.store.IsVisited(normURL); visited {
		return ErrAlreadyVisited
	}
	if ds.abandoned.Load() {
		return ErrDomainAbandoned
	}

	c.admitMu.Lock()
	defer c.admitMu.Unlock()
	if c.cfg.MaxURLsPerDomain > 0 && ds.enqueued.Load() >= int64(c.cfg.MaxURLsPerDomain) {
		return ErrMaxURLsPerDomain
	}
	if c.cfg.MaxTotalURLs > 0 && c.totalEnqueued.Load() >= int64(c.cfg.MaxTotalURLs) {
		return ErrMaxTotalURLs
	}
	if !c.frontier.push(crawlItem{url: normURL, referrer: referrer, depth: depth}) {
		return ErrAlreadyQueued
	}
	ds.enqueued.Add(1)
	c.totalEnqueued.Add(1)
	return nil
}

// finishURL persists the checkpoint when the interval is due, then marks the
// URL processed. The alias covers a redirect target so it is not re-fetched.
func (c *Crawler) finishURL(ds *domainState, normURL, alias string) {
	n := c.finished.Add(1)
	if c.cfg.AutoSaveInterval > 0 && c.cfg.StatePath != "" && n%int64(c.cfg.AutoSaveInterval) == 0 {
		if err := c.saveStates(); err != nil {
			log.Printf("[crawler] checkpoint: %v", err)
		}
	}
	ds.store.Visited(normURL)
	if alias != "" && alias != normURL {
		if target := c.domainOf(alias); target == ds {
			ds.store.Visited(alias)
		}
	}
}

// maybeAbandon drops a domain whose failure ratio crossed the configured
// limit. Queued URLs of an abandoned domain are discarded unprocessed.
func (c *Crawler) maybeAbandon(ds *domainState) {
	limit := c.cfg.DomainErrorRateLimit
	if limit >= 1 || ds.abandoned.Load() {
		return
	}
	attempts := ds.processed.Load() + 1
	if attempts < int64(c.cfg.DomainErrorMinAttempts) {
		return
	}
	if float64(ds.failures.Load())/float64(attempts) < limit {
		return
	}
	if ds.abandoned.CompareAndSwap(false, true) {
		log.Printf("[crawler] abandoning %s: %d of %d attempts failed", ds.domain, ds.failures.Load(), attempts)
		c.abandonedMu.Lock()
		c.abandonedDs = append(c.abandonedDs, ds.domain)
		c.abandonedMu.Unlock()
	}
}

// buildStates snapshots the live per-domain data into serializable states.
func (c *Crawler) buildStates() map[string]*CrawlState {
	states := make(map[string]*CrawlState, len(c.domains))
	for _, ds := range c.domains {
		st := NewCrawlState()
		for id, cl := range ds.templates.Snapshot() {
			cluster := cl
			st.Templates[id] = &cluster
		}
		if visited, err := ds.store.VisitedList(); err == nil {
			st.Visited = visited
		}
		ds.treeMu.Lock()
		for parent, children := range ds.urlTree {
			list := make([]string, 0, len(children))
			for child := range children {
				list = append(list, child)
			}
			st.URLTree[parent] = list
		}
		ds.treeMu.Unlock()
		st.Stats = ds.stats.Snapshot()
		states[ds.slug] = st
	}
	return states
}

func (c *Crawler) saveStates() error {
	if c.cfg.StatePath == "" {
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	return SaveCrawlStates(c.cfg.StatePath, c.buildStates())
}

// summary aggregates the final counters across domains.
func (c *Crawler) summary(started time.Time, interrupted bool) *CrawlSummary {
	s := &CrawlSummary{
		States:      c.buildStates(),
		StatePath:   c.cfg.StatePath,
		Interrupted: interrupted,
		Duration:    time.Since(started),
	}
	for _, ds := range c.domains {
		s.PagesCrawled += ds.stats.Get(StatPagesCrawled)
		s.PagesFailed += ds.stats.Get(StatPagesFailed)
		s.URLsDiscovered += ds.stats.Get(StatURLsDiscovered)
		s.Templates += ds.templates.Len()
	}
	c.abandonedMu.Lock()
	s.AbandonedDomains = append(s.AbandonedDomains, c.abandonedDs...)
	c.abandonedMu.Unlock()
	return s
}

// Stats exposes a domain's live counters, mainly for tests and progress
// reporting.
func (c *Crawler) Stats(domain string) *StatCounters {
	for _, ds := range c.domains {
		if ds.domain == domain || ds.slug == domain {
			return ds.stats
		}
	}
	return nil
}
