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
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/glob"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

// FetchMode identifies which fetch path produced a response.
type FetchMode string

const (
	// ModeHeavy renders the page in a headless browser before capture.
	ModeHeavy FetchMode = "browser"
	// ModeLight fetches the page over plain HTTP without rendering.
	ModeLight FetchMode = "http"
)

// FetchResponse is the result of fetching a single URL, independent of
// whether the heavy or light path produced it.
type FetchResponse struct {
	// StatusCode is the HTTP status of the final response in the chain.
	StatusCode int
	// Body is the response body, decoded to UTF-8 for textual content.
	Body []byte
	// Headers are the response headers of the final response.
	Headers *http.Header
	// FinalURL is the URL the response was served from after redirects.
	FinalURL string
	// Redirects lists each URL that answered with a redirect, in order.
	Redirects []string
	// Mode records which fetch path produced this response.
	Mode FetchMode
	// Trace holds optional connection timings for the final request.
	Trace *HTTPTrace
	// Duration is the total wall time including retries and redirects.
	Duration time.Duration
}

// ContentType returns the Content-Type header of the response, if any.
func (r *FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// LimitRule provides connection restrictions for domains. Both DomainRegexp
// and DomainGlob can be used to specify the domains a rule applies to.
type LimitRule struct {
	// DomainRegexp is a regular expression to match against domains
	DomainRegexp string
	// DomainGlob is a glob pattern to match against domains
	DomainGlob string
	// Delay is the duration to wait before creating a new request to the matching domains
	Delay time.Duration
	// RandomDelay is the extra randomized duration to wait added to Delay before creating a new request
	RandomDelay time.Duration
	// Parallelism is the number of the maximum allowed concurrent requests of the matching domains
	Parallelism    int
	waitChan       chan bool
	compiledRegexp *regexp.Regexp
	compiledGlob   glob.Glob
}

// Init initializes the private members of LimitRule.
func (r *LimitRule) Init() error {
	waitChanSize := 1
	if r.Parallelism > 1 {
		waitChanSize = r.Parallelism
	}
	r.waitChan = make(chan bool, waitChanSize)
	hasPattern := false
	if r.DomainRegexp != "" {
		c, err := regexp.Compile(r.DomainRegexp)
		if err != nil {
			return err
		}
		r.compiledRegexp = c
		hasPattern = true
	}
	if r.DomainGlob != "" {
		c, err := glob.Compile(r.DomainGlob)
		if err != nil {
			return err
		}
		r.compiledGlob = c
		hasPattern = true
	}
	if !hasPattern {
		return ErrNoPattern
	}
	return nil
}

// Match checks whether the rule applies to the given domain.
func (r *LimitRule) Match(domain string) bool {
	if r.compiledRegexp != nil && r.compiledRegexp.MatchString(domain) {
		return true
	}
	if r.compiledGlob != nil && r.compiledGlob.Match(domain) {
		return true
	}
	return false
}

// Retry timing follows the usual exponential schedule: 0.5s initial interval,
// x1.5 growth, 50% jitter, capped at 60s between attempts.
const (
	retryInitialInterval     = 500 * time.Millisecond
	retryRandomizationFactor = 0.5
	retryMultiplier          = 1.5
	retryMaxInterval         = 60 * time.Second
)

// retryableStatuses are transient server-side conditions worth retrying.
// 403 is included because bot mitigation layers commonly answer with it
// before letting a backoff-respecting client through.
var retryableStatuses = map[int]bool{
	http.StatusForbidden:           true,
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	520:                            true,
	521:                            true,
	522:                            true,
	523:                            true,
	524:                            true,
}

var errRetryableStatus = errors.New("retryable status")

// FetchConfig configures a Fetcher.
type FetchConfig struct {
	// UserAgent is sent with every request.
	UserAgent string
	// MaxBodySize truncates response bodies larger than this many bytes.
	// Zero means the default of 10MB.
	MaxBodySize int
	// MaxRedirects bounds the redirect chain. Zero means the default of 10.
	MaxRedirects int
	// RetryBudget is the number of retries after the first attempt.
	// Negative disables retries; zero means the default of 3.
	RetryBudget int
	// Timeout bounds each individual request attempt.
	Timeout time.Duration
	// EnableTrace attaches connection timing to responses.
	EnableTrace bool
	// Jar is the cookie jar shared with the browser fetch path.
	Jar http.CookieJar
	// Transport overrides the HTTP transport, used by tests.
	Transport http.RoundTripper
	// Stats receives request and retry counters when non-nil.
	Stats *StatCounters
}

// Fetcher is the plain HTTP fetch path. It performs its own redirect
// handling so that method and header semantics stay under crawl control,
// retries transient failures with exponential backoff, and decodes textual
// bodies to UTF-8.
type Fetcher struct {
	client       *http.Client
	limitRules   []*LimitRule
	lock         *sync.RWMutex
	userAgent    string
	maxBodySize  int
	maxRedirects int
	retryBudget  int
	enableTrace  bool
	stats        *StatCounters
}

// NewFetcher creates a Fetcher from the given configuration.
func NewFetcher(cfg FetchConfig) *Fetcher {
	jar := cfg.Jar
	if jar == nil {
		jar, _ = cookiejar.New(nil)
	}
	maxBody := cfg.MaxBodySize
	if maxBody == 0 {
		maxBody = 10 * 1024 * 1024
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = 10
	}
	retries := cfg.RetryBudget
	if retries == 0 {
		retries = 3
	} else if retries < 0 {
		retries = 0
	}
	return &Fetcher{
		client: &http.Client{
			Transport: cfg.Transport,
			Jar:       jar,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		lock:         &sync.RWMutex{},
		userAgent:    cfg.UserAgent,
		maxBodySize:  maxBody,
		maxRedirects: maxRedirects,
		retryBudget:  retries,
		enableTrace:  cfg.EnableTrace,
		stats:        cfg.Stats,
	}
}

// Jar returns the cookie jar so the browser path can share session state.
func (f *Fetcher) Jar() http.CookieJar {
	return f.client.Jar
}

// Limit adds a new LimitRule.
func (f *Fetcher) Limit(rule *LimitRule) error {
	if err := rule.Init(); err != nil {
		return err
	}
	f.lock.Lock()
	f.limitRules = append(f.limitRules, rule)
	f.lock.Unlock()
	return nil
}

// Limits adds new LimitRules.
func (f *Fetcher) Limits(rules []*LimitRule) error {
	for _, r := range rules {
		if err := f.Limit(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) matchingRule(domain string) *LimitRule {
	f.lock.RLock()
	defer f.lock.RUnlock()
	for _, r := range f.limitRules {
		if r.Match(domain) {
			return r
		}
	}
	return nil
}

// Fetch retrieves a URL with GET.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers http.Header) (*FetchResponse, error) {
	return f.Do(ctx, http.MethodGet, rawURL, nil, headers)
}

// Do retrieves a URL with the given method and optional body. Redirects are
// followed manually: 301, 302 and 303 rewrite the method to GET, while 307
// and 308 replay the original method and body. The Authorization header is
// dropped when a redirect leaves the original host.
func (f *Fetcher) Do(ctx context.Context, method, rawURL string, body []byte, headers http.Header) (*FetchResponse, error) {
	started := time.Now()

	req, err := f.newRequest(ctx, method, rawURL, body, headers)
	if err != nil {
		return nil, err
	}

	if rule := f.matchingRule(req.URL.Hostname()); rule != nil {
		rule.waitChan <- true
		defer func(r *LimitRule) {
			randomDelay := time.Duration(0)
			if r.RandomDelay != 0 {
				randomDelay = time.Duration(rand.Int63n(int64(r.RandomDelay)))
			}
			time.Sleep(r.Delay + randomDelay)
			<-r.waitChan
		}(rule)
	}

	if f.stats != nil {
		f.stats.Inc(StatRequestsLight)
	}

	var redirects []string
	curMethod, curBody := method, body
	for hop := 0; ; hop++ {
		res, trace, err := f.doWithRetry(req)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) {
				se.Response.FinalURL = req.URL.String()
				se.Response.Redirects = redirects
				se.Response.Duration = time.Since(started)
			}
			return nil, err
		}

		if !isRedirectStatus(res.StatusCode) {
			fr, err := f.readResponse(res, req.URL.String(), trace)
			if err != nil {
				return nil, err
			}
			fr.Redirects = redirects
			fr.Duration = time.Since(started)
			return fr, nil
		}

		drainBody(res)
		if hop >= f.maxRedirects {
			return nil, ErrTooManyRedirects
		}
		loc := res.Header.Get("Location")
		if loc == "" {
			return nil, ErrTooManyRedirects
		}
		nextURL, err := req.URL.Parse(loc)
		if err != nil {
			return nil, err
		}
		redirects = append(redirects, req.URL.String())

		// 303 and the legacy 301/302 rewrite to GET; 307/308 replay.
		if res.StatusCode != http.StatusTemporaryRedirect && res.StatusCode != http.StatusPermanentRedirect {
			curMethod = http.MethodGet
			curBody = nil
		}
		prevHost := req.URL.Host
		req, err = f.newRequest(ctx, curMethod, nextURL.String(), curBody, headers)
		if err != nil {
			return nil, err
		}
		if req.URL.Host != prevHost {
			req.Header.Del("Authorization")
		}
	}
}

func (f *Fetcher) newRequest(ctx context.Context, method, rawURL string, body []byte, headers http.Header) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	for key, values := range headers {
		req.Header[key] = append([]string{}, values...)
	}
	return req, nil
}

// doWithRetry issues a single hop of the redirect chain, retrying transient
// transport errors and retryable statuses with exponential backoff. A
// Retry-After header on a rejected response stretches the next interval.
func (f *Fetcher) doWithRetry(req *http.Request) (*http.Response, *HTTPTrace, error) {
	var (
		success   *http.Response
		lastTrace *HTTPTrace
		lastCode  int
		lastHdr   http.Header
	)

	rab := &retryAfterBackOff{delegate: newFetchBackOff()}
	var bo backoff.BackOff = backoff.WithMaxRetries(rab, uint64(f.retryBudget))
	bo = backoff.WithContext(bo, req.Context())

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 && f.stats != nil {
			f.stats.Inc(StatRequestRetries)
		}
		r := req
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			r = req.Clone(req.Context())
			r.Body = body
		}
		if f.enableTrace {
			lastTrace = &HTTPTrace{}
			r = lastTrace.WithTrace(r)
		}
		res, err := f.client.Do(r)
		if err != nil {
			if req.Context().Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if retryableStatuses[res.StatusCode] {
			lastCode = res.StatusCode
			lastHdr = cloneHeaders(res.Header)
			if d, ok := parseRetryAfter(res.Header.Get("Retry-After")); ok {
				rab.override = d
			}
			drainBody(res)
			return errRetryableStatus
		}
		success = res
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, errRetryableStatus) && lastCode != 0 {
			return nil, nil, &StatusError{Response: &FetchResponse{
				StatusCode: lastCode,
				Headers:    &lastHdr,
				Mode:       ModeLight,
				Trace:      lastTrace,
			}}
		}
		return nil, nil, err
	}
	return success, lastTrace, nil
}

func (f *Fetcher) readResponse(res *http.Response, finalURL string, trace *HTTPTrace) (*FetchResponse, error) {
	var bodyReader io.Reader = res.Body
	if strings.Contains(res.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(bodyReader)
		if err != nil {
			res.Body.Close()
			return nil, err
		}
		defer gz.Close()
		bodyReader = gz
	}
	if f.maxBodySize > 0 {
		bodyReader = io.LimitReader(bodyReader, int64(f.maxBodySize))
	}
	body, err := io.ReadAll(bodyReader)
	res.Body.Close()
	if err != nil {
		return nil, err
	}

	contentType := res.Header.Get("Content-Type")
	if isTextualContent(contentType) {
		body = decodeToUTF8(body, contentType)
	}

	headers := cloneHeaders(res.Header)
	return &FetchResponse{
		StatusCode: res.StatusCode,
		Body:       body,
		Headers:    &headers,
		FinalURL:   finalURL,
		Mode:       ModeLight,
		Trace:      trace,
	}, nil
}

func newFetchBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.RandomizationFactor = retryRandomizationFactor
	bo.Multiplier = retryMultiplier
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0
	return bo
}

// retryAfterBackOff widens the next interval to honor a server-provided
// Retry-After value, then falls back to the exponential schedule.
type retryAfterBackOff struct {
	delegate backoff.BackOff
	override time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.delegate.NextBackOff()
	if b.override > 0 {
		if b.override > d {
			d = b.override
		}
		b.override = 0
	}
	return d
}

func (b *retryAfterBackOff) Reset() {
	b.override = 0
	b.delegate.Reset()
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isTextualContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "html") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "json")
}

var htmlDetector = chardet.NewHtmlDetector()

// decodeToUTF8 converts a textual body to UTF-8. Header and meta declarations
// win; when neither is present the byte distribution decides.
func decodeToUTF8(body []byte, contentType string) []byte {
	if len(body) == 0 {
		return body
	}
	_, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain {
		if det, err := htmlDetector.DetectBest(body); err == nil && det.Confidence >= 40 {
			if _, err := htmlindex.Get(det.Charset); err == nil {
				name = det.Charset
			}
		}
	}
	if strings.EqualFold(name, "utf-8") {
		return body
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

func drainBody(res *http.Response) {
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	res.Body.Close()
}
