// Copyright 2025 Agentic World, LLC (Sherin Thomas)
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
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// RenderWaits controls how long the renderer pauses at each stage of a page
// load. The scroll pass exists to trigger lazy-loaded content.
type RenderWaits struct {
	// InitialWaitMs is the pause after the document becomes ready, giving
	// client-side frameworks time to hydrate.
	InitialWaitMs int
	// ScrollWaitMs is the pause after scrolling to the bottom.
	ScrollWaitMs int
	// FinalWaitMs is the pause after scrolling back to the top.
	FinalWaitMs int
}

func (w RenderWaits) withDefaults() RenderWaits {
	if w.InitialWaitMs == 0 {
		w.InitialWaitMs = 1500
	}
	if w.ScrollWaitMs == 0 {
		w.ScrollWaitMs = 2000
	}
	if w.FinalWaitMs == 0 {
		w.FinalWaitMs = 1000
	}
	return w
}

// RenderConfig configures a Renderer.
type RenderConfig struct {
	// Timeout bounds a single page render. Zero means 30s.
	Timeout time.Duration
	// Waits controls the pauses during rendering.
	Waits RenderWaits
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// Jar, when set, is synchronized with the browser: its cookies are
	// installed before navigation and the browser's cookies are written
	// back after the render completes.
	Jar http.CookieJar
	// Stats receives request counters when non-nil.
	Stats *StatCounters
}

// Renderer is the browser-based fetch path. It renders pages in headless
// Chrome and captures the post-JavaScript DOM together with every URL the
// page requested while loading.
//
// NOTE: Render has no internal rate limiting. Parallelism is controlled by
// the caller. Each browser context consumes roughly 100-200MB of RAM, so
// very high parallelism (>10) is not advisable.
type Renderer struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	timeout     time.Duration
	waits       RenderWaits
	jar         http.CookieJar
	stats       *StatCounters
}

// NewRenderer creates a Renderer with its own browser allocator.
func NewRenderer(cfg RenderConfig) *Renderer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	r := &Renderer{
		timeout: timeout,
		waits:   cfg.Waits.withDefaults(),
		jar:     cfg.Jar,
		stats:   cfg.Stats,
	}
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return r
}

// Close cleans up the renderer resources.
func (r *Renderer) Close() {
	if r.allocCancel != nil {
		r.allocCancel()
	}
}

// Render loads a page in a fresh browser context and returns the rendered
// document plus every URL the page requested while loading (scripts, styles,
// images, XHR targets). The response status and headers are those of the
// main document.
func (r *Renderer) Render(ctx context.Context, rawURL string) (*FetchResponse, []string, error) {
	tabCtx, cancel := chromedp.NewContext(r.allocCtx)
	defer cancel()

	tabCtx, cancel = context.WithTimeout(tabCtx, r.timeout)
	defer cancel()

	// Propagate caller cancellation into the tab context.
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-tabCtx.Done():
			}
		}()
	}

	if r.stats != nil {
		r.stats.Inc(StatRequestsHeavy)
	}

	var (
		mu         sync.Mutex
		discovered = make(map[string]bool)
		docStatus  int
		docHeaders http.Header
	)

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			// Capture all network requests (JS, CSS, images, fonts, API calls, etc.)
			requestURL := ev.Request.URL
			if requestURL != "" && requestURL != rawURL {
				mu.Lock()
				discovered[requestURL] = true
				mu.Unlock()
			}
		case *network.EventResponseReceived:
			// The first document response is the main navigation; iframes
			// and client-side navigations come later.
			if ev.Type == network.ResourceTypeDocument {
				mu.Lock()
				if docStatus == 0 {
					docStatus = int(ev.Response.Status)
					docHeaders = cdpHeaders(ev.Response.Headers)
				}
				mu.Unlock()
			}
		}
	})

	var htmlContent, finalURL string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		r.installCookies(rawURL),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// Initial wait for JavaScript to execute and client-side frameworks
		// to hydrate, so link hydration and client routing settle.
		chromedp.Sleep(time.Duration(r.waits.InitialWaitMs)*time.Millisecond),
		// Scroll to bottom to trigger lazy-loaded images
		chromedp.Evaluate(`window.scrollTo({top: document.body.scrollHeight, behavior: 'smooth'})`, nil),
		chromedp.Sleep(time.Duration(r.waits.ScrollWaitMs)*time.Millisecond),
		// Scroll back to top to ensure we capture all content
		chromedp.Evaluate(`window.scrollTo({top: 0, behavior: 'smooth'})`, nil),
		chromedp.Sleep(time.Duration(r.waits.FinalWaitMs)*time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &htmlContent, chromedp.ByQuery),
		r.exportCookies(&finalURL),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("browser rendering failed: %w", err)
	}

	mu.Lock()
	if docStatus == 0 {
		docStatus = http.StatusOK
	}
	if docHeaders == nil {
		docHeaders = make(http.Header)
	}
	urls := make([]string, 0, len(discovered))
	for u := range discovered {
		urls = append(urls, u)
	}
	status := docStatus
	headers := docHeaders
	mu.Unlock()

	if finalURL == "" {
		finalURL = rawURL
	}

	return &FetchResponse{
		StatusCode: status,
		Body:       []byte(htmlContent),
		Headers:    &headers,
		FinalURL:   finalURL,
		Mode:       ModeHeavy,
	}, urls, nil
}

// installCookies copies jar cookies for the target URL into the browser so
// sessions established over plain HTTP survive the switch to rendering.
func (r *Renderer) installCookies(rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if r.jar == nil {
			return nil
		}
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil
		}
		for _, c := range r.jar.Cookies(u) {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(u.Hostname()).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// exportCookies writes the browser's cookies for the final URL back into the
// jar so a later plain HTTP fetch carries the same session.
func (r *Renderer) exportCookies(finalURL *string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if r.jar == nil || finalURL == nil || *finalURL == "" {
			return nil
		}
		u, err := url.Parse(*finalURL)
		if err != nil {
			return nil
		}
		cookies, err := network.GetCookies().WithURLs([]string{*finalURL}).Do(ctx)
		if err != nil {
			return err
		}
		converted := make([]*http.Cookie, 0, len(cookies))
		for _, c := range cookies {
			converted = append(converted, &http.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Path:     c.Path,
				Secure:   c.Secure,
				HttpOnly: c.HTTPOnly,
			})
		}
		if len(converted) > 0 {
			r.jar.SetCookies(u, converted)
		}
		return nil
	})
}

func cdpHeaders(h network.Headers) http.Header {
	headers := make(http.Header, len(h))
	for key, value := range h {
		if s, ok := value.(string); ok {
			headers.Set(key, s)
		}
	}
	return headers
}
