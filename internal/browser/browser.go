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

// Package browser wraps chromedp behind a small driver vocabulary shared by
// the auth driver, funnel executor and scanner. A Pool bounds how many
// browser tabs exist at once; each Session is one tab.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// Driver is the verb set the audit stages need from a browser tab. Tests
// substitute fakes; *Session is the chromedp implementation.
type Driver interface {
	Navigate(url string) error
	WaitVisible(selector string, timeout time.Duration) error
	Click(selector string) error
	SendKeys(selector, value string) error
	SelectOption(selector, value string) error
	SubmitForm(selector string) error
	Evaluate(js string, out any) error
	EvaluateAsync(js string, out any) error
	OuterHTML() (string, error)
	Screenshot() ([]byte, error)
	Location() (string, error)
	SetCookies(u *url.URL, cookies []*http.Cookie) error
	Cookies(pageURL string) ([]*http.Cookie, error)
	SetExtraHeaders(headers map[string]string) error
	Close()
}

var _ Driver = (*Session)(nil)

// Config configures the shared browser allocator.
type Config struct {
	// Headful disables headless mode for local debugging.
	Headful bool
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// ChromePath points at a specific Chrome binary when non-empty.
	ChromePath string
	// PageLoadTimeout bounds navigation and each driver verb. Zero means 30s.
	PageLoadTimeout time.Duration
	// WindowWidth and WindowHeight size the viewport. Zero means 1920x1080.
	WindowWidth  int
	WindowHeight int
}

// Pool owns one browser allocator and hands out at most size concurrent
// tabs. Sessions must be Closed to return their slot.
type Pool struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	slots       chan struct{}
	timeout     time.Duration
}

// NewPool creates a browser pool. The underlying Chrome process starts
// lazily with the first Session.
func NewPool(cfg Config, size int) *Pool {
	if size <= 0 {
		size = 3
	}
	width, height := cfg.WindowWidth, cfg.WindowHeight
	if width == 0 {
		width = 1920
	}
	if height == 0 {
		height = 1080
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !cfg.Headful),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(width, height),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}

	timeout := cfg.PageLoadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	p := &Pool{
		slots:   make(chan struct{}, size),
		timeout: timeout,
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return p
}

// Acquire blocks until a tab slot is free, then opens a fresh tab. The
// returned Session is not safe for concurrent use.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.slots:
	}

	tabCtx, tabCancel := chromedp.NewContext(p.allocCtx)
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		tabCancel()
		p.slots <- struct{}{}
		return nil, fmt.Errorf("failed to start browser tab: %v", err)
	}
	return &Session{
		ctx:     tabCtx,
		cancel:  tabCancel,
		timeout: p.timeout,
		release: func() { p.slots <- struct{}{} },
	}, nil
}

// Close tears down the allocator and every remaining tab.
func (p *Pool) Close() {
	if p.allocCancel != nil {
		p.allocCancel()
	}
}

// Session is one browser tab. Verbs are bounded by the pool's page-load
// timeout unless they take their own.
type Session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	release func()
}

// Close closes the tab and returns its pool slot.
func (s *Session) Close() {
	s.cancel()
	if s.release != nil {
		s.release()
	}
}

func (s *Session) run(timeout time.Duration, actions ...chromedp.Action) error {
	ctx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
		defer cancel()
	}
	return chromedp.Run(ctx, actions...)
}

// Navigate loads a URL and waits for the document body. file:// URLs work
// the same way, which is how funnel snapshots get scanned.
func (s *Session) Navigate(rawURL string) error {
	err := s.run(s.timeout,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %v", rawURL, err)
	}
	return nil
}

// WaitVisible blocks until the selector matches a visible element or the
// timeout elapses. timeout <= 0 uses the pool default.
func (s *Session) WaitVisible(selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.timeout
	}
	if err := s.run(timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element %s not visible: %v", selector, err)
	}
	return nil
}

const nativeClickTimeout = 5 * time.Second

// Click clicks the first element matching the selector. When the native
// click cannot reach the element (overlays, off-screen targets) it scrolls
// the element into view and clicks from JavaScript instead.
func (s *Session) Click(selector string) error {
	err := s.run(nativeClickTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
	if err == nil {
		return nil
	}

	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.scrollIntoView({block: 'center'});
		el.click();
		return true;
	})()`, selector)
	var clicked bool
	if evalErr := s.Evaluate(js, &clicked); evalErr != nil {
		return fmt.Errorf("failed to click %s: %v", selector, evalErr)
	}
	if !clicked {
		return fmt.Errorf("failed to click %s: no element matches", selector)
	}
	return nil
}

// SendKeys focuses the element and types the value, firing the same input
// events a user would.
func (s *Session) SendKeys(selector, value string) error {
	if err := s.run(s.timeout, chromedp.SendKeys(selector, value, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to type into %s: %v", selector, err)
	}
	return nil
}

// SelectOption sets a <select> to the given option value and dispatches
// input/change so framework bindings notice.
func (s *Session) SelectOption(selector, value string) error {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.value = %q;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`, selector, value)
	var ok bool
	if err := s.Evaluate(js, &ok); err != nil {
		return fmt.Errorf("failed to select option in %s: %v", selector, err)
	}
	if !ok {
		return fmt.Errorf("failed to select option: no element matches %s", selector)
	}
	return nil
}

// SubmitForm submits the form containing the selector's element.
func (s *Session) SubmitForm(selector string) error {
	if err := s.run(s.timeout, chromedp.Submit(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to submit form %s: %v", selector, err)
	}
	return nil
}

// Evaluate runs a JavaScript expression. out may be nil when the result is
// not needed.
func (s *Session) Evaluate(js string, out any) error {
	return s.run(s.timeout, chromedp.Evaluate(js, out))
}

// EvaluateAsync runs an expression that yields a Promise and waits for it
// to settle. The axe runner depends on this.
func (s *Session) EvaluateAsync(js string, out any) error {
	return s.run(s.timeout, chromedp.Evaluate(js, out,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
}

// OuterHTML returns the serialized current document.
func (s *Session) OuterHTML() (string, error) {
	var html string
	if err := s.run(s.timeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to capture document: %v", err)
	}
	return html, nil
}

// Screenshot captures the full page as PNG.
func (s *Session) Screenshot() ([]byte, error) {
	var buf []byte
	if err := s.run(s.timeout, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %v", err)
	}
	return buf, nil
}

// Location returns the tab's current URL.
func (s *Session) Location() (string, error) {
	var loc string
	if err := s.run(s.timeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %v", err)
	}
	return loc, nil
}

// SetCookies installs cookies into the browser for the given URL's host.
func (s *Session) SetCookies(u *url.URL, cookies []*http.Cookie) error {
	return s.run(s.timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			domain := c.Domain
			if domain == "" {
				domain = u.Hostname()
			}
			path := c.Path
			if path == "" {
				path = "/"
			}
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(domain).
				WithPath(path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HttpOnly).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("failed to set cookie %s: %v", c.Name, err)
			}
		}
		return nil
	}))
}

// Cookies returns the browser's cookies scoped to the given page URL.
func (s *Session) Cookies(pageURL string) ([]*http.Cookie, error) {
	var out []*http.Cookie
	err := s.run(s.timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithURLs([]string{pageURL}).Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, &http.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HttpOnly: c.HTTPOnly,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %v", err)
	}
	return out, nil
}

// SetExtraHeaders attaches headers to every request the tab makes. Basic
// auth rides through here.
func (s *Session) SetExtraHeaders(headers map[string]string) error {
	if len(headers) == 0 {
		return nil
	}
	converted := make(network.Headers, len(headers))
	for k, v := range headers {
		converted[k] = v
	}
	if err := s.run(s.timeout, network.SetExtraHTTPHeaders(converted)); err != nil {
		return fmt.Errorf("failed to set extra headers: %v", err)
	}
	return nil
}
