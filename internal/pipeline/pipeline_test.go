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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/internal/auth"
	"github.com/agentberlin/greenlight/internal/browser"
	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/funnel"
	"github.com/agentberlin/greenlight/internal/layout"
	"github.com/agentberlin/greenlight/internal/scanner"
	"github.com/agentberlin/greenlight/internal/store"
)

const axeProbe = "typeof window.axe !== 'undefined'"

const axeImageAlt = `[{"id":"image-alt","impact":"critical","description":"Images must have alternate text","help":"Images must have alternate text","nodes":[{"html":"<img src=\"hero.png\">","impact":"critical","target":["img"],"failureSummary":"Fix any of the following: add an alt attribute"}]}]`

// fakeBrowser is shared by every tab its factory hands out, so fixtures
// and counters survive across stages and worker restarts.
type fakeBrowser struct {
	mu      sync.Mutex
	axeJSON string
	waitErr error
	created int
	closed  int
	navs    []string
}

func (b *fakeBrowser) factory() scanner.DriverFactory {
	return func(ctx context.Context) (browser.Driver, error) {
		b.mu.Lock()
		b.created++
		b.mu.Unlock()
		return &fakeTab{env: b}, nil
	}
}

func (b *fakeBrowser) navCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.navs)
}

func (b *fakeBrowser) counts() (created, closed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created, b.closed
}

type fakeTab struct {
	env      *fakeBrowser
	location string
	loaded   bool
}

func (d *fakeTab) Navigate(u string) error {
	d.env.mu.Lock()
	d.env.navs = append(d.env.navs, u)
	d.env.mu.Unlock()
	d.location = u
	d.loaded = false
	return nil
}

func (d *fakeTab) WaitVisible(selector string, timeout time.Duration) error {
	return d.env.waitErr
}

func (d *fakeTab) Click(selector string) error            { return nil }
func (d *fakeTab) SendKeys(selector, value string) error  { return nil }
func (d *fakeTab) SelectOption(selector, v string) error  { return nil }
func (d *fakeTab) SubmitForm(selector string) error       { return nil }

func (d *fakeTab) Evaluate(js string, out any) error {
	if js == axeProbe {
		if bp, ok := out.(*bool); ok {
			*bp = d.loaded
		}
		return nil
	}
	d.loaded = true
	return nil
}

func (d *fakeTab) EvaluateAsync(js string, out any) error {
	if sp, ok := out.(*string); ok {
		raw := d.env.axeJSON
		if raw == "" {
			raw = "[]"
		}
		*sp = raw
	}
	return nil
}

func (d *fakeTab) OuterHTML() (string, error) {
	return "<html><body><button>Pay</button></body></html>", nil
}

func (d *fakeTab) Screenshot() ([]byte, error) { return []byte{0x89, 'P', 'N', 'G'}, nil }
func (d *fakeTab) Location() (string, error)   { return d.location, nil }

func (d *fakeTab) SetCookies(u *url.URL, cookies []*http.Cookie) error { return nil }
func (d *fakeTab) Cookies(pageURL string) ([]*http.Cookie, error)      { return nil, nil }
func (d *fakeTab) SetExtraHeaders(headers map[string]string) error     { return nil }

func (d *fakeTab) Close() {
	d.env.mu.Lock()
	d.env.closed++
	d.env.mu.Unlock()
}

// fixtureSite serves a small storefront: a home page, two product pages
// sharing a template, a contact page and a login form. robots.txt and
// the sitemap are intentionally absent.
func fixtureSite(t *testing.T) *httptest.Server {
	t.Helper()
	page := func(title, main string) string {
		return fmt.Sprintf(`<!DOCTYPE html><html><head><title>%s</title></head><body>
<nav><a href="/">Home</a> <a href="/products/1">One</a> <a href="/products/2">Two</a> <a href="/contact">Contact</a></nav>
<main>%s</main></body></html>`, title, main)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, page("Home", `<h1>Storefront</h1><img src="hero.png">`))
	})
	mux.HandleFunc("/products/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page("Product", `<h1>Product</h1><p>Price: 10</p>`))
	})
	mux.HandleFunc("/contact", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page("Contact", `<h1>Contact</h1><form><input type="text"></form>`))
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page("Login", `<form id="f"><input id="user"><input id="pass"><button id="go">Go</button></form>`))
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page("Account", `<h1>Account</h1>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// testConfig builds a fast single-domain configuration rooted in a temp
// directory, with the resource monitor disabled and a local axe script.
func testConfig(t *testing.T, seed string) *config.Config {
	t.Helper()
	scriptPath := filepath.Join(t.TempDir(), "axe.min.js")
	if err := os.WriteFile(scriptPath, []byte("window.axe={run:function(){}}"), 0644); err != nil {
		t.Fatalf("write axe script: %v", err)
	}
	cfg := config.Default()
	cfg.Domains = []string{seed}
	cfg.OutputDir = t.TempDir()
	cfg.CPUThreshold = 0
	cfg.MemoryThreshold = 0
	cfg.Crawler.HybridMode = false
	cfg.Crawler.RequestDelay = 0
	cfg.Crawler.MaxURLs = 10
	cfg.Crawler.SitemapDiscovery = false
	cfg.Scanner.PoolSize = 2
	cfg.Scanner.SleepTime = 0
	cfg.Scanner.AxeScriptPath = scriptPath
	return cfg
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStoreForTesting(filepath.Join(t.TempDir(), "greenlight.db"))
	if err != nil {
		t.Fatalf("NewStoreForTesting: %v", err)
	}
	return st
}

func TestAuditProducesReport(t *testing.T) {
	srv := fixtureSite(t)
	cfg := testConfig(t, srv.URL)
	cfg.Email = config.EmailConfig{
		Enabled:    true,
		Recipients: []string{"a11y@example.com"},
		From:       "audits@example.com",
		SinkDir:    filepath.Join(cfg.OutputDir, "outbox"),
	}
	st := openTestStore(t)
	fb := &fakeBrowser{axeJSON: axeImageAlt}

	p := New(cfg, Options{Store: st, DriverFactory: fb.factory()}, nil)
	outcome, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ReportsProduced != 1 {
		t.Fatalf("ReportsProduced = %d, want 1", outcome.ReportsProduced)
	}
	if code := outcome.ExitCode(); code != 0 {
		t.Fatalf("ExitCode = %d, want 0", code)
	}

	d := outcome.Domains[0]
	if d.Degraded {
		t.Fatalf("domain degraded: %+v", d.Stages)
	}
	if d.RunID == 0 {
		t.Fatal("run was not registered")
	}
	wantStages := []string{config.StageCrawler, config.StageAxe, config.StageAnalysis}
	if len(d.Stages) != len(wantStages) {
		t.Fatalf("stages = %d, want %d: %+v", len(d.Stages), len(wantStages), d.Stages)
	}
	for i, s := range d.Stages {
		if s.Stage != wantStages[i] {
			t.Errorf("stage[%d] = %s, want %s", i, s.Stage, wantStages[i])
		}
		if !s.OK {
			t.Errorf("stage %s failed: %v", s.Stage, s.Errors)
		}
	}

	paths := layout.PathsFor(cfg.OutputDir, "127.0.0.1")
	if _, err := os.Stat(paths.AnalysisFile()); err != nil {
		t.Fatalf("analysis file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(paths.Reports, "01_executive_summary.csv")); err != nil {
		t.Fatalf("executive summary missing: %v", err)
	}

	violations, err := greenlight.LoadViolations(paths.ViolationsFile())
	if err != nil {
		t.Fatalf("LoadViolations: %v", err)
	}
	if len(violations) == 0 {
		t.Fatal("expected violations from the fake browser")
	}

	run, err := st.GetRunByID(d.RunID)
	if err != nil {
		t.Fatalf("GetRunByID: %v", err)
	}
	if run.Status != store.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed (error %q)", run.Status, run.Error)
	}
	if run.PagesCrawled == 0 || run.PagesScanned == 0 || run.ViolationCount == 0 {
		t.Fatalf("run stats not updated: %+v", run)
	}
	if run.ReportPath == "" {
		t.Fatal("run report path not set")
	}

	records, err := st.GetStagesForRun(d.RunID)
	if err != nil {
		t.Fatalf("GetStagesForRun: %v", err)
	}
	if len(records) != len(wantStages) {
		t.Fatalf("stage records = %d, want %d", len(records), len(wantStages))
	}

	mails, err := os.ReadDir(cfg.Email.SinkDir)
	if err != nil || len(mails) != 1 {
		t.Fatalf("expected one delivered report, got %d (err %v)", len(mails), err)
	}
}

func TestAuditAuthAndFunnels(t *testing.T) {
	srv := fixtureSite(t)
	cfg := testConfig(t, srv.URL)
	cfg.Auth.Domains = map[string]auth.Config{
		"127.0.0.1": {
			Type:             auth.TypeForm,
			LoginURL:         srv.URL + "/login",
			Username:         "auditor",
			Password:         "secret",
			UsernameSelector: "#user",
			PasswordSelector: "#pass",
			SubmitSelector:   "#go",
			SuccessIndicator: "#app",
			WaitSeconds:      0.2,
			RestrictedURLs:   []string{srv.URL + "/account"},
		},
	}
	cfg.Funnel.Definitions = []funnel.Definition{{
		ID:           "checkout",
		AuthRequired: true,
		Steps: []funnel.Step{{
			Name:             "open cart",
			URL:              srv.URL + "/",
			Actions:          []funnel.Action{{Type: funnel.ActionClick, Selector: "#buy"}},
			SuccessCondition: &funnel.SuccessCondition{Type: funnel.CondElementVisible, Selector: "nav"},
		}},
	}}

	fb := &fakeBrowser{axeJSON: axeImageAlt}
	p := New(cfg, Options{DriverFactory: fb.factory()}, nil)
	outcome, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := outcome.Domains[0]
	if d.Degraded {
		t.Fatalf("domain degraded: %+v", d.Stages)
	}
	wantStages := []string{config.StageCrawler, config.StageAuth, config.StageAxe, config.StageFunnel, config.StageAnalysis}
	if len(d.Stages) != len(wantStages) {
		t.Fatalf("stages = %d, want %d: %+v", len(d.Stages), len(wantStages), d.Stages)
	}
	for i, s := range d.Stages {
		if s.Stage != wantStages[i] {
			t.Errorf("stage[%d] = %s, want %s", i, s.Stage, wantStages[i])
		}
	}

	paths := layout.PathsFor(cfg.OutputDir, "127.0.0.1")
	if _, err := os.Stat(filepath.Join(paths.FunnelDir("checkout"), "results.json")); err != nil {
		t.Fatalf("funnel results missing: %v", err)
	}

	violations, err := greenlight.LoadViolations(paths.ViolationsFile())
	if err != nil {
		t.Fatalf("LoadViolations: %v", err)
	}
	var restricted, funnelTagged bool
	for _, v := range violations {
		if v.AuthRequired && v.FunnelName == "" {
			restricted = true
		}
		if v.FunnelName == "checkout" {
			funnelTagged = true
		}
	}
	if !restricted {
		t.Error("expected a violation from the restricted page")
	}
	if !funnelTagged {
		t.Error("expected a violation from the funnel snapshot")
	}

	if _, err := os.Stat(filepath.Join(paths.Temp, "session.json")); err != nil {
		t.Fatalf("session not persisted: %v", err)
	}

	created, closed := fb.counts()
	if created == 0 || created != closed {
		t.Fatalf("driver leak: created %d, closed %d", created, closed)
	}
}

func TestAuditAuthFailureDegrades(t *testing.T) {
	srv := fixtureSite(t)
	cfg := testConfig(t, srv.URL)
	cfg.Auth.Domains = map[string]auth.Config{
		"127.0.0.1": {
			Type:             auth.TypeForm,
			LoginURL:         srv.URL + "/login",
			Username:         "auditor",
			Password:         "secret",
			UsernameSelector: "#user",
			PasswordSelector: "#pass",
			SubmitSelector:   "#go",
			SuccessIndicator: "#app",
			WaitSeconds:      0.2,
			RestrictedURLs:   []string{srv.URL + "/account"},
		},
	}

	fb := &fakeBrowser{axeJSON: axeImageAlt, waitErr: errors.New("selector never appeared")}
	p := New(cfg, Options{DriverFactory: fb.factory()}, nil)
	outcome, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := outcome.Domains[0]
	if !d.Degraded {
		t.Fatal("expected a degraded domain after the failed login")
	}
	var authResult *StageResult
	for i := range d.Stages {
		if d.Stages[i].Stage == config.StageAuth {
			authResult = &d.Stages[i]
		}
	}
	if authResult == nil || authResult.OK {
		t.Fatalf("auth stage should have failed: %+v", d.Stages)
	}

	// Degraded, not dead: the audit still produces a report and the
	// restricted page is left out of the scan.
	if outcome.ReportsProduced != 1 {
		t.Fatalf("ReportsProduced = %d, want 1", outcome.ReportsProduced)
	}
	if code := outcome.ExitCode(); code != 0 {
		t.Fatalf("ExitCode = %d, want 0", code)
	}
	paths := layout.PathsFor(cfg.OutputDir, "127.0.0.1")
	violations, err := greenlight.LoadViolations(paths.ViolationsFile())
	if err != nil {
		t.Fatalf("LoadViolations: %v", err)
	}
	for _, v := range violations {
		if v.AuthRequired {
			t.Fatalf("restricted page was scanned without a session: %s", v.PageURL)
		}
	}
}

func TestAuditStartStageGating(t *testing.T) {
	cfg := testConfig(t, "gating.test")
	cfg.StartStage = config.StageAnalysis

	paths, err := layout.EnsureDomainTree(cfg.OutputDir, "gating.test")
	if err != nil {
		t.Fatalf("EnsureDomainTree: %v", err)
	}
	seed := []greenlight.Violation{{
		PageURL:        "https://gating.test/",
		ViolationID:    "image-alt",
		Impact:         greenlight.ImpactCritical,
		TargetSelector: "img",
	}}
	if err := greenlight.SaveViolations(paths.ViolationsFile(), seed); err != nil {
		t.Fatalf("SaveViolations: %v", err)
	}

	p := New(cfg, Options{}, nil)
	outcome, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := outcome.Domains[0]
	if len(d.Stages) != 1 || d.Stages[0].Stage != config.StageAnalysis {
		t.Fatalf("expected only the analysis stage, got %+v", d.Stages)
	}
	if outcome.ReportsProduced != 1 {
		t.Fatalf("ReportsProduced = %d, want 1", outcome.ReportsProduced)
	}
	if _, err := os.Stat(paths.AnalysisFile()); err != nil {
		t.Fatalf("analysis file missing: %v", err)
	}
}

func TestStartAuditRunsInBackground(t *testing.T) {
	srv := fixtureSite(t)
	cfg := testConfig(t, srv.URL)
	st := openTestStore(t)
	fb := &fakeBrowser{axeJSON: axeImageAlt}
	p := New(cfg, Options{Store: st, DriverFactory: fb.factory()}, nil)

	// The guard rejects a second audit for a host that is in flight.
	if !p.acquire("127.0.0.1") {
		t.Fatal("acquire failed on an idle pipeline")
	}
	if _, err := p.StartAudit(context.Background(), srv.URL); err == nil {
		t.Fatal("expected a duplicate-audit error")
	}
	p.release("127.0.0.1")

	run, err := p.StartAudit(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("StartAudit: %v", err)
	}
	if run.Status != store.RunStatusRunning {
		t.Fatalf("initial status = %s, want running", run.Status)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		r, err := st.GetRunByID(run.ID)
		if err != nil {
			t.Fatalf("GetRunByID: %v", err)
		}
		if r.Status != store.RunStatusRunning {
			if r.Status != store.RunStatusCompleted {
				t.Fatalf("final status = %s (error %q)", r.Status, r.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background audit did not finish in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !p.Drain(5 * time.Second) {
		t.Fatal("Drain timed out")
	}
}

func TestStartAuditNeedsStore(t *testing.T) {
	cfg := testConfig(t, "nostore.test")
	p := New(cfg, Options{}, nil)
	if _, err := p.StartAudit(context.Background(), "nostore.test"); err == nil {
		t.Fatal("expected an error without a run registry")
	}
}

func TestRunInterrupted(t *testing.T) {
	srv := fixtureSite(t)
	cfg := testConfig(t, srv.URL)
	st := openTestStore(t)
	fb := &fakeBrowser{axeJSON: axeImageAlt}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(cfg, Options{
		Store:         st,
		DriverFactory: fb.factory(),
		Progress: func(domain, stage string, current, total int64, message string) {
			if stage == config.StageCrawler && current >= 1 {
				cancel()
			}
		},
	}, nil)

	outcome, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Interrupted {
		t.Fatal("outcome should be marked interrupted")
	}
	if code := outcome.ExitCode(); code != 130 {
		t.Fatalf("ExitCode = %d, want 130", code)
	}
	d := outcome.Domains[0]
	if d.RunID != 0 {
		run, err := st.GetRunByID(d.RunID)
		if err != nil {
			t.Fatalf("GetRunByID: %v", err)
		}
		if run.Status != store.RunStatusCanceled {
			t.Fatalf("run status = %s, want canceled", run.Status)
		}
	}
	if fb.navCount() != 0 {
		t.Fatalf("no browser work expected after an interrupted crawl, got %d navigations", fb.navCount())
	}
}

func TestOutcomeExitCode(t *testing.T) {
	cases := []struct {
		name    string
		outcome Outcome
		want    int
	}{
		{"report produced", Outcome{ReportsProduced: 1}, 0},
		{"nothing produced", Outcome{}, 1},
		{"interrupted", Outcome{ReportsProduced: 1, Interrupted: true}, 130},
	}
	for _, tc := range cases {
		if got := tc.outcome.ExitCode(); got != tc.want {
			t.Errorf("%s: ExitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
}
