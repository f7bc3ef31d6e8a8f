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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/extensions"
	"github.com/agentberlin/greenlight/internal/analyzer"
	"github.com/agentberlin/greenlight/internal/auth"
	"github.com/agentberlin/greenlight/internal/browser"
	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/funnel"
	"github.com/agentberlin/greenlight/internal/layout"
	"github.com/agentberlin/greenlight/internal/scanner"
	"github.com/agentberlin/greenlight/internal/store"
)

// maxCrawlURLLength keeps faceted-search URL variants out of the frontier.
const maxCrawlURLLength = 2083

// domainRun carries one domain's audit through its stages.
type domainRun struct {
	view   config.DomainView
	host   string
	paths  layout.DomainPaths
	logger *zap.Logger
	run    *store.AuditRun

	session    *auth.Session
	state      *greenlight.CrawlState
	script     []byte
	funnelRuns []analyzer.FunnelRun
	report     *analyzer.Report
	reportPath string
	score      float64

	pool *browser.Pool
}

func (dr *domainRun) close() {
	if dr.pool != nil {
		dr.pool.Close()
		dr.pool = nil
	}
}

// driverFactory hands out browser tabs for the auth, axe and funnel
// stages. The chromedp pool is created on first use and shared for the
// rest of the domain.
func (p *Pipeline) driverFactory(dr *domainRun) scanner.DriverFactory {
	if p.opts.DriverFactory != nil {
		return p.opts.DriverFactory
	}
	if dr.pool == nil {
		dr.pool = browser.NewPool(browser.Config{
			Headful:         p.cfg.Scanner.Headful,
			UserAgent:       p.cfg.Scanner.UserAgent,
			ChromePath:      p.cfg.Scanner.ChromePath,
			PageLoadTimeout: p.cfg.Scanner.PageTimeout(),
		}, p.cfg.Scanner.PoolSize)
	}
	return scanner.PoolFactory(dr.pool)
}

// runCrawler maps the site and checkpoints the crawl state under the
// domain tree.
func (p *Pipeline) runCrawler(ctx context.Context, dr *domainRun) StageResult {
	res := StageResult{OK: true}

	ec := p.cfg.Crawler.EngineConfig(dr.view.SeedURL)
	ec.StatePath = dr.paths.CrawlStateFile()
	ec.Resume = p.opts.ResumeCrawl
	ec.Transport = p.opts.Transport

	engine, err := greenlight.NewCrawler(ec)
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	extensions.Referer(engine)
	extensions.URLLengthFilter(engine, maxCrawlURLLength)

	var crawled atomic.Int64
	engine.OnPageCrawled(func(page *greenlight.PageResult) {
		n := crawled.Add(1)
		if p.opts.Metrics != nil {
			p.opts.Metrics.RecordPageCrawled(dr.host, string(page.Mode))
		}
		p.progress(dr.host, config.StageCrawler, n, 0, page.URL)
	})
	engine.OnError(func(u string, err error) {
		if p.opts.Metrics != nil {
			p.opts.Metrics.RecordCrawlError(dr.host, errorKind(err))
		}
	})

	summary, err := engine.Run(ctx)
	if summary != nil {
		dr.state = stateFromSummary(summary, dr.view.Slug)
		if p.opts.Metrics != nil {
			p.opts.Metrics.SetTemplates(dr.host, summary.Templates)
		}
		p.updateRun(dr.run, map[string]interface{}{"pages_crawled": int(summary.PagesCrawled)})
		res.Artifacts = append(res.Artifacts, dr.paths.CrawlStateFile())
		for _, abandoned := range summary.AbandonedDomains {
			res.Errors = append(res.Errors, fmt.Sprintf("domain %s abandoned for excessive errors", abandoned))
		}
		if summary.Templates == 0 {
			res.Errors = append(res.Errors, "crawl discovered no templates, later stages have nothing to scan")
		}
		dr.logger.Info("crawl finished",
			zap.Int64("pages", summary.PagesCrawled),
			zap.Int64("failed", summary.PagesFailed),
			zap.Int("templates", summary.Templates),
			zap.Duration("took", summary.Duration))
	}
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, err.Error())
	}
	return res
}

// runAuth logs into the site and persists the session for later stages
// and resumed runs. A failed login degrades the domain: dependent
// stages continue unauthenticated and skip restricted URLs.
func (p *Pipeline) runAuth(ctx context.Context, dr *domainRun) StageResult {
	res := StageResult{OK: true}

	drv, err := p.driverFactory(dr)(ctx)
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, fmt.Sprintf("browser unavailable: %v", err))
		return res
	}
	defer drv.Close()

	session, err := auth.Login(ctx, drv, *dr.view.Auth, dr.logger)
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, err.Error())
		dr.logger.Warn("authentication failed, continuing unauthenticated", zap.Error(err))
		return res
	}
	dr.session = session

	if err := session.Save(p.sessionPath(dr)); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("session not persisted: %v", err))
	} else {
		res.Artifacts = append(res.Artifacts, p.sessionPath(dr))
	}
	return res
}

// runScanner feeds the crawl's template representatives plus any
// restricted URLs through axe-core.
func (p *Pipeline) runScanner(ctx context.Context, dr *domainRun) StageResult {
	res := StageResult{OK: true}

	script, err := p.loadScript(ctx, dr)
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if dr.state == nil {
		dr.state = p.loadState(dr)
	}

	targets := scanner.CrawlTargets(dr.state, dr.session, dr.view.Restricted)
	if len(targets) == 0 {
		res.Errors = append(res.Errors, "no scan targets: crawl state is empty and no restricted URLs are configured")
		dr.logger.Warn("axe stage has nothing to scan")
		return res
	}
	p.progress(dr.host, config.StageAxe, 0, int64(len(targets)), "scanning")

	sc := scanner.New(scanner.Options{
		PoolSize:         p.cfg.Scanner.PoolSize,
		SettlePause:      p.cfg.Scanner.SettlePause(),
		AutoSaveInterval: p.cfg.Scanner.AutoSaveInterval,
		Resume:           p.cfg.Scanner.Resume,
	}, p.driverFactory(dr), dr.paths, script, dr.session, dr.logger)

	set, err := sc.Run(ctx, targets)
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, err.Error())
	}
	if set != nil {
		p.recordScanOutcomes(dr, sc.SummaryFile(), set)
		res.Artifacts = append(res.Artifacts,
			dr.paths.ViolationsFile(), dr.paths.VisitedFile(), sc.SummaryFile())
	}
	return res
}

// runFunnels executes the configured funnels, then scans the captured
// snapshots in resume mode so their findings fold into the page
// findings instead of replacing them.
func (p *Pipeline) runFunnels(ctx context.Context, dr *domainRun) StageResult {
	res := StageResult{OK: true}
	factory := p.driverFactory(dr)
	executor := funnel.NewExecutor(dr.paths, dr.logger)

	var artifacts []funnel.Artifact
	for _, def := range dr.view.Funnels {
		if ctx.Err() != nil {
			break
		}
		if def.AuthRequired && dr.session == nil {
			res.Errors = append(res.Errors, fmt.Sprintf("funnel %s needs authentication, skipped", def.ID))
			dr.logger.Warn("skipping funnel that requires a session", zap.String("funnel", def.ID))
			continue
		}

		drv, err := factory(ctx)
		if err != nil {
			res.OK = false
			res.Errors = append(res.Errors, fmt.Sprintf("funnel %s: browser unavailable: %v", def.ID, err))
			break
		}
		if def.AuthRequired {
			if err := dr.session.ApplyToBrowser(drv); err != nil {
				drv.Close()
				res.Errors = append(res.Errors, fmt.Sprintf("funnel %s: session transfer failed: %v", def.ID, err))
				continue
			}
		}

		arts, err := executor.Run(ctx, drv, def)
		drv.Close()
		if err != nil {
			res.OK = false
			res.Errors = append(res.Errors, fmt.Sprintf("funnel %s: %v", def.ID, err))
		}

		completed := 0
		for _, a := range arts {
			if a.Success {
				completed++
			}
			if p.opts.Metrics != nil {
				p.opts.Metrics.RecordFunnelStep(dr.host, def.ID, a.Success)
			}
		}
		if completed < len(def.Steps) {
			res.Errors = append(res.Errors, fmt.Sprintf("funnel %s stopped at step %d of %d", def.ID, completed+1, len(def.Steps)))
		}
		dr.funnelRuns = append(dr.funnelRuns, analyzer.FunnelRun{
			FunnelID:       def.ID,
			StepsCompleted: completed,
			TotalSteps:     len(def.Steps),
		})
		artifacts = append(artifacts, arts...)
		res.Artifacts = append(res.Artifacts, dr.paths.FunnelDir(def.ID))
		p.progress(dr.host, config.StageFunnel, int64(len(dr.funnelRuns)), int64(len(dr.view.Funnels)), def.ID)
	}

	targets := scanner.FunnelTargets(artifacts)
	if len(targets) == 0 {
		return res
	}
	script, err := p.loadScript(ctx, dr)
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	p.pruneSnapshotVisits(dr)

	sc := scanner.New(scanner.Options{
		PoolSize:         p.cfg.Scanner.PoolSize,
		SettlePause:      p.cfg.Scanner.SettlePause(),
		AutoSaveInterval: p.cfg.Scanner.AutoSaveInterval,
		Resume:           true,
	}, factory, dr.paths, script, dr.session, dr.logger)

	set, err := sc.Run(ctx, targets)
	if err != nil {
		res.OK = false
		res.Errors = append(res.Errors, fmt.Sprintf("snapshot scan: %v", err))
	}
	if set != nil {
		p.updateRun(dr.run, map[string]interface{}{"violation_count": set.Len()})
	}
	return res
}

// runAnalysis turns the accumulated findings into the report workbook.
// It tolerates missing inputs: an empty scan still yields a report.
func (p *Pipeline) runAnalysis(ctx context.Context, dr *domainRun) StageResult {
	res := StageResult{OK: true}

	violations, err := greenlight.LoadViolations(dr.paths.ViolationsFile())
	if err != nil {
		if os.IsNotExist(err) {
			res.Errors = append(res.Errors, "no violations file, analyzing an empty scan")
		} else {
			res.Errors = append(res.Errors, fmt.Sprintf("violations unreadable: %v", err))
		}
		violations = nil
	}
	if dr.state == nil {
		dr.state = p.loadState(dr)
	}
	if len(dr.funnelRuns) == 0 {
		dr.funnelRuns = p.loadFunnelRuns(dr)
	}

	multipliers := make(map[string]float64, len(dr.view.Funnels))
	for _, def := range dr.view.Funnels {
		multipliers[def.ID] = def.Multiplier()
	}

	report := analyzer.New(analyzer.Options{
		Domain:             dr.host,
		Weights:            p.cfg.Analysis.Weights(),
		WeightedMultiplier: p.cfg.Analysis.WeightedMultiplier,
		CriticalMultiplier: p.cfg.Analysis.CriticalMultiplier,
		FunnelEnabled:      p.cfg.Funnel.AnalysisEnabled,
		FunnelMultipliers:  multipliers,
		FunnelRuns:         dr.funnelRuns,
	}, dr.logger).Analyze(violations, dr.state)

	if err := analyzer.WriteReport(report, dr.paths); err != nil {
		res.OK = false
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	dr.report = report
	dr.reportPath = dr.paths.Reports
	dr.score = report.Summary.Conformance.Score
	res.Artifacts = append(res.Artifacts, dr.paths.AnalysisFile(), dr.paths.Reports)

	if p.opts.Metrics != nil {
		p.opts.Metrics.SetAuditScore(dr.host, report.Summary.Conformance.Score)
	}
	p.updateRun(dr.run, map[string]interface{}{
		"score":           report.Summary.Conformance.Score,
		"violation_count": report.Summary.TotalViolations,
		"report_path":     dr.paths.Reports,
	})
	dr.logger.Info("analysis finished",
		zap.Float64("score", report.Summary.Conformance.Score),
		zap.String("level", report.Summary.Conformance.Level),
		zap.Int("violations", report.Summary.TotalViolations))
	return res
}

// loadScript resolves axe-core once per domain: a pinned file, the
// local cache, or the CDN. Downloads get a short retry budget.
func (p *Pipeline) loadScript(ctx context.Context, dr *domainRun) ([]byte, error) {
	if dr.script != nil {
		return dr.script, nil
	}
	src := scanner.ScriptSource{
		Path:    p.cfg.Scanner.AxeScriptPath,
		Version: p.cfg.Scanner.AxeVersion,
		Logger:  dr.logger,
	}
	var script []byte
	op := func() error {
		data, err := src.Load(ctx)
		if err != nil {
			return err
		}
		script = data
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("axe-core unavailable: %v", err)
	}
	dr.script = script
	return script, nil
}

func (p *Pipeline) sessionPath(dr *domainRun) string {
	return filepath.Join(dr.paths.Temp, "session.json")
}

// loadState reads the crawl checkpoint. Unreadable state is treated as
// no prior state.
func (p *Pipeline) loadState(dr *domainRun) *greenlight.CrawlState {
	states, err := greenlight.LoadCrawlStates(dr.paths.CrawlStateFile(), dr.paths.Slug)
	if err != nil {
		if !os.IsNotExist(err) {
			dr.logger.Warn("crawl state unreadable, continuing without it", zap.Error(err))
		}
		return nil
	}
	if st, ok := states[dr.paths.Slug]; ok {
		return st
	}
	// Engine slugs carry the port; a single-domain checkpoint holds
	// exactly one state either way.
	for _, st := range states {
		return st
	}
	return nil
}

func (p *Pipeline) loadSession(dr *domainRun) *auth.Session {
	session, err := auth.LoadSession(p.sessionPath(dr))
	if err != nil {
		dr.logger.Warn("saved session unreadable, continuing unauthenticated", zap.Error(err))
		return nil
	}
	if session != nil {
		dr.logger.Info("reusing saved session", zap.String("strategy", session.Strategy))
	}
	return session
}

// loadFunnelRuns rebuilds the completion counts from the results files
// of an earlier funnel stage.
func (p *Pipeline) loadFunnelRuns(dr *domainRun) []analyzer.FunnelRun {
	var runs []analyzer.FunnelRun
	for _, def := range dr.view.Funnels {
		data, err := os.ReadFile(filepath.Join(dr.paths.FunnelDir(def.ID), "results.json"))
		if err != nil {
			continue
		}
		var results []struct {
			Step    string `json:"step"`
			Success bool   `json:"success"`
		}
		if err := json.Unmarshal(data, &results); err != nil {
			dr.logger.Warn("funnel results unreadable", zap.String("funnel", def.ID), zap.Error(err))
			continue
		}
		completed := 0
		for _, r := range results {
			if r.Success {
				completed++
			}
		}
		runs = append(runs, analyzer.FunnelRun{
			FunnelID:       def.ID,
			StepsCompleted: completed,
			TotalSteps:     len(def.Steps),
		})
	}
	return runs
}

// recordScanOutcomes feeds per-URL scan results into the metrics and
// the run registry. Funnel snapshots are excluded from the page count.
func (p *Pipeline) recordScanOutcomes(dr *domainRun, summaryPath string, set *greenlight.ViolationSet) {
	pages := 0
	if data, err := os.ReadFile(summaryPath); err == nil {
		var sums []scanner.URLSummary
		if err := json.Unmarshal(data, &sums); err == nil {
			for _, sum := range sums {
				if sum.FunnelName != "" {
					continue
				}
				pages++
				if p.opts.Metrics != nil {
					p.opts.Metrics.RecordPageScanned(dr.host, sum.OK, time.Duration(sum.DurationMS)*time.Millisecond)
				}
			}
		}
	}
	if p.opts.Metrics != nil {
		byImpact := make(map[string]int)
		for _, v := range set.Violations() {
			byImpact[string(v.Impact)]++
		}
		for impact, n := range byImpact {
			p.opts.Metrics.RecordViolations(dr.host, impact, n)
		}
	}
	p.updateRun(dr.run, map[string]interface{}{
		"pages_scanned":   pages,
		"violation_count": set.Len(),
	})
}

// pruneSnapshotVisits drops file:// entries from the visited set.
// Snapshots are rewritten on every funnel run, so a prior visit must
// not mask the fresh capture from the resume-mode scan.
func (p *Pipeline) pruneSnapshotVisits(dr *domainRun) {
	data, err := os.ReadFile(dr.paths.VisitedFile())
	if err != nil {
		return
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return
	}
	kept := urls[:0]
	for _, u := range urls {
		if strings.HasPrefix(u, "file:") {
			continue
		}
		kept = append(kept, u)
	}
	if len(kept) == len(urls) {
		return
	}
	if err := layout.WriteJSON(dr.paths.VisitedFile(), kept); err != nil {
		dr.logger.Warn("could not prune snapshot visits", zap.Error(err))
	}
}

// stateFromSummary picks this domain's state out of a crawl summary.
func stateFromSummary(summary *greenlight.CrawlSummary, slug string) *greenlight.CrawlState {
	if st, ok := summary.States[slug]; ok {
		return st
	}
	// Engine slugs carry the port; a single-domain crawl has exactly
	// one state.
	for _, st := range summary.States {
		return st
	}
	return nil
}

// errorKind buckets crawl errors for the metrics labels.
func errorKind(err error) string {
	switch {
	case errors.Is(err, greenlight.ErrRobotsBlocked):
		return "robots"
	case errors.Is(err, greenlight.ErrTooManyRedirects):
		return "redirects"
	default:
		var se *greenlight.StatusError
		if errors.As(err, &se) {
			return "http_status"
		}
		return "fetch"
	}
}
