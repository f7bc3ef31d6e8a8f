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

// Package pipeline orchestrates the audit stages for each configured
// domain: crawl, auth, axe scan, funnels, analysis. Stages run in order,
// gated by the configured start stage, and hand artifacts to each other
// as files under the domain's output tree. A failed stage degrades its
// domain but never blocks the other domains; a resource monitor pauses
// scheduling while the host is under CPU or memory pressure.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/layout"
	"github.com/agentberlin/greenlight/internal/metrics"
	"github.com/agentberlin/greenlight/internal/scanner"
	"github.com/agentberlin/greenlight/internal/store"
)

// StageResult is what one executed stage reports back: whether it
// succeeded, the artifacts it wrote, and anything that went wrong along
// the way. Errors on an OK stage are warnings.
type StageResult struct {
	Stage     string
	OK        bool
	Artifacts []string
	Errors    []string
	Duration  time.Duration
}

// DomainOutcome is one domain's share of a run.
type DomainOutcome struct {
	Domain string
	Host   string
	// RunID is the registry row, zero when no registry is configured.
	RunID  uint
	Stages []StageResult
	// ReportPath is the reports directory, empty when analysis did not
	// produce one.
	ReportPath string
	Score      float64
	// Degraded marks a domain where at least one stage failed.
	Degraded bool
	// Fatal marks an error that must abort the whole run, such as an
	// unwritable output tree.
	Fatal bool
	Err   error
}

// Outcome aggregates a Run across its domains.
type Outcome struct {
	Domains         []DomainOutcome
	ReportsProduced int
	Interrupted     bool
}

// ExitCode maps the outcome onto the process exit contract: 0 when at
// least one report was produced, 1 when none were, 130 when the run was
// interrupted. Fatal configuration and I/O errors surface as Run's error
// and exit 2.
func (o *Outcome) ExitCode() int {
	if o.Interrupted {
		return 130
	}
	if o.ReportsProduced > 0 {
		return 0
	}
	return 1
}

// ProgressFunc receives live stage progress. total is zero when the
// stage cannot estimate one: the crawler discovers its workload as it
// goes, while the scanner knows its target count up front.
type ProgressFunc func(domain, stage string, current, total int64, message string)

// Options carries the pipeline's collaborators. Every field is
// optional: a nil Store skips run registration, a nil Metrics disables
// instrumentation, a nil Mailer falls back to the configured sink.
type Options struct {
	Store   *store.Store
	Metrics *metrics.Metrics
	Mailer  Mailer
	// Progress receives live stage progress, used by the CLI.
	Progress ProgressFunc
	// ResumeCrawl continues from the prior crawl checkpoint instead of
	// archiving the domain tree and starting over.
	ResumeCrawl bool
	// DriverFactory overrides how browser tabs are opened, used by
	// tests. Nil means a chromedp pool sized by the scanner section.
	DriverFactory scanner.DriverFactory
	// Transport overrides the crawler's HTTP transport, used by tests.
	Transport http.RoundTripper
}

// Pipeline executes audits for the configured domains. One Pipeline may
// serve the CLI's synchronous Run and the MCP server's background
// StartAudit at the same time; a domain is never audited twice at once.
type Pipeline struct {
	cfg     *config.Config
	opts    Options
	logger  *zap.Logger
	mailer  Mailer
	monitor *ResourceMonitor

	monitorOnce sync.Once

	mu     sync.Mutex
	active map[string]bool

	background sync.WaitGroup
}

// New builds a pipeline. logger may be nil.
func New(cfg *config.Config, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	mailer := opts.Mailer
	if mailer == nil {
		mailer = NewMailer(cfg.Email)
	}
	return &Pipeline{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		mailer:  mailer,
		monitor: NewResourceMonitor(cfg.CPUThreshold, cfg.MemoryThreshold, opts.Metrics, logger),
		active:  make(map[string]bool),
	}
}

// Run audits every configured domain and blocks until they finish or
// ctx is cancelled. Domains run ConcurrentDomains at a time, sequential
// by default to bound the number of live browsers. The returned error
// covers fatal problems only; per-domain failures are in the outcome.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	if len(p.cfg.Domains) == 0 {
		return nil, fmt.Errorf("no domains configured")
	}
	p.ensureMonitor(ctx)

	outcome := &Outcome{Domains: make([]DomainOutcome, len(p.cfg.Domains))}
	for i, domain := range p.cfg.Domains {
		outcome.Domains[i] = DomainOutcome{Domain: domain}
	}

	slots := p.cfg.ConcurrentDomains
	if slots < 1 {
		slots = 1
	}
	sem := make(chan struct{}, slots)
	var wg sync.WaitGroup
	for i, domain := range p.cfg.Domains {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, domain string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome.Domains[i] = p.auditDomain(ctx, domain, nil)
		}(i, domain)
	}
	wg.Wait()

	var fatalErr error
	for i := range outcome.Domains {
		d := &outcome.Domains[i]
		if d.ReportPath != "" {
			outcome.ReportsProduced++
		}
		if d.Fatal && fatalErr == nil {
			fatalErr = d.Err
		}
	}
	outcome.Interrupted = ctx.Err() != nil
	p.summarize(outcome)
	return outcome, fatalErr
}

// StartAudit registers a run for the domain and executes it in the
// background on ctx, which should outlive the call. It satisfies the
// MCP server's AuditRunner.
func (p *Pipeline) StartAudit(ctx context.Context, domain string) (*store.AuditRun, error) {
	if p.opts.Store == nil {
		return nil, fmt.Errorf("run registry is not configured")
	}
	view := p.cfg.ForDomain(domain)
	host := greenlight.HostOf(view.SeedURL)
	if host == "" {
		return nil, fmt.Errorf("invalid domain %q", domain)
	}
	if p.isActive(host) {
		return nil, fmt.Errorf("an audit for %s is already running", host)
	}
	site, err := p.opts.Store.GetOrCreateSite(host, view.SeedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to register site: %w", err)
	}
	run, err := p.opts.Store.StartRun(site.ID, p.cfg.StartStage)
	if err != nil {
		return nil, fmt.Errorf("failed to register run: %w", err)
	}

	p.ensureMonitor(ctx)
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		p.auditDomain(ctx, domain, run)
	}()
	return run, nil
}

// Drain waits for background audits started via StartAudit, up to the
// given timeout, and reports whether they all finished.
func (p *Pipeline) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// auditDomain runs one domain through the stage sequence. run may be a
// pre-registered registry row (StartAudit) or nil to register one here.
func (p *Pipeline) auditDomain(ctx context.Context, domain string, run *store.AuditRun) DomainOutcome {
	view := p.cfg.ForDomain(domain)
	host := greenlight.HostOf(view.SeedURL)
	out := DomainOutcome{Domain: domain, Host: host}
	if host == "" {
		out.Degraded = true
		out.Err = fmt.Errorf("invalid domain %q", domain)
		p.logger.Error("skipping unparsable domain", zap.String("domain", domain))
		p.finishRun(run, store.RunStatusFailed, out.Err.Error())
		return out
	}

	if !p.acquire(host) {
		out.Degraded = true
		out.Err = fmt.Errorf("an audit for %s is already running", host)
		p.finishRun(run, store.RunStatusFailed, out.Err.Error())
		return out
	}
	defer p.release(host)

	log := p.logger.With(zap.String("domain", host))

	if run == nil && p.opts.Store != nil {
		site, err := p.opts.Store.GetOrCreateSite(host, view.SeedURL)
		if err != nil {
			log.Warn("run registry unavailable", zap.Error(err))
		} else if r, err := p.opts.Store.StartRun(site.ID, p.cfg.StartStage); err != nil {
			log.Warn("failed to register run", zap.Error(err))
		} else {
			run = r
		}
	}
	if run != nil {
		out.RunID = run.ID
	}

	startIdx := config.StageIndex(p.cfg.StartStage)
	if startIdx == 0 && !p.opts.ResumeCrawl {
		if dst, err := layout.ArchiveRuns(p.cfg.OutputDir, host); err != nil {
			log.Warn("could not archive previous outputs", zap.Error(err))
		} else if dst != "" {
			log.Info("archived previous outputs", zap.String("to", dst))
		}
	}
	paths, err := layout.EnsureDomainTree(p.cfg.OutputDir, host)
	if err != nil {
		out.Fatal = true
		out.Err = fmt.Errorf("output tree for %s: %w", host, err)
		p.finishRun(run, store.RunStatusFailed, out.Err.Error())
		return out
	}

	dr := &domainRun{view: view, host: host, paths: paths, logger: log, run: run}
	defer dr.close()

	log.Info("audit starting",
		zap.String("seed", view.SeedURL),
		zap.String("start_stage", p.cfg.StartStage))

	for idx, stage := range config.Stages() {
		if idx < startIdx {
			p.loadPriorArtifacts(dr, stage)
			continue
		}
		if err := p.gate(ctx); err != nil {
			break
		}
		p.progress(host, stage, 0, 0, "starting")

		started := time.Now()
		res, applicable := p.runStage(ctx, dr, stage)
		if !applicable {
			continue
		}
		res.Stage = stage
		res.Duration = time.Since(started)

		out.Stages = append(out.Stages, res)
		p.recordStage(run, res)
		if p.opts.Metrics != nil {
			p.opts.Metrics.RecordStage(host, res.Stage, res.OK, res.Duration)
		}
		if !res.OK {
			out.Degraded = true
			log.Warn("stage failed", zap.String("stage", stage), zap.Strings("errors", res.Errors))
		}
		if ctx.Err() != nil {
			break
		}
	}

	out.ReportPath = dr.reportPath
	out.Score = dr.score
	p.dispatchReport(ctx, dr)

	status := store.RunStatusCompleted
	errMsg := ""
	switch {
	case ctx.Err() != nil:
		status = store.RunStatusCanceled
		errMsg = "interrupted"
	case dr.reportPath == "":
		status = store.RunStatusFailed
		errMsg = firstStageError(out.Stages)
		if errMsg == "" {
			errMsg = "no report produced"
		}
	}
	p.finishRun(run, status, errMsg)
	log.Info("audit finished",
		zap.String("status", status),
		zap.Bool("degraded", out.Degraded),
		zap.String("report", out.ReportPath))
	return out
}

// runStage dispatches one stage. The second return is false when the
// stage does not apply to this domain (no credentials, no funnels) and
// nothing should be recorded.
func (p *Pipeline) runStage(ctx context.Context, dr *domainRun, stage string) (StageResult, bool) {
	switch stage {
	case config.StageCrawler:
		return p.runCrawler(ctx, dr), true
	case config.StageAuth:
		if dr.view.Auth == nil {
			dr.logger.Debug("no credentials configured, skipping auth stage")
			return StageResult{}, false
		}
		return p.runAuth(ctx, dr), true
	case config.StageAxe:
		return p.runScanner(ctx, dr), true
	case config.StageFunnel:
		if len(dr.view.Funnels) == 0 {
			dr.logger.Debug("no funnels configured, skipping funnel stage")
			return StageResult{}, false
		}
		return p.runFunnels(ctx, dr), true
	case config.StageAnalysis:
		return p.runAnalysis(ctx, dr), true
	}
	return StageResult{}, false
}

// loadPriorArtifacts hydrates a skipped stage's outputs from disk so the
// stages that do run can consume them.
func (p *Pipeline) loadPriorArtifacts(dr *domainRun, stage string) {
	switch stage {
	case config.StageCrawler:
		dr.state = p.loadState(dr)
		if dr.state == nil {
			dr.logger.Warn("no prior crawl state found", zap.String("path", dr.paths.CrawlStateFile()))
		}
	case config.StageAuth:
		dr.session = p.loadSession(dr)
	case config.StageFunnel:
		dr.funnelRuns = p.loadFunnelRuns(dr)
	}
}

// gate blocks while the resource monitor has scheduling paused.
func (p *Pipeline) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.monitor.Wait(ctx)
}

func (p *Pipeline) ensureMonitor(ctx context.Context) {
	p.monitorOnce.Do(func() {
		go p.monitor.Run(ctx)
	})
}

func (p *Pipeline) acquire(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[host] {
		return false
	}
	p.active[host] = true
	return true
}

func (p *Pipeline) release(host string) {
	p.mu.Lock()
	delete(p.active, host)
	p.mu.Unlock()
}

func (p *Pipeline) isActive(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[host]
}

func (p *Pipeline) progress(domain, stage string, current, total int64, message string) {
	if p.opts.Progress != nil {
		p.opts.Progress(domain, stage, current, total, message)
	}
}

// recordStage persists a stage result into the run registry.
func (p *Pipeline) recordStage(run *store.AuditRun, res StageResult) {
	if run == nil || p.opts.Store == nil {
		return
	}
	if _, err := p.opts.Store.RecordStage(run.ID, res.Stage, res.OK, res.Duration, res.Errors); err != nil {
		p.logger.Warn("failed to record stage", zap.String("stage", res.Stage), zap.Error(err))
	}
}

func (p *Pipeline) updateRun(run *store.AuditRun, updates map[string]interface{}) {
	if run == nil || p.opts.Store == nil {
		return
	}
	if err := p.opts.Store.UpdateRunStats(run.ID, updates); err != nil {
		p.logger.Warn("failed to update run stats", zap.Uint("run", run.ID), zap.Error(err))
	}
}

func (p *Pipeline) finishRun(run *store.AuditRun, status, errMsg string) {
	if run == nil || p.opts.Store == nil {
		return
	}
	if err := p.opts.Store.FinishRun(run.ID, status, errMsg); err != nil {
		p.logger.Warn("failed to finish run", zap.Uint("run", run.ID), zap.Error(err))
	}
}

// dispatchReport mails the finished report when delivery is enabled.
// Delivery failures are logged, never fatal.
func (p *Pipeline) dispatchReport(ctx context.Context, dr *domainRun) {
	if !p.cfg.Email.Enabled || p.mailer == nil || dr.report == nil {
		return
	}
	sum := dr.report.Summary
	attachments := []string{dr.paths.AnalysisFile()}
	if entries, err := os.ReadDir(dr.paths.Reports); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				attachments = append(attachments, filepath.Join(dr.paths.Reports, e.Name()))
			}
		}
	}
	msg := Message{
		To:      p.cfg.Email.Recipients,
		From:    p.cfg.Email.From,
		Subject: fmt.Sprintf("Accessibility audit for %s: %.1f (%s)", dr.host, sum.Conformance.Score, sum.Conformance.Level),
		Body: fmt.Sprintf("Domain: %s\nGenerated: %s\nConformance: %.1f (%s)\nViolations: %d across %d pages\n\nReports: %s\n",
			sum.Domain, sum.GeneratedAt.Format(time.RFC1123),
			sum.Conformance.Score, sum.Conformance.Level,
			sum.TotalViolations, sum.UniquePages, dr.paths.Reports),
		Attachments: attachments,
	}
	if err := p.mailer.Send(ctx, msg); err != nil {
		dr.logger.Warn("report delivery failed", zap.Error(err))
	}
}

// summarize logs the run's closing lines: degraded domains with their
// reasons, then the totals.
func (p *Pipeline) summarize(outcome *Outcome) {
	for _, d := range outcome.Domains {
		if !d.Degraded && d.Err == nil {
			continue
		}
		reason := "stage failures"
		if d.Err != nil {
			reason = d.Err.Error()
		} else if msg := firstStageError(d.Stages); msg != "" {
			reason = msg
		}
		p.logger.Warn("domain degraded",
			zap.String("domain", d.Domain),
			zap.String("reason", reason))
	}
	p.logger.Info("run finished",
		zap.Int("domains", len(outcome.Domains)),
		zap.Int("reports", outcome.ReportsProduced),
		zap.Bool("interrupted", outcome.Interrupted))
}

func firstStageError(stages []StageResult) string {
	for _, s := range stages {
		if !s.OK && len(s.Errors) > 0 {
			return fmt.Sprintf("%s: %s", s.Stage, s.Errors[0])
		}
	}
	for _, s := range stages {
		if len(s.Errors) > 0 {
			return fmt.Sprintf("%s: %s", s.Stage, s.Errors[0])
		}
	}
	return ""
}
