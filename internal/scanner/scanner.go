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

// Package scanner runs axe-core against a set of URLs through a pool of
// browser workers and collects the findings into a deduplicated
// ViolationSet. Funnel HTML snapshots are scanned the same way via file://
// URLs, with their funnel metadata carried onto every finding.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/internal/auth"
	"github.com/agentberlin/greenlight/internal/browser"
	"github.com/agentberlin/greenlight/internal/funnel"
	"github.com/agentberlin/greenlight/internal/layout"
)

// axe.run is retried this many times after the first failure before the
// URL is given up as unscannable.
const axeRetries = 3

// axeRetryInitial seeds the retry schedule. Tests shrink it.
var axeRetryInitial = 500 * time.Millisecond

// axeRunJS executes the injected rule engine and returns the violations as
// a JSON string so one round trip carries the whole result.
const axeRunJS = `axe.run(document, {resultTypes: ['violations']}).then(function(r) { return JSON.stringify(r.violations); })`

// Target is one unit of scan work.
type Target struct {
	URL string
	// Restricted marks URLs that need the authenticated session; their
	// findings are tagged auth_required.
	Restricted bool
	// Funnel metadata, set only for snapshot targets.
	FunnelName string
	FunnelStep string
	StepNumber int
}

// CrawlTargets selects the representative URL of every template cluster,
// in template order, plus the configured restricted URLs. Restricted
// entries are only added when a session exists: without auth they would
// just bounce off the login wall. Pattern entries guard matching, not
// navigation, so they are skipped here.
func CrawlTargets(state *greenlight.CrawlState, session *auth.Session, restricted []string) []Target {
	var out []Target
	seen := make(map[string]bool)
	if state != nil {
		ids := make([]string, 0, len(state.Templates))
		for id := range state.Templates {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rep := state.Templates[id].RepresentativeURL
			if rep == "" || seen[rep] {
				continue
			}
			seen[rep] = true
			out = append(out, Target{URL: rep, Restricted: session.IsRestricted(rep)})
		}
	}
	if session != nil {
		for _, r := range restricted {
			r = strings.TrimSpace(r)
			if r == "" || strings.ContainsAny(r, "*?[") || !strings.Contains(r, "://") {
				continue
			}
			if seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, Target{URL: r, Restricted: true})
		}
	}
	return out
}

// FunnelTargets converts captured funnel artifacts into file:// scan
// targets. Artifacts without an HTML snapshot are skipped.
func FunnelTargets(artifacts []funnel.Artifact) []Target {
	var out []Target
	for _, a := range artifacts {
		if a.HTMLSnapshotPath == "" {
			continue
		}
		abs, err := filepath.Abs(a.HTMLSnapshotPath)
		if err != nil {
			continue
		}
		out = append(out, Target{
			URL:        "file://" + abs,
			FunnelName: a.FunnelID,
			FunnelStep: a.StepName,
			StepNumber: a.StepIndex,
		})
	}
	return out
}

// DriverFactory opens a fresh browser driver. The scanner closes drivers
// it no longer needs, including after a mid-scan failure, and asks the
// factory for a replacement.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

// PoolFactory adapts a browser pool into a DriverFactory.
func PoolFactory(pool *browser.Pool) DriverFactory {
	return func(ctx context.Context) (browser.Driver, error) {
		return pool.Acquire(ctx)
	}
}

// Options tunes a scan run.
type Options struct {
	// PoolSize is the number of concurrent browser workers. Zero means 3.
	PoolSize int
	// SettlePause is slept after navigation so late scripts finish.
	// Navigation itself is bounded by the browser pool's page timeout.
	SettlePause time.Duration
	// AutoSaveInterval checkpoints outputs every this many processed
	// URLs. Zero means 10; negative saves only on completion.
	AutoSaveInterval int
	// Resume loads the prior outputs: already-scanned URLs are pruned and
	// new findings merge into the prior set instead of replacing it. The
	// funnel pass runs with Resume so snapshot findings extend the page
	// findings.
	Resume bool
	// MaxFragmentBytes truncates captured node HTML. Zero means 4096.
	MaxFragmentBytes int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PoolSize <= 0 {
		out.PoolSize = 3
	}
	if out.AutoSaveInterval == 0 {
		out.AutoSaveInterval = 10
	}
	if out.MaxFragmentBytes <= 0 {
		out.MaxFragmentBytes = 4096
	}
	return out
}

// URLSummary records the per-URL outcome for the scan summary file.
type URLSummary struct {
	URL        string `json:"url"`
	OK         bool   `json:"ok"`
	Violations int    `json:"violations"`
	Error      string `json:"error,omitempty"`
	FunnelName string `json:"funnel_name,omitempty"`
	FunnelStep string `json:"funnel_step,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Scanner drives the worker pool for one domain.
type Scanner struct {
	opts      Options
	newDriver DriverFactory
	paths     layout.DomainPaths
	script    []byte
	session   *auth.Session
	logger    *zap.Logger

	mu        sync.Mutex
	set       *greenlight.ViolationSet
	visited   map[string]bool
	summaries map[string]URLSummary
	processed int
	stream    *os.File
}

// New builds a scanner. session may be nil for unauthenticated runs;
// logger may be nil.
func New(opts Options, factory DriverFactory, paths layout.DomainPaths, script []byte, session *auth.Session, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		opts:      opts.withDefaults(),
		newDriver: factory,
		paths:     paths,
		script:    script,
		session:   session,
		logger:    logger,
	}
}

// Run scans the targets and returns the deduplicated findings. Outputs
// land under axe_output/: the violations array, a JSONL stream of findings
// in arrival order, the visited set, and the per-URL summary. Per-URL
// failures are terminal for that URL only; Run's error reports run-level
// problems such as cancellation.
func (s *Scanner) Run(ctx context.Context, targets []Target) (*greenlight.ViolationSet, error) {
	if len(s.script) == 0 {
		return nil, fmt.Errorf("axe script is empty")
	}
	s.set = greenlight.NewViolationSet()
	s.visited = make(map[string]bool)
	s.summaries = make(map[string]URLSummary)
	s.processed = 0

	if s.opts.Resume {
		s.loadPrior()
	}
	pending := make([]Target, 0, len(targets))
	for _, t := range targets {
		if s.visited[scanKey(t.URL)] {
			continue
		}
		pending = append(pending, t)
	}
	skipped := len(targets) - len(pending)
	if skipped > 0 {
		s.logger.Info("resuming scan", zap.Int("already_scanned", skipped), zap.Int("pending", len(pending)))
	}

	if err := s.openStream(); err != nil {
		return nil, err
	}
	defer s.closeStream()

	work := make(chan Target)
	var wg sync.WaitGroup
	for i := 0; i < s.opts.PoolSize; i++ {
		wg.Add(1)
		go s.worker(ctx, i, work, &wg)
	}
feed:
	for _, t := range pending {
		select {
		case <-ctx.Done():
			break feed
		case work <- t:
		}
	}
	close(work)
	wg.Wait()

	if err := s.persist(); err != nil {
		return s.set, err
	}
	s.logger.Info("scan finished",
		zap.Int("urls", len(pending)),
		zap.Int("violations", s.set.Len()))
	return s.set, ctx.Err()
}

func (s *Scanner) worker(ctx context.Context, id int, work <-chan Target, wg *sync.WaitGroup) {
	defer wg.Done()
	log := s.logger.With(zap.Int("worker", id))
	var drv browser.Driver
	authApplied := false
	defer func() {
		if drv != nil {
			drv.Close()
		}
	}()

	for t := range work {
		if ctx.Err() != nil {
			return
		}
		if drv == nil {
			d, err := s.newDriver(ctx)
			if err != nil {
				log.Error("browser unavailable", zap.Error(err))
				s.record(t, nil, 0, err)
				continue
			}
			drv = d
			authApplied = false
		}
		if t.Restricted && s.session != nil && !authApplied {
			if err := s.session.ApplyToBrowser(drv); err != nil {
				log.Warn("session transfer failed", zap.Error(err))
			} else {
				authApplied = true
			}
		}

		start := time.Now()
		violations, err := s.scanOne(ctx, drv, t)
		if err != nil && ctx.Err() == nil {
			// The worker's browser may be the problem: replace it and
			// give the URL one more chance.
			log.Warn("scan failed, restarting worker browser",
				zap.String("url", t.URL), zap.Error(err))
			drv.Close()
			drv = nil
			authApplied = false
			if d, derr := s.newDriver(ctx); derr == nil {
				drv = d
				if t.Restricted && s.session != nil {
					if aerr := s.session.ApplyToBrowser(drv); aerr == nil {
						authApplied = true
					}
				}
				violations, err = s.scanOne(ctx, drv, t)
			} else {
				err = derr
			}
		}
		s.record(t, violations, time.Since(start), err)
	}
}

func (s *Scanner) scanOne(ctx context.Context, drv browser.Driver, t Target) ([]greenlight.Violation, error) {
	if err := drv.Navigate(t.URL); err != nil {
		return nil, fmt.Errorf("navigate: %v", err)
	}
	if err := settle(ctx, s.opts.SettlePause); err != nil {
		return nil, err
	}
	rules, err := s.runAxe(ctx, drv)
	if err != nil {
		return nil, err
	}
	return s.flatten(t, rules), nil
}

// axeViolation mirrors the slice of the axe-core result the pipeline
// consumes.
type axeViolation struct {
	ID          string    `json:"id"`
	Impact      string    `json:"impact"`
	Description string    `json:"description"`
	Help        string    `json:"help"`
	Nodes       []axeNode `json:"nodes"`
}

type axeNode struct {
	HTML           string   `json:"html"`
	Impact         string   `json:"impact"`
	Target         []string `json:"target"`
	FailureSummary string   `json:"failureSummary"`
}

// runAxe injects the rule engine if the page does not have it yet and
// executes it, retrying the whole sequence on failure. Navigation inside
// the page between attempts is handled by re-injecting every time.
func (s *Scanner) runAxe(ctx context.Context, drv browser.Driver) ([]axeViolation, error) {
	var out []axeViolation
	op := func() error {
		if err := s.inject(drv); err != nil {
			return err
		}
		var raw string
		if err := drv.EvaluateAsync(axeRunJS, &raw); err != nil {
			return fmt.Errorf("axe.run: %v", err)
		}
		var rules []axeViolation
		if err := json.Unmarshal([]byte(raw), &rules); err != nil {
			return fmt.Errorf("parse axe results: %v", err)
		}
		out = rules
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = axeRetryInitial
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 1.5
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, axeRetries), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scanner) inject(drv browser.Driver) error {
	var present bool
	if err := drv.Evaluate("typeof window.axe !== 'undefined'", &present); err != nil {
		return err
	}
	if present {
		return nil
	}
	if err := drv.Evaluate(string(s.script), nil); err != nil {
		return fmt.Errorf("inject axe-core: %v", err)
	}
	if err := drv.Evaluate("typeof window.axe !== 'undefined'", &present); err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("axe-core not present after injection")
	}
	return nil
}

// flatten turns rule-grouped axe results into per-node violation records.
func (s *Scanner) flatten(t Target, rules []axeViolation) []greenlight.Violation {
	var out []greenlight.Violation
	for _, rule := range rules {
		for _, node := range rule.Nodes {
			impact := node.Impact
			if impact == "" {
				impact = rule.Impact
			}
			out = append(out, greenlight.Violation{
				PageURL:          t.URL,
				ViolationID:      rule.ID,
				Impact:           greenlight.ParseImpact(impact),
				Description:      rule.Description,
				Help:             rule.Help,
				TargetSelector:   strings.Join(node.Target, ", "),
				HTMLFragment:     truncate(node.HTML, s.opts.MaxFragmentBytes),
				FailureSummary:   node.FailureSummary,
				AuthRequired:     t.Restricted,
				FunnelName:       t.FunnelName,
				FunnelStep:       t.FunnelStep,
				FunnelStepNumber: t.StepNumber,
			})
		}
	}
	return out
}

// record stores one URL's outcome. A failed URL is still marked visited
// with an empty violations list so a resume does not retry it forever.
func (s *Scanner) record(t Target, violations []greenlight.Violation, dur time.Duration, err error) {
	key := scanKey(t.URL)

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, v := range violations {
		if s.set.Add(key, v) {
			added++
			s.appendStream(v)
		}
	}
	sum := URLSummary{
		URL:        t.URL,
		OK:         err == nil,
		Violations: added,
		FunnelName: t.FunnelName,
		FunnelStep: t.FunnelStep,
		DurationMS: dur.Milliseconds(),
	}
	if err != nil {
		sum.Error = err.Error()
		s.logger.Warn("url not scanned", zap.String("url", t.URL), zap.Error(err))
	}
	s.summaries[t.URL] = sum
	s.visited[key] = true
	s.processed++

	if s.opts.AutoSaveInterval > 0 && s.processed%s.opts.AutoSaveInterval == 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("checkpoint failed", zap.Error(err))
		}
	}
}

func (s *Scanner) openStream() error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !s.opts.Resume {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	if err := os.MkdirAll(s.paths.AxeOutput, 0755); err != nil {
		return fmt.Errorf("failed to create axe output dir: %v", err)
	}
	f, err := os.OpenFile(s.streamPath(), flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open violations stream: %v", err)
	}
	s.stream = f
	return nil
}

func (s *Scanner) closeStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
}

// appendStream writes one finding as a JSONL line. Callers hold s.mu.
func (s *Scanner) appendStream(v greenlight.Violation) {
	if s.stream == nil {
		return
	}
	line, err := json.Marshal(v)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := s.stream.Write(line); err != nil {
		s.logger.Warn("violations stream write failed", zap.Error(err))
	}
}

func (s *Scanner) streamPath() string {
	return strings.TrimSuffix(s.paths.ViolationsFile(), ".json") + ".jsonl"
}

// SummaryFile is where Run writes the per-URL outcomes.
func (s *Scanner) SummaryFile() string {
	return filepath.Join(s.paths.AxeOutput, "scan_summary.json")
}

// loadPrior reads the outputs of an earlier run so this one extends them:
// the visited set prunes finished URLs, and prior findings and summaries
// fold into the fresh set so persist rewrites the union. Corrupt or
// missing files are treated as no prior state.
func (s *Scanner) loadPrior() {
	if data, err := os.ReadFile(s.paths.VisitedFile()); err == nil {
		var urls []string
		if err := json.Unmarshal(data, &urls); err != nil {
			s.logger.Warn("visited set unreadable, rescanning everything",
				zap.String("path", s.paths.VisitedFile()), zap.Error(err))
		} else {
			for _, u := range urls {
				s.visited[u] = true
			}
		}
	}
	if prior, err := greenlight.LoadViolations(s.paths.ViolationsFile()); err == nil {
		for _, v := range prior {
			s.set.Add(scanKey(v.PageURL), v)
		}
	}
	if data, err := os.ReadFile(s.SummaryFile()); err == nil {
		var sums []URLSummary
		if err := json.Unmarshal(data, &sums); err == nil {
			for _, sum := range sums {
				s.summaries[sum.URL] = sum
			}
		}
	}
}

func (s *Scanner) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked writes the violations array, visited set and summary.
// Callers hold s.mu.
func (s *Scanner) persistLocked() error {
	if err := greenlight.SaveViolations(s.paths.ViolationsFile(), s.set.Violations()); err != nil {
		return fmt.Errorf("failed to save violations: %v", err)
	}
	urls := make([]string, 0, len(s.visited))
	for u := range s.visited {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	if err := layout.WriteJSON(s.paths.VisitedFile(), urls); err != nil {
		return fmt.Errorf("failed to save visited set: %v", err)
	}
	sums := make([]URLSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		sums = append(sums, sum)
	}
	sort.Slice(sums, func(i, j int) bool { return sums[i].URL < sums[j].URL })
	if err := layout.WriteJSON(s.SummaryFile(), sums); err != nil {
		return fmt.Errorf("failed to save scan summary: %v", err)
	}
	return nil
}

// scanKey is the dedup and visited key: the normalized URL, or the raw
// value for file:// snapshots and anything the normalizer rejects.
func scanKey(rawURL string) string {
	if strings.HasPrefix(rawURL, "file:") {
		return rawURL
	}
	if n, err := greenlight.Normalize(rawURL); err == nil {
		return n
	}
	return rawURL
}

func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// truncate caps a fragment at max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
