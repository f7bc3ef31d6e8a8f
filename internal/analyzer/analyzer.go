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

// Package analyzer consolidates raw scan findings into ranked,
// WCAG-annotated aggregation tables, per-template projections, and a
// heuristic conformance score.
package analyzer

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/internal/funnel"
	"github.com/agentberlin/greenlight/internal/wcag"
)

// impactOrder fixes the row order of every per-impact table and chart.
var impactOrder = []greenlight.Impact{
	greenlight.ImpactCritical,
	greenlight.ImpactSerious,
	greenlight.ImpactModerate,
	greenlight.ImpactMinor,
	greenlight.ImpactUnknown,
}

// Row is one cleaned and enriched finding.
type Row struct {
	greenlight.Violation
	NormalizedURL string         `json:"normalized_url"`
	PageType      string         `json:"page_type"`
	Criterion     wcag.Criterion `json:"wcag"`
	SeverityScore int            `json:"severity_score"`
	// FunnelSeverityScore is SeverityScore times the funnel multiplier,
	// set only for findings from funnel snapshots.
	FunnelSeverityScore float64 `json:"funnel_severity_score,omitempty"`
}

// ImpactRow is one line of the By Impact table.
type ImpactRow struct {
	Impact         greenlight.Impact `json:"impact"`
	Count          int               `json:"count"`
	Percentage     float64           `json:"percentage"`
	PerPageAverage float64           `json:"per_page_average"`
}

// PageRow is one line of the By Page table, sorted by priority.
type PageRow struct {
	URL           string                    `json:"url"`
	PageType      string                    `json:"page_type"`
	Total         int                       `json:"total"`
	ByImpact      map[greenlight.Impact]int `json:"by_impact"`
	PriorityScore int                       `json:"priority_score"`
}

// ViolationRow is one line of the By Violation table.
type ViolationRow struct {
	ViolationID      string            `json:"violation_id"`
	Occurrences      int               `json:"occurrences"`
	AffectedPages    int               `json:"affected_pages"`
	MostCommonImpact greenlight.Impact `json:"most_common_impact"`
	PriorityScore    int               `json:"priority_score"`
	Criterion        wcag.Criterion    `json:"wcag"`
	Solution         wcag.Solution     `json:"solution"`
}

// PageTypeRow aggregates findings over a coarse page category.
type PageTypeRow struct {
	PageType      string                    `json:"page_type"`
	Pages         int                       `json:"pages"`
	Total         int                       `json:"total"`
	ByImpact      map[greenlight.Impact]int `json:"by_impact"`
	PriorityScore float64                   `json:"priority_score"`
	TopPrinciple  wcag.Principle            `json:"top_principle"`
}

// TemplateRow aggregates findings over a DOM template cluster.
type TemplateRow struct {
	TemplateID        string                    `json:"template_id"`
	RepresentativeURL string                    `json:"representative_url"`
	Pages             int                       `json:"pages"`
	Total             int                       `json:"total"`
	ByImpact          map[greenlight.Impact]int `json:"by_impact"`
	PriorityScore     float64                   `json:"priority_score"`
	TopPrinciple      wcag.Principle            `json:"top_principle"`
}

// FunnelRow aggregates findings over one funnel, weighted by the funnel
// severity score.
type FunnelRow struct {
	Funnel         string                    `json:"funnel"`
	StepsCompleted int                       `json:"steps_completed"`
	TotalSteps     int                       `json:"total_steps"`
	Total          int                       `json:"total"`
	ByImpact       map[greenlight.Impact]int `json:"by_impact"`
	WeightedScore  float64                   `json:"weighted_score"`
}

// FunnelStepRow aggregates findings over one funnel step.
type FunnelStepRow struct {
	Funnel        string                    `json:"funnel"`
	Step          string                    `json:"step"`
	StepNumber    int                       `json:"step_number"`
	Total         int                       `json:"total"`
	ByImpact      map[greenlight.Impact]int `json:"by_impact"`
	WeightedScore float64                   `json:"weighted_score"`
}

// ProjectionRow extrapolates the representative page's findings over its
// whole template cluster. Always an estimate.
type ProjectionRow struct {
	TemplateID        string                    `json:"template_id"`
	RepresentativeURL string                    `json:"representative_url"`
	OccurrenceCount   int                       `json:"occurrence_count"`
	SampleTotal       int                       `json:"sample_total"`
	ProjectedByImpact map[greenlight.Impact]int `json:"projected_by_impact"`
	ProjectedTotal    int                       `json:"projected_total"`
	PriorityScore     float64                   `json:"priority_score"`
	Criticality       string                    `json:"criticality"`
	Estimated         bool                      `json:"estimated"`
}

// Recommendation is one entry of the ranked remediation list.
type Recommendation struct {
	Rank        int               `json:"rank"`
	ViolationID string            `json:"violation_id"`
	Impact      greenlight.Impact `json:"impact"`
	Occurrences int               `json:"occurrences"`
	Pages       int               `json:"pages"`
	Criterion   wcag.Criterion    `json:"wcag"`
	Solution    wcag.Solution     `json:"solution"`
	// Snippet is readable text from one affected node.
	Snippet string `json:"snippet,omitempty"`
}

// ChartSeries is one named value series of a chart descriptor.
type ChartSeries struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// ChartDescriptor describes a chart for an external renderer.
type ChartDescriptor struct {
	ID     string        `json:"id"`
	Type   string        `json:"type"`
	Title  string        `json:"title"`
	Labels []string      `json:"labels"`
	Series []ChartSeries `json:"series"`
}

// Conformance is the heuristic score block. It carries no legal weight.
type Conformance struct {
	Score                   float64 `json:"score"`
	Level                   string  `json:"level"`
	WeightedSeverityPerPage float64 `json:"weighted_severity_per_page"`
	CriticalPageFraction    float64 `json:"critical_page_fraction"`
	Reduction               float64 `json:"reduction"`
	UniquePages             int     `json:"unique_pages"`
}

// Summary is the report header block.
type Summary struct {
	Domain             string      `json:"domain"`
	GeneratedAt        time.Time   `json:"generated_at"`
	RawRows            int         `json:"raw_rows"`
	DroppedRows        int         `json:"dropped_rows"`
	DedupedRows        int         `json:"deduped_rows"`
	TotalViolations    int         `json:"total_violations"`
	UniquePages        int         `json:"unique_pages"`
	UniqueViolationIDs int         `json:"unique_violation_ids"`
	TemplatesKnown     int         `json:"templates_known"`
	FunnelsAnalyzed    int         `json:"funnels_analyzed"`
	Conformance        Conformance `json:"conformance"`
}

// Report is the full analysis bundle.
type Report struct {
	Summary         Summary           `json:"summary"`
	ByImpact        []ImpactRow       `json:"by_impact"`
	ByPage          []PageRow         `json:"by_page"`
	ByViolation     []ViolationRow    `json:"by_violation"`
	ByPageType      []PageTypeRow     `json:"by_page_type"`
	ByTemplate      []TemplateRow     `json:"by_template,omitempty"`
	ByFunnel        []FunnelRow       `json:"by_funnel,omitempty"`
	ByFunnelStep    []FunnelStepRow   `json:"by_funnel_step,omitempty"`
	Projection      []ProjectionRow   `json:"template_projection,omitempty"`
	Recommendations []Recommendation  `json:"recommendations"`
	Charts          []ChartDescriptor `json:"charts"`

	// Rows backs the Raw Data sheet; analysis.json carries the tables
	// only.
	Rows []Row `json:"-"`
}

// FunnelRun reports one funnel's execution outcome so the funnel tables
// can show completion alongside findings.
type FunnelRun struct {
	FunnelID       string `json:"funnel_id"`
	StepsCompleted int    `json:"steps_completed"`
	TotalSteps     int    `json:"total_steps"`
}

// Options tunes one analysis run.
type Options struct {
	Domain string
	// Weights overrides the severity weighting. Nil means the defaults.
	Weights greenlight.SeverityWeights
	// WeightedMultiplier and CriticalMultiplier shape the conformance
	// reduction. Zero means the contractual 2 and 20.
	WeightedMultiplier float64
	CriticalMultiplier float64
	// FunnelEnabled turns funnel weighting and the funnel tables on.
	FunnelEnabled bool
	// FunnelMultipliers maps funnel IDs to their severity multipliers.
	// Missing entries use the funnel default.
	FunnelMultipliers map[string]float64
	// FunnelRuns carries execution outcomes into the funnel tables.
	FunnelRuns []FunnelRun
	// TopRecommendations bounds the remediation list. Zero means 10.
	TopRecommendations int
}

// Analyzer computes reports. Safe to reuse across domains with fresh
// Options.
type Analyzer struct {
	opts    Options
	weights greenlight.SeverityWeights
	logger  *zap.Logger
}

// New builds an analyzer. logger may be nil.
func New(opts Options, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	weights := opts.Weights
	if weights == nil {
		weights = greenlight.DefaultSeverityWeights()
	}
	if opts.WeightedMultiplier == 0 {
		opts.WeightedMultiplier = 2
	}
	if opts.CriticalMultiplier == 0 {
		opts.CriticalMultiplier = 20
	}
	if opts.TopRecommendations <= 0 {
		opts.TopRecommendations = 10
	}
	return &Analyzer{opts: opts, weights: weights, logger: logger}
}

// Analyze cleans the findings and produces the report. state may be nil;
// the template table and projection are then omitted.
func (a *Analyzer) Analyze(violations []greenlight.Violation, state *greenlight.CrawlState) *Report {
	rows, dropped, deduped := a.clean(violations)

	report := &Report{Rows: rows}
	pages := uniquePages(rows)

	report.ByImpact = a.byImpact(rows, len(pages))
	report.ByPage = a.byPage(rows)
	report.ByViolation = a.byViolation(rows)
	report.ByPageType = a.byPageType(rows)
	if state != nil && len(state.Templates) > 1 {
		report.ByTemplate = a.byTemplate(rows, state)
	}
	if state != nil {
		report.Projection = a.projection(rows, state)
	}
	if a.opts.FunnelEnabled {
		report.ByFunnel, report.ByFunnelStep = a.byFunnel(rows)
	}
	report.Recommendations = a.recommendations(report.ByViolation, rows)

	conf := a.conformance(rows, pages)
	report.Summary = Summary{
		Domain:             a.opts.Domain,
		GeneratedAt:        time.Now().UTC(),
		RawRows:            len(violations),
		DroppedRows:        dropped,
		DedupedRows:        deduped,
		TotalViolations:    len(rows),
		UniquePages:        len(pages),
		UniqueViolationIDs: len(report.ByViolation),
		FunnelsAnalyzed:    len(report.ByFunnel),
		Conformance:        conf,
	}
	if state != nil {
		report.Summary.TemplatesKnown = len(state.Templates)
	}
	report.Charts = a.charts(report)

	a.logger.Info("analysis complete",
		zap.Int("raw", len(violations)),
		zap.Int("clean", len(rows)),
		zap.Int("pages", len(pages)),
		zap.Float64("score", conf.Score))
	return report
}

// clean applies the enrichment pipeline: drop incomplete rows, normalize,
// coerce impacts, dedup, join WCAG, weigh funnels.
func (a *Analyzer) clean(violations []greenlight.Violation) (rows []Row, dropped, deduped int) {
	seen := make(map[string]bool)
	for _, v := range violations {
		if v.ViolationID == "" || v.Impact == "" || v.PageURL == "" {
			dropped++
			continue
		}
		normalized := v.PageURL
		pageType := "funnel"
		if !strings.HasPrefix(v.PageURL, "file:") {
			n, err := greenlight.Normalize(v.PageURL)
			if err != nil {
				dropped++
				continue
			}
			normalized = n
			pageType = greenlight.PageType(n)
		}
		v.Impact = greenlight.ParseImpact(string(v.Impact))

		key := normalized + "\x00" + v.ViolationID + "\x00" + v.HTMLFragment
		if seen[key] {
			deduped++
			continue
		}
		seen[key] = true

		row := Row{
			Violation:     v,
			NormalizedURL: normalized,
			PageType:      pageType,
			Criterion:     wcag.Lookup(v.ViolationID),
			SeverityScore: a.weights.Weight(v.Impact),
		}
		if a.opts.FunnelEnabled && v.FunnelName != "" {
			row.FunnelSeverityScore = float64(row.SeverityScore) * a.multiplier(v.FunnelName)
		}
		rows = append(rows, row)
	}
	return rows, dropped, deduped
}

func (a *Analyzer) multiplier(funnelID string) float64 {
	if m, ok := a.opts.FunnelMultipliers[funnelID]; ok && m > 0 {
		return m
	}
	return funnel.DefaultMultiplier
}

func uniquePages(rows []Row) map[string]bool {
	pages := make(map[string]bool)
	for _, r := range rows {
		pages[r.NormalizedURL] = true
	}
	return pages
}

func (a *Analyzer) byImpact(rows []Row, pages int) []ImpactRow {
	counts := make(map[greenlight.Impact]int)
	for _, r := range rows {
		counts[r.Impact]++
	}
	out := make([]ImpactRow, 0, len(impactOrder))
	for _, impact := range impactOrder {
		row := ImpactRow{Impact: impact, Count: counts[impact]}
		if len(rows) > 0 {
			row.Percentage = 100 * float64(row.Count) / float64(len(rows))
		}
		if pages > 0 {
			row.PerPageAverage = float64(row.Count) / float64(pages)
		}
		out = append(out, row)
	}
	return out
}

func (a *Analyzer) byPage(rows []Row) []PageRow {
	acc := make(map[string]*PageRow)
	for _, r := range rows {
		p := acc[r.NormalizedURL]
		if p == nil {
			p = &PageRow{URL: r.NormalizedURL, PageType: r.PageType, ByImpact: make(map[greenlight.Impact]int)}
			acc[r.NormalizedURL] = p
		}
		p.Total++
		p.ByImpact[r.Impact]++
		p.PriorityScore += r.SeverityScore
	}
	out := make([]PageRow, 0, len(acc))
	for _, p := range acc {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].URL < out[j].URL
	})
	return out
}

func (a *Analyzer) byViolation(rows []Row) []ViolationRow {
	type acc struct {
		occurrences int
		pages       map[string]bool
		impacts     map[greenlight.Impact]int
	}
	accs := make(map[string]*acc)
	for _, r := range rows {
		v := accs[r.ViolationID]
		if v == nil {
			v = &acc{pages: make(map[string]bool), impacts: make(map[greenlight.Impact]int)}
			accs[r.ViolationID] = v
		}
		v.occurrences++
		v.pages[r.NormalizedURL] = true
		v.impacts[r.Impact]++
	}
	out := make([]ViolationRow, 0, len(accs))
	for id, v := range accs {
		most := mostCommonImpact(v.impacts)
		out = append(out, ViolationRow{
			ViolationID:      id,
			Occurrences:      v.occurrences,
			AffectedPages:    len(v.pages),
			MostCommonImpact: most,
			PriorityScore:    a.weights.Weight(most) * v.occurrences,
			Criterion:        wcag.Lookup(id),
			Solution:         wcag.SolutionFor(id),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].ViolationID < out[j].ViolationID
	})
	return out
}

// mostCommonImpact breaks count ties toward the more severe impact.
func mostCommonImpact(counts map[greenlight.Impact]int) greenlight.Impact {
	best := greenlight.ImpactUnknown
	bestCount := -1
	for _, impact := range impactOrder {
		c := counts[impact]
		if c > bestCount {
			best = impact
			bestCount = c
		}
	}
	return best
}

type groupAcc struct {
	pages      map[string]bool
	total      int
	byImpact   map[greenlight.Impact]int
	weighted   int
	principles map[wcag.Principle]int
}

func newGroupAcc() *groupAcc {
	return &groupAcc{
		pages:      make(map[string]bool),
		byImpact:   make(map[greenlight.Impact]int),
		principles: make(map[wcag.Principle]int),
	}
}

func (g *groupAcc) add(r Row) {
	g.pages[r.NormalizedURL] = true
	g.total++
	g.byImpact[r.Impact]++
	g.weighted += r.SeverityScore
	g.principles[r.Criterion.Principle] += r.SeverityScore
}

func (g *groupAcc) priority() float64 {
	if len(g.pages) == 0 {
		return 0
	}
	return float64(g.weighted) / float64(len(g.pages))
}

func (g *groupAcc) topPrinciple() wcag.Principle {
	var best wcag.Principle
	bestWeight := -1
	names := make([]string, 0, len(g.principles))
	for p := range g.principles {
		names = append(names, string(p))
	}
	sort.Strings(names)
	for _, name := range names {
		p := wcag.Principle(name)
		if g.principles[p] > bestWeight {
			best = p
			bestWeight = g.principles[p]
		}
	}
	return best
}

func (a *Analyzer) byPageType(rows []Row) []PageTypeRow {
	accs := make(map[string]*groupAcc)
	for _, r := range rows {
		g := accs[r.PageType]
		if g == nil {
			g = newGroupAcc()
			accs[r.PageType] = g
		}
		g.add(r)
	}
	out := make([]PageTypeRow, 0, len(accs))
	for pageType, g := range accs {
		out = append(out, PageTypeRow{
			PageType:      pageType,
			Pages:         len(g.pages),
			Total:         g.total,
			ByImpact:      g.byImpact,
			PriorityScore: g.priority(),
			TopPrinciple:  g.topPrinciple(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].PageType < out[j].PageType
	})
	return out
}

func (a *Analyzer) byTemplate(rows []Row, state *greenlight.CrawlState) []TemplateRow {
	member := templateMembership(state)
	accs := make(map[string]*groupAcc)
	for _, r := range rows {
		id, ok := member[r.NormalizedURL]
		if !ok {
			continue
		}
		g := accs[id]
		if g == nil {
			g = newGroupAcc()
			accs[id] = g
		}
		g.add(r)
	}
	out := make([]TemplateRow, 0, len(accs))
	for id, g := range accs {
		row := TemplateRow{
			TemplateID:    id,
			Pages:         len(g.pages),
			Total:         g.total,
			ByImpact:      g.byImpact,
			PriorityScore: g.priority(),
			TopPrinciple:  g.topPrinciple(),
		}
		if cluster := state.Templates[id]; cluster != nil {
			row.RepresentativeURL = cluster.RepresentativeURL
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].TemplateID < out[j].TemplateID
	})
	return out
}

// templateMembership maps every member URL (and the representative) to its
// template ID.
func templateMembership(state *greenlight.CrawlState) map[string]string {
	member := make(map[string]string)
	for id, cluster := range state.Templates {
		if cluster == nil {
			continue
		}
		if cluster.RepresentativeURL != "" {
			member[cluster.RepresentativeURL] = id
		}
		for _, u := range cluster.MemberURLs {
			member[u] = id
		}
	}
	return member
}

func (a *Analyzer) byFunnel(rows []Row) ([]FunnelRow, []FunnelStepRow) {
	type stepAcc struct {
		funnel, step string
		number       int
		total        int
		byImpact     map[greenlight.Impact]int
		weighted     float64
	}
	funnels := make(map[string]*FunnelRow)
	steps := make(map[string]*stepAcc)

	for _, r := range rows {
		if r.FunnelName == "" {
			continue
		}
		f := funnels[r.FunnelName]
		if f == nil {
			f = &FunnelRow{Funnel: r.FunnelName, ByImpact: make(map[greenlight.Impact]int)}
			funnels[r.FunnelName] = f
		}
		f.Total++
		f.ByImpact[r.Impact]++
		f.WeightedScore += r.FunnelSeverityScore

		key := r.FunnelName + "\x00" + r.FunnelStep
		s := steps[key]
		if s == nil {
			s = &stepAcc{funnel: r.FunnelName, step: r.FunnelStep, number: r.FunnelStepNumber, byImpact: make(map[greenlight.Impact]int)}
			steps[key] = s
		}
		s.total++
		s.byImpact[r.Impact]++
		s.weighted += r.FunnelSeverityScore
	}

	// Funnels that ran clean still get a row so completion is visible.
	for _, run := range a.opts.FunnelRuns {
		f := funnels[run.FunnelID]
		if f == nil {
			f = &FunnelRow{Funnel: run.FunnelID, ByImpact: make(map[greenlight.Impact]int)}
			funnels[run.FunnelID] = f
		}
		f.StepsCompleted = run.StepsCompleted
		f.TotalSteps = run.TotalSteps
	}

	if len(funnels) == 0 {
		return nil, nil
	}

	funnelRows := make([]FunnelRow, 0, len(funnels))
	for _, f := range funnels {
		funnelRows = append(funnelRows, *f)
	}
	sort.Slice(funnelRows, func(i, j int) bool {
		if funnelRows[i].WeightedScore != funnelRows[j].WeightedScore {
			return funnelRows[i].WeightedScore > funnelRows[j].WeightedScore
		}
		return funnelRows[i].Funnel < funnelRows[j].Funnel
	})

	stepRows := make([]FunnelStepRow, 0, len(steps))
	for _, s := range steps {
		stepRows = append(stepRows, FunnelStepRow{
			Funnel:        s.funnel,
			Step:          s.step,
			StepNumber:    s.number,
			Total:         s.total,
			ByImpact:      s.byImpact,
			WeightedScore: s.weighted,
		})
	}
	sort.Slice(stepRows, func(i, j int) bool {
		if stepRows[i].Funnel != stepRows[j].Funnel {
			return stepRows[i].Funnel < stepRows[j].Funnel
		}
		return stepRows[i].StepNumber < stepRows[j].StepNumber
	})
	return funnelRows, stepRows
}

// projection extrapolates the representative sample over each cluster.
func (a *Analyzer) projection(rows []Row, state *greenlight.CrawlState) []ProjectionRow {
	byURL := make(map[string][]Row)
	for _, r := range rows {
		byURL[r.NormalizedURL] = append(byURL[r.NormalizedURL], r)
	}

	out := make([]ProjectionRow, 0, len(state.Templates))
	for id, cluster := range state.Templates {
		if cluster == nil || cluster.Count < 1 {
			continue
		}
		sample := byURL[cluster.RepresentativeURL]
		projected := make(map[greenlight.Impact]int)
		severity := 0
		for _, r := range sample {
			projected[r.Impact] += cluster.Count
			severity += r.SeverityScore * cluster.Count
		}
		total := 0
		for _, c := range projected {
			total += c
		}
		row := ProjectionRow{
			TemplateID:        id,
			RepresentativeURL: cluster.RepresentativeURL,
			OccurrenceCount:   cluster.Count,
			SampleTotal:       len(sample),
			ProjectedByImpact: projected,
			ProjectedTotal:    total,
			PriorityScore:     float64(severity) / float64(cluster.Count),
			Estimated:         true,
		}
		row.Criticality = a.criticality(row.PriorityScore)
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].TemplateID < out[j].TemplateID
	})
	return out
}

func (a *Analyzer) criticality(priority float64) string {
	switch {
	case priority >= float64(a.weights.Weight(greenlight.ImpactSerious)):
		return "High"
	case priority >= float64(a.weights.Weight(greenlight.ImpactModerate)):
		return "Medium"
	default:
		return "Low"
	}
}

func (a *Analyzer) recommendations(violations []ViolationRow, rows []Row) []Recommendation {
	n := a.opts.TopRecommendations
	if n > len(violations) {
		n = len(violations)
	}
	out := make([]Recommendation, 0, n)
	for i := 0; i < n; i++ {
		v := violations[i]
		rec := Recommendation{
			Rank:        i + 1,
			ViolationID: v.ViolationID,
			Impact:      v.MostCommonImpact,
			Occurrences: v.Occurrences,
			Pages:       v.AffectedPages,
			Criterion:   v.Criterion,
			Solution:    v.Solution,
		}
		for _, r := range rows {
			if r.ViolationID == v.ViolationID && r.HTMLFragment != "" {
				rec.Snippet = ExtractSnippet(r.HTMLFragment, 160)
				break
			}
		}
		out = append(out, rec)
	}
	return out
}

func (a *Analyzer) conformance(rows []Row, pages map[string]bool) Conformance {
	conf := Conformance{UniquePages: len(pages)}
	if len(pages) == 0 {
		conf.Level = "N/A (No pages analyzed)"
		return conf
	}
	weighted := 0
	criticalPages := make(map[string]bool)
	for _, r := range rows {
		weighted += r.SeverityScore
		if r.Impact == greenlight.ImpactCritical {
			criticalPages[r.NormalizedURL] = true
		}
	}
	conf.WeightedSeverityPerPage = float64(weighted) / float64(len(pages))
	conf.CriticalPageFraction = float64(len(criticalPages)) / float64(len(pages))
	reduction := conf.WeightedSeverityPerPage*a.opts.WeightedMultiplier + conf.CriticalPageFraction*a.opts.CriticalMultiplier
	if reduction > 100 {
		reduction = 100
	}
	conf.Reduction = reduction
	score := 100 - reduction
	if score < 0 {
		score = 0
	}
	conf.Score = score
	conf.Level = levelFor(score)
	return conf
}

func levelFor(score float64) string {
	switch {
	case score >= 95:
		return "AA (potential)"
	case score >= 85:
		return "A (potential)"
	case score >= 70:
		return "Non-conformant (minor)"
	case score >= 40:
		return "Non-conformant (moderate)"
	default:
		return "Non-conformant (major)"
	}
}

func (a *Analyzer) charts(r *Report) []ChartDescriptor {
	var charts []ChartDescriptor

	labels := make([]string, 0, len(r.ByImpact))
	values := make([]float64, 0, len(r.ByImpact))
	for _, row := range r.ByImpact {
		labels = append(labels, string(row.Impact))
		values = append(values, float64(row.Count))
	}
	charts = append(charts, ChartDescriptor{
		ID: "impact_distribution", Type: "pie", Title: "Violations by impact",
		Labels: labels, Series: []ChartSeries{{Name: "count", Values: values}},
	})

	charts = append(charts, topChart("top_violations", "Top violations by priority", r.ByViolation, 10,
		func(v ViolationRow) (string, float64) { return v.ViolationID, float64(v.PriorityScore) }))
	charts = append(charts, topChart("worst_pages", "Pages by priority", r.ByPage, 10,
		func(p PageRow) (string, float64) { return p.URL, float64(p.PriorityScore) }))
	charts = append(charts, topChart("page_type_severity", "Severity by page type", r.ByPageType, 0,
		func(p PageTypeRow) (string, float64) { return p.PageType, p.PriorityScore }))
	if len(r.ByFunnel) > 0 {
		charts = append(charts, topChart("funnel_severity", "Weighted severity by funnel", r.ByFunnel, 0,
			func(f FunnelRow) (string, float64) { return f.Funnel, f.WeightedScore }))
	}

	charts = append(charts, ChartDescriptor{
		ID: "conformance", Type: "gauge", Title: "Conformance score",
		Labels: []string{r.Summary.Conformance.Level},
		Series: []ChartSeries{{Name: "score", Values: []float64{r.Summary.Conformance.Score}}},
	})
	return charts
}

// topChart builds a bar descriptor from the first n table rows. n <= 0
// takes the whole table.
func topChart[T any](id, title string, rows []T, n int, pick func(T) (string, float64)) ChartDescriptor {
	if n <= 0 || n > len(rows) {
		n = len(rows)
	}
	labels := make([]string, 0, n)
	values := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		label, value := pick(rows[i])
		labels = append(labels, label)
		values = append(values, value)
	}
	return ChartDescriptor{
		ID: id, Type: "bar", Title: title,
		Labels: labels,
		Series: []ChartSeries{{Name: "priority", Values: values}},
	}
}
