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

package analyzer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agentberlin/greenlight/internal/layout"
)

// SheetWriter receives the report sheets in order. The CSV workbook is
// the shipped implementation; spreadsheet backends plug in here.
type SheetWriter interface {
	WriteSheet(name string, header []string, rows [][]string) error
}

// CSVWorkbook writes each sheet as a numbered CSV file under dir, so a
// directory listing reads in workbook order.
type CSVWorkbook struct {
	Dir   string
	count int
}

func (w *CSVWorkbook) WriteSheet(name string, header []string, rows [][]string) error {
	w.count++
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("%02d_%s.csv", w.count, sheetSlug(name)))
	return layout.WriteFile(path, buf.Bytes())
}

func sheetSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// WriteReport persists the analysis bundle: analysis.json, the chart
// descriptors, and the report workbook.
func WriteReport(report *Report, paths layout.DomainPaths) error {
	if err := layout.WriteJSON(paths.AnalysisFile(), report); err != nil {
		return fmt.Errorf("write analysis: %w", err)
	}
	if err := layout.WriteJSON(filepath.Join(paths.Charts, "charts.json"), report.Charts); err != nil {
		return fmt.Errorf("write charts: %w", err)
	}
	if err := WriteWorkbook(report, &CSVWorkbook{Dir: paths.Reports}); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// WriteWorkbook streams every sheet of the report to w. Optional sheets
// are skipped when their tables are empty.
func WriteWorkbook(report *Report, w SheetWriter) error {
	sheets := []struct {
		name   string
		header []string
		rows   [][]string
		skip   bool
	}{
		{name: "Executive Summary", header: []string{"metric", "value"}, rows: summarySheet(report)},
		{name: "Detailed Analysis", header: []string{"violation_id", "impact", "occurrences", "affected_pages", "priority", "wcag_criterion", "wcag_name", "principle", "fix"}, rows: violationSheet(report)},
		{name: "Template Projection", header: []string{"template_id", "representative_url", "pages_in_cluster", "sample_violations", "projected_violations", "priority", "criticality", "estimated"}, rows: projectionSheet(report), skip: len(report.Projection) == 0},
		{name: "Funnel Analysis", header: []string{"funnel", "step", "step_number", "steps_completed", "total_steps", "violations", "weighted_score"}, rows: funnelSheet(report), skip: len(report.ByFunnel) == 0},
		{name: "Recommendations", header: []string{"rank", "violation_id", "impact", "occurrences", "pages", "wcag_criterion", "fix", "snippet"}, rows: recommendationSheet(report)},
		{name: "Charts", header: []string{"chart_id", "title", "label", "value"}, rows: chartSheet(report)},
		{name: "Raw Data", header: []string{"page_url", "normalized_url", "page_type", "violation_id", "impact", "severity_score", "funnel", "funnel_step", "target_selector", "failure_summary"}, rows: rawSheet(report)},
	}
	for _, sheet := range sheets {
		if sheet.skip {
			continue
		}
		if err := w.WriteSheet(sheet.name, sheet.header, sheet.rows); err != nil {
			return fmt.Errorf("sheet %s: %w", sheet.name, err)
		}
	}
	return nil
}

func summarySheet(r *Report) [][]string {
	s := r.Summary
	rows := [][]string{
		{"domain", s.Domain},
		{"generated_at", s.GeneratedAt.Format("2006-01-02 15:04:05 UTC")},
		{"total_violations", itoa(s.TotalViolations)},
		{"unique_pages", itoa(s.UniquePages)},
		{"unique_violation_ids", itoa(s.UniqueViolationIDs)},
		{"raw_rows", itoa(s.RawRows)},
		{"dropped_rows", itoa(s.DroppedRows)},
		{"deduped_rows", itoa(s.DedupedRows)},
		{"conformance_score", ftoa(s.Conformance.Score)},
		{"conformance_level", s.Conformance.Level},
		{"weighted_severity_per_page", ftoa(s.Conformance.WeightedSeverityPerPage)},
		{"critical_page_fraction", ftoa(s.Conformance.CriticalPageFraction)},
	}
	if s.TemplatesKnown > 0 {
		rows = append(rows, []string{"templates_known", itoa(s.TemplatesKnown)})
	}
	if s.FunnelsAnalyzed > 0 {
		rows = append(rows, []string{"funnels_analyzed", itoa(s.FunnelsAnalyzed)})
	}
	for _, impact := range r.ByImpact {
		rows = append(rows, []string{string(impact.Impact) + "_count", itoa(impact.Count)})
	}
	return rows
}

func violationSheet(r *Report) [][]string {
	rows := make([][]string, 0, len(r.ByViolation))
	for _, v := range r.ByViolation {
		rows = append(rows, []string{
			v.ViolationID,
			string(v.MostCommonImpact),
			itoa(v.Occurrences),
			itoa(v.AffectedPages),
			itoa(v.PriorityScore),
			v.Criterion.Criterion,
			v.Criterion.Name,
			string(v.Criterion.Principle),
			v.Solution.Technical,
		})
	}
	return rows
}

func projectionSheet(r *Report) [][]string {
	rows := make([][]string, 0, len(r.Projection))
	for _, p := range r.Projection {
		rows = append(rows, []string{
			p.TemplateID,
			p.RepresentativeURL,
			itoa(p.OccurrenceCount),
			itoa(p.SampleTotal),
			itoa(p.ProjectedTotal),
			ftoa(p.PriorityScore),
			p.Criticality,
			strconv.FormatBool(p.Estimated),
		})
	}
	return rows
}

// funnelSheet interleaves each funnel row with its step rows so the
// sheet reads as an outline.
func funnelSheet(r *Report) [][]string {
	var rows [][]string
	for _, f := range r.ByFunnel {
		rows = append(rows, []string{
			f.Funnel, "", "",
			itoa(f.StepsCompleted), itoa(f.TotalSteps),
			itoa(f.Total), ftoa(f.WeightedScore),
		})
		for _, s := range r.ByFunnelStep {
			if s.Funnel != f.Funnel {
				continue
			}
			rows = append(rows, []string{
				s.Funnel, s.Step, itoa(s.StepNumber),
				"", "",
				itoa(s.Total), ftoa(s.WeightedScore),
			})
		}
	}
	return rows
}

func recommendationSheet(r *Report) [][]string {
	rows := make([][]string, 0, len(r.Recommendations))
	for _, rec := range r.Recommendations {
		rows = append(rows, []string{
			itoa(rec.Rank),
			rec.ViolationID,
			string(rec.Impact),
			itoa(rec.Occurrences),
			itoa(rec.Pages),
			rec.Criterion.Criterion,
			rec.Solution.Technical,
			rec.Snippet,
		})
	}
	return rows
}

func chartSheet(r *Report) [][]string {
	var rows [][]string
	for _, c := range r.Charts {
		for i, label := range c.Labels {
			value := ""
			if len(c.Series) > 0 && i < len(c.Series[0].Values) {
				value = ftoa(c.Series[0].Values[i])
			}
			rows = append(rows, []string{c.ID, c.Title, label, value})
		}
	}
	return rows
}

func rawSheet(r *Report) [][]string {
	rows := make([][]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		rows = append(rows, []string{
			row.PageURL,
			row.NormalizedURL,
			row.PageType,
			row.ViolationID,
			string(row.Impact),
			itoa(row.SeverityScore),
			row.FunnelName,
			row.FunnelStep,
			row.TargetSelector,
			row.FailureSummary,
		})
	}
	return rows
}

func itoa(n int) string { return strconv.Itoa(n) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }
