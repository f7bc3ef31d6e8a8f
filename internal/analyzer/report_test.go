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
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentberlin/greenlight/internal/layout"
)

type sheetRecorder struct {
	names   []string
	headers map[string][]string
	rows    map[string][][]string
}

func newSheetRecorder() *sheetRecorder {
	return &sheetRecorder{headers: make(map[string][]string), rows: make(map[string][][]string)}
}

func (r *sheetRecorder) WriteSheet(name string, header []string, rows [][]string) error {
	r.names = append(r.names, name)
	r.headers[name] = header
	r.rows[name] = rows
	return nil
}

func TestWriteWorkbookSheetOrder(t *testing.T) {
	t.Run("base audit skips the optional sheets", func(t *testing.T) {
		report := New(Options{Domain: "e.test"}, nil).Analyze(sampleViolations(), nil)
		rec := newSheetRecorder()
		if err := WriteWorkbook(report, rec); err != nil {
			t.Fatal(err)
		}
		want := []string{"Executive Summary", "Detailed Analysis", "Recommendations", "Charts", "Raw Data"}
		if len(rec.names) != len(want) {
			t.Fatalf("sheets = %v, want %v", rec.names, want)
		}
		for i, name := range want {
			if rec.names[i] != name {
				t.Errorf("sheet %d = %q, want %q", i, rec.names[i], name)
			}
		}
	})

	t.Run("templates and funnels add their sheets", func(t *testing.T) {
		opts := Options{
			Domain:        "e.test",
			FunnelEnabled: true,
			FunnelRuns:    []FunnelRun{{FunnelID: "checkout", StepsCompleted: 3, TotalSteps: 3}},
		}
		violations := append(sampleViolations(), funnelFinding("cart", 1))
		report := New(opts, nil).Analyze(violations, sampleState())
		rec := newSheetRecorder()
		if err := WriteWorkbook(report, rec); err != nil {
			t.Fatal(err)
		}
		want := []string{"Executive Summary", "Detailed Analysis", "Template Projection", "Funnel Analysis", "Recommendations", "Charts", "Raw Data"}
		if len(rec.names) != len(want) {
			t.Fatalf("sheets = %v, want %v", rec.names, want)
		}
		for i, name := range want {
			if rec.names[i] != name {
				t.Errorf("sheet %d = %q, want %q", i, rec.names[i], name)
			}
		}

		funnelRows := rec.rows["Funnel Analysis"]
		if len(funnelRows) != 2 {
			t.Fatalf("funnel sheet rows = %d, want funnel + step", len(funnelRows))
		}
		// The funnel row leads, its steps indent under it.
		if funnelRows[0][0] != "checkout" || funnelRows[0][1] != "" {
			t.Errorf("funnel header row = %v", funnelRows[0])
		}
		if funnelRows[1][1] != "cart" {
			t.Errorf("step row = %v", funnelRows[1])
		}
	})
}

func TestWriteWorkbookSheetContent(t *testing.T) {
	report := New(Options{Domain: "e.test"}, nil).Analyze(sampleViolations(), nil)
	rec := newSheetRecorder()
	if err := WriteWorkbook(report, rec); err != nil {
		t.Fatal(err)
	}

	detailed := rec.rows["Detailed Analysis"]
	if len(detailed) != 5 {
		t.Fatalf("detailed rows = %d, want 5", len(detailed))
	}
	if detailed[0][0] != "image-alt" || detailed[0][4] != "12" {
		t.Errorf("top detailed row = %v", detailed[0])
	}
	if got := len(rec.headers["Detailed Analysis"]); got != len(detailed[0]) {
		t.Errorf("header width %d != row width %d", got, len(detailed[0]))
	}

	summary := rec.rows["Executive Summary"]
	metrics := make(map[string]string, len(summary))
	for _, row := range summary {
		metrics[row[0]] = row[1]
	}
	if metrics["domain"] != "e.test" || metrics["total_violations"] != "7" {
		t.Errorf("summary metrics = %v", metrics)
	}
	if metrics["critical_count"] != "3" {
		t.Errorf("critical_count = %q, want 3", metrics["critical_count"])
	}

	raw := rec.rows["Raw Data"]
	if len(raw) != 7 {
		t.Errorf("raw rows = %d, want 7", len(raw))
	}
}

func TestWriteReportFiles(t *testing.T) {
	paths, err := layout.EnsureDomainTree(t.TempDir(), "e.test")
	if err != nil {
		t.Fatal(err)
	}
	report := New(Options{Domain: "e.test", FunnelEnabled: true}, nil).Analyze(
		append(sampleViolations(), funnelFinding("cart", 1)), sampleState())

	if err := WriteReport(report, paths); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(paths.AnalysisFile())
	if err != nil {
		t.Fatalf("analysis.json missing: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("analysis.json corrupt: %v", err)
	}
	if decoded.Summary.Domain != "e.test" || decoded.Summary.TotalViolations != report.Summary.TotalViolations {
		t.Errorf("round-tripped summary = %+v", decoded.Summary)
	}
	if len(decoded.ByViolation) != len(report.ByViolation) {
		t.Errorf("round-tripped violations = %d, want %d", len(decoded.ByViolation), len(report.ByViolation))
	}

	chartData, err := os.ReadFile(filepath.Join(paths.Charts, "charts.json"))
	if err != nil {
		t.Fatalf("charts.json missing: %v", err)
	}
	var charts []ChartDescriptor
	if err := json.Unmarshal(chartData, &charts); err != nil {
		t.Fatalf("charts.json corrupt: %v", err)
	}
	if len(charts) != len(report.Charts) {
		t.Errorf("charts = %d, want %d", len(charts), len(report.Charts))
	}

	entries, err := os.ReadDir(paths.Reports)
	if err != nil {
		t.Fatal(err)
	}
	wantFiles := []string{
		"01_executive_summary.csv",
		"02_detailed_analysis.csv",
		"03_template_projection.csv",
		"04_funnel_analysis.csv",
		"05_recommendations.csv",
		"06_charts.csv",
		"07_raw_data.csv",
	}
	if len(entries) != len(wantFiles) {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("report files = %v, want %v", names, wantFiles)
	}
	for i, want := range wantFiles {
		if entries[i].Name() != want {
			t.Errorf("report file %d = %q, want %q", i, entries[i].Name(), want)
		}
	}

	f, err := os.Open(filepath.Join(paths.Reports, "02_detailed_analysis.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("detailed analysis CSV unreadable: %v", err)
	}
	if len(records) != 6 {
		t.Errorf("CSV rows = %d, want header + 5", len(records))
	}
	if records[0][0] != "violation_id" {
		t.Errorf("CSV header = %v", records[0])
	}
}
