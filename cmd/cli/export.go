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

package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/layout"
	"github.com/agentberlin/greenlight/internal/store"
)

// Exporter copies a site's audit findings out of the output tree.
type Exporter struct {
	store      *store.Store
	domain     string
	outputRoot string
	outputDir  string
	format     string
}

// Export writes the violations and the audit summary to the output
// directory.
func (e *Exporter) Export() error {
	if err := os.MkdirAll(e.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}

	if err := e.exportViolations(); err != nil {
		return fmt.Errorf("failed to export violations: %v", err)
	}

	if err := e.exportSummary(); err != nil {
		return fmt.Errorf("failed to export summary: %v", err)
	}

	return nil
}

// exportViolations exports the scanner findings for the domain.
func (e *Exporter) exportViolations() error {
	paths := layout.PathsFor(e.outputRoot, e.domain)
	violations, err := greenlight.LoadViolations(paths.ViolationsFile())
	if err != nil {
		return fmt.Errorf("no violations found for %s (expected %s): %v",
			e.domain, paths.ViolationsFile(), err)
	}

	if e.format == "json" {
		return e.exportViolationsJSON(violations)
	}
	return e.exportViolationsCSV(violations)
}

func (e *Exporter) exportViolationsJSON(violations []greenlight.Violation) error {
	output := struct {
		Domain     string                 `json:"domain"`
		ExportedAt string                 `json:"exported_at"`
		Total      int                    `json:"total"`
		Violations []greenlight.Violation `json:"violations"`
	}{
		Domain:     e.domain,
		ExportedAt: time.Now().Format(time.RFC3339),
		Total:      len(violations),
		Violations: violations,
	}

	filePath := filepath.Join(e.outputDir, "violations.json")
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func (e *Exporter) exportViolationsCSV(violations []greenlight.Violation) error {
	filePath := filepath.Join(e.outputDir, "violations.csv")
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	// Column names follow the persisted workbook contract.
	header := []string{
		"page_url",
		"violation_id",
		"impact",
		"description",
		"help",
		"target",
		"html",
		"failure_summary",
		"auth_required",
		"funnel_name",
		"funnel_step",
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, v := range violations {
		row := []string{
			v.PageURL,
			v.ViolationID,
			string(v.Impact),
			v.Description,
			v.Help,
			v.TargetSelector,
			v.HTMLFragment,
			v.FailureSummary,
			strconv.FormatBool(v.AuthRequired),
			v.FunnelName,
			v.FunnelStep,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	return nil
}

// exportSummary writes the latest registry row for the site, so the export
// is self-describing without the database.
func (e *Exporter) exportSummary() error {
	summary := struct {
		Domain         string  `json:"domain"`
		ExportedAt     string  `json:"exported_at"`
		RunID          uint    `json:"run_id,omitempty"`
		Status         string  `json:"status,omitempty"`
		StartedAt      string  `json:"started_at,omitempty"`
		PagesCrawled   int     `json:"pages_crawled"`
		PagesScanned   int     `json:"pages_scanned"`
		ViolationCount int     `json:"violation_count"`
		Score          float64 `json:"score"`
		ReportPath     string  `json:"report_path,omitempty"`
	}{
		Domain:     e.domain,
		ExportedAt: time.Now().Format(time.RFC3339),
	}

	// The registry row is best effort: exports still work from a bare
	// output tree.
	if e.store != nil {
		if site, err := e.store.GetSiteByDomain(e.domain); err == nil {
			if run, err := e.store.GetLatestRunForSite(site.ID); err == nil && run != nil {
				summary.RunID = run.ID
				summary.Status = run.Status
				summary.StartedAt = time.Unix(run.StartedAt, 0).Format(time.RFC3339)
				summary.PagesCrawled = run.PagesCrawled
				summary.PagesScanned = run.PagesScanned
				summary.ViolationCount = run.ViolationCount
				summary.Score = run.Score
				summary.ReportPath = run.ReportPath
			}
		}
	}

	filePath := filepath.Join(e.outputDir, "audit_summary.json")
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(summary)
}

// runExport handles the export command
func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)

	var domain string
	var configPath string
	var output string
	var format string

	fs.StringVar(&domain, "domain", "", "Site to export (required)")
	fs.StringVar(&domain, "d", "", "Site to export (shorthand)")
	fs.StringVar(&configPath, "config", "", "Configuration file, used to locate the output root")
	fs.StringVar(&configPath, "c", "", "Configuration file (shorthand)")
	fs.StringVar(&output, "output", ".", "Output directory")
	fs.StringVar(&output, "o", ".", "Output directory (shorthand)")
	fs.StringVar(&format, "format", "json", "Output format: json, csv")
	fs.StringVar(&format, "f", "json", "Output format (shorthand)")

	fs.Usage = func() {
		fmt.Println(`Usage: greenlight export [flags]

Export a site's violations and audit summary from the output tree.

Flags:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  # Export the latest violations as JSON
  greenlight export --domain example.com -o ./export

  # Export as CSV
  greenlight export --domain example.com --format csv -o ./export`)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if domain == "" {
		fs.Usage()
		return fmt.Errorf("--domain is required")
	}

	if format != "json" && format != "csv" {
		return fmt.Errorf("invalid format: %s (must be json or csv)", format)
	}

	cfg, _, err := config.Load(configPath, config.Overrides{})
	if err != nil {
		return err
	}

	st, err := store.NewStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: run registry unavailable: %v\n", err)
		st = nil
	}

	host := greenlight.HostOf(domain)
	if host == "" {
		host = domain
	}

	exporter := &Exporter{
		store:      st,
		domain:     host,
		outputRoot: cfg.OutputDir,
		outputDir:  output,
		format:     format,
	}

	fmt.Printf("Exporting %s to %s...\n", host, output)

	if err := exporter.Export(); err != nil {
		return err
	}

	fmt.Println("Export complete!")
	return nil
}
