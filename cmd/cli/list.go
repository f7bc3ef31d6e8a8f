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
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/agentberlin/greenlight/internal/store"
)

func runList(args []string) error {
	if len(args) < 1 {
		printListUsage()
		return fmt.Errorf("subcommand required: sites or runs")
	}

	subcommand := args[0]

	switch subcommand {
	case "sites":
		return runListSites(args[1:])
	case "runs":
		return runListRuns(args[1:])
	case "help", "-h", "--help":
		printListUsage()
		return nil
	default:
		printListUsage()
		return fmt.Errorf("unknown subcommand: %s", subcommand)
	}
}

func printListUsage() {
	fmt.Println(`Usage: greenlight list <subcommand> [flags]

Subcommands:
  sites    List all audited sites
  runs     List audit runs

Examples:
  # List all sites
  greenlight list sites

  # List runs for a site
  greenlight list runs --domain example.com

  # List the most recent runs across all sites
  greenlight list runs --limit 20`)
}

func runListSites(args []string) error {
	fs := flag.NewFlagSet("list sites", flag.ExitOnError)

	var jsonOutput bool
	fs.BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: greenlight list sites [flags]

List all audited sites with their latest run.

Flags:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := store.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %v", err)
	}

	sites, err := st.GetAllSites()
	if err != nil {
		return fmt.Errorf("failed to get sites: %v", err)
	}

	if len(sites) == 0 {
		fmt.Println("No sites found.")
		return nil
	}

	type siteRow struct {
		ID        uint    `json:"id"`
		Domain    string  `json:"domain"`
		LastAudit string  `json:"last_audit"`
		Status    string  `json:"status"`
		Score     float64 `json:"score"`
		Pages     int     `json:"pages"`
	}

	rows := make([]siteRow, 0, len(sites))
	for _, site := range sites {
		row := siteRow{ID: site.ID, Domain: site.Domain, LastAudit: "Never"}
		if run, err := st.GetLatestRunForSite(site.ID); err == nil && run != nil {
			row.LastAudit = time.Unix(run.StartedAt, 0).Format("2006-01-02 15:04")
			row.Status = run.Status
			row.Score = run.Score
			row.Pages = run.PagesCrawled
		}
		rows = append(rows, row)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	fmt.Printf("%-6s %-40s %-20s %-12s %-8s %-8s\n", "ID", "Domain", "Last Audit", "Status", "Score", "Pages")
	fmt.Println("---------------------------------------------------------------------------------------------------")
	for _, r := range rows {
		fmt.Printf("%-6d %-40s %-20s %-12s %-8.1f %-8d\n",
			r.ID, truncate(r.Domain, 40), r.LastAudit, r.Status, r.Score, r.Pages)
	}

	return nil
}

func runListRuns(args []string) error {
	fs := flag.NewFlagSet("list runs", flag.ExitOnError)

	var domain string
	var limit int
	var jsonOutput bool
	fs.StringVar(&domain, "domain", "", "Only runs for this site")
	fs.StringVar(&domain, "d", "", "Only runs for this site (shorthand)")
	fs.IntVar(&limit, "limit", 10, "Maximum runs to list (most recent first)")
	fs.BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: greenlight list runs [flags]

List audit runs, most recent first.

Flags:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := store.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %v", err)
	}

	var runs []store.AuditRun
	if domain != "" {
		site, err := st.GetSiteByDomain(domain)
		if err != nil {
			return fmt.Errorf("site not found: %s", domain)
		}
		runs, err = st.GetRunsForSite(site.ID)
		if err != nil {
			return fmt.Errorf("failed to get runs: %v", err)
		}
		if limit > 0 && len(runs) > limit {
			runs = runs[:limit]
		}
	} else {
		runs, err = st.GetRecentRuns(limit)
		if err != nil {
			return fmt.Errorf("failed to get runs: %v", err)
		}
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	fmt.Printf("%-8s %-18s %-12s %-10s %-9s %-9s %-11s %-8s\n",
		"Run ID", "Started", "Duration", "Status", "Crawled", "Scanned", "Violations", "Score")
	fmt.Println("----------------------------------------------------------------------------------------------")
	for _, r := range runs {
		started := time.Unix(r.StartedAt, 0).Format("2006-01-02 15:04")
		duration := "-"
		if r.FinishedAt > 0 {
			duration = formatDuration((r.FinishedAt - r.StartedAt) * 1000)
		}
		fmt.Printf("%-8d %-18s %-12s %-10s %-9d %-9d %-11d %-8.1f\n",
			r.ID, started, duration, r.Status, r.PagesCrawled, r.PagesScanned, r.ViolationCount, r.Score)
	}

	return nil
}

// truncate truncates a string to the specified length
func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

// formatDuration formats a duration in milliseconds to a human-readable string
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	seconds := ms / 1000
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	remainingSeconds := seconds % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, remainingSeconds)
	}
	hours := minutes / 60
	remainingMinutes := minutes % 60
	return fmt.Sprintf("%dh %dm", hours, remainingMinutes)
}
