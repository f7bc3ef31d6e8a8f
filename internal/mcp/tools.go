package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/internal/analyzer"
	"github.com/agentberlin/greenlight/internal/layout"
	"github.com/agentberlin/greenlight/internal/store"
)

// registerTools registers all MCP tools with the server
func (s *MCPServer) registerTools() {
	s.logger.Printf("Registering MCP tools...")

	// Audit execution tools
	s.registerRunAuditTool()
	s.registerGetAuditStatusTool()

	// Registry tools
	s.registerListAuditsTool()
	s.registerDeleteSiteTool()

	// Result retrieval tools
	s.registerGetViolationSummaryTool()
	s.registerGetWorstPagesTool()
	s.registerGetTemplateClustersTool()
	s.registerGetReportPathsTool()

	s.logger.Printf("All MCP tools registered successfully")
}

// hostFromArg resolves a domain argument (bare host or full URL) to the host
// key used by the run registry and the output tree.
func hostFromArg(arg string) string {
	v := strings.TrimSpace(arg)
	if v == "" {
		return ""
	}
	if !strings.Contains(v, "://") {
		v = "https://" + v
	}
	return greenlight.HostOf(v)
}

// readReport loads the analyzer output for a host from the output tree.
func (s *MCPServer) readReport(host string) (*analyzer.Report, error) {
	paths := layout.PathsFor(s.outputRoot, host)
	data, err := os.ReadFile(paths.AnalysisFile())
	if err != nil {
		return nil, err
	}
	var report analyzer.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("corrupt analysis file %s: %v", paths.AnalysisFile(), err)
	}
	return &report, nil
}

// noAnalysisYet is the shared response for read tools called before an audit
// has produced output for the domain.
func noAnalysisYet(host string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{
				Text: fmt.Sprintf("No analysis found for %s. Run the audit first (run_audit tool or `greenlight audit`).", host),
			},
		},
	}, map[string]interface{}{"domain": host, "found": false}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// RunAuditArgs defines the input schema for run_audit tool
type RunAuditArgs struct {
	Domain string `json:"domain"`
}

// RunAuditResult defines the output schema for run_audit tool
type RunAuditResult struct {
	Success bool   `json:"success"`
	RunID   uint   `json:"runId,omitempty"`
	SiteID  uint   `json:"siteId,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Message string `json:"message"`
}

// registerRunAuditTool registers the run_audit tool
func (s *MCPServer) registerRunAuditTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "run_audit",
		Description: "Starts a full accessibility audit (crawl, scan, analyze) for a domain in the background",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RunAuditArgs) (*mcp.CallToolResult, any, error) {
		s.logger.Printf("Tool called: run_audit for domain: %s", args.Domain)

		host := hostFromArg(args.Domain)
		if host == "" {
			return nil, RunAuditResult{
				Success: false,
				Message: fmt.Sprintf("Invalid domain: %q", args.Domain),
			}, nil
		}
		if s.runner == nil {
			return nil, RunAuditResult{
				Success: false,
				Message: "This server is read-only: start audits with `greenlight audit` instead",
			}, nil
		}

		// The audit outlives the tool call, so it runs on the server
		// context rather than the request context.
		run, err := s.runner.StartAudit(s.ctx, strings.TrimSpace(args.Domain))
		if err != nil {
			return nil, RunAuditResult{
				Success: false,
				Message: fmt.Sprintf("Failed to start audit: %v", err),
			}, nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Text: fmt.Sprintf("Audit started for %s (Run ID: %d). Poll get_audit_status for progress.", host, run.ID),
				},
			},
		}, RunAuditResult{
			Success: true,
			RunID:   run.ID,
			SiteID:  run.SiteID,
			Domain:  host,
			Message: "Audit started successfully",
		}, nil
	})
}

// GetAuditStatusArgs defines the input schema for get_audit_status tool.
// RunID takes precedence; with only a domain the latest run is reported.
type GetAuditStatusArgs struct {
	Domain string `json:"domain,omitempty"`
	RunID  uint   `json:"runId,omitempty"`
}

// registerGetAuditStatusTool registers the get_audit_status tool
func (s *MCPServer) registerGetAuditStatusTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_audit_status",
		Description: "Gets the status, stage breakdown and headline numbers for an audit run (by run ID or latest for a domain)",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GetAuditStatusArgs) (*mcp.CallToolResult, any, error) {
		s.logger.Printf("Tool called: get_audit_status for domain: %s, run ID: %d", args.Domain, args.RunID)

		var run *store.AuditRun
		domain := hostFromArg(args.Domain)

		if args.RunID > 0 {
			found, err := s.store.GetRunByID(args.RunID)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to get run: %w", err)
			}
			run = found
			if run.Site != nil {
				domain = run.Site.Domain
			}
		} else {
			if domain == "" {
				return nil, nil, fmt.Errorf("either domain or runId is required")
			}
			site, err := s.store.GetSiteByDomain(domain)
			if err != nil {
				return &mcp.CallToolResult{
					Content: []mcp.Content{
						&mcp.TextContent{
							Text: fmt.Sprintf("No audits found for %s", domain),
						},
					},
				}, map[string]interface{}{"domain": domain, "found": false}, nil
			}
			latest, err := s.store.GetLatestRunForSite(site.ID)
			if err != nil {
				return &mcp.CallToolResult{
					Content: []mcp.Content{
						&mcp.TextContent{
							Text: fmt.Sprintf("%s is registered but has never been audited", domain),
						},
					},
				}, map[string]interface{}{"domain": domain, "found": false}, nil
			}
			run = latest
		}

		stages, err := s.store.GetStagesForRun(run.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get stages: %w", err)
		}
		stageRows := make([]map[string]interface{}, 0, len(stages))
		for _, st := range stages {
			row := map[string]interface{}{
				"stage":      st.Stage,
				"ok":         st.OK,
				"durationMs": st.DurationMS,
			}
			if errs := st.GetErrorsArray(); len(errs) > 0 {
				row["errors"] = errs
			}
			stageRows = append(stageRows, row)
		}

		result := map[string]interface{}{
			"runId":          run.ID,
			"siteId":         run.SiteID,
			"domain":         domain,
			"status":         run.Status,
			"isRunning":      run.Status == store.RunStatusRunning,
			"startStage":     run.StartStage,
			"startedAt":      run.StartedAt,
			"finishedAt":     run.FinishedAt,
			"pagesCrawled":   run.PagesCrawled,
			"pagesScanned":   run.PagesScanned,
			"violationCount": run.ViolationCount,
			"score":          run.Score,
			"reportPath":     run.ReportPath,
			"stages":         stageRows,
		}
		if run.Error != "" {
			result["error"] = run.Error
		}

		resultJSON, _ := json.MarshalIndent(result, "", "  ")
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Text: fmt.Sprintf("Audit run status:\n%s", string(resultJSON)),
				},
			},
		}, result, nil
	})
}

// registerListAuditsTool registers the list_audits tool
func (s *MCPServer) registerListAuditsTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_audits",
		Description: "Lists all audited sites with their latest run information",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
		s.logger.Printf("Tool called: list_audits")

		sites, err := s.store.GetAllSites()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list sites: %w", err)
		}

		items := make([]map[string]interface{}, 0, len(sites))
		for _, site := range sites {
			item := map[string]interface{}{
				"siteId":  site.ID,
				"domain":  site.Domain,
				"seedUrl": site.SeedURL,
			}
			if len(site.Runs) > 0 {
				run := site.Runs[0]
				item["latestRun"] = map[string]interface{}{
					"runId":          run.ID,
					"status":         run.Status,
					"startedAt":      run.StartedAt,
					"pagesCrawled":   run.PagesCrawled,
					"pagesScanned":   run.PagesScanned,
					"violationCount": run.ViolationCount,
					"score":          run.Score,
				}
			}
			items = append(items, item)
		}

		result := map[string]interface{}{
			"sites": items,
		}

		sitesJSON, _ := json.MarshalIndent(result, "", "  ")
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Text: fmt.Sprintf("Found %d audited sites:\n%s", len(sites), string(sitesJSON)),
				},
			},
		}, result, nil
	})
}

// DeleteSiteArgs defines the input schema for delete_site tool
type DeleteSiteArgs struct {
	Domain string `json:"domain"`
}

// registerDeleteSiteTool registers the delete_site tool
func (s *MCPServer) registerDeleteSiteTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "delete_site",
		Description: "Removes a site and all its runs from the audit registry (CASCADE DELETE). Report files on disk are not touched",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args DeleteSiteArgs) (*mcp.CallToolResult, any, error) {
		s.logger.Printf("Tool called: delete_site for domain: %s", args.Domain)

		host := hostFromArg(args.Domain)
		if host == "" {
			return nil, map[string]interface{}{
				"success": false,
				"message": fmt.Sprintf("Invalid domain: %q", args.Domain),
			}, nil
		}

		site, err := s.store.GetSiteByDomain(host)
		if err != nil {
			return nil, map[string]interface{}{
				"success": false,
				"message": fmt.Sprintf("No site registered for %s", host),
			}, nil
		}
		if err := s.store.DeleteSite(site.ID); err != nil {
			return nil, map[string]interface{}{
				"success": false,
				"message": fmt.Sprintf("Failed to delete site: %v", err),
			}, nil
		}

		result := map[string]interface{}{
			"success": true,
			"message": fmt.Sprintf("Site %s (ID %d) deleted from the registry", host, site.ID),
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Text: result["message"].(string),
				},
			},
		}, result, nil
	})
}

// GetViolationSummaryArgs defines the input schema for get_violation_summary tool
type GetViolationSummaryArgs struct {
	Domain string `json:"domain"`
	Limit  int    `json:"limit,omitempty"`
}

// registerGetViolationSummaryTool registers the get_violation_summary tool
func (s *MCPServer) registerGetViolationSummaryTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_violation_summary",
		Description: "Gets the analyzed violation summary for a domain: conformance score, impact distribution and top violations",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GetViolationSummaryArgs) (*mcp.CallToolResult, any, error) {
		s.logger.Printf("Tool called: get_violation_summary for domain: %s", args.Domain)

		host := hostFromArg(args.Domain)
		if host == "" {
			return nil, nil, fmt.Errorf("invalid domain: %q", args.Domain)
		}
		if args.Limit <= 0 || args.Limit > 100 {
			args.Limit = 10
		}

		report, err := s.readReport(host)
		if err != nil {
			if os.IsNotExist(err) {
				return noAnalysisYet(host)
			}
			return nil, nil, fmt.Errorf("failed to read analysis: %w", err)
		}

		top := report.ByViolation
		if len(top) > args.Limit {
			top = top[:args.Limit]
		}

		result := map[string]interface{}{
			"domain":        host,
			"summary":       report.Summary,
			"byImpact":      report.ByImpact,
			"topViolations": top,
		}

		resultJSON, _ := json.MarshalIndent(result, "", "  ")
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Text: fmt.Sprintf("Violation summary for %s (top %d violations):\n%s", host, len(top), string(resultJSON)),
				},
			},
		}, result, nil
	})
}

// GetWorstPagesArgs defines the input schema for get_worst_pages tool
type GetWorstPagesArgs struct {
	Domain string `json:"domain"`
	Limit  int    `json:"limit,omitempty"`
}

// registerGetWorstPagesTool registers the get_worst_pages tool
func (s *MCPServer) registerGetWorstPagesTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_worst_pages",
		Description: "Gets the pages with the highest weighted violation load, worst first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GetWorstPagesArgs) (*mcp.CallToolResult, any, error) {
		s.logger.Printf("Tool called: get_worst_pages for domain: %s", args.Domain)

		host := hostFromArg(args.Domain)
		if host == "" {
			return nil, nil, fmt.Errorf("invalid domain: %q", args.Domain)
		}
		if args.Limit <= 0 || args.Limit > 100 {
			args.Limit = 10
		}

		report, err := s.readReport(host)
		if err != nil {
			if os.IsNotExist(err) {
				return noAnalysisYet(host)
			}
			return nil, nil, fmt.Errorf("failed to read analysis: %w", err)
		}

		pages := report.ByPage
		if len(pages) > args.Limit {
			pages = pages[:args.Limit]
		}

		result := map[string]interface{}{
			"domain": host,
			"pages":  pages,
		}

		resultJSON, _ := json.MarshalIndent(result, "", "  ")
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Text: fmt.Sprintf("Worst %d pages for %s:\n%s", len(pages), host, string(resultJSON)),
				},
			},
		}, result, nil
	})
}

// GetTemplateClustersArgs defines the input schema for get_template_clusters tool
type GetTemplateClustersArgs struct {
	Domain string `json:"domain"`
}

// TemplateClusterRow is one cluster in the get_template_clusters output
type TemplateClusterRow struct {
	TemplateID        string   `json:"templateId"`
	RepresentativeURL string   `json:"representativeUrl"`
	MemberCount       int      `json:"memberCount"`
	SampleURLs        []string `json:"sampleUrls,omitempty"`
}

// registerGetTemplateClustersTool registers the get_template_clusters tool
func (s *MCPServer) registerGetTemplateClustersTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_template_clusters",
		Description: "Gets the page template clusters the crawler discovered for a domain, largest first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GetTemplateClustersArgs) (*mcp.CallToolResult, any, error) {
		s.logger.Printf("Tool called: get_template_clusters for domain: %s", args.Domain)

		host := hostFromArg(args.Domain)
		if host == "" {
			return nil, nil, fmt.Errorf("invalid domain: %q", args.Domain)
		}

		paths := layout.PathsFor(s.outputRoot, host)
		states, err := greenlight.LoadCrawlStates(paths.CrawlStateFile(), paths.Slug)
		if err != nil {
			if os.IsNotExist(err) {
				return &mcp.CallToolResult{
					Content: []mcp.Content{
						&mcp.TextContent{
							Text: fmt.Sprintf("No crawl state found for %s. Run the crawler first.", host),
						},
					},
				}, map[string]interface{}{"domain": host, "found": false}, nil
			}
			return nil, nil, fmt.Errorf("failed to read crawl state: %w", err)
		}

		state := states[paths.Slug]
		if state == nil {
			// Multi-domain state files key by their own slugs.
			for _, st := range states {
				state = st
				break
			}
		}
		if state == nil || len(state.Templates) == 0 {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					&mcp.TextContent{
						Text: fmt.Sprintf("No template clusters recorded for %s", host),
					},
				},
			}, map[string]interface{}{"domain": host, "clusters": []TemplateClusterRow{}}, nil
		}

		clusters := make([]TemplateClusterRow, 0, len(state.Templates))
		for id, tpl := range state.Templates {
			sample := tpl.MemberURLs
			if len(sample) > 5 {
				sample = sample[:5]
			}
			clusters = append(clusters, TemplateClusterRow{
				TemplateID:        id,
				RepresentativeURL: tpl.RepresentativeURL,
				MemberCount:       tpl.Count,
				SampleURLs:        sample,
			})
		}
		sort.Slice(clusters, func(i, j int) bool {
			if clusters[i].MemberCount != clusters[j].MemberCount {
				return clusters[i].MemberCount > clusters[j].MemberCount
			}
			return clusters[i].TemplateID < clusters[j].TemplateID
		})

		result := map[string]interface{}{
			"domain":   host,
			"clusters": clusters,
		}

		clustersJSON, _ := json.MarshalIndent(result, "", "  ")
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Text: fmt.Sprintf("Found %d template clusters for %s:\n%s", len(clusters), host, string(clustersJSON)),
				},
			},
		}, result, nil
	})
}

// GetReportPathsArgs defines the input schema for get_report_paths tool
type GetReportPathsArgs struct {
	Domain string `json:"domain"`
}

// registerGetReportPathsTool registers the get_report_paths tool
func (s *MCPServer) registerGetReportPathsTool() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_report_paths",
		Description: "Lists the report artifacts an audit produced for a domain (analysis JSON, CSV sheets, charts, raw findings)",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GetReportPathsArgs) (*mcp.CallToolResult, any, error) {
		s.logger.Printf("Tool called: get_report_paths for domain: %s", args.Domain)

		host := hostFromArg(args.Domain)
		if host == "" {
			return nil, nil, fmt.Errorf("invalid domain: %q", args.Domain)
		}

		paths := layout.PathsFor(s.outputRoot, host)
		artifacts := map[string]string{}
		for name, p := range map[string]string{
			"crawlState": paths.CrawlStateFile(),
			"violations": paths.ViolationsFile(),
			"analysis":   paths.AnalysisFile(),
			"charts":     filepath.Join(paths.Charts, "charts.json"),
		} {
			if fileExists(p) {
				artifacts[name] = p
			}
		}

		var reports []string
		if entries, err := os.ReadDir(paths.Reports); err == nil {
			for _, e := range entries {
				if !e.IsDir() {
					reports = append(reports, filepath.Join(paths.Reports, e.Name()))
				}
			}
		}

		if len(artifacts) == 0 && len(reports) == 0 {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					&mcp.TextContent{
						Text: fmt.Sprintf("No report artifacts found for %s under %s", host, paths.Root),
					},
				},
			}, map[string]interface{}{"domain": host, "found": false}, nil
		}

		result := map[string]interface{}{
			"domain":    host,
			"root":      paths.Root,
			"artifacts": artifacts,
			"reports":   reports,
		}

		resultJSON, _ := json.MarshalIndent(result, "", "  ")
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Text: fmt.Sprintf("Report artifacts for %s:\n%s", host, string(resultJSON)),
				},
			},
		}, result, nil
	})
}
