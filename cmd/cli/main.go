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

// Greenlight CLI
//
// Command-line interface for greenlight website accessibility audits.
// Runs the crawl → auth → axe → funnel → analysis pipeline, inspects past
// runs, and serves the status and MCP APIs.
//
// Usage:
//
//	greenlight <command> [flags]
//
// Commands:
//
//	audit     Run the full audit pipeline for the configured domains
//	crawl     Run only the discovery crawl for one site
//	scan      Audit starting at the axe stage (reuses crawl output)
//	funnels   Audit starting at the funnel stage
//	analyze   Audit starting at the analysis stage
//	list      List audited sites or runs
//	export    Export a site's violations
//	serve     Run the status HTTP API (and optionally the MCP endpoint)
//	mcp       Run the MCP server on stdio
//	version   Show version information
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/version"
)

func main() {
	// A .env next to the binary may carry AXE_* settings; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "audit":
		os.Exit(runAudit("audit", "", os.Args[2:]))
	case "scan":
		os.Exit(runAudit("scan", config.StageAxe, os.Args[2:]))
	case "funnels":
		os.Exit(runAudit("funnels", config.StageFunnel, os.Args[2:]))
	case "analyze":
		os.Exit(runAudit("analyze", config.StageAnalysis, os.Args[2:]))
	case "crawl":
		os.Exit(runCrawl(os.Args[2:]))
	case "list":
		if err := runList(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "export":
		if err := runExport(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "-v", "--version":
		fmt.Printf("Greenlight CLI %s\n", version.CurrentVersion)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Greenlight CLI - Website accessibility audits with axe-core

Usage:
  greenlight <command> [flags]

Commands:
  audit     Run the full audit pipeline for the configured domains
  crawl     Run only the discovery crawl for one site
  scan      Audit starting at the axe stage (reuses saved crawl output)
  funnels   Audit starting at the funnel stage
  analyze   Audit starting at the analysis stage
  list      List audited sites or runs
  export    Export a site's violations to JSON or CSV
  serve     Run the status HTTP API (and optionally the MCP endpoint)
  mcp       Run the MCP server on stdio
  version   Show version information
  help      Show this help message

Examples:
  # Audit one site end to end
  greenlight audit example.com

  # Audit the domains from a config file, capped at 100 pages each
  greenlight audit --config greenlight.yaml --max-urls 100

  # Re-run scanning and analysis against the saved crawl
  greenlight scan example.com

  # Crawl only, to preview template discovery before a long scan
  greenlight crawl https://example.com --max-urls 50

  # Export the latest violations for a site
  greenlight export --domain example.com --format csv -o ./export

  # List past runs
  greenlight list runs --domain example.com

Exit codes: 0 at least one report produced, 1 no reports, 2 fatal
configuration or I/O error, 130 interrupted.

Use "greenlight <command> --help" for more information about a command.`)
}
