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
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/extensions"
	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/layout"
)

const (
	// templateListLimit caps the template lines in the crawl summary.
	templateListLimit = 10
	summaryRounding   = 100 * time.Millisecond
)

// crawlFlags holds the flags for the crawl command.
type crawlFlags struct {
	configPath string
	maxURLs    int
	output     string
	resume     bool
	debug      bool
	quiet      bool
}

// runCrawl runs only the discovery crawl for one site and saves the state
// where the pipeline's later stages expect it. Returns the process exit
// code.
func runCrawl(args []string) int {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)

	var flags crawlFlags
	fs.StringVar(&flags.configPath, "config", "", "Configuration file (YAML or JSON)")
	fs.StringVar(&flags.configPath, "c", "", "Configuration file (shorthand)")
	fs.IntVar(&flags.maxURLs, "max-urls", 0, "Per-domain page limit (0 = config value)")
	fs.StringVar(&flags.output, "output", "", "Output root directory (default from config)")
	fs.StringVar(&flags.output, "o", "", "Output root directory (shorthand)")
	fs.BoolVar(&flags.resume, "resume", false, "Resume from the saved checkpoint instead of archiving")
	fs.BoolVar(&flags.debug, "debug", false, "Verbose logging")
	fs.BoolVar(&flags.quiet, "quiet", false, "Suppress progress output")
	fs.BoolVar(&flags.quiet, "q", false, "Suppress progress output (shorthand)")

	fs.Usage = func() {
		fmt.Println(`Usage: greenlight crawl <url> [flags]

Crawl one site and save its template clusters and representative URLs.
The scan stage consumes the saved state: greenlight scan <domain>.

Flags:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  # Basic crawl
  greenlight crawl https://example.com

  # Crawl with a page limit
  greenlight crawl example.com --max-urls 50

  # Resume an interrupted crawl
  greenlight crawl example.com --resume`)
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if fs.NArg() < 1 {
		fs.Usage()
		fmt.Fprintln(os.Stderr, "Error: URL argument is required")
		return 2
	}

	urlStr := fs.Arg(0)
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		urlStr = "https://" + urlStr
	}

	cfg, warnings, err := config.Load(flags.configPath, config.Overrides{
		Domains:   []string{urlStr},
		OutputDir: flags.output,
		MaxURLs:   flags.maxURLs,
		Debug:     flags.debug,
	})
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	view := cfg.ForDomain(urlStr)
	host := greenlight.HostOf(view.SeedURL)
	if host == "" {
		fmt.Fprintf(os.Stderr, "Error: invalid URL: %s\n", urlStr)
		return 2
	}

	if !flags.resume {
		if archived, err := layout.ArchiveRuns(cfg.OutputDir, host); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not archive previous output: %v\n", err)
		} else if archived != "" && !flags.quiet {
			fmt.Printf("Archived previous output to %s\n", archived)
		}
	}

	paths, err := layout.EnsureDomainTree(cfg.OutputDir, host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	ec := cfg.Crawler.EngineConfig(view.SeedURL)
	ec.StatePath = paths.CrawlStateFile()
	ec.Resume = flags.resume

	crawler, err := greenlight.NewCrawler(ec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	// Same politeness posture as the pipeline's crawl stage.
	extensions.Referer(crawler)
	extensions.URLLengthFilter(crawler, 2083)

	var bar *progressbar.ProgressBar
	if !flags.quiet {
		fmt.Printf("Crawling %s (up to %d pages)...\n", view.SeedURL, cfg.Crawler.MaxURLs)
		bar = progressbar.NewOptions(cfg.Crawler.MaxURLs,
			progressbar.OptionSetDescription("   crawling"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
		)
		crawler.OnPageCrawled(func(page *greenlight.PageResult) {
			bar.Add(1)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		if !flags.quiet {
			fmt.Fprintf(os.Stderr, "\nReceived %v, saving crawl state...\n", sig)
		}
		cancel()
	}()

	summary, err := crawler.Run(ctx)
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}

	if summary != nil && !flags.quiet {
		printCrawlSummary(summary, paths.CrawlStateFile(), host)
	}
	if summary != nil && summary.Interrupted {
		if !flags.quiet {
			fmt.Println("Interrupted. Rerun with --resume to continue from the checkpoint.")
		}
		return 130
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func printCrawlSummary(summary *greenlight.CrawlSummary, statePath, host string) {
	fmt.Printf("\nCrawl completed in %s\n", summary.Duration.Round(summaryRounding))
	fmt.Printf("  Pages crawled:   %d\n", summary.PagesCrawled)
	fmt.Printf("  Pages failed:    %d\n", summary.PagesFailed)
	fmt.Printf("  URLs discovered: %d\n", summary.URLsDiscovered)
	fmt.Printf("  Templates:       %d\n", summary.Templates)
	if len(summary.AbandonedDomains) > 0 {
		fmt.Printf("  Abandoned:       %s\n", strings.Join(summary.AbandonedDomains, ", "))
	}

	for _, state := range summary.States {
		clusters := make([]*greenlight.TemplateCluster, 0, len(state.Templates))
		for _, c := range state.Templates {
			clusters = append(clusters, c)
		}
		sort.Slice(clusters, func(i, j int) bool { return clusters[i].Count > clusters[j].Count })
		if len(clusters) > templateListLimit {
			clusters = clusters[:templateListLimit]
		}
		for _, c := range clusters {
			fmt.Printf("    %4d pages  %s\n", c.Count, c.RepresentativeURL)
		}
	}

	fmt.Printf("\nCrawl state saved to %s\n", statePath)
	fmt.Printf("Next: greenlight scan %s\n", host)
}
