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
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/metrics"
	"github.com/agentberlin/greenlight/internal/pipeline"
	"github.com/agentberlin/greenlight/internal/server"
	"github.com/agentberlin/greenlight/internal/store"
	"github.com/agentberlin/greenlight/internal/version"
)

var (
	green  = color.New(color.FgGreen, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	bold   = color.New(color.Bold)
	dim    = color.New(color.Faint)
)

// auditFlags holds the flags shared by audit, scan, funnels and analyze.
type auditFlags struct {
	configPath string
	domains    string
	start      string
	maxURLs    int
	output     string
	resume     bool
	statusAddr string
	debug      bool
	quiet      bool
}

func newAuditFlagSet(name string, flags *auditFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)

	fs.StringVar(&flags.configPath, "config", "", "Configuration file (YAML or JSON)")
	fs.StringVar(&flags.configPath, "c", "", "Configuration file (shorthand)")
	fs.StringVar(&flags.domains, "domains", "", "Comma-separated domains, overrides the config file")
	fs.StringVar(&flags.domains, "d", "", "Comma-separated domains (shorthand)")
	fs.IntVar(&flags.maxURLs, "max-urls", 0, "Per-domain page limit for the crawl (0 = config value)")
	fs.StringVar(&flags.output, "output", "", "Output root directory (default from config)")
	fs.StringVar(&flags.output, "o", "", "Output root directory (shorthand)")
	fs.BoolVar(&flags.resume, "resume", false, "Resume the crawl from its saved checkpoint instead of archiving")
	fs.StringVar(&flags.statusAddr, "status-addr", "", "Serve the status HTTP API on this address while auditing")
	fs.BoolVar(&flags.debug, "debug", false, "Verbose logging")
	fs.BoolVar(&flags.quiet, "quiet", false, "Suppress progress output")
	fs.BoolVar(&flags.quiet, "q", false, "Suppress progress output (shorthand)")

	return fs
}

// runAudit drives the pipeline and returns the process exit code. A
// non-empty forcedStart pins the starting stage (scan, funnels, analyze);
// the audit command takes it from --start / config instead.
func runAudit(name, forcedStart string, args []string) int {
	var flags auditFlags
	fs := newAuditFlagSet(name, &flags)
	if forcedStart == "" {
		fs.StringVar(&flags.start, "start", "", "Starting stage: crawler, auth, axe, funnel, analysis")
		fs.StringVar(&flags.start, "s", "", "Starting stage (shorthand)")
	}

	fs.Usage = func() {
		fmt.Printf(`Usage: greenlight %s [domain ...] [flags]

%s

Flags:
`, name, commandBlurb(name, forcedStart))
		fs.PrintDefaults()
		fmt.Printf(`
Examples:
  # One site
  greenlight %s example.com

  # Domains from a config file, capped at 100 pages each
  greenlight %s --config greenlight.yaml --max-urls 100
`, name, name)
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if flags.start != "" && config.StageIndex(flags.start) < 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid start stage: %s (must be one of %s)\n",
			flags.start, strings.Join(config.Stages(), ", "))
		return 2
	}

	// Positional arguments are domains, same as --domains.
	domains := splitCSV(flags.domains)
	for _, arg := range fs.Args() {
		domains = append(domains, arg)
	}

	startStage := forcedStart
	if startStage == "" {
		startStage = flags.start
	}

	cfg, warnings, err := config.Load(flags.configPath, config.Overrides{
		Domains:    domains,
		OutputDir:  flags.output,
		StartStage: startStage,
		MaxURLs:    flags.maxURLs,
		Debug:      flags.debug,
	})
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	level := cfg.LogLevel
	if flags.quiet && !flags.debug {
		level = "warn"
	}
	logger := newLogger(level)
	defer logger.Sync()

	// The run registry is supplementary: without it the audit still runs,
	// it just leaves no row behind.
	st, err := store.NewStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: run registry unavailable: %v\n", err)
		st = nil
	}

	m := metrics.New("greenlight")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		if !flags.quiet {
			fmt.Fprintf(os.Stderr, "\nReceived %v, finishing current pages and saving state...\n", sig)
		}
		cancel()
		sig = <-sigChan
		fmt.Fprintf(os.Stderr, "Received %v again, exiting immediately.\n", sig)
		os.Exit(130)
	}()

	var progress pipeline.ProgressFunc
	var bars *progressRenderer
	if !flags.quiet {
		bars = newProgressRenderer()
		progress = bars.update
	}

	if flags.statusAddr != "" {
		if st == nil {
			fmt.Fprintln(os.Stderr, "Warning: --status-addr ignored, the run registry is unavailable")
		} else {
			statusSrv := &http.Server{
				Addr:    flags.statusAddr,
				Handler: server.NewServer(st, m, logger, version.CurrentVersion),
			}
			go func() {
				if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn("status server stopped", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				statusSrv.Shutdown(shutdownCtx)
			}()
		}
	}

	p := pipeline.New(cfg, pipeline.Options{
		Store:       st,
		Metrics:     m,
		Progress:    progress,
		ResumeCrawl: flags.resume,
	}, logger)

	outcome, err := p.Run(ctx)
	if bars != nil {
		bars.done()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if !flags.quiet {
		printOutcome(outcome)
	}
	return outcome.ExitCode()
}

func commandBlurb(name, forcedStart string) string {
	switch forcedStart {
	case config.StageAxe:
		return "Scan the saved crawl output with axe-core and analyze the results."
	case config.StageFunnel:
		return "Execute the configured funnels against saved artifacts and analyze."
	case config.StageAnalysis:
		return "Re-run the analysis over saved violations."
	default:
		return "Run the audit pipeline (crawl, auth, axe scan, funnels, analysis)\nfor every configured domain."
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// newLogger builds the console logger for CLI commands.
func newLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// progressRenderer turns pipeline progress callbacks into one progress bar
// per (domain, stage). Stages that know their total get a bar, the rest a
// spinner with a running count.
type progressRenderer struct {
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	current string
}

func newProgressRenderer() *progressRenderer {
	return &progressRenderer{}
}

func (r *progressRenderer) update(domain, stage string, current, total int64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain + "/" + stage
	if key != r.current {
		r.finishLocked()
		r.current = key
		desc := fmt.Sprintf("   %s %s", domain, stage)
		if total > 0 {
			r.bar = progressbar.NewOptions(int(total),
				progressbar.OptionSetDescription(desc),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
			)
		} else {
			r.bar = progressbar.NewOptions(-1,
				progressbar.OptionSetDescription(desc),
				progressbar.OptionShowCount(),
				progressbar.OptionSpinnerType(14),
			)
		}
	}
	if current > 0 {
		r.bar.Set(int(current))
	}
}

func (r *progressRenderer) done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked()
	r.current = ""
}

func (r *progressRenderer) finishLocked() {
	if r.bar != nil {
		r.bar.Finish()
		fmt.Println()
		r.bar = nil
	}
}

func printOutcome(outcome *pipeline.Outcome) {
	fmt.Println()
	for _, d := range outcome.Domains {
		switch {
		case d.Fatal:
			red.Printf("  ✗ %s", d.Domain)
			fmt.Printf(": %v\n", d.Err)
		case d.ReportPath != "":
			green.Printf("  ✓ %s", d.Domain)
			fmt.Printf("  score %.1f  ", d.Score)
			dim.Println(d.ReportPath)
			if d.Degraded {
				yellow.Printf("      degraded: %s\n", strings.Join(failedStages(d), ", "))
			}
		default:
			red.Printf("  ✗ %s", d.Domain)
			if failed := failedStages(d); len(failed) > 0 {
				fmt.Printf(": %s failed\n", strings.Join(failed, ", "))
			} else {
				fmt.Println(": no report produced")
			}
		}
	}

	fmt.Println()
	bold.Printf("%d of %d domains produced reports\n", outcome.ReportsProduced, len(outcome.Domains))
	if outcome.Interrupted {
		yellow.Println("Interrupted. State is saved; rerun with --resume to continue the crawl.")
	}
}

func failedStages(d pipeline.DomainOutcome) []string {
	var failed []string
	for _, s := range d.Stages {
		if !s.OK {
			failed = append(failed, s.Stage)
		}
	}
	return failed
}
