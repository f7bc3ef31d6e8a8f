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

// Package config loads and validates audit configuration. Values are
// resolved in precedence order: built-in defaults, then the config file,
// then AXE_* environment variables, then explicit CLI overrides.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/agentberlin/greenlight"
	"github.com/agentberlin/greenlight/internal/auth"
	"github.com/agentberlin/greenlight/internal/funnel"
)

// Pipeline stages in execution order. StartStage names the first one to
// run; everything before it is loaded from prior output instead.
const (
	StageCrawler  = "crawler"
	StageAuth     = "auth"
	StageAxe      = "axe"
	StageFunnel   = "funnel"
	StageAnalysis = "analysis"
)

var stageOrder = []string{StageCrawler, StageAuth, StageAxe, StageFunnel, StageAnalysis}

// Stages returns the pipeline stages in execution order.
func Stages() []string {
	out := make([]string, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// StageIndex returns the position of a stage name in the pipeline, or -1
// if the name is not a stage.
func StageIndex(name string) int {
	for i, s := range stageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// Config is the root audit configuration. Defaults come from Default();
// neither the file loader nor the environment reset fields they do not
// mention, so partial configs merge over the defaults.
type Config struct {
	// Domains are the sites to audit, as bare hosts or full URLs.
	Domains []string `yaml:"domains" json:"domains" envconfig:"AXE_BASE_URLS"`
	// OutputDir is the root under which each domain gets its own tree.
	OutputDir string `yaml:"output_dir" json:"output_dir" envconfig:"AXE_OUTPUT_DIR"`
	LogLevel  string `yaml:"log_level" json:"log_level" envconfig:"AXE_LOG_LEVEL"`
	// StartStage is the first pipeline stage to execute.
	StartStage string `yaml:"start_stage" json:"start_stage" envconfig:"AXE_START_STAGE"`
	// ConcurrentDomains bounds how many domains are audited in parallel.
	ConcurrentDomains int `yaml:"concurrent_domains" json:"concurrent_domains" envconfig:"AXE_CONCURRENT_DOMAINS"`
	// CPUThreshold and MemoryThreshold are percentages above which the
	// pipeline pauses new work until the host cools down.
	CPUThreshold    float64 `yaml:"cpu_threshold" json:"cpu_threshold" envconfig:"AXE_CPU_THRESHOLD"`
	MemoryThreshold float64 `yaml:"memory_threshold" json:"memory_threshold" envconfig:"AXE_MEMORY_THRESHOLD"`

	Crawler  CrawlerConfig  `yaml:"crawler" json:"crawler"`
	Scanner  ScannerConfig  `yaml:"scanner" json:"scanner"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	Funnel   FunnelConfig   `yaml:"funnel" json:"funnel"`
	Analysis AnalysisConfig `yaml:"analysis" json:"analysis"`
	Email    EmailConfig    `yaml:"email" json:"email"`
}

// CrawlerConfig tunes the discovery stage. Delay and timeout fields are
// seconds; EngineConfig converts them for the crawl engine.
type CrawlerConfig struct {
	MaxURLs          int     `yaml:"max_urls" json:"max_urls" envconfig:"AXE_CRAWLER_MAX_URLS"`
	MaxTotalURLs     int     `yaml:"max_total_urls" json:"max_total_urls" envconfig:"AXE_CRAWLER_MAX_TOTAL_URLS"`
	DepthLimit       int     `yaml:"depth_limit" json:"depth_limit" envconfig:"AXE_CRAWLER_DEPTH_LIMIT"`
	HybridMode       bool    `yaml:"hybrid_mode" json:"hybrid_mode" envconfig:"AXE_CRAWLER_HYBRID_MODE"`
	PendingThreshold int     `yaml:"pending_threshold" json:"pending_threshold" envconfig:"AXE_CRAWLER_PENDING_THRESHOLD"`
	Concurrency      int     `yaml:"concurrency" json:"concurrency" envconfig:"AXE_CRAWLER_CONCURRENCY"`
	RequestDelay     float64 `yaml:"request_delay" json:"request_delay" envconfig:"AXE_CRAWLER_REQUEST_DELAY"`
	RandomDelay      float64 `yaml:"random_delay" json:"random_delay" envconfig:"AXE_CRAWLER_RANDOM_DELAY"`
	Timeout          float64 `yaml:"timeout" json:"timeout" envconfig:"AXE_CRAWLER_TIMEOUT"`
	RetryBudget      int     `yaml:"retry_budget" json:"retry_budget" envconfig:"AXE_CRAWLER_RETRY_BUDGET"`
	RobotsMode       string  `yaml:"robots_mode" json:"robots_mode" envconfig:"AXE_CRAWLER_ROBOTS_MODE"`
	SitemapDiscovery bool    `yaml:"sitemap_discovery" json:"sitemap_discovery" envconfig:"AXE_CRAWLER_SITEMAP_DISCOVERY"`
	StripWWW         bool    `yaml:"strip_www" json:"strip_www" envconfig:"AXE_CRAWLER_STRIP_WWW"`
	UserAgent        string  `yaml:"user_agent" json:"user_agent" envconfig:"AXE_CRAWLER_USER_AGENT"`
	AutoSaveInterval int     `yaml:"auto_save_interval" json:"auto_save_interval" envconfig:"AXE_CRAWLER_AUTO_SAVE_INTERVAL"`
	ErrorRateLimit   float64 `yaml:"error_rate_limit" json:"error_rate_limit" envconfig:"AXE_CRAWLER_ERROR_RATE_LIMIT"`
}

// EngineConfig maps the section onto the crawl engine's configuration for
// one seed URL. State path, resume and renderer wiring belong to the
// caller.
func (c CrawlerConfig) EngineConfig(seedURL string) greenlight.CrawlerConfig {
	mode, err := greenlight.ParseRobotsMode(c.RobotsMode)
	if err != nil {
		mode = greenlight.RobotsRespect
	}
	render := greenlight.RenderNever
	if c.HybridMode {
		render = greenlight.RenderHybrid
	}
	return greenlight.CrawlerConfig{
		StartURLs:                   []string{seedURL},
		StripWWW:                    c.StripWWW,
		UserAgent:                   c.UserAgent,
		MaxDepth:                    c.DepthLimit,
		MaxURLsPerDomain:            c.MaxURLs,
		MaxTotalURLs:                c.MaxTotalURLs,
		PendingThreshold:            c.PendingThreshold,
		ConcurrentRequests:          c.Concurrency,
		ConcurrentRequestsPerDomain: c.Concurrency,
		RequestDelay:                seconds(c.RequestDelay),
		RandomDelay:                 seconds(c.RandomDelay),
		RobotsMode:                  mode,
		SitemapDiscovery:            c.SitemapDiscovery,
		DomainErrorRateLimit:        c.ErrorRateLimit,
		AutoSaveInterval:            c.AutoSaveInterval,
		RenderMode:                  render,
		RetryBudget:                 c.RetryBudget,
		Timeout:                     seconds(c.Timeout),
	}
}

// ScannerConfig tunes the axe stage.
type ScannerConfig struct {
	// PoolSize is the number of browser tabs scanning in parallel.
	PoolSize int `yaml:"pool_size" json:"pool_size" envconfig:"AXE_SCANNER_POOL_SIZE"`
	// SleepTime is the settle pause in seconds after navigation before
	// the scan runs.
	SleepTime        float64 `yaml:"sleep_time" json:"sleep_time" envconfig:"AXE_SCANNER_SLEEP_TIME"`
	PageLoadTimeout  float64 `yaml:"page_load_timeout" json:"page_load_timeout" envconfig:"AXE_SCANNER_PAGE_LOAD_TIMEOUT"`
	AutoSaveInterval int     `yaml:"auto_save_interval" json:"auto_save_interval" envconfig:"AXE_SCANNER_AUTO_SAVE_INTERVAL"`
	// Resume skips URLs recorded as scanned by a previous run.
	Resume bool `yaml:"resume" json:"resume" envconfig:"AXE_SCANNER_RESUME"`
	// AxeScriptPath points at a local axe-core bundle. Empty downloads
	// the pinned AxeVersion and caches it.
	AxeScriptPath string `yaml:"axe_script_path" json:"axe_script_path" envconfig:"AXE_SCRIPT_PATH"`
	AxeVersion    string `yaml:"axe_version" json:"axe_version" envconfig:"AXE_VERSION"`
	Headful       bool   `yaml:"headful" json:"headful" envconfig:"AXE_SCANNER_HEADFUL"`
	ChromePath    string `yaml:"chrome_path" json:"chrome_path" envconfig:"AXE_CHROME_PATH"`
	UserAgent     string `yaml:"user_agent" json:"user_agent" envconfig:"AXE_SCANNER_USER_AGENT"`
}

// SettlePause returns the post-navigation pause as a duration.
func (s ScannerConfig) SettlePause() time.Duration { return seconds(s.SleepTime) }

// PageTimeout returns the navigation timeout as a duration.
func (s ScannerConfig) PageTimeout() time.Duration { return seconds(s.PageLoadTimeout) }

// AuthConfig holds per-domain credentials plus optional global fallbacks
// for entries that omit username or password.
type AuthConfig struct {
	Username string `yaml:"username" json:"username" envconfig:"AXE_AUTH_USERNAME"`
	Password string `yaml:"password" json:"password" envconfig:"AXE_AUTH_PASSWORD"`
	// Domains maps a host (or the exact domain string from Domains) to
	// its login configuration.
	Domains map[string]auth.Config `yaml:"domains" json:"domains" ignored:"true"`
}

// FunnelConfig controls the funnel stage and funnel-aware analysis.
type FunnelConfig struct {
	AnalysisEnabled bool `yaml:"analysis_enabled" json:"analysis_enabled" envconfig:"AXE_FUNNEL_ANALYSIS_ENABLED"`
	// File is an external funnel definition file merged with Definitions.
	File        string              `yaml:"file" json:"file" envconfig:"AXE_FUNNEL_FILE"`
	Definitions []funnel.Definition `yaml:"definitions" json:"definitions" ignored:"true"`
}

// AnalysisConfig tunes scoring. SeverityWeights overrides individual
// impact weights; the multipliers shape the conformance reduction.
type AnalysisConfig struct {
	SeverityWeights    map[string]int `yaml:"severity_weights" json:"severity_weights" ignored:"true"`
	WeightedMultiplier float64        `yaml:"weighted_multiplier" json:"weighted_multiplier" envconfig:"AXE_ANALYSIS_WEIGHTED_MULTIPLIER"`
	CriticalMultiplier float64        `yaml:"critical_multiplier" json:"critical_multiplier" envconfig:"AXE_ANALYSIS_CRITICAL_MULTIPLIER"`
}

// Weights merges the configured overrides over the standard weighting.
func (a AnalysisConfig) Weights() greenlight.SeverityWeights {
	w := greenlight.DefaultSeverityWeights()
	for name, weight := range a.SeverityWeights {
		w[greenlight.ParseImpact(name)] = weight
	}
	return w
}

// EmailConfig controls report delivery. With SinkDir set, messages are
// written there as files instead of being sent.
type EmailConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled" envconfig:"AXE_EMAIL_ENABLED"`
	Recipients []string `yaml:"recipients" json:"recipients" envconfig:"AXE_EMAIL_RECIPIENTS"`
	From       string   `yaml:"from" json:"from" envconfig:"AXE_EMAIL_FROM"`
	SinkDir    string   `yaml:"sink_dir" json:"sink_dir" envconfig:"AXE_EMAIL_SINK_DIR"`
}

// Overrides are explicit CLI values. Zero values mean "not set" and leave
// the resolved configuration alone.
type Overrides struct {
	Domains    []string
	OutputDir  string
	StartStage string
	MaxURLs    int
	Debug      bool
}

func (o Overrides) apply(cfg *Config) {
	if len(o.Domains) > 0 {
		cfg.Domains = o.Domains
	}
	if o.OutputDir != "" {
		cfg.OutputDir = o.OutputDir
	}
	if o.StartStage != "" {
		cfg.StartStage = o.StartStage
	}
	if o.MaxURLs > 0 {
		cfg.Crawler.MaxURLs = o.MaxURLs
	}
	if o.Debug {
		cfg.LogLevel = "debug"
	}
}

// Default returns the built-in configuration. All defaults live here so
// that file and environment values are never clobbered by a second
// defaulting pass.
func Default() *Config {
	return &Config{
		OutputDir:         "audit_output",
		LogLevel:          "info",
		StartStage:        StageCrawler,
		ConcurrentDomains: 1,
		CPUThreshold:      85,
		MemoryThreshold:   90,
		Crawler: CrawlerConfig{
			MaxURLs:          500,
			HybridMode:       true,
			PendingThreshold: 30,
			Concurrency:      4,
			RequestDelay:     0.5,
			Timeout:          20,
			RetryBudget:      3,
			RobotsMode:       string(greenlight.RobotsRespect),
			SitemapDiscovery: true,
			AutoSaveInterval: 50,
			ErrorRateLimit:   0.5,
		},
		Scanner: ScannerConfig{
			PoolSize:         3,
			SleepTime:        2,
			PageLoadTimeout:  30,
			AutoSaveInterval: 10,
			Resume:           true,
			AxeVersion:       "4.10.2",
		},
		Funnel: FunnelConfig{AnalysisEnabled: true},
		Analysis: AnalysisConfig{
			WeightedMultiplier: 2,
			CriticalMultiplier: 20,
		},
	}
}

// discoveryNames are tried in order when no config file is given.
var discoveryNames = []string{"greenlight.yaml", "greenlight.yml", "greenlight.json", "greenlight.conf"}

// Load resolves the configuration. An explicit path must exist; with an
// empty path the well-known names are tried and silently skipped when
// absent. The returned warnings cover deprecated keys and entries that
// were dropped as invalid.
func Load(path string, ov Overrides) (*Config, []string, error) {
	cfg := Default()
	var warnings []string

	resolved := path
	if resolved == "" {
		resolved = discover()
	} else if _, err := os.Stat(resolved); err != nil {
		return nil, nil, fmt.Errorf("config file %s: %v", resolved, err)
	}
	if resolved != "" {
		w, err := applyFile(cfg, resolved)
		warnings = append(warnings, w...)
		if err != nil {
			return nil, warnings, fmt.Errorf("failed to load %s: %v", resolved, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, warnings, fmt.Errorf("failed to read environment: %v", err)
	}

	ov.apply(cfg)

	w, err := cfg.finalize(resolved)
	warnings = append(warnings, w...)
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

func discover() string {
	for _, name := range discoveryNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// aliases maps keys accepted for compatibility onto their canonical
// position. Order matters: earlier entries win when two aliases target
// the same key.
var aliases = []struct{ old, canonical string }{
	{"base_urls", "domains"},
	{"axe_output_dir", "output_dir"},
	{"output_directory", "output_dir"},
	{"crawler_max_urls", "crawler.max_urls"},
	{"max_urls", "crawler.max_urls"},
	{"crawler_hybrid_mode", "crawler.hybrid_mode"},
	{"hybrid_mode", "crawler.hybrid_mode"},
	{"pool_size", "scanner.pool_size"},
	{"sleep_time", "scanner.sleep_time"},
	{"axe_script_path", "scanner.axe_script_path"},
	{"funnel_analysis_enabled", "funnel.analysis_enabled"},
}

func applyFile(cfg *Config, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		raw, err = parseFlat(data)
		if err != nil {
			return nil, err
		}
	}
	if raw == nil {
		return nil, nil
	}
	warnings := normalizeAliases(raw)
	normalized, err := yaml.Marshal(raw)
	if err != nil {
		return warnings, err
	}
	if err := yaml.Unmarshal(normalized, cfg); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// parseFlat reads the KEY=value format. Keys are matched
// case-insensitively and may use dots to reach nested sections; values
// are parsed as YAML scalars so numbers and booleans come out typed.
func parseFlat(data []byte) (map[string]any, error) {
	raw := make(map[string]any)
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 1 {
			return nil, fmt.Errorf("line %d: expected KEY=value", lineNo)
		}
		key := strings.ToLower(strings.TrimSpace(line[:eq]))
		val := strings.TrimSpace(line[eq+1:])

		var parsed any = val
		var typed any
		if err := yaml.Unmarshal([]byte(val), &typed); err == nil {
			parsed = typed
		}
		// Comma lists are only meaningful for the domain keys; other
		// values keep commas verbatim.
		if key == "domains" || key == "base_urls" {
			if s, ok := parsed.(string); ok {
				parts := strings.Split(s, ",")
				list := make([]any, 0, len(parts))
				for _, p := range parts {
					if p = strings.TrimSpace(p); p != "" {
						list = append(list, p)
					}
				}
				parsed = list
			}
		}
		setNested(raw, strings.Split(key, "."), parsed)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return raw, nil
}

func normalizeAliases(raw map[string]any) []string {
	var warnings []string
	for _, a := range aliases {
		v, ok := raw[a.old]
		if !ok {
			continue
		}
		delete(raw, a.old)
		path := strings.Split(a.canonical, ".")
		if _, exists := getNested(raw, path); exists {
			warnings = append(warnings, fmt.Sprintf("ignoring legacy key %q: %q is also set", a.old, a.canonical))
			continue
		}
		setNested(raw, path, v)
		warnings = append(warnings, fmt.Sprintf("key %q is deprecated, use %q", a.old, a.canonical))
	}
	return warnings
}

func setNested(raw map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := raw[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			raw[p] = next
		}
		raw = next
	}
	raw[path[len(path)-1]] = v
}

func getNested(raw map[string]any, path []string) (any, bool) {
	for _, p := range path[:len(path)-1] {
		next, ok := raw[p].(map[string]any)
		if !ok {
			return nil, false
		}
		raw = next
	}
	v, ok := raw[path[len(path)-1]]
	return v, ok
}

// finalize normalizes the merged configuration, loads the external funnel
// file and drops invalid auth entries with a warning. Malformed funnel
// definitions are fatal: silently skipping one would hide a whole user
// journey from the audit.
func (c *Config) finalize(configPath string) ([]string, error) {
	var warnings []string

	seen := make(map[string]bool)
	domains := c.Domains[:0]
	for _, d := range c.Domains {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	c.Domains = domains

	c.StartStage = strings.ToLower(strings.TrimSpace(c.StartStage))
	if c.ConcurrentDomains < 1 {
		c.ConcurrentDomains = 1
	}

	c.Crawler.RobotsMode = strings.ToLower(strings.TrimSpace(c.Crawler.RobotsMode))
	if _, err := greenlight.ParseRobotsMode(c.Crawler.RobotsMode); err != nil {
		warnings = append(warnings, fmt.Sprintf("unknown robots_mode %q, using %q", c.Crawler.RobotsMode, greenlight.RobotsRespect))
		c.Crawler.RobotsMode = string(greenlight.RobotsRespect)
	}

	if c.Funnel.File != "" {
		path := c.Funnel.File
		if !filepath.IsAbs(path) && configPath != "" {
			path = filepath.Join(filepath.Dir(configPath), path)
		}
		defs, err := funnel.LoadDefinitions(path)
		if err != nil {
			return warnings, err
		}
		c.Funnel.Definitions = append(c.Funnel.Definitions, defs...)
	}
	ids := make(map[string]bool)
	for _, def := range c.Funnel.Definitions {
		if err := def.Validate(); err != nil {
			return warnings, fmt.Errorf("funnel definitions: %v", err)
		}
		if ids[def.ID] {
			return warnings, fmt.Errorf("funnel definitions: duplicate funnel id %q", def.ID)
		}
		ids[def.ID] = true
	}

	for key, ac := range c.Auth.Domains {
		if ac.Username == "" {
			ac.Username = c.Auth.Username
		}
		if ac.Password == "" {
			ac.Password = c.Auth.Password
		}
		if err := ac.Validate(); err != nil {
			warnings = append(warnings, fmt.Sprintf("auth for %q disabled: %v", key, err))
			delete(c.Auth.Domains, key)
			continue
		}
		c.Auth.Domains[key] = ac
	}

	return warnings, nil
}

// Validate reports the errors that must stop a run before any stage
// starts. Recoverable problems are returned as warnings by Load instead.
func (c *Config) Validate() error {
	if len(c.Domains) == 0 {
		return fmt.Errorf("no domains configured: set domains in the config file, AXE_BASE_URLS, or --domains")
	}
	if StageIndex(c.StartStage) < 0 {
		return fmt.Errorf("unknown start stage %q (valid: %s)", c.StartStage, strings.Join(stageOrder, ", "))
	}
	if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
		return fmt.Errorf("output directory %s is not writable: %v", c.OutputDir, err)
	}
	probe := filepath.Join(c.OutputDir, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("output directory %s is not writable: %v", c.OutputDir, err)
	}
	os.Remove(probe)
	return nil
}

// DomainView is the per-domain slice of the configuration handed to the
// pipeline stages.
type DomainView struct {
	// Domain is the configured value, verbatim.
	Domain string
	// Slug is the filesystem-safe name used for output paths.
	Slug string
	// SeedURL is the crawl entry point, always with a scheme.
	SeedURL string
	// Auth is nil when the domain has no credentials configured.
	Auth *auth.Config
	// Restricted lists URL prefixes and patterns that need the session.
	Restricted []string
	// Funnels are the definitions that apply to this domain.
	Funnels []funnel.Definition
}

// ForDomain resolves one configured domain into its view. Auth is looked
// up first by the exact configured string, then by bare host. Funnel
// definitions with an empty domain apply everywhere.
func (c *Config) ForDomain(domain string) DomainView {
	seed := strings.TrimSpace(domain)
	if !strings.Contains(seed, "://") {
		seed = "https://" + seed
	}
	host := greenlight.HostOf(seed)
	view := DomainView{
		Domain:  domain,
		Slug:    greenlight.DomainSlug(host),
		SeedURL: seed,
	}
	if ac, ok := c.Auth.Domains[domain]; ok {
		view.Auth = &ac
	} else if ac, ok := c.Auth.Domains[host]; ok {
		view.Auth = &ac
	}
	if view.Auth != nil {
		view.Restricted = view.Auth.RestrictedURLs
	}
	for _, def := range c.Funnel.Definitions {
		if def.Domain == "" || strings.EqualFold(def.Domain, host) || strings.EqualFold(def.Domain, domain) {
			view.Funnels = append(view.Funnels, def)
		}
	}
	return view
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
