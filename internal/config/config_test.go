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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentberlin/greenlight"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, "greenlight.yaml", `
domains:
  - example.com
log_level: warn
output_dir: /tmp/from-file
crawler:
  max_urls: 100
  concurrency: 9
`)
	t.Setenv("AXE_OUTPUT_DIR", "/tmp/from-env")
	t.Setenv("AXE_SCANNER_POOL_SIZE", "7")

	cfg, warnings, err := Load(path, Overrides{MaxURLs: 42})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	// File beats defaults.
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Crawler.Concurrency != 9 {
		t.Errorf("Concurrency = %d, want 9", cfg.Crawler.Concurrency)
	}
	// Environment beats the file.
	if cfg.OutputDir != "/tmp/from-env" {
		t.Errorf("OutputDir = %q, want /tmp/from-env", cfg.OutputDir)
	}
	if cfg.Scanner.PoolSize != 7 {
		t.Errorf("PoolSize = %d, want 7", cfg.Scanner.PoolSize)
	}
	// Overrides beat everything.
	if cfg.Crawler.MaxURLs != 42 {
		t.Errorf("MaxURLs = %d, want 42", cfg.Crawler.MaxURLs)
	}
	// Untouched fields keep their defaults.
	if cfg.Scanner.AxeVersion != "4.10.2" {
		t.Errorf("AxeVersion = %q, want default", cfg.Scanner.AxeVersion)
	}
	if !cfg.Crawler.HybridMode {
		t.Error("HybridMode default lost during merge")
	}
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	t.Setenv("AXE_BASE_URLS", "a.example.com,b.example.com")
	t.Setenv("AXE_CRAWLER_HYBRID_MODE", "false")
	t.Setenv("AXE_CPU_THRESHOLD", "70")
	t.Setenv("AXE_FUNNEL_ANALYSIS_ENABLED", "false")
	t.Setenv("AXE_AUTH_USERNAME", "auditor")

	cfg, _, err := Load(filepath.Join(t.TempDir(), "greenlight.yaml"), Overrides{})
	if err == nil {
		t.Fatal("explicit missing path should fail")
	}

	cfg, _, err = Load("", Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Domains) != 2 || cfg.Domains[0] != "a.example.com" {
		t.Errorf("Domains = %v", cfg.Domains)
	}
	if cfg.Crawler.HybridMode {
		t.Error("AXE_CRAWLER_HYBRID_MODE=false not applied")
	}
	if cfg.CPUThreshold != 70 {
		t.Errorf("CPUThreshold = %v, want 70", cfg.CPUThreshold)
	}
	if cfg.Funnel.AnalysisEnabled {
		t.Error("AXE_FUNNEL_ANALYSIS_ENABLED=false not applied")
	}
	if cfg.Auth.Username != "auditor" {
		t.Errorf("Auth.Username = %q", cfg.Auth.Username)
	}
}

func TestLoadFlatFile(t *testing.T) {
	path := writeConfig(t, "greenlight.conf", `
# audit targets
DOMAINS=example.com, shop.example.com
CRAWLER.MAX_URLS=75
HYBRID_MODE=false
SLEEP_TIME=3.5
`)
	cfg, warnings, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Domains) != 2 || cfg.Domains[1] != "shop.example.com" {
		t.Errorf("Domains = %v", cfg.Domains)
	}
	if cfg.Crawler.MaxURLs != 75 {
		t.Errorf("MaxURLs = %d, want 75", cfg.Crawler.MaxURLs)
	}
	if cfg.Crawler.HybridMode {
		t.Error("hybrid_mode alias not applied")
	}
	if cfg.Scanner.SleepTime != 3.5 {
		t.Errorf("SleepTime = %v, want 3.5", cfg.Scanner.SleepTime)
	}
	if !hasWarning(warnings, "deprecated") {
		t.Errorf("expected deprecation warnings, got %v", warnings)
	}
}

func TestLoadFlatFileBadLine(t *testing.T) {
	path := writeConfig(t, "broken.conf", "DOMAINS=example.com\nnot a pair\n")
	if _, _, err := Load(path, Overrides{}); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("err = %v, want line 2 parse error", err)
	}
}

func TestLoadAliases(t *testing.T) {
	t.Run("legacy key moves into place", func(t *testing.T) {
		path := writeConfig(t, "greenlight.yaml", "base_urls: [example.com]\nmax_urls: 123\n")
		cfg, warnings, err := Load(path, Overrides{})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(cfg.Domains) != 1 || cfg.Domains[0] != "example.com" {
			t.Errorf("Domains = %v", cfg.Domains)
		}
		if cfg.Crawler.MaxURLs != 123 {
			t.Errorf("MaxURLs = %d, want 123", cfg.Crawler.MaxURLs)
		}
		if !hasWarning(warnings, `"base_urls"`) || !hasWarning(warnings, `"max_urls"`) {
			t.Errorf("warnings = %v", warnings)
		}
	})

	t.Run("canonical key wins over alias", func(t *testing.T) {
		path := writeConfig(t, "greenlight.yaml", "domains: [canonical.com]\nbase_urls: [legacy.com]\n")
		cfg, warnings, err := Load(path, Overrides{})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(cfg.Domains) != 1 || cfg.Domains[0] != "canonical.com" {
			t.Errorf("Domains = %v", cfg.Domains)
		}
		if !hasWarning(warnings, "ignoring legacy key") {
			t.Errorf("warnings = %v", warnings)
		}
	})

	t.Run("alias lands inside existing section", func(t *testing.T) {
		path := writeConfig(t, "greenlight.yaml", "crawler:\n  concurrency: 2\npool_size: 5\n")
		cfg, _, err := Load(path, Overrides{})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Crawler.Concurrency != 2 {
			t.Errorf("Concurrency = %d, want 2", cfg.Crawler.Concurrency)
		}
		if cfg.Scanner.PoolSize != 5 {
			t.Errorf("PoolSize = %d, want 5", cfg.Scanner.PoolSize)
		}
	})
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "greenlight.json", `{"domains": ["example.com"], "scanner": {"pool_size": 2}}`)
	cfg, _, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scanner.PoolSize != 2 {
		t.Errorf("PoolSize = %d, want 2", cfg.Scanner.PoolSize)
	}
}

func TestLoadDiscovery(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greenlight.yml"), []byte("domains: [found.example.com]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, _, err := Load("", Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Domains) != 1 || cfg.Domains[0] != "found.example.com" {
		t.Errorf("Domains = %v", cfg.Domains)
	}
}

func TestLoadDiscoveryMissingIsFine(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, _, err := Load("", Overrides{Domains: []string{"example.com"}})
	if err != nil {
		t.Fatalf("Load without a config file: %v", err)
	}
	if cfg.OutputDir != "audit_output" {
		t.Errorf("OutputDir = %q, want default", cfg.OutputDir)
	}
}

func TestLoadRejectsBadFunnelDefinition(t *testing.T) {
	path := writeConfig(t, "greenlight.yaml", `
domains: [example.com]
funnel:
  definitions:
    - id: checkout
      steps:
        - name: open cart
          actions:
            - type: fly
              selector: "#cart"
`)
	_, _, err := Load(path, Overrides{})
	if err == nil || !strings.Contains(err.Error(), "unknown action type") {
		t.Fatalf("err = %v, want unknown action type", err)
	}
}

func TestLoadFunnelFile(t *testing.T) {
	dir := t.TempDir()
	funnels := `
funnels:
  - id: signup
    domain: example.com
    steps:
      - name: open form
        url: https://example.com/signup
`
	if err := os.WriteFile(filepath.Join(dir, "funnels.yaml"), []byte(funnels), 0644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "greenlight.yaml")
	cfgData := `
domains: [example.com]
funnel:
  file: funnels.yaml
  definitions:
    - id: checkout
      steps:
        - name: open cart
          url: https://example.com/cart
`
	if err := os.WriteFile(cfgPath, []byte(cfgData), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load(cfgPath, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Funnel.Definitions) != 2 {
		t.Fatalf("definitions = %d, want 2 (inline + file)", len(cfg.Funnel.Definitions))
	}
	ids := []string{cfg.Funnel.Definitions[0].ID, cfg.Funnel.Definitions[1].ID}
	if ids[0] != "checkout" || ids[1] != "signup" {
		t.Errorf("ids = %v", ids)
	}
}

func TestLoadFunnelDuplicateAcrossSources(t *testing.T) {
	dir := t.TempDir()
	funnels := "funnels:\n  - id: checkout\n    steps:\n      - name: again\n"
	if err := os.WriteFile(filepath.Join(dir, "funnels.yaml"), []byte(funnels), 0644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "greenlight.yaml")
	cfgData := `
domains: [example.com]
funnel:
  file: funnels.yaml
  definitions:
    - id: checkout
      steps:
        - name: open cart
`
	if err := os.WriteFile(cfgPath, []byte(cfgData), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(cfgPath, Overrides{}); err == nil || !strings.Contains(err.Error(), "duplicate funnel id") {
		t.Fatalf("err = %v, want duplicate funnel id", err)
	}
}

func TestLoadAuthEntries(t *testing.T) {
	path := writeConfig(t, "greenlight.yaml", `
domains: [example.com, admin.example.com]
auth:
  username: shared-user
  password: shared-pass
  domains:
    example.com:
      type: basic
      login_url: https://example.com
    admin.example.com:
      type: form
      login_url: https://admin.example.com/login
`)
	cfg, warnings, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Valid entry kept, creds filled from the global fallback.
	entry, ok := cfg.Auth.Domains["example.com"]
	if !ok {
		t.Fatal("basic entry dropped")
	}
	if entry.Username != "shared-user" || entry.Password != "shared-pass" {
		t.Errorf("fallback creds not applied: %+v", entry)
	}

	// Form entry without selectors is invalid: dropped with a warning.
	if _, ok := cfg.Auth.Domains["admin.example.com"]; ok {
		t.Error("invalid form entry survived")
	}
	if !hasWarning(warnings, `auth for "admin.example.com" disabled`) {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestForDomain(t *testing.T) {
	path := writeConfig(t, "greenlight.yaml", `
domains: [example.com, "https://shop.example.com"]
auth:
  domains:
    shop.example.com:
      type: basic
      username: u
      password: p
      restricted_urls: [https://shop.example.com/account]
funnel:
  definitions:
    - id: everywhere
      steps:
        - name: home
    - id: shop-only
      domain: shop.example.com
      steps:
        - name: cart
`)
	cfg, _, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	t.Run("bare domain", func(t *testing.T) {
		view := cfg.ForDomain("example.com")
		if view.SeedURL != "https://example.com" {
			t.Errorf("SeedURL = %q", view.SeedURL)
		}
		if view.Slug != "example-com" {
			t.Errorf("Slug = %q", view.Slug)
		}
		if view.Auth != nil {
			t.Error("unexpected auth")
		}
		if len(view.Funnels) != 1 || view.Funnels[0].ID != "everywhere" {
			t.Errorf("Funnels = %+v", view.Funnels)
		}
	})

	t.Run("url domain with auth", func(t *testing.T) {
		view := cfg.ForDomain("https://shop.example.com")
		if view.SeedURL != "https://shop.example.com" {
			t.Errorf("SeedURL = %q", view.SeedURL)
		}
		if view.Auth == nil {
			t.Fatal("auth not resolved by host")
		}
		if view.Auth.Username != "u" {
			t.Errorf("Username = %q", view.Auth.Username)
		}
		if len(view.Restricted) != 1 {
			t.Errorf("Restricted = %v", view.Restricted)
		}
		if len(view.Funnels) != 2 {
			t.Errorf("Funnels = %+v", view.Funnels)
		}
	})
}

func TestValidate(t *testing.T) {
	t.Run("needs domains", func(t *testing.T) {
		cfg := Default()
		cfg.OutputDir = t.TempDir()
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "no domains") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("rejects unknown start stage", func(t *testing.T) {
		cfg := Default()
		cfg.Domains = []string{"example.com"}
		cfg.OutputDir = t.TempDir()
		cfg.StartStage = "teleport"
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "start stage") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("rejects unwritable output root", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "occupied")
		if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		cfg := Default()
		cfg.Domains = []string{"example.com"}
		cfg.OutputDir = filepath.Join(blocker, "nested")
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "not writable") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("accepts a complete config", func(t *testing.T) {
		cfg := Default()
		cfg.Domains = []string{"example.com"}
		cfg.OutputDir = filepath.Join(t.TempDir(), "out")
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}

func TestFinalizeNormalizes(t *testing.T) {
	path := writeConfig(t, "greenlight.yaml", `
domains: ["example.com", " example.com ", "", "other.com"]
start_stage: " Axe "
crawler:
  robots_mode: SHOUT
`)
	cfg, warnings, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Domains) != 2 {
		t.Errorf("Domains = %v, want deduped pair", cfg.Domains)
	}
	if cfg.StartStage != "axe" {
		t.Errorf("StartStage = %q", cfg.StartStage)
	}
	if cfg.Crawler.RobotsMode != string(greenlight.RobotsRespect) {
		t.Errorf("RobotsMode = %q, want respect", cfg.Crawler.RobotsMode)
	}
	if !hasWarning(warnings, "robots_mode") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestEngineConfig(t *testing.T) {
	c := Default().Crawler
	c.RequestDelay = 0.5
	c.Timeout = 12

	ec := c.EngineConfig("https://example.com")
	if len(ec.StartURLs) != 1 || ec.StartURLs[0] != "https://example.com" {
		t.Errorf("StartURLs = %v", ec.StartURLs)
	}
	if ec.RenderMode != greenlight.RenderHybrid {
		t.Errorf("RenderMode = %q, want hybrid", ec.RenderMode)
	}
	if ec.RequestDelay != 500*time.Millisecond {
		t.Errorf("RequestDelay = %v", ec.RequestDelay)
	}
	if ec.Timeout != 12*time.Second {
		t.Errorf("Timeout = %v", ec.Timeout)
	}
	if ec.RobotsMode != greenlight.RobotsRespect {
		t.Errorf("RobotsMode = %q", ec.RobotsMode)
	}

	c.HybridMode = false
	if ec := c.EngineConfig("https://example.com"); ec.RenderMode != greenlight.RenderNever {
		t.Errorf("RenderMode = %q, want http", ec.RenderMode)
	}
}

func TestStageIndex(t *testing.T) {
	want := []string{StageCrawler, StageAuth, StageAxe, StageFunnel, StageAnalysis}
	for i, name := range want {
		if StageIndex(name) != i {
			t.Errorf("StageIndex(%q) = %d, want %d", name, StageIndex(name), i)
		}
	}
	if StageIndex("deploy") != -1 {
		t.Error("unknown stage should be -1")
	}
}

func TestAnalysisWeights(t *testing.T) {
	a := AnalysisConfig{SeverityWeights: map[string]int{"critical": 10, "minor": 2}}
	w := a.Weights()
	if w.Weight(greenlight.ImpactCritical) != 10 {
		t.Errorf("critical = %d, want 10", w.Weight(greenlight.ImpactCritical))
	}
	if w.Weight(greenlight.ImpactMinor) != 2 {
		t.Errorf("minor = %d, want 2", w.Weight(greenlight.ImpactMinor))
	}
	if w.Weight(greenlight.ImpactSerious) != 3 {
		t.Errorf("serious = %d, want default 3", w.Weight(greenlight.ImpactSerious))
	}
}
