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

// Package layout owns the on-disk shape of an audit: the per-domain output
// tree, atomic file writes, rotating state backups, and archiving of prior
// runs. Every stage writes through this package so the tree stays uniform.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentberlin/greenlight"
)

// Subdirectory names under <output_root>/<domain_slug>/.
const (
	CrawlerOutputDir  = "crawler_output"
	AxeOutputDir      = "axe_output"
	AnalysisOutputDir = "analysis_output"
	ReportsDir        = "reports"
	LogsDir           = "logs"
	ChartsDir         = "charts"
	TempDir           = "temp"
	ScreenshotsDir    = "screenshots"
	FunnelsDir        = "funnels"

	runsDir = "runs"
)

// DefaultBackups is how many rotated .bak copies of a state file are kept.
const DefaultBackups = 3

// DomainPaths is the resolved output tree for one domain.
type DomainPaths struct {
	Slug           string
	Root           string
	CrawlerOutput  string
	AxeOutput      string
	AnalysisOutput string
	Reports        string
	Logs           string
	Charts         string
	Temp           string
	Screenshots    string
	Funnels        string
}

// CrawlStateFile is the canonical location of the serialized crawl state.
func (p DomainPaths) CrawlStateFile() string {
	return filepath.Join(p.CrawlerOutput, fmt.Sprintf("crawler_state_%s.json", p.Slug))
}

// ViolationsFile is the scanner's raw findings file.
func (p DomainPaths) ViolationsFile() string {
	return filepath.Join(p.AxeOutput, fmt.Sprintf("violations_%s.json", p.Slug))
}

// VisitedFile tracks which URLs the scanner has already processed.
func (p DomainPaths) VisitedFile() string {
	return filepath.Join(p.AxeOutput, "scanned_urls.json")
}

// AnalysisFile is the analyzer's consolidated output.
func (p DomainPaths) AnalysisFile() string {
	return filepath.Join(p.AnalysisOutput, "analysis.json")
}

// FunnelDir is where one funnel's step artifacts land.
func (p DomainPaths) FunnelDir(funnelID string) string {
	return filepath.Join(p.Funnels, SafeFilename(funnelID))
}

// PathsFor resolves the output tree for a domain without touching the
// filesystem. Readers use this; writers go through EnsureDomainTree.
func PathsFor(outputRoot, domain string) DomainPaths {
	slug := greenlight.DomainSlug(domain)
	root := filepath.Join(outputRoot, slug)
	return DomainPaths{
		Slug:           slug,
		Root:           root,
		CrawlerOutput:  filepath.Join(root, CrawlerOutputDir),
		AxeOutput:      filepath.Join(root, AxeOutputDir),
		AnalysisOutput: filepath.Join(root, AnalysisOutputDir),
		Reports:        filepath.Join(root, ReportsDir),
		Logs:           filepath.Join(root, LogsDir),
		Charts:         filepath.Join(root, ChartsDir),
		Temp:           filepath.Join(root, TempDir),
		Screenshots:    filepath.Join(root, ScreenshotsDir),
		Funnels:        filepath.Join(root, FunnelsDir),
	}
}

// EnsureDomainTree creates the full output tree for a domain and returns the
// resolved paths. Calling it on an existing tree is a no-op.
func EnsureDomainTree(outputRoot, domain string) (DomainPaths, error) {
	p := PathsFor(outputRoot, domain)
	for _, dir := range []string{
		p.CrawlerOutput, p.AxeOutput, p.AnalysisOutput, p.Reports,
		p.Logs, p.Charts, p.Temp, p.Screenshots, p.Funnels,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return DomainPaths{}, fmt.Errorf("failed to create output directory %s: %v", dir, err)
		}
	}
	return p, nil
}

// WriteFile writes data atomically: the bytes land in a sibling temp file
// which is renamed over the destination, so readers never observe a partial
// file. Parent directories are created as needed.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %v", path, err)
	}
	tmp := path + "~"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %v", path, err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", path, err)
	}
	return WriteFile(path, data)
}

// WriteFileWithBackup rotates existing copies of path into .bak1..bakN
// before writing, so the previous keep versions of a state file survive a
// bad run. keep <= 0 disables rotation.
func WriteFileWithBackup(path string, data []byte, keep int) error {
	if keep > 0 {
		if err := rotateBackups(path, keep); err != nil {
			return err
		}
	}
	return WriteFile(path, data)
}

func rotateBackups(path string, keep int) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	for i := keep; i >= 2; i-- {
		older := fmt.Sprintf("%s.bak%d", path, i-1)
		if _, err := os.Stat(older); err == nil {
			if err := os.Rename(older, fmt.Sprintf("%s.bak%d", path, i)); err != nil {
				return fmt.Errorf("failed to rotate backup %s: %v", older, err)
			}
		}
	}
	if err := os.Rename(path, path+".bak1"); err != nil {
		return fmt.Errorf("failed to back up %s: %v", path, err)
	}
	return nil
}

// ArchiveRuns moves an existing domain tree aside into
// <output_root>/runs/<slug>_<timestamp>/ and reports where it went. A
// missing tree archives to "" without error.
func ArchiveRuns(outputRoot, domain string) (string, error) {
	slug := greenlight.DomainSlug(domain)
	src := filepath.Join(outputRoot, slug)
	if _, err := os.Stat(src); err != nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Join(outputRoot, runsDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create runs directory: %v", err)
	}
	stamp := time.Now().Format("20060102-150405")
	dst := filepath.Join(outputRoot, runsDir, fmt.Sprintf("%s_%s", slug, stamp))
	for n := 2; ; n++ {
		if _, err := os.Stat(dst); err != nil {
			break
		}
		dst = filepath.Join(outputRoot, runsDir, fmt.Sprintf("%s_%s_%d", slug, stamp, n))
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to archive %s: %v", src, err)
	}
	return dst, nil
}

// fileReplacer swaps characters that are unsafe in filenames. The set covers
// path separators, query syntax and Windows-reserved characters.
var fileReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	"?", "_",
	"=", "_",
	"&", "_",
	"#", "_",
	":", "_",
	"*", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	" ", "_",
)

// SafeFilename turns an arbitrary identifier (URL path, funnel name, step
// name) into a disk-safe filename component.
func SafeFilename(name string) string {
	s := fileReplacer.Replace(strings.TrimSpace(name))
	s = strings.Trim(s, "._")
	if s == "" {
		return "unnamed"
	}
	const maxLen = 120
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// URLFilename derives a stable filename for per-URL artifacts from the URL's
// path and query, defaulting to index for the root path.
func URLFilename(pageURL, ext string) string {
	trimmed := pageURL
	if i := strings.Index(trimmed, "://"); i != -1 {
		trimmed = trimmed[i+3:]
	}
	if i := strings.IndexByte(trimmed, '/'); i != -1 {
		trimmed = trimmed[i+1:]
	} else {
		trimmed = ""
	}
	if trimmed == "" {
		return "index" + ext
	}
	return SafeFilename(trimmed) + ext
}
