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

package greenlight

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Impact is the severity classification of an accessibility violation.
type Impact string

const (
	ImpactCritical Impact = "critical"
	ImpactSerious  Impact = "serious"
	ImpactModerate Impact = "moderate"
	ImpactMinor    Impact = "minor"
	ImpactUnknown  Impact = "unknown"
)

// ParseImpact coerces a raw impact string into the allowed enum. Anything
// unrecognized becomes ImpactUnknown so a single odd row cannot poison
// aggregation.
func ParseImpact(s string) Impact {
	switch Impact(strings.ToLower(strings.TrimSpace(s))) {
	case ImpactCritical:
		return ImpactCritical
	case ImpactSerious:
		return ImpactSerious
	case ImpactModerate:
		return ImpactModerate
	case ImpactMinor:
		return ImpactMinor
	}
	return ImpactUnknown
}

// SeverityWeights maps impacts to the integer weights used in every score.
// The defaults are contractual: aggregated scores are compared across runs,
// so changing them invalidates historical comparisons.
type SeverityWeights map[Impact]int

// DefaultSeverityWeights returns the standard weighting.
func DefaultSeverityWeights() SeverityWeights {
	return SeverityWeights{
		ImpactCritical: 4,
		ImpactSerious:  3,
		ImpactModerate: 2,
		ImpactMinor:    1,
		ImpactUnknown:  0,
	}
}

// Weight returns the weight for an impact, zero when unlisted.
func (w SeverityWeights) Weight(impact Impact) int {
	return w[impact]
}

// Violation is one axe-core finding flattened to a single affected node.
type Violation struct {
	// PageURL is the URL the scanner loaded. For funnel snapshots this is
	// the file:// URL of the captured HTML.
	PageURL string `json:"page_url"`
	// ViolationID is the axe rule identifier, e.g. "color-contrast".
	ViolationID string `json:"violation_id"`
	Impact      Impact `json:"impact"`
	Description string `json:"description"`
	Help        string `json:"help"`
	// TargetSelector is the CSS selector of the affected node.
	TargetSelector string `json:"target_selector"`
	// HTMLFragment is the affected node's outer HTML, truncated by the scanner.
	HTMLFragment   string `json:"html_fragment"`
	FailureSummary string `json:"failure_summary"`
	// AuthRequired marks findings on pages behind authentication.
	AuthRequired bool `json:"auth_required"`
	// Funnel metadata, set only for violations found in funnel snapshots.
	FunnelName       string `json:"funnel_name,omitempty"`
	FunnelStep       string `json:"funnel_step,omitempty"`
	FunnelStepNumber int    `json:"funnel_step_number,omitempty"`
}

// ViolationSet collects violations for one scan run, collapsing duplicates
// on (normalized page URL, violation ID, target selector).
type ViolationSet struct {
	mu         sync.Mutex
	violations []Violation
	seen       map[string]bool
}

// NewViolationSet returns an empty set.
func NewViolationSet() *ViolationSet {
	return &ViolationSet{seen: make(map[string]bool)}
}

// Add inserts a violation keyed by its normalized page URL. It returns
// false when an identical finding was already recorded.
func (s *ViolationSet) Add(normalizedPageURL string, v Violation) bool {
	key := normalizedPageURL + "\x00" + v.ViolationID + "\x00" + v.TargetSelector
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	s.violations = append(s.violations, v)
	return true
}

// Len returns the number of unique violations.
func (s *ViolationSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations)
}

// Violations returns a copy of the collected violations.
func (s *ViolationSet) Violations() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

// SaveViolations writes violations as a JSON array, atomically.
func SaveViolations(path string, violations []Violation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if violations == nil {
		violations = []Violation{}
	}
	data, err := json.MarshalIndent(violations, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + "~"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadViolations reads a violations file written by SaveViolations.
func LoadViolations(path string) ([]Violation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Violation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
