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

// Package funnel executes scripted user journeys (login, search, checkout)
// against a browser tab and captures an HTML snapshot plus screenshot per
// step. Snapshots feed the scanner so violations inside multi-step flows
// show up in the report.
package funnel

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Action type names accepted in funnel definitions.
const (
	ActionWait         = "wait"
	ActionClick        = "click"
	ActionInput        = "input"
	ActionSelect       = "select"
	ActionSubmitForm   = "submit_form"
	ActionScript       = "script"
	ActionScreenshot   = "screenshot"
	ActionCookieBanner = "cookie_banner"
)

// Success condition type names.
const (
	CondElementVisible   = "element_visible"
	CondElementClickable = "element_clickable"
	CondURLContains      = "url_contains"
	CondTextContains     = "text_contains"
)

// Action is one browser interaction inside a step. Which fields apply
// depends on Type; unknown types are rejected at load time.
type Action struct {
	Type     string  `yaml:"type" json:"type"`
	Selector string  `yaml:"selector,omitempty" json:"selector,omitempty"`
	Value    string  `yaml:"value,omitempty" json:"value,omitempty"`
	Seconds  float64 `yaml:"seconds,omitempty" json:"seconds,omitempty"`
	Code     string  `yaml:"code,omitempty" json:"code,omitempty"`
	Filename string  `yaml:"filename,omitempty" json:"filename,omitempty"`
}

// UnmarshalYAML decodes and validates an action, so malformed definitions
// fail when configuration loads rather than mid-run.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	type plain Action
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*a = Action(p)
	return a.validate()
}

func (a *Action) validate() error {
	a.Type = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(a.Type)), "-", "_")
	switch a.Type {
	case ActionWait:
		if a.Seconds <= 0 && a.Selector == "" {
			return fmt.Errorf("wait action needs seconds or a selector")
		}
	case ActionClick:
		if a.Selector == "" {
			return fmt.Errorf("click action needs a selector")
		}
	case ActionInput:
		if a.Selector == "" {
			return fmt.Errorf("input action needs a selector")
		}
	case ActionSelect:
		if a.Selector == "" || a.Value == "" {
			return fmt.Errorf("select action needs a selector and a value")
		}
	case ActionSubmitForm, ActionScreenshot, ActionCookieBanner:
		// Selector and filename are optional for these.
	case ActionScript:
		if a.Code == "" {
			return fmt.Errorf("script action needs code")
		}
	case "":
		return fmt.Errorf("action is missing a type")
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// SuccessCondition decides whether a step achieved its goal after the
// actions ran.
type SuccessCondition struct {
	Type     string `yaml:"type" json:"type"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
}

func (c *SuccessCondition) UnmarshalYAML(node *yaml.Node) error {
	type plain SuccessCondition
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = SuccessCondition(p)
	return c.validate()
}

func (c *SuccessCondition) validate() error {
	c.Type = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c.Type)), "-", "_")
	switch c.Type {
	case CondElementVisible, CondElementClickable:
		if c.Selector == "" {
			return fmt.Errorf("%s condition needs a selector", c.Type)
		}
	case CondURLContains, CondTextContains:
		if c.Value == "" {
			return fmt.Errorf("%s condition needs a value", c.Type)
		}
	case "":
		return fmt.Errorf("success condition is missing a type")
	default:
		return fmt.Errorf("unknown success condition %q", c.Type)
	}
	return nil
}

// Step is one stage of a funnel: optional navigation, ordered actions, then
// an optional success check.
type Step struct {
	Name             string            `yaml:"name" json:"name"`
	URL              string            `yaml:"url,omitempty" json:"url,omitempty"`
	WaitForSelector  string            `yaml:"wait_for_selector,omitempty" json:"wait_for_selector,omitempty"`
	Actions          []Action          `yaml:"actions,omitempty" json:"actions,omitempty"`
	SuccessCondition *SuccessCondition `yaml:"success_condition,omitempty" json:"success_condition,omitempty"`
	TimeoutSeconds   float64           `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Timeout returns the step's wait bound, defaulting to 30s.
func (s Step) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// Definition is one configured funnel.
type Definition struct {
	ID                 string  `yaml:"id" json:"id"`
	Domain             string  `yaml:"domain,omitempty" json:"domain,omitempty"`
	AuthRequired       bool    `yaml:"auth_required,omitempty" json:"auth_required,omitempty"`
	Steps              []Step  `yaml:"steps" json:"steps"`
	SeverityMultiplier float64 `yaml:"severity_multiplier,omitempty" json:"severity_multiplier,omitempty"`
}

// DefaultMultiplier weighs funnel findings when a definition does not set
// its own severity multiplier. Funnels cover conversion-critical journeys,
// so they count double by default.
const DefaultMultiplier = 2.0

// Multiplier returns the severity multiplier applied to violations found in
// this funnel's pages.
func (d Definition) Multiplier() float64 {
	if d.SeverityMultiplier <= 0 {
		return DefaultMultiplier
	}
	return d.SeverityMultiplier
}

// Validate rejects definitions that cannot produce usable artifacts.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("funnel is missing an id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("funnel %q has no steps", d.ID)
	}
	for i, step := range d.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("funnel %q: step %d has no name", d.ID, i+1)
		}
	}
	return nil
}

// Artifact records what one executed step left on disk.
type Artifact struct {
	FunnelID         string `json:"funnel_id"`
	StepIndex        int    `json:"step_index"`
	StepName         string `json:"step_name"`
	URL              string `json:"url"`
	HTMLSnapshotPath string `json:"html_snapshot_path"`
	ScreenshotPath   string `json:"screenshot_path"`
	Success          bool   `json:"success"`
}

// ParseDefinitions reads funnel definitions from YAML or JSON bytes. Both a
// bare list and a document with a top-level "funnels" key are accepted.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse funnel definitions: %v", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	var defs []Definition
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&defs); err != nil {
			return nil, fmt.Errorf("failed to parse funnel definitions: %v", err)
		}
	case yaml.MappingNode:
		var wrapper struct {
			Funnels []Definition `yaml:"funnels"`
		}
		if err := root.Decode(&wrapper); err != nil {
			return nil, fmt.Errorf("failed to parse funnel definitions: %v", err)
		}
		defs = wrapper.Funnels
	default:
		return nil, fmt.Errorf("funnel definitions must be a list or a document with a funnels key")
	}

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate funnel id %q", def.ID)
		}
		seen[def.ID] = true
	}
	return defs, nil
}

// LoadDefinitions reads funnel definitions from a file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read funnel file: %v", err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return defs, nil
}
