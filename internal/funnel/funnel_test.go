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

package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentberlin/greenlight/internal/layout"
)

// fakeDriver records verb calls and lets tests script failures.
type fakeDriver struct {
	calls       []string
	location    string
	html        string
	navigateErr error
	waitErrs    map[string]error
	evalFunc    func(js string, out any) error
}

func (d *fakeDriver) record(call string) { d.calls = append(d.calls, call) }

func (d *fakeDriver) Navigate(rawURL string) error {
	d.record("navigate:" + rawURL)
	if d.navigateErr != nil {
		return d.navigateErr
	}
	d.location = rawURL
	return nil
}

func (d *fakeDriver) WaitVisible(selector string, _ time.Duration) error {
	d.record("wait:" + selector)
	return d.waitErrs[selector]
}

func (d *fakeDriver) Click(selector string) error {
	d.record("click:" + selector)
	return nil
}

func (d *fakeDriver) SendKeys(selector, value string) error {
	d.record("input:" + selector + "=" + value)
	return nil
}

func (d *fakeDriver) SelectOption(selector, value string) error {
	d.record("select:" + selector + "=" + value)
	return nil
}

func (d *fakeDriver) SubmitForm(selector string) error {
	d.record("submit:" + selector)
	return nil
}

func (d *fakeDriver) Evaluate(js string, out any) error {
	d.record("eval")
	if d.evalFunc != nil {
		return d.evalFunc(js, out)
	}
	if b, ok := out.(*bool); ok && b != nil {
		*b = true
	}
	return nil
}

func (d *fakeDriver) EvaluateAsync(js string, out any) error { return d.Evaluate(js, out) }

func (d *fakeDriver) OuterHTML() (string, error) {
	d.record("html")
	if d.html == "" {
		return "<html><body>snapshot</body></html>", nil
	}
	return d.html, nil
}

func (d *fakeDriver) Screenshot() ([]byte, error) {
	d.record("screenshot")
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (d *fakeDriver) Location() (string, error) { return d.location, nil }

func (d *fakeDriver) SetCookies(*url.URL, []*http.Cookie) error { return nil }

func (d *fakeDriver) Cookies(string) ([]*http.Cookie, error) { return nil, nil }

func (d *fakeDriver) SetExtraHeaders(map[string]string) error { return nil }

func (d *fakeDriver) Close() {}

func TestParseDefinitions(t *testing.T) {
	doc := `
funnels:
  - id: checkout
    domain: example.com
    severity_multiplier: 3
    steps:
      - name: open cart
        url: https://example.com/cart
        wait_for_selector: "#cart"
        timeout: 10
        actions:
          - type: click
            selector: "#add"
          - type: wait
            seconds: 1.5
          - type: input
            selector: "#email"
            value: a@b.c
        success_condition:
          type: url_contains
          value: /checkout
`
	defs, err := ParseDefinitions([]byte(doc))
	if err != nil {
		t.Fatalf("Failed to parse definitions: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("Parsed %d definitions, want 1", len(defs))
	}
	def := defs[0]
	if def.ID != "checkout" || def.Domain != "example.com" {
		t.Errorf("Definition = %+v", def)
	}
	if def.Multiplier() != 3 {
		t.Errorf("Multiplier = %v, want 3", def.Multiplier())
	}
	step := def.Steps[0]
	if len(step.Actions) != 3 {
		t.Fatalf("Parsed %d actions, want 3", len(step.Actions))
	}
	if step.Actions[1].Seconds != 1.5 {
		t.Errorf("wait seconds = %v, want 1.5", step.Actions[1].Seconds)
	}
	if step.SuccessCondition == nil || step.SuccessCondition.Type != CondURLContains {
		t.Errorf("SuccessCondition = %+v", step.SuccessCondition)
	}
	if step.Timeout() != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", step.Timeout())
	}
}

func TestParseDefinitionsBareList(t *testing.T) {
	doc := `
- id: search
  steps:
    - name: query
      actions:
        - type: cookie_banner
`
	defs, err := ParseDefinitions([]byte(doc))
	if err != nil {
		t.Fatalf("Failed to parse bare list: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "search" {
		t.Errorf("Parsed %+v", defs)
	}
}

func TestParseDefinitionsRejectsUnknownVariants(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			"unknown action",
			"- id: f\n  steps:\n    - name: s\n      actions:\n        - type: hover\n          selector: a\n",
			"unknown action type",
		},
		{
			"unknown condition",
			"- id: f\n  steps:\n    - name: s\n      success_condition:\n        type: page_loaded\n",
			"unknown success condition",
		},
		{
			"click without selector",
			"- id: f\n  steps:\n    - name: s\n      actions:\n        - type: click\n",
			"needs a selector",
		},
		{
			"missing id",
			"- steps:\n    - name: s\n",
			"missing an id",
		},
		{
			"no steps",
			"- id: f\n",
			"has no steps",
		},
		{
			"duplicate ids",
			"- id: f\n  steps:\n    - name: s\n- id: f\n  steps:\n    - name: s\n",
			"duplicate funnel id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(tt.doc))
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestMultiplierDefault(t *testing.T) {
	if got := (Definition{}).Multiplier(); got != 2.0 {
		t.Errorf("Default multiplier = %v, want 2.0", got)
	}
}

func newTestExecutor(t *testing.T) (*Executor, layout.DomainPaths) {
	t.Helper()
	paths, err := layout.EnsureDomainTree(t.TempDir(), "example.com")
	if err != nil {
		t.Fatalf("Failed to create domain tree: %v", err)
	}
	ex := NewExecutor(paths, nil)
	ex.pause = time.Millisecond
	return ex, paths
}

func TestExecutorRun(t *testing.T) {
	ex, paths := newTestExecutor(t)
	drv := &fakeDriver{}

	def := Definition{
		ID: "checkout",
		Steps: []Step{
			{
				Name: "open cart",
				URL:  "https://example.com/cart",
				Actions: []Action{
					{Type: ActionClick, Selector: "#add"},
					{Type: ActionInput, Selector: "#email", Value: "a@b.c"},
				},
			},
			{
				Name:             "confirm",
				URL:              "https://example.com/checkout",
				SuccessCondition: &SuccessCondition{Type: CondURLContains, Value: "checkout"},
			},
		},
	}

	artifacts, err := ex.Run(context.Background(), drv, def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("Got %d artifacts, want 2", len(artifacts))
	}
	for i, art := range artifacts {
		if !art.Success {
			t.Errorf("Step %d success = false, want true", i+1)
		}
		if art.StepIndex != i+1 {
			t.Errorf("StepIndex = %d, want %d", art.StepIndex, i+1)
		}
		if _, err := os.Stat(art.HTMLSnapshotPath); err != nil {
			t.Errorf("Missing HTML snapshot: %v", err)
		}
		if _, err := os.Stat(art.ScreenshotPath); err != nil {
			t.Errorf("Missing screenshot: %v", err)
		}
	}

	dir := paths.FunnelDir("checkout")
	if base := filepath.Base(artifacts[0].HTMLSnapshotPath); base != "step_1_open_cart.html" {
		t.Errorf("Snapshot name = %q, want step_1_open_cart.html", base)
	}

	data, err := os.ReadFile(filepath.Join(dir, "results.json"))
	if err != nil {
		t.Fatalf("Missing results.json: %v", err)
	}
	var results []stepResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("results.json invalid: %v", err)
	}
	if len(results) != 2 || !results[0].Success || !results[1].Success {
		t.Errorf("results = %+v", results)
	}
	if results[1].URL != "https://example.com/checkout" {
		t.Errorf("Step 2 url = %q", results[1].URL)
	}
}

func TestExecutorFirstStepFailure(t *testing.T) {
	ex, paths := newTestExecutor(t)
	drv := &fakeDriver{navigateErr: errors.New("connection refused")}

	def := Definition{
		ID: "broken",
		Steps: []Step{
			{Name: "land", URL: "https://example.com/"},
			{Name: "never runs", URL: "https://example.com/next"},
		},
	}

	artifacts, err := ex.Run(context.Background(), drv, def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Exactly one artifact: the failed first step, still snapshotted.
	if len(artifacts) != 1 {
		t.Fatalf("Got %d artifacts, want 1", len(artifacts))
	}
	if artifacts[0].Success {
		t.Error("Failed step reported success")
	}
	if _, err := os.Stat(artifacts[0].HTMLSnapshotPath); err != nil {
		t.Errorf("Failed step has no snapshot: %v", err)
	}

	var results []stepResult
	data, err := os.ReadFile(filepath.Join(paths.FunnelDir("broken"), "results.json"))
	if err != nil {
		t.Fatalf("Missing results.json: %v", err)
	}
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("results.json invalid: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Errorf("results = %+v", results)
	}

	// The second step's navigation must never have happened.
	for _, call := range drv.calls {
		if call == "navigate:https://example.com/next" {
			t.Error("Second step ran after first failed")
		}
	}
}

func TestExecutorHaltsOnConditionFailure(t *testing.T) {
	ex, _ := newTestExecutor(t)
	drv := &fakeDriver{waitErrs: map[string]error{"#missing": errors.New("timeout")}}

	def := Definition{
		ID: "halted",
		Steps: []Step{
			{Name: "ok", URL: "https://example.com/"},
			{
				Name:             "blocked",
				SuccessCondition: &SuccessCondition{Type: CondElementVisible, Selector: "#missing"},
			},
			{Name: "after", URL: "https://example.com/after"},
		},
	}

	artifacts, err := ex.Run(context.Background(), drv, def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("Got %d artifacts, want 2", len(artifacts))
	}
	if !artifacts[0].Success || artifacts[1].Success {
		t.Errorf("Success flags = %v, %v", artifacts[0].Success, artifacts[1].Success)
	}
}

func TestActionRunnerSequence(t *testing.T) {
	drv := &fakeDriver{}
	runner := ActionRunner{Screenshots: t.TempDir(), Pause: time.Millisecond}

	actions := []Action{
		{Type: ActionClick, Selector: "#a"},
		{Type: ActionSelect, Selector: "#lang", Value: "en"},
		{Type: ActionSubmitForm},
		{Type: ActionScreenshot, Filename: "mid"},
		{Type: ActionScript, Code: "1+1"},
	}
	if err := runner.Run(context.Background(), drv, actions); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"click:#a", "select:#lang=en", "submit:form", "screenshot", "eval"}
	if len(drv.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", drv.calls, want)
	}
	for i := range want {
		if drv.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, drv.calls[i], want[i])
		}
	}

	if _, err := os.Stat(filepath.Join(runner.Screenshots, "mid.png")); err != nil {
		t.Errorf("Screenshot action wrote nothing: %v", err)
	}
}

func TestActionRunnerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	drv := &fakeDriver{}
	runner := ActionRunner{Pause: time.Hour}
	actions := []Action{
		{Type: ActionClick, Selector: "#a"},
		{Type: ActionClick, Selector: "#b"},
	}
	err := runner.Run(ctx, drv, actions)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}

func TestCheckCondition(t *testing.T) {
	t.Run("url contains", func(t *testing.T) {
		drv := &fakeDriver{location: "https://example.com/checkout/done"}
		ok, err := CheckCondition(drv, &SuccessCondition{Type: CondURLContains, Value: "/checkout"}, time.Second)
		if err != nil || !ok {
			t.Errorf("ok=%v err=%v, want true nil", ok, err)
		}
		ok, _ = CheckCondition(drv, &SuccessCondition{Type: CondURLContains, Value: "/cart"}, time.Second)
		if ok {
			t.Error("Expected url_contains miss")
		}
	})

	t.Run("text contains", func(t *testing.T) {
		drv := &fakeDriver{evalFunc: func(js string, out any) error {
			if b, ok := out.(*bool); ok {
				*b = strings.Contains(js, "Thank you")
			}
			return nil
		}}
		ok, err := CheckCondition(drv, &SuccessCondition{Type: CondTextContains, Value: "Thank you"}, time.Second)
		if err != nil || !ok {
			t.Errorf("ok=%v err=%v, want true nil", ok, err)
		}
	})

	t.Run("element visible miss", func(t *testing.T) {
		drv := &fakeDriver{waitErrs: map[string]error{"#x": errors.New("timeout")}}
		ok, err := CheckCondition(drv, &SuccessCondition{Type: CondElementVisible, Selector: "#x"}, time.Second)
		if err != nil || ok {
			t.Errorf("ok=%v err=%v, want false nil", ok, err)
		}
	})
}
