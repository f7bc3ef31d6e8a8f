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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentberlin/greenlight/internal/browser"
	"github.com/agentberlin/greenlight/internal/layout"
)

// actionPause separates consecutive actions so pages have time to react.
const actionPause = 500 * time.Millisecond

// Executor runs funnel definitions and writes their artifacts into the
// domain's funnels directory.
type Executor struct {
	paths  layout.DomainPaths
	logger *zap.Logger
	pause  time.Duration
}

// NewExecutor creates a funnel executor writing under paths.Funnels.
func NewExecutor(paths layout.DomainPaths, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{paths: paths, logger: logger, pause: actionPause}
}

// stepResult is one line of results.json.
type stepResult struct {
	Step    string `json:"step"`
	URL     string `json:"url"`
	Success bool   `json:"success"`
}

// Run executes the funnel's steps in order against the driver. A failed
// step halts the remaining steps; artifacts captured up to and including
// the failure are returned so the scanner can still analyze them. The
// returned error covers executor-level problems (artifact I/O), not step
// failures.
func (e *Executor) Run(ctx context.Context, drv browser.Driver, def Definition) ([]Artifact, error) {
	dir := e.paths.FunnelDir(def.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create funnel directory: %v", err)
	}

	runner := ActionRunner{Screenshots: dir, Pause: e.pause}
	artifacts := make([]Artifact, 0, len(def.Steps))
	results := make([]stepResult, 0, len(def.Steps))

	for i, step := range def.Steps {
		if ctx.Err() != nil {
			break
		}

		success := true
		var failure error
		if step.URL != "" {
			if err := drv.Navigate(step.URL); err != nil {
				success, failure = false, err
			}
		}
		if success && step.WaitForSelector != "" {
			if err := drv.WaitVisible(step.WaitForSelector, step.Timeout()); err != nil {
				success, failure = false, err
			}
		}
		if success {
			if err := runner.Run(ctx, drv, step.Actions); err != nil {
				success, failure = false, err
			}
		}
		if success && step.SuccessCondition != nil {
			ok, err := CheckCondition(drv, step.SuccessCondition, step.Timeout())
			switch {
			case err != nil:
				success, failure = false, err
			case !ok:
				success = false
				failure = fmt.Errorf("success condition %s not met", step.SuccessCondition.Type)
			}
		}

		art := e.capture(drv, def.ID, i, step.Name, dir, success)
		artifacts = append(artifacts, art)
		results = append(results, stepResult{Step: step.Name, URL: art.URL, Success: success})

		if !success {
			e.logger.Warn("funnel step failed",
				zap.String("funnel", def.ID),
				zap.String("step", step.Name),
				zap.Error(failure))
			break
		}
		e.logger.Info("funnel step completed",
			zap.String("funnel", def.ID),
			zap.String("step", step.Name))
	}

	if err := layout.WriteJSON(filepath.Join(dir, "results.json"), results); err != nil {
		return artifacts, fmt.Errorf("failed to write funnel results: %v", err)
	}
	return artifacts, nil
}

// capture snapshots the current page. Capture failures degrade to empty
// paths rather than aborting the funnel.
func (e *Executor) capture(drv browser.Driver, funnelID string, idx int, name, dir string, success bool) Artifact {
	art := Artifact{
		FunnelID:  funnelID,
		StepIndex: idx + 1,
		StepName:  name,
		Success:   success,
	}
	if loc, err := drv.Location(); err == nil {
		art.URL = loc
	}

	base := fmt.Sprintf("step_%d_%s", idx+1, layout.SafeFilename(name))
	if html, err := drv.OuterHTML(); err != nil {
		e.logger.Warn("funnel snapshot failed", zap.String("step", name), zap.Error(err))
	} else {
		path := filepath.Join(dir, base+".html")
		if err := layout.WriteFile(path, []byte(html)); err != nil {
			e.logger.Warn("funnel snapshot write failed", zap.String("step", name), zap.Error(err))
		} else {
			art.HTMLSnapshotPath = path
		}
	}
	if png, err := drv.Screenshot(); err != nil {
		e.logger.Warn("funnel screenshot failed", zap.String("step", name), zap.Error(err))
	} else {
		path := filepath.Join(dir, base+".png")
		if err := layout.WriteFile(path, png); err != nil {
			e.logger.Warn("funnel screenshot write failed", zap.String("step", name), zap.Error(err))
		} else {
			art.ScreenshotPath = path
		}
	}
	return art
}

// ActionRunner executes action lists. The auth driver shares it for pre-
// and post-login actions.
type ActionRunner struct {
	// Screenshots is where Screenshot actions write.
	Screenshots string
	// Pause separates consecutive actions. Zero means the default 500ms.
	Pause time.Duration
}

// Run executes actions in order, pausing between them.
func (r ActionRunner) Run(ctx context.Context, drv browser.Driver, actions []Action) error {
	pause := r.Pause
	if pause <= 0 {
		pause = actionPause
	}
	for i, a := range actions {
		if i > 0 {
			if err := sleep(ctx, pause); err != nil {
				return err
			}
		}
		if err := r.runOne(ctx, drv, a); err != nil {
			return fmt.Errorf("action %d (%s): %v", i+1, a.Type, err)
		}
	}
	return nil
}

func (r ActionRunner) runOne(ctx context.Context, drv browser.Driver, a Action) error {
	switch a.Type {
	case ActionWait:
		if a.Selector != "" {
			return drv.WaitVisible(a.Selector, 0)
		}
		return sleep(ctx, time.Duration(a.Seconds*float64(time.Second)))
	case ActionClick:
		return drv.Click(a.Selector)
	case ActionInput:
		return drv.SendKeys(a.Selector, a.Value)
	case ActionSelect:
		return drv.SelectOption(a.Selector, a.Value)
	case ActionSubmitForm:
		selector := a.Selector
		if selector == "" {
			selector = "form"
		}
		return drv.SubmitForm(selector)
	case ActionScript:
		return drv.Evaluate(a.Code, nil)
	case ActionScreenshot:
		png, err := drv.Screenshot()
		if err != nil {
			return err
		}
		name := a.Filename
		if name == "" {
			name = fmt.Sprintf("screenshot_%d.png", time.Now().UnixMilli())
		}
		if !strings.HasSuffix(name, ".png") {
			name += ".png"
		}
		return layout.WriteFile(filepath.Join(r.Screenshots, layout.SafeFilename(name)), png)
	case ActionCookieBanner:
		return acceptCookieBanner(drv)
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

// cookieBannerSelectors covers the consent buttons of the common CMPs plus
// generic accept-button patterns.
var cookieBannerSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
	"#accept-cookies",
	"#cookie-accept",
	".cc-allow",
	".cc-accept",
	".cookie-consent-accept",
	"button[data-testid='cookie-accept']",
	"button[id*='accept']",
	"button[class*='accept']",
}

// acceptCookieBanner clicks the first visible consent button. Pages without
// a banner are not an error.
func acceptCookieBanner(drv browser.Driver) error {
	selectors, err := json.Marshal(cookieBannerSelectors)
	if err != nil {
		return err
	}
	js := fmt.Sprintf(`(() => {
		for (const s of %s) {
			const el = document.querySelector(s);
			if (el && el.offsetParent !== null) { el.click(); return s; }
		}
		return "";
	})()`, selectors)
	var matched string
	if err := drv.Evaluate(js, &matched); err != nil {
		return fmt.Errorf("cookie banner sweep failed: %v", err)
	}
	return nil
}

// CheckCondition evaluates a step's success predicate against the driver's
// current page.
func CheckCondition(drv browser.Driver, cond *SuccessCondition, timeout time.Duration) (bool, error) {
	switch cond.Type {
	case CondElementVisible:
		return drv.WaitVisible(cond.Selector, timeout) == nil, nil
	case CondElementClickable:
		if err := drv.WaitVisible(cond.Selector, timeout); err != nil {
			return false, nil
		}
		js := fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (!el) return false;
			return !el.disabled && el.offsetParent !== null;
		})()`, cond.Selector)
		var clickable bool
		if err := drv.Evaluate(js, &clickable); err != nil {
			return false, err
		}
		return clickable, nil
	case CondURLContains:
		loc, err := drv.Location()
		if err != nil {
			return false, err
		}
		return strings.Contains(loc, cond.Value), nil
	case CondTextContains:
		var found bool
		js := fmt.Sprintf(`document.body.innerText.includes(%q)`, cond.Value)
		if err := drv.Evaluate(js, &found); err != nil {
			return false, err
		}
		return found, nil
	default:
		return false, fmt.Errorf("unknown success condition %q", cond.Type)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
