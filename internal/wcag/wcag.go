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

// Package wcag maps axe-core rule identifiers onto WCAG success criteria and
// remediation guidance. Lookups use longest-prefix matching so a family
// prefix like "aria-" covers every ARIA rule while exact entries override it.
package wcag

import "strings"

// Principle is one of the four WCAG principles, plus Other for rules that
// axe ships as best practices without a criterion.
type Principle string

const (
	Perceivable    Principle = "Perceivable"
	Operable       Principle = "Operable"
	Understandable Principle = "Understandable"
	Robust         Principle = "Robust"
	Other          Principle = "Other"
)

// Criterion identifies the WCAG success criterion a rule tests.
type Criterion struct {
	Principle Principle `json:"principle"`
	Criterion string    `json:"criterion"`
	Name      string    `json:"name"`
}

// Solution is the remediation guidance attached to a violation family in
// reports: what is wrong, how to fix it, and who it hurts.
type Solution struct {
	Description string `json:"description"`
	Technical   string `json:"technical"`
	UserImpact  string `json:"user_impact"`
}

// mappings keys axe rule identifiers (or identifier prefixes) to criteria.
// Order does not matter: Lookup always takes the longest matching key.
var mappings = map[string]Criterion{
	// Text alternatives.
	"area-alt":        {Perceivable, "1.1.1", "Non-text Content"},
	"image-alt":       {Perceivable, "1.1.1", "Non-text Content"},
	"input-image-alt": {Perceivable, "1.1.1", "Non-text Content"},
	"object-alt":      {Perceivable, "1.1.1", "Non-text Content"},
	"role-img-alt":    {Perceivable, "1.1.1", "Non-text Content"},
	"svg-img-alt":     {Perceivable, "1.1.1", "Non-text Content"},

	// Time-based media.
	"audio-caption": {Perceivable, "1.2.1", "Audio-only and Video-only"},
	"video-caption": {Perceivable, "1.2.2", "Captions (Prerecorded)"},

	// Adaptable structure.
	"definition-list":    {Perceivable, "1.3.1", "Info and Relationships"},
	"dlitem":             {Perceivable, "1.3.1", "Info and Relationships"},
	"list":               {Perceivable, "1.3.1", "Info and Relationships"},
	"listitem":           {Perceivable, "1.3.1", "Info and Relationships"},
	"td-headers-attr":    {Perceivable, "1.3.1", "Info and Relationships"},
	"th-has-data-cells":  {Perceivable, "1.3.1", "Info and Relationships"},
	"table-":             {Perceivable, "1.3.1", "Info and Relationships"},
	"autocomplete-valid": {Perceivable, "1.3.5", "Identify Input Purpose"},

	// Distinguishable presentation.
	"link-in-text-block":      {Perceivable, "1.4.1", "Use of Color"},
	"color-contrast":          {Perceivable, "1.4.3", "Contrast (Minimum)"},
	"color-contrast-enhanced": {Perceivable, "1.4.6", "Contrast (Enhanced)"},
	"meta-viewport":           {Perceivable, "1.4.4", "Resize Text"},
	"meta-viewport-large":     {Perceivable, "1.4.4", "Resize Text"},
	"avoid-inline-spacing":    {Perceivable, "1.4.12", "Text Spacing"},

	// Keyboard and navigation.
	"scrollable-region-focusable": {Operable, "2.1.1", "Keyboard"},
	"frame-focusable-content":     {Operable, "2.1.1", "Keyboard"},
	"meta-refresh":                {Operable, "2.2.1", "Timing Adjustable"},
	"blink":                       {Operable, "2.2.2", "Pause, Stop, Hide"},
	"marquee":                     {Operable, "2.2.2", "Pause, Stop, Hide"},
	"bypass":                      {Operable, "2.4.1", "Bypass Blocks"},
	"skip-link":                   {Operable, "2.4.1", "Bypass Blocks"},
	"document-title":              {Operable, "2.4.2", "Page Titled"},
	"tabindex":                    {Operable, "2.4.3", "Focus Order"},
	"link-":                       {Operable, "2.4.4", "Link Purpose (In Context)"},
	"heading-order":               {Operable, "2.4.6", "Headings and Labels"},
	"empty-heading":               {Operable, "2.4.6", "Headings and Labels"},
	"accesskeys":                  {Operable, "2.4.1", "Bypass Blocks"},
	"target-size":                 {Operable, "2.5.8", "Target Size (Minimum)"},

	// Understandable content and input.
	"html-has-lang":              {Understandable, "3.1.1", "Language of Page"},
	"html-lang-valid":            {Understandable, "3.1.1", "Language of Page"},
	"html-xml-lang-mismatch":     {Understandable, "3.1.1", "Language of Page"},
	"valid-lang":                 {Understandable, "3.1.2", "Language of Parts"},
	"label":                      {Understandable, "3.3.2", "Labels or Instructions"},
	"form-field-multiple-labels": {Understandable, "3.3.2", "Labels or Instructions"},
	"select-name":                {Understandable, "3.3.2", "Labels or Instructions"},

	// Robust markup and ARIA.
	"duplicate-id":               {Robust, "4.1.1", "Parsing"},
	"aria-":                      {Robust, "4.1.2", "Name, Role, Value"},
	"button-name":                {Robust, "4.1.2", "Name, Role, Value"},
	"frame-title":                {Robust, "4.1.2", "Name, Role, Value"},
	"input-button-name":          {Robust, "4.1.2", "Name, Role, Value"},
	"nested-interactive":         {Robust, "4.1.2", "Name, Role, Value"},
	"presentation-role-conflict": {Robust, "4.1.2", "Name, Role, Value"},
	"summary-name":               {Robust, "4.1.2", "Name, Role, Value"},

	// Best-practice rules with no criterion.
	"landmark-":            {Other, "", "Landmark best practice"},
	"region":               {Other, "", "Landmark best practice"},
	"page-has-heading-one": {Other, "", "Heading best practice"},
}

// unknownCriterion is returned for identifiers outside the table.
var unknownCriterion = Criterion{Principle: Other}

// Lookup returns the WCAG criterion for an axe rule identifier via
// longest-prefix match. Identifiers with no match map to the Other principle
// with an empty criterion.
func Lookup(violationID string) Criterion {
	id := strings.ToLower(strings.TrimSpace(violationID))
	if id == "" {
		return unknownCriterion
	}
	best := ""
	for prefix := range mappings {
		if strings.HasPrefix(id, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return unknownCriterion
	}
	return mappings[best]
}

// solutions holds the remediation catalog for the violation families that
// dominate real-world scan output, keyed like mappings.
var solutions = map[string]Solution{
	"image-alt": {
		Description: "Images are missing text alternatives.",
		Technical:   "Add an alt attribute to every <img>. Use alt=\"\" for purely decorative images so screen readers skip them.",
		UserImpact:  "Screen reader users hear the file name or nothing at all, losing the information the image carries.",
	},
	"color-contrast": {
		Description: "Text does not have enough contrast against its background.",
		Technical:   "Adjust foreground or background colors to reach a 4.5:1 ratio for body text and 3:1 for large text.",
		UserImpact:  "People with low vision or on sun-lit screens cannot read the text.",
	},
	"label": {
		Description: "Form fields have no programmatic label.",
		Technical:   "Associate a <label for> with every input, or use aria-label/aria-labelledby where a visible label is not possible.",
		UserImpact:  "Screen reader users cannot tell what a field expects; voice-control users cannot target it by name.",
	},
	"link-": {
		Description: "Links have no discernible text.",
		Technical:   "Give every link visible text, or an aria-label when the link wraps only an icon or image.",
		UserImpact:  "Screen reader users hear \"link\" with no indication of the destination.",
	},
	"button-name": {
		Description: "Buttons have no accessible name.",
		Technical:   "Put text inside the <button>, or add aria-label for icon-only buttons.",
		UserImpact:  "Assistive technology announces an unnamed button; the action is a guess.",
	},
	"html-has-lang": {
		Description: "The page does not declare its language.",
		Technical:   "Add a lang attribute to the <html> element, e.g. <html lang=\"en\">.",
		UserImpact:  "Screen readers may use the wrong pronunciation rules for the entire page.",
	},
	"document-title": {
		Description: "The page has no title.",
		Technical:   "Add a descriptive <title> in <head> that identifies the page and the site.",
		UserImpact:  "Users navigating by browser tab or history cannot tell pages apart.",
	},
	"duplicate-id": {
		Description: "Multiple elements share the same id attribute.",
		Technical:   "Make id values unique within the document; update label/for and aria references accordingly.",
		UserImpact:  "Assistive technology may read the wrong label or description for a control.",
	},
	"aria-": {
		Description: "ARIA attributes are used incorrectly.",
		Technical:   "Ensure every ARIA role, state and property matches the specification for that element, and that referenced ids exist.",
		UserImpact:  "Invalid ARIA often conveys worse information than no ARIA: controls announce the wrong role or state.",
	},
	"heading-order": {
		Description: "Heading levels skip or are out of order.",
		Technical:   "Structure headings hierarchically: one h1 per page, h2 for sections, h3 inside h2 sections.",
		UserImpact:  "Screen reader users navigating by heading lose the page outline.",
	},
	"meta-viewport": {
		Description: "The viewport meta tag disables zooming.",
		Technical:   "Remove user-scalable=no and maximum-scale limits from the viewport meta tag.",
		UserImpact:  "Low-vision users cannot pinch-zoom to read small text.",
	},
	"frame-title": {
		Description: "Frames and iframes have no title.",
		Technical:   "Add a title attribute that describes the frame's content, e.g. title=\"Payment form\".",
		UserImpact:  "Screen reader users cannot decide whether a frame is worth entering.",
	},
	"list": {
		Description: "List markup is malformed.",
		Technical:   "Only <li>, <script> and <template> may be direct children of <ul> or <ol>.",
		UserImpact:  "Screen readers misreport the number of items or drop list semantics entirely.",
	},
	"tabindex": {
		Description: "Positive tabindex values alter the focus order.",
		Technical:   "Remove tabindex values greater than zero and rely on DOM order; use tabindex=\"0\" or \"-1\" only.",
		UserImpact:  "Keyboard users jump around the page in an order that matches neither layout nor reading order.",
	},
	"bypass": {
		Description: "There is no way to skip repeated content.",
		Technical:   "Add a skip link as the first focusable element, or landmark regions (<main>, <nav>).",
		UserImpact:  "Keyboard users must tab through the whole header on every page.",
	},
	"select-name": {
		Description: "Select elements have no accessible name.",
		Technical:   "Associate a <label for> with each <select>, or add aria-label.",
		UserImpact:  "Screen reader users cannot tell what the dropdown chooses.",
	},
	"scrollable-region-focusable": {
		Description: "Scrollable regions cannot be reached by keyboard.",
		Technical:   "Add tabindex=\"0\" to scrollable containers that hold content.",
		UserImpact:  "Keyboard users cannot scroll the region and lose access to its content.",
	},
}

// genericSolution covers identifiers without a catalog entry.
var genericSolution = Solution{
	Description: "Accessibility rule violation.",
	Technical:   "Review the axe-core documentation for this rule and adjust the flagged markup.",
	UserImpact:  "Assistive-technology users may be unable to perceive or operate the affected element.",
}

// SolutionFor returns remediation guidance for an axe rule identifier via
// longest-prefix match, falling back to generic guidance.
func SolutionFor(violationID string) Solution {
	id := strings.ToLower(strings.TrimSpace(violationID))
	best := ""
	for prefix := range solutions {
		if strings.HasPrefix(id, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return genericSolution
	}
	return solutions[best]
}
