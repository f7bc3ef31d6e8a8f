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

import "strings"

// JSFramework identifies a client-side rendering framework whose presence in
// a plain-HTTP response suggests the page needs a browser render.
type JSFramework string

const (
	FrameworkNone    JSFramework = ""
	FrameworkNextJS  JSFramework = "nextjs"
	FrameworkNuxtJS  JSFramework = "nuxtjs"
	FrameworkGatsby  JSFramework = "gatsby"
	FrameworkReact   JSFramework = "react"
	FrameworkVue     JSFramework = "vue"
	FrameworkAngular JSFramework = "angular"
	FrameworkSvelte  JSFramework = "svelte"
	FrameworkEmber   JSFramework = "ember"
)

// frameworkMarkers maps each framework to the substrings that betray it in
// raw HTML. Matching is case-insensitive; any single marker is enough.
var frameworkMarkers = []struct {
	framework JSFramework
	markers   []string
}{
	{FrameworkNextJS, []string{"__next_data__", `id="__next"`, "/_next/static/"}},
	{FrameworkNuxtJS, []string{"__nuxt__", `id="__nuxt"`, "/_nuxt/"}},
	{FrameworkGatsby, []string{"___gatsby", "gatsby-focus-wrapper"}},
	{FrameworkAngular, []string{"ng-version=", "ng-app", "app-root></app-root"}},
	{FrameworkSvelte, []string{"__sveltekit", "svelte-"}},
	{FrameworkEmber, []string{"ember-application", "ember-view"}},
	{FrameworkVue, []string{"data-v-app", "data-server-rendered", "vue-router"}},
	{FrameworkReact, []string{"data-reactroot", "_reactrootcontainer", "react-dom"}},
}

// spaShellMarkers are empty mount points typical of client-rendered shells.
var spaShellMarkers = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="main"></div>`,
}

// DetectJSFramework scans raw HTML for client-side framework markers. It
// returns the first framework whose marker matches, in precedence order
// (meta frameworks before their base libraries).
func DetectJSFramework(body []byte) (JSFramework, bool) {
	html := strings.ToLower(string(body))
	for _, fm := range frameworkMarkers {
		for _, marker := range fm.markers {
			if strings.Contains(html, marker) {
				return fm.framework, true
			}
		}
	}
	return FrameworkNone, false
}

// LooksClientRendered reports whether a plain-HTTP response is likely an
// unrendered application shell: a known framework marker, or an empty SPA
// mount point with hardly any other markup.
func LooksClientRendered(body []byte) bool {
	if _, ok := DetectJSFramework(body); ok {
		return true
	}
	html := strings.ToLower(string(body))
	for _, marker := range spaShellMarkers {
		if strings.Contains(html, marker) {
			return true
		}
	}
	return false
}
