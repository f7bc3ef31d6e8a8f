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

import "testing"

func TestDetectJSFramework(t *testing.T) {
	tests := []struct {
		name string
		html string
		want JSFramework
	}{
		{"nextjs", `<html><body><div id="__next"></div><script id="__NEXT_DATA__"></script></body></html>`, FrameworkNextJS},
		{"nuxt", `<html><body><div id="__nuxt"></div></body></html>`, FrameworkNuxtJS},
		{"angular", `<html><body><app-root ng-version="17.0.1"></app-root></body></html>`, FrameworkAngular},
		{"react", `<html><body><div data-reactroot=""></div></body></html>`, FrameworkReact},
		{"vue", `<html><body><div data-v-app=""></div></body></html>`, FrameworkVue},
	}
	for _, tt := range tests {
		got, ok := DetectJSFramework([]byte(tt.html))
		if !ok {
			t.Errorf("%s: no framework detected", tt.name)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: detected %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDetectJSFrameworkNone(t *testing.T) {
	html := `<html><body><main><h1>Static page</h1><p>Plain server-rendered content.</p></main></body></html>`
	if fw, ok := DetectJSFramework([]byte(html)); ok {
		t.Errorf("static page detected as %q", fw)
	}
	if LooksClientRendered([]byte(html)) {
		t.Error("static page flagged as client-rendered")
	}
}

func TestLooksClientRenderedShell(t *testing.T) {
	shell := `<html><head><script src="/bundle.js"></script></head><body><div id="root"></div></body></html>`
	if !LooksClientRendered([]byte(shell)) {
		t.Error("empty SPA shell not flagged as client-rendered")
	}
}
