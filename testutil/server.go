// Copyright 2025 Agentic World, LLC (Sherin Thomas)
//
// This file includes modifications to code originally developed by Adam Tauber,
// licensed under the Apache License, Version 2.0.
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

// Package testutil provides a fixture website for greenlight tests: a small
// store with template-shaped product and article pages, a cookie login, and
// deliberately seeded accessibility defects (images without alt text,
// unlabeled form fields, empty buttons).
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"
)

// SessionCookie is the cookie name the fixture login sets and the gated
// endpoints require.
const SessionCookie = "greenlight_session"

// RobotsFile hides the admin area and declares the sitemap.
const RobotsFile = `User-agent: *
Disallow: /admin
`

// filler keeps every fixture page above the crawler's tiny-body threshold so
// hybrid-mode tests do not mistake them for client-rendered shells.
var filler = strings.Repeat("Accessible content for every visitor. ", 32)

// pageShell wraps main content in the shared site chrome. Pages built from
// the same main-content shape share a DOM template.
func pageShell(title, main string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head><title>%s</title></head>
<body>
<header><div class="logo">greenlight store</div><nav><a href="/">Home</a></nav></header>
<main>
%s
</main>
<footer><p>%s</p></footer>
</body>
</html>`, title, main, filler)
}

// productPage renders one product. Every product shares the template: a
// heading, an image gallery with a missing alt attribute, a description and
// an unlabeled quantity form.
func productPage(n int) string {
	return pageShell(fmt.Sprintf("Product %d", n), fmt.Sprintf(`<h1>Product %d</h1>
<div class="gallery"><img src="/static/p%d.jpg"><h2>Gallery</h2></div>
<div class="desc"><p>A fine product costing $%d.</p></div>
<form action="/cart"><input type="number" name="qty" value="1"><button></button></form>`, n, n, n*10))
}

// articlePage renders one article; articles share a second template.
func articlePage(n int) string {
	return pageShell(fmt.Sprintf("Article %d", n), fmt.Sprintf(`<h1>Article %d</h1>
<div class="body"><h3>Notes</h3><p>Long-form writing about accessibility, part %d.</p></div>`, n, n))
}

const sitemapXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/orphan</loc></url>
  <url><loc>%s/admin</loc></url>
</urlset>`

// NewUnstartedTestServer builds the fixture site without starting it, so a
// test can wrap the handler (session middleware, fault injection) first.
func NewUnstartedTestServer() *httptest.Server {
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, pageShell("Greenlight Store", `<h1>Welcome</h1>
<ul>
<li><a href="/products/1">Product 1</a></li>
<li><a href="/products/2">Product 2</a></li>
<li><a href="/products/3">Product 3</a></li>
<li><a href="/articles/1">Article 1</a></li>
<li><a href="/articles/2">Article 2</a></li>
<li><a href="/login">Sign in</a></li>
</ul>
<p>The storefront everyone can use.</p>`))
	})

	for i := 1; i <= 3; i++ {
		n := i
		mux.HandleFunc(fmt.Sprintf("/products/%d", n), func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, productPage(n))
		})
	}
	for i := 1; i <= 2; i++ {
		n := i
		mux.HandleFunc(fmt.Sprintf("/articles/%d", n), func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, articlePage(n))
		})
	}

	// Reachable only through the sitemap.
	mux.HandleFunc("/orphan", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articlePage(99))
	})

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, RobotsFile)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, sitemapXML, srv.URL, srv.URL)
	})

	mux.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, pageShell("Admin", `<h1>Admin</h1><p>robots.txt hides this.</p>`))
	})

	// Form login: GET serves the form, POST with the fixture credentials
	// sets the session cookie and redirects to the account page.
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if r.FormValue("username") == "auditor" && r.FormValue("password") == "greenlight" {
				http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "ok", Path: "/"})
				http.Redirect(w, r, "/account", http.StatusFound)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, pageShell("Sign in", `<h1>Sign in</h1>
<div class="error">Invalid credentials</div>
<form method="post" action="/login">
<input type="text" id="username" name="username">
<input type="password" id="password" name="password">
<button type="submit">Sign in</button>
</form>`))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, pageShell("Sign in", `<h1>Sign in</h1>
<form method="post" action="/login">
<input type="text" id="username" name="username">
<input type="password" id="password" name="password">
<button type="submit">Sign in</button>
</form>`))
	})

	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(SessionCookie); err != nil || c.Value != "ok" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, pageShell("Account", `<h1>Your account</h1>
<div class="orders"><p>Order history lives here.</p></div>`))
	})

	// HTTP basic auth variant of the gated page.
	mux.HandleFunc("/basic", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "auditor" || pass != "greenlight" {
			w.Header().Set("WWW-Authenticate", `Basic realm="fixture"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, pageShell("Basic", `<h1>Members</h1><p>Authorized.</p>`))
	})

	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		destination := "/products/1"
		if d := r.URL.Query().Get("d"); d != "" {
			destination = d
		}
		http.Redirect(w, r, destination, http.StatusSeeOther)
	})

	mux.HandleFunc("/500", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "<p>error</p>")
	})

	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, pageShell("Slow", `<h1>Eventually</h1><p>took a while</p>`))
		}
	})

	srv = httptest.NewUnstartedServer(mux)
	return srv
}

// NewTestServer starts the fixture site.
func NewTestServer() *httptest.Server {
	srv := NewUnstartedTestServer()
	srv.Start()
	return srv
}

// RequireSessionCookie wraps a handler so every page redirects through a
// cookie set-and-retry hop until the client carries a session, mimicking
// sites that bounce anonymous visitors once before serving content.
func RequireSessionCookie(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(SessionCookie); err == http.ErrNoCookie {
			http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "ok", Path: "/"})
			http.Redirect(w, r, r.RequestURI, http.StatusFound)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// RequireSessionCookieAuthPage is the stricter variant: anonymous requests
// detour through /auth, which sets the cookie and returns the visitor to the
// page they asked for.
func RequireSessionCookieAuthPage(handler http.Handler) http.Handler {
	const setCookiePath = "/auth"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == setCookiePath {
			http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "ok", Path: "/"})
			http.Redirect(w, r, r.URL.Query().Get("return"), http.StatusFound)
			return
		}
		if _, err := r.Cookie(SessionCookie); err == http.ErrNoCookie {
			http.Redirect(w, r, setCookiePath+"?return="+url.QueryEscape(r.RequestURI), http.StatusFound)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
