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

// Greenlight demo site
//
// A deliberately inaccessible storefront for exercising the audit pipeline
// end to end: template-shaped product and article pages seeded with
// missing alt text, unlabeled form fields, empty buttons and low-contrast
// text, plus a form login and a three-step checkout funnel.
//
// Usage:
//
//	greenlight-testserver [flags]
//
// Flags:
//
//	-host string    Host to bind the server to (default "127.0.0.1")
//	-port int       Port to run the server on (default 8099)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const sessionCookie = "demo_session"

// filler keeps pages above the crawler's tiny-body threshold so hybrid
// mode treats them as server-rendered.
var filler = strings.Repeat("Everything in this store should be usable by everyone, yet isn't. ", 24)

func pageShell(title, main string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head><title>%s</title></head>
<body>
<header>
<div class="logo" style="color:#c7c7c7;background:#ffffff">greenlight demo store</div>
<nav><a href="/">Home</a> <a href="/cart">Cart</a> <a href="/login">Sign in</a></nav>
</header>
<main>
%s
</main>
<footer><p style="color:#bbbbbb;background:#ffffff">%s</p></footer>
</body>
</html>`, title, main, filler)
}

// productPage seeds the product template's defects: an image without alt
// text, a low-contrast price, an unlabeled quantity field and an empty
// buy button.
func productPage(n int) string {
	return pageShell(fmt.Sprintf("Product %d", n), fmt.Sprintf(`<h1>Product %d</h1>
<div class="gallery"><img src="/static/p%d.jpg"><img src="/static/p%d-alt.jpg"></div>
<p class="price" style="color:#d0d0d0;background:#ffffff">$%d.00</p>
<p>A product description long enough to look real. Ships tomorrow.</p>
<form action="/cart" method="get">
<input type="number" name="qty" value="1">
<input type="hidden" name="p" value="%d">
<button id="buy-%d"></button>
</form>`, n, n, n, n*10, n, n))
}

// articlePage seeds the article template's defects: a skipped heading
// level and a link with no accessible name.
func articlePage(n int) string {
	return pageShell(fmt.Sprintf("Article %d", n), fmt.Sprintf(`<h1>Article %d</h1>
<h4>Background</h4>
<p>Long-form writing about web accessibility, part %d of an ongoing series.</p>
<a href="/articles/%d"><img src="/static/a%d.png"></a>`, n, n, n%4+1, n))
}

const loginForm = `<h1>Sign in</h1>
<form method="post" action="/login">
<input type="text" id="username" name="username" placeholder="user">
<input type="password" id="password" name="password" placeholder="pass">
<button type="submit" id="signin">Sign in</button>
</form>
<p style="color:#cccccc;background:#ffffff">Demo credentials: demo / demo</p>`

func newDemoSite() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		var links strings.Builder
		for i := 1; i <= 9; i++ {
			fmt.Fprintf(&links, `<li><a href="/products/%d">Product %d</a></li>`+"\n", i, i)
		}
		for i := 1; i <= 4; i++ {
			fmt.Fprintf(&links, `<li><a href="/articles/%d">Article %d</a></li>`+"\n", i, i)
		}
		serveHTML(w, pageShell("Greenlight Demo Store", fmt.Sprintf(`<h1>Welcome</h1>
<img src="/static/hero.jpg">
<ul>
%s<li><a href="/cart">Cart</a></li>
<li><a href="/account">Your account</a></li>
</ul>`, links.String())))
	})

	for i := 1; i <= 9; i++ {
		n := i
		mux.HandleFunc(fmt.Sprintf("/products/%d", n), func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, productPage(n))
		})
	}
	for i := 1; i <= 4; i++ {
		n := i
		mux.HandleFunc(fmt.Sprintf("/articles/%d", n), func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, articlePage(n))
		})
	}

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if r.FormValue("username") == "demo" && r.FormValue("password") == "demo" {
				http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "ok", Path: "/"})
				http.Redirect(w, r, "/account", http.StatusFound)
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
			serveHTML(w, pageShell("Sign in", `<div class="error">Invalid credentials</div>`+loginForm))
			return
		}
		serveHTML(w, pageShell("Sign in", loginForm))
	})

	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(sessionCookie); err != nil || c.Value != "ok" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		serveHTML(w, pageShell("Your account", `<h1>Your account</h1>
<div id="account-home"><p>Order history and saved addresses.</p>
<img src="/static/avatar.png"></div>`))
	})

	// Checkout funnel: cart → shipping → payment → confirmation. Each
	// step carries its own defects and a stable id for funnel actions.
	mux.HandleFunc("/cart", func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, pageShell("Cart", `<h1>Your cart</h1>
<table><tr><td>Product 1</td><td style="color:#d5d5d5;background:#ffffff">$10.00</td></tr></table>
<a id="to-checkout" href="/checkout/shipping">Check out</a>`))
	})
	mux.HandleFunc("/checkout/shipping", func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, pageShell("Shipping", `<h1>Shipping</h1>
<form action="/checkout/payment" method="get" id="shipping-form">
<input type="text" name="street" placeholder="Street">
<input type="text" name="city" placeholder="City">
<button type="submit" id="to-payment">Continue</button>
</form>`))
	})
	mux.HandleFunc("/checkout/payment", func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, pageShell("Payment", `<h1>Payment</h1>
<form action="/checkout/confirm" method="get" id="payment-form">
<input type="text" name="card">
<select name="expiry"><option>2026</option><option>2027</option></select>
<button type="submit" id="to-confirm"></button>
</form>`))
	})
	mux.HandleFunc("/checkout/confirm", func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, pageShell("Order confirmed", `<h1>Thank you</h1>
<div id="order-confirmed"><p>Your order is on its way.</p></div>`))
	})

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /account\n")
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://%s/articles/4</loc></url>
</urlset>`, r.Host)
	})

	// Tiny placeholder images keep the gallery URLs resolvable.
	mux.HandleFunc("/static/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		// 1x1 transparent GIF
		w.Write([]byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
			0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04,
			0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00,
			0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b})
	})

	return mux
}

func serveHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, body)
}

func main() {
	port := flag.Int("port", 8099, "Port to run the demo site on")
	host := flag.String("host", "127.0.0.1", "Host to bind the demo site to")
	flag.Parse()

	addr := fmt.Sprintf("%s:%d", *host, *port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      newDemoSite(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Greenlight demo site on http://%s", addr)
		log.Printf("Audit it with: greenlight audit http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
