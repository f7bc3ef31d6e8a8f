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
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
)

// LinkRegion classifies where on a page a link was found.
type LinkRegion string

const (
	RegionContent     LinkRegion = "content"
	RegionNavigation  LinkRegion = "navigation"
	RegionHeader      LinkRegion = "header"
	RegionFooter      LinkRegion = "footer"
	RegionSidebar     LinkRegion = "sidebar"
	RegionBreadcrumbs LinkRegion = "breadcrumbs"
	RegionPagination  LinkRegion = "pagination"
	RegionUnknown     LinkRegion = "unknown"
)

// Link is a single outgoing link discovered on a page.
type Link struct {
	// URL is the absolute target, resolved against the page URL and any
	// <base href> element. Fragments are dropped.
	URL string
	// Text is the whitespace-normalized anchor text.
	Text string
	// Region is where in the page structure the link appeared.
	Region LinkRegion
	// Nofollow is true when rel contains "nofollow".
	Nofollow bool
}

// PageLinks is everything link-related extracted from one document.
type PageLinks struct {
	Links []Link
	// Canonical is the absolute target of <link rel="canonical">, if any.
	Canonical string
	// MetaRefresh is the absolute target of a meta refresh, if any.
	MetaRefresh string
}

var (
	skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:", "ftp:"}

	// metaRefreshContent matches the url= part of a refresh directive,
	// e.g. content="5; url=/next".
	metaRefreshContent = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'";]+)`)

	// hrefFallback recovers anchor hrefs from markup too broken for the
	// parser, such as anchors the tree builder discards.
	hrefFallback = regexp.MustCompile(`(?i)<a\s[^>]*?href\s*=\s*["']([^"'#][^"']*)["']`)
)

// PageTitle returns the trimmed text of a document's <title>, if any.
func PageTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// ExtractLinks returns a document's outgoing links as the union of a parser
// pass (anchors, image map areas), the meta-refresh target, and a regex
// fallback that survives malformed markup. Empty, fragment-only and non-web
// hrefs are dropped; duplicates collapse on the resolved URL.
func ExtractLinks(pageURL string, body []byte) (*PageLinks, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := ResolveRef(pageURL, href); err == nil {
			base = resolved
		}
	}

	result := &PageLinks{}
	seen := make(map[string]bool)

	doc.Find("a[href], area[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if !crawlableHref(href) {
			return
		}
		resolved, err := ResolveRef(base, href)
		if err != nil || seen[resolved] {
			return
		}
		seen[resolved] = true
		rel, _ := sel.Attr("rel")
		result.Links = append(result.Links, Link{
			URL:      resolved,
			Text:     linkText(sel),
			Region:   classifyLinkRegion(sel),
			Nofollow: relContains(rel, "nofollow"),
		})
	})

	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if resolved, err := ResolveRef(base, strings.TrimSpace(href)); err == nil {
			result.Canonical = resolved
		}
	}

	if content, ok := doc.Find(`meta[http-equiv]`).FilterFunction(func(_ int, sel *goquery.Selection) bool {
		equiv, _ := sel.Attr("http-equiv")
		return strings.EqualFold(equiv, "refresh")
	}).First().Attr("content"); ok {
		if m := metaRefreshContent.FindStringSubmatch(content); m != nil {
			if resolved, err := ResolveRef(base, strings.TrimSpace(m[1])); err == nil {
				result.MetaRefresh = resolved
				if !seen[resolved] {
					seen[resolved] = true
					result.Links = append(result.Links, Link{URL: resolved, Region: RegionUnknown})
				}
			}
		}
	}

	// Second extractor pass over an XPath view of the document, unioned
	// with the goquery results.
	if root, err := htmlquery.Parse(bytes.NewReader(body)); err == nil {
		for _, node := range htmlquery.Find(root, "//a[@href] | //area[@href]") {
			href := strings.TrimSpace(htmlquery.SelectAttr(node, "href"))
			if !crawlableHref(href) {
				continue
			}
			resolved, err := ResolveRef(base, href)
			if err != nil || seen[resolved] {
				continue
			}
			seen[resolved] = true
			result.Links = append(result.Links, Link{
				URL:      resolved,
				Text:     strings.Join(strings.Fields(htmlquery.InnerText(node)), " "),
				Region:   RegionUnknown,
				Nofollow: relContains(htmlquery.SelectAttr(node, "rel"), "nofollow"),
			})
		}
	}

	// Regex fallback pass, unioned with the parser results. Catches links
	// in markup the HTML parser repaired away.
	for _, m := range hrefFallback.FindAllSubmatch(body, -1) {
		href := strings.TrimSpace(string(m[1]))
		if !crawlableHref(href) {
			continue
		}
		resolved, err := ResolveRef(base, href)
		if err != nil || seen[resolved] {
			continue
		}
		seen[resolved] = true
		result.Links = append(result.Links, Link{URL: resolved, Region: RegionUnknown})
	}

	return result, nil
}

func crawlableHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	return true
}

func relContains(rel, token string) bool {
	for _, part := range strings.Fields(strings.ToLower(rel)) {
		if part == token {
			return true
		}
	}
	return false
}

// linkText returns the anchor text with collapsed whitespace, falling back
// to common labelling attributes for image-only links.
func linkText(sel *goquery.Selection) string {
	text := strings.Join(strings.Fields(sel.Text()), " ")
	if text != "" {
		return text
	}
	if label, ok := sel.Attr("aria-label"); ok && strings.TrimSpace(label) != "" {
		return strings.TrimSpace(label)
	}
	if title, ok := sel.Attr("title"); ok && strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}
	if alt, ok := sel.Find("img[alt]").First().Attr("alt"); ok {
		return strings.TrimSpace(alt)
	}
	return ""
}

// classifyLinkRegion walks the ancestor chain looking for semantic HTML5
// elements, ARIA roles and common class/id patterns. More specific regions
// (breadcrumbs, pagination) are checked before the generic ones they tend
// to nest inside.
func classifyLinkRegion(sel *goquery.Selection) LinkRegion {
	current := sel.Parent()
	for current.Length() > 0 {
		nodeName := goquery.NodeName(current)
		role, _ := current.Attr("role")
		class, _ := current.Attr("class")
		id, _ := current.Attr("id")

		attributes := strings.ToLower(nodeName + " " + role + " " + class + " " + id)

		if nodeName == "main" || nodeName == "article" || role == "main" || role == "article" {
			return RegionContent
		}
		if strings.Contains(attributes, "breadcrumb") {
			return RegionBreadcrumbs
		}
		if strings.Contains(attributes, "pagination") || strings.Contains(attributes, "pager") ||
			strings.Contains(attributes, "page-number") {
			return RegionPagination
		}
		if nodeName == "nav" || role == "navigation" || strings.Contains(attributes, "nav") ||
			strings.Contains(attributes, "menu") || strings.Contains(attributes, "navbar") {
			return RegionNavigation
		}
		if nodeName == "header" || role == "banner" || strings.Contains(attributes, "header") ||
			strings.Contains(attributes, "masthead") || strings.Contains(attributes, "topbar") {
			return RegionHeader
		}
		if nodeName == "footer" || role == "contentinfo" || strings.Contains(attributes, "footer") {
			return RegionFooter
		}
		if nodeName == "aside" || role == "complementary" || strings.Contains(attributes, "sidebar") ||
			strings.Contains(attributes, "aside") {
			return RegionSidebar
		}

		current = current.Parent()
	}
	return RegionUnknown
}

// IsBoilerplateRegion reports whether links from the region repeat across a
// site's templates rather than belonging to the page's own content.
func IsBoilerplateRegion(region LinkRegion) bool {
	switch region {
	case RegionNavigation, RegionHeader, RegionFooter, RegionSidebar,
		RegionBreadcrumbs, RegionPagination:
		return true
	}
	return false
}
