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
	"compress/gzip"
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
)

// SitemapLoader discovers seed URLs from XML sitemaps. Sitemap indexes are
// followed recursively up to maxDepth levels and the total number of
// extracted URLs is capped so a pathological sitemap cannot flood the
// frontier.
type SitemapLoader struct {
	fetcher    *Fetcher
	stats      *StatCounters
	maxDepth   int
	maxEntries int
}

// NewSitemapLoader creates a loader. maxEntries caps the URLs returned from
// one Load call; zero means the conventional 50000 per-sitemap limit.
func NewSitemapLoader(fetcher *Fetcher, stats *StatCounters, maxEntries int) *SitemapLoader {
	if maxEntries <= 0 {
		maxEntries = 50000
	}
	return &SitemapLoader{
		fetcher:    fetcher,
		stats:      stats,
		maxDepth:   3,
		maxEntries: maxEntries,
	}
}

// Load fetches a sitemap (or sitemap index) and returns the page URLs it
// lists. Unreachable or malformed sitemaps yield an empty slice, never an
// error: sitemaps are an optimization, not a requirement.
func (s *SitemapLoader) Load(ctx context.Context, sitemapURL string) []string {
	seen := make(map[string]bool)
	var urls []string
	s.load(ctx, sitemapURL, 0, seen, &urls)
	if s.stats != nil {
		s.stats.Add(StatSitemapSeeds, int64(len(urls)))
	}
	return urls
}

func (s *SitemapLoader) load(ctx context.Context, sitemapURL string, depth int, seen map[string]bool, urls *[]string) {
	if depth > s.maxDepth || seen[sitemapURL] || len(*urls) >= s.maxEntries {
		return
	}
	seen[sitemapURL] = true

	res, err := s.fetcher.Fetch(ctx, sitemapURL, nil)
	if err != nil || res.StatusCode != 200 {
		return
	}
	pages, children := parseSitemap(res.Body)
	for _, p := range pages {
		if len(*urls) >= s.maxEntries {
			return
		}
		*urls = append(*urls, p)
	}
	for _, child := range children {
		s.load(ctx, child, depth+1, seen, urls)
	}
}

// parseSitemap extracts page URLs and child sitemap URLs from a sitemap
// document. Gzipped payloads (.xml.gz files served without a
// Content-Encoding header) are detected by their magic bytes.
func parseSitemap(body []byte) (pages, children []string) {
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, nil
		}
		unzipped, err := io.ReadAll(gz)
		gz.Close()
		if err != nil {
			return nil, nil
		}
		body = unzipped
	}

	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil
	}

	for _, node := range xmlquery.Find(doc, "//url/loc") {
		if loc := strings.TrimSpace(node.InnerText()); loc != "" {
			pages = append(pages, loc)
		}
	}
	for _, node := range xmlquery.Find(doc, "//sitemap/loc") {
		if loc := strings.TrimSpace(node.InnerText()); loc != "" {
			children = append(children, loc)
		}
	}
	return pages, children
}

// DiscoverSitemaps returns the sitemap URLs for a site: those declared in
// robots.txt plus the conventional /sitemap.xml location.
func DiscoverSitemaps(ctx context.Context, baseURL string, robots *RobotsCache) []string {
	var out []string
	seen := make(map[string]bool)
	if robots != nil {
		for _, sm := range robots.Sitemaps(ctx, baseURL) {
			if !seen[sm] {
				seen[sm] = true
				out = append(out, sm)
			}
		}
	}
	conventional := strings.TrimSuffix(baseURL, "/") + "/sitemap.xml"
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		conventional = u.Scheme + "://" + u.Host + "/sitemap.xml"
	}
	if !seen[conventional] {
		out = append(out, conventional)
	}
	return out
}
