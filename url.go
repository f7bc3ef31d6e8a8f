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
	"log"
	"net/url"
	"regexp"
	"strings"
	"sync"

	whatwgUrl "github.com/nlnwa/whatwg-url/url"
)

var urlParser = whatwgUrl.NewParser(whatwgUrl.WithPercentEncodeSinglePercentSign())

// Normalizer canonicalizes raw URLs into the normalized form shared by the
// crawler, scanner and analyzer. Two URLs address the same page iff their
// normalized forms are byte-equal. Normalization is idempotent.
type Normalizer struct {
	// StripWWW removes a leading "www." label from hosts when enabled.
	StripWWW bool

	cache   sync.Map // raw → normalized
	invalid sync.Map // raw → struct{}, logged once per distinct input
}

// NewNormalizer returns a Normalizer with the given www-stripping policy.
func NewNormalizer(stripWWW bool) *Normalizer {
	return &Normalizer{StripWWW: stripWWW}
}

// Normalize canonicalizes raw: scheme and host are lowercased, default ports
// dropped, the query kept in its original order, the fragment preserved only
// when non-empty, and a trailing slash removed from the path only when no
// fragment is present. Unparsable input yields ErrInvalidURL and is logged
// once per distinct value.
func (n *Normalizer) Normalize(raw string) (string, error) {
	if raw == "" {
		return "", ErrInvalidURL
	}
	if v, ok := n.cache.Load(raw); ok {
		return v.(string), nil
	}

	parsed, err := urlParser.Parse(strings.TrimSpace(raw))
	if err != nil {
		if _, seen := n.invalid.LoadOrStore(raw, struct{}{}); !seen {
			log.Printf("[normalizer] unparsable URL %q: %v", raw, err)
		}
		return "", ErrInvalidURL
	}

	// The whatwg parser already lowercases scheme/host, resolves default
	// ports and canonicalizes percent encoding. Re-parse with net/url for
	// cheap component access.
	u, err := url.Parse(parsed.Href(false))
	if err != nil {
		if _, seen := n.invalid.LoadOrStore(raw, struct{}{}); !seen {
			log.Printf("[normalizer] unparsable URL %q: %v", raw, err)
		}
		return "", ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalidURL
	}

	host := u.Host
	if n.StripWWW {
		host = strings.TrimPrefix(host, "www.")
	}

	path := u.EscapedPath()
	if u.Fragment == "" && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.EscapedFragment())
	}
	norm := b.String()
	n.cache.Store(raw, norm)
	return norm, nil
}

// ResolveRef resolves href against base and returns it in normalized form
// with the fragment dropped. Fragment-only references resolve to the base
// page and are reported as such.
func (n *Normalizer) ResolveRef(base, href string) (string, error) {
	resolved, err := urlParser.ParseRef(base, strings.TrimSpace(href))
	if err != nil {
		return "", ErrInvalidURL
	}
	return n.Normalize(resolved.Href(true))
}

// defaultNormalizer backs the package-level helpers. It never strips www;
// callers with a host policy re-normalize with their own Normalizer, which is
// safe because normalization is idempotent.
var defaultNormalizer = NewNormalizer(false)

// Normalize canonicalizes raw with the default policy.
func Normalize(raw string) (string, error) {
	return defaultNormalizer.Normalize(raw)
}

// ResolveRef resolves href against base with the default policy, dropping
// the fragment.
func ResolveRef(base, href string) (string, error) {
	return defaultNormalizer.ResolveRef(base, href)
}

// HostOf returns the host portion of a normalized URL, without the port.
func HostOf(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// PathOf returns the path portion of a normalized URL.
func PathOf(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.EscapedPath()
}

// RootDomain collapses a host to its registrable tail (last two labels).
// "shop.example.com" and "www.example.com" both map to "example.com".
func RootDomain(host string) string {
	host = strings.TrimSuffix(host, ".")
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// pageTypePatterns is an ordered rule table; the first match wins.
var pageTypePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"homepage", regexp.MustCompile(`^/?$`)},
	{"search", regexp.MustCompile(`(?i)^/(search|suche|find|results?)(/|$)`)},
	{"product", regexp.MustCompile(`(?i)^/(products?|item|artikel|shop|p)(/|$)`)},
	{"category", regexp.MustCompile(`(?i)^/(categor(?:y|ies)|collections?|kategorie|c)(/|$)`)},
	{"cart", regexp.MustCompile(`(?i)^/(cart|basket|bag|warenkorb)(/|$)`)},
	{"checkout", regexp.MustCompile(`(?i)^/(checkout|kasse|payment|order)(/|$)`)},
	{"login", regexp.MustCompile(`(?i)^/(log-?in|sign-?in|anmelden|auth)(/|$)`)},
	{"register", regexp.MustCompile(`(?i)^/(register|sign-?up|registrieren|join)(/|$)`)},
	{"account", regexp.MustCompile(`(?i)^/(account|my-?account|profile|konto|dashboard|settings)(/|$)`)},
	{"contact", regexp.MustCompile(`(?i)^/(contact|kontakt|support|help)(/|$)`)},
	{"article", regexp.MustCompile(`(?i)^/(blog|news|articles?|posts?|stories|magazin)(/|$)|^/\d{4}/\d{2}/`)},
	{"about", regexp.MustCompile(`(?i)^/(about(-?us)?|company|team|ueber-?uns|impressum|imprint)(/|$)`)},
}

// PageType classifies a normalized URL's path into a coarse page category.
// Unmatched paths fall back to "other".
func PageType(normalized string) string {
	path := PathOf(normalized)
	if path == "" {
		path = "/"
	}
	for _, p := range pageTypePatterns {
		if p.re.MatchString(path) {
			return p.name
		}
	}
	return "other"
}

var (
	reAllDigits  = regexp.MustCompile(`^\d+$`)
	reHexSegment = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
	reGUID       = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// URLTemplate collapses a URL's variable path segments into placeholders:
// all-digit segments become {num}, GUID and long hex segments {id}, long
// hyphenated slugs {slug}. The result is host-prefixed. This grouping
// predates DOM fingerprints and is kept for diagnostics only; TemplateID is
// authoritative for clustering.
func URLTemplate(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return normalized
	}
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case reAllDigits.MatchString(seg):
			segments[i] = "{num}"
		case reGUID.MatchString(seg), reHexSegment.MatchString(seg):
			segments[i] = "{id}"
		case strings.Count(seg, "-") >= 3, len(seg) >= 24 && strings.Contains(seg, "-"):
			segments[i] = "{slug}"
		}
	}
	joined := strings.Join(segments, "/")
	if joined == "" {
		return u.Hostname() + "/"
	}
	return u.Hostname() + "/" + joined
}
