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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"
)

// structuralSelectors is the fixed, ordered set of landmarks whose direct
// child counts form the template signature. Order matters: it is part of the
// hashed tuple.
var structuralSelectors = []string{"header", "footer", "main", "nav", "aside"}

// headingSelectors complete the signature with document-wide heading counts.
var headingSelectors = []string{"h1", "h2", "h3"}

// volatileSelectors are stripped before counting so injected scripts and
// style blocks cannot shift a page's structural signature between fetches.
const volatileSelectors = "script, style, noscript, template"

// TemplateSignature is the ordered tuple of structural counts a page's
// fingerprint is derived from. Pages with equal signatures share a template
// regardless of their paths.
type TemplateSignature struct {
	HeaderChildren int `json:"header_children"`
	FooterChildren int `json:"footer_children"`
	MainChildren   int `json:"main_children"`
	NavChildren    int `json:"nav_children"`
	AsideChildren  int `json:"aside_children"`
	H1Count        int `json:"h1_count"`
	H2Count        int `json:"h2_count"`
	H3Count        int `json:"h3_count"`
}

// tuple returns the signature fields in hashing order.
func (s TemplateSignature) tuple() []int {
	return []int{
		s.HeaderChildren, s.FooterChildren, s.MainChildren,
		s.NavChildren, s.AsideChildren,
		s.H1Count, s.H2Count, s.H3Count,
	}
}

// Fingerprint hashes the signature tuple and prefixes the result with host,
// making TemplateIDs unique per domain.
func (s TemplateSignature) Fingerprint(host string) string {
	var b strings.Builder
	for i, v := range s.tuple() {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	return host + ":" + fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

// ComputeTemplateSignature derives a page's structural signature from its
// rendered HTML. Child counts are summed across all occurrences of each
// structural selector.
func ComputeTemplateSignature(html []byte) (TemplateSignature, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return TemplateSignature{}, err
	}
	doc.Find(volatileSelectors).Remove()

	var counts [5]int
	for i, sel := range structuralSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			counts[i] += s.Children().Length()
		})
	}
	sig := TemplateSignature{
		HeaderChildren: counts[0],
		FooterChildren: counts[1],
		MainChildren:   counts[2],
		NavChildren:    counts[3],
		AsideChildren:  counts[4],
	}
	for i, sel := range headingSelectors {
		n := doc.Find(sel).Length()
		switch i {
		case 0:
			sig.H1Count = n
		case 1:
			sig.H2Count = n
		case 2:
			sig.H3Count = n
		}
	}
	return sig, nil
}

// TemplateFingerprint is the one-shot form of signature + fingerprint.
func TemplateFingerprint(host string, html []byte) (string, error) {
	sig, err := ComputeTemplateSignature(html)
	if err != nil {
		return "", err
	}
	return sig.Fingerprint(host), nil
}

// TemplateCluster groups the URLs sharing one DOM fingerprint. The
// representative is the member with the shortest path; ties are broken
// lexicographically. Count always equals len(MemberURLs).
type TemplateCluster struct {
	TemplateID        string   `json:"template_id"`
	RepresentativeURL string   `json:"representative_url"`
	MemberURLs        []string `json:"member_urls"`
	Count             int      `json:"count"`
}

type templateEntry struct {
	representative string
	members        map[string]struct{}
}

// TemplateRegistry accumulates template clusters during a crawl. Safe for
// concurrent use.
type TemplateRegistry struct {
	mu      sync.Mutex
	entries map[string]*templateEntry
}

// NewTemplateRegistry returns an empty registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{entries: make(map[string]*templateEntry)}
}

// preferRepresentative reports whether candidate should replace current as a
// cluster representative: shorter path wins, lexicographic order breaks ties.
func preferRepresentative(candidate, current string) bool {
	cp, rp := PathOf(candidate), PathOf(current)
	if len(cp) != len(rp) {
		return len(cp) < len(rp)
	}
	return candidate < current
}

// Observe records normalizedURL under templateID. It reports whether the
// template was new and whether the URL became the cluster representative.
func (r *TemplateRegistry) Observe(templateID, normalizedURL string) (isNew, isRepresentative bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[templateID]
	if !ok {
		r.entries[templateID] = &templateEntry{
			representative: normalizedURL,
			members:        map[string]struct{}{normalizedURL: {}},
		}
		return true, true
	}
	e.members[normalizedURL] = struct{}{}
	if preferRepresentative(normalizedURL, e.representative) {
		e.representative = normalizedURL
		return false, true
	}
	return false, false
}

// Len returns the number of known templates.
func (r *TemplateRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Representatives returns the representative URL of every cluster, sorted.
func (r *TemplateRegistry) Representatives() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	reps := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		reps = append(reps, e.representative)
	}
	sort.Strings(reps)
	return reps
}

// Snapshot materializes the registry into serializable clusters with sorted
// member lists.
func (r *TemplateRegistry) Snapshot() map[string]TemplateCluster {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]TemplateCluster, len(r.entries))
	for id, e := range r.entries {
		members := make([]string, 0, len(e.members))
		for m := range e.members {
			members = append(members, m)
		}
		sort.Strings(members)
		out[id] = TemplateCluster{
			TemplateID:        id,
			RepresentativeURL: e.representative,
			MemberURLs:        members,
			Count:             len(members),
		}
	}
	return out
}

// Restore loads previously persisted clusters, replacing current contents.
func (r *TemplateRegistry) Restore(clusters map[string]TemplateCluster) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*templateEntry, len(clusters))
	for id, c := range clusters {
		e := &templateEntry{
			representative: c.RepresentativeURL,
			members:        make(map[string]struct{}, len(c.MemberURLs)),
		}
		for _, m := range c.MemberURLs {
			e.members[m] = struct{}{}
		}
		if e.representative == "" && len(c.MemberURLs) > 0 {
			e.representative = c.MemberURLs[0]
		}
		r.entries[id] = e
	}
}
