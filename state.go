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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kennygrant/sanitize"
)

// DomainSlug converts a hostname into a path-safe identifier used in state
// file names and output directories: dots become dashes, anything unsafe is
// dropped.
func DomainSlug(host string) string {
	return sanitize.BaseName(host)
}

// CrawlState is the resumable snapshot of one domain's crawl: the template
// clusters discovered so far, the processed URL set, the link tree, and the
// counter values. The JSON field names are the on-disk contract.
type CrawlState struct {
	// Templates maps TemplateID to its cluster of member URLs.
	Templates map[string]*TemplateCluster `json:"structures"`
	// Visited holds normalized URLs whose processing completed. A URL
	// that was queued but not processed when the crawl stopped is not
	// in this set and will be fetched again on resume.
	Visited []string `json:"visited"`
	// URLTree maps each referrer to the normalized URLs discovered on it.
	URLTree map[string][]string `json:"url_tree"`
	// Stats holds the counter snapshot at save time.
	Stats map[string]int64 `json:"stats"`
}

// NewCrawlState returns an empty state with all containers allocated.
func NewCrawlState() *CrawlState {
	return &CrawlState{
		Templates: make(map[string]*TemplateCluster),
		Visited:   []string{},
		URLTree:   make(map[string][]string),
		Stats:     make(map[string]int64),
	}
}

// VisitedSet converts the visited list into a set for resume lookups.
func (s *CrawlState) VisitedSet() map[string]bool {
	set := make(map[string]bool, len(s.Visited))
	for _, u := range s.Visited {
		set[u] = true
	}
	return set
}

// normalize sorts the collections so saved files are stable and diffable.
func (s *CrawlState) normalize() {
	sort.Strings(s.Visited)
	for _, children := range s.URLTree {
		sort.Strings(children)
	}
}

// stateEnvelope is the multi-domain file format.
type stateEnvelope struct {
	DomainData map[string]*CrawlState `json:"domain_data"`
}

// SaveCrawlStates writes crawl state to path atomically (temp file plus
// rename). A single-domain crawl is written flat; multiple domains are
// wrapped in a domain_data envelope keyed by domain slug.
func SaveCrawlStates(path string, states map[string]*CrawlState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var payload interface{}
	if len(states) == 1 {
		for _, st := range states {
			st.normalize()
			payload = st
		}
	} else {
		for _, st := range states {
			st.normalize()
		}
		payload = &stateEnvelope{DomainData: states}
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + "~"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCrawlStates reads a state file written by SaveCrawlStates. Flat
// single-domain files carry no domain name, so fallbackSlug keys them.
func LoadCrawlStates(path, fallbackSlug string) (map[string]*CrawlState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var envelope stateEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.DomainData != nil {
		for _, st := range envelope.DomainData {
			hydrateState(st)
		}
		return envelope.DomainData, nil
	}

	var flat CrawlState
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("unreadable crawl state %s: %w", path, err)
	}
	hydrateState(&flat)
	return map[string]*CrawlState{fallbackSlug: &flat}, nil
}

func hydrateState(s *CrawlState) {
	if s.Templates == nil {
		s.Templates = make(map[string]*TemplateCluster)
	}
	if s.Visited == nil {
		s.Visited = []string{}
	}
	if s.URLTree == nil {
		s.URLTree = make(map[string][]string)
	}
	if s.Stats == nil {
		s.Stats = make(map[string]int64)
	}
}
