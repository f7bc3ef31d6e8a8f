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

import "sync"

// Stat keys recorded per domain during a crawl. Slash-separated names group
// related counters; the persisted stats map is part of the state file format.
const (
	StatPagesCrawled   = "pages/crawled"
	StatPagesFailed    = "pages/failed"
	StatRequestsHeavy  = "requests/heavy"
	StatRequestsLight  = "requests/light"
	StatRequestRetries = "requests/retries"
	StatHybridSwitch   = "hybrid/switch_to_http"
	StatHybridFallback = "hybrid/fallback_to_browser"
	StatRobotsBlocked  = "robots/blocked"
	StatRobotsListed   = "robots/would_block"
	StatURLsDiscovered = "urls/discovered"
	StatURLsFiltered   = "urls/filtered"
	StatTemplatesFound = "templates/discovered"
	StatSitemapSeeds   = "sitemap/seeded"
)

// StatCounters is a concurrency-safe set of named counters.
type StatCounters struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewStatCounters returns an empty counter set.
func NewStatCounters() *StatCounters {
	return &StatCounters{counters: make(map[string]int64)}
}

// Inc increments key by one.
func (s *StatCounters) Inc(key string) {
	s.Add(key, 1)
}

// Add increments key by delta.
func (s *StatCounters) Add(key string, delta int64) {
	s.mu.Lock()
	s.counters[key] += delta
	s.mu.Unlock()
}

// Get returns the current value of key.
func (s *StatCounters) Get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

// Snapshot copies the counters into a plain map for persistence.
func (s *StatCounters) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Restore replaces the counters with previously persisted values.
func (s *StatCounters) Restore(values map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64, len(values))
	for k, v := range values {
		s.counters[k] = v
	}
}
