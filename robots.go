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
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// RobotsMode controls how robots.txt directives are applied.
type RobotsMode string

const (
	// RobotsRespect skips URLs disallowed for the crawl user agent.
	RobotsRespect RobotsMode = "respect"
	// RobotsIgnore fetches regardless of robots.txt.
	RobotsIgnore RobotsMode = "ignore"
	// RobotsList records disallowed URLs without fetching them, so a
	// report can show what the site hides from crawlers.
	RobotsList RobotsMode = "list"
)

// ParseRobotsMode validates a mode string from configuration.
func ParseRobotsMode(s string) (RobotsMode, error) {
	switch RobotsMode(s) {
	case RobotsRespect, RobotsIgnore, RobotsList:
		return RobotsMode(s), nil
	case "":
		return RobotsRespect, nil
	}
	return "", fmt.Errorf("unknown robots mode %q", s)
}

type robotsEntry struct {
	data  *robotstxt.RobotsData
	group *robotstxt.Group
}

// RobotsCache fetches and caches robots.txt per scheme://host. A missing or
// unreadable robots.txt allows everything; the robotstxt library already
// maps 4xx to allow-all and 5xx to disallow-all.
type RobotsCache struct {
	fetcher *Fetcher
	agent   string
	mode    RobotsMode
	stats   *StatCounters

	mu      sync.Mutex
	entries map[string]*robotsEntry
}

// NewRobotsCache creates a cache that fetches robots.txt with the given
// fetcher and evaluates rules for the given user agent.
func NewRobotsCache(fetcher *Fetcher, agent string, mode RobotsMode, stats *StatCounters) *RobotsCache {
	if mode == "" {
		mode = RobotsRespect
	}
	return &RobotsCache{
		fetcher: fetcher,
		agent:   agent,
		mode:    mode,
		stats:   stats,
		entries: make(map[string]*robotsEntry),
	}
}

// Mode returns the configured robots mode.
func (rc *RobotsCache) Mode() RobotsMode {
	return rc.mode
}

// Check reports whether the URL may be fetched under the configured mode.
// In list mode disallowed URLs return ErrRobotsBlocked just like respect
// mode, but are additionally counted so the caller can record them.
func (rc *RobotsCache) Check(ctx context.Context, rawURL string) error {
	if rc.mode == RobotsIgnore {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}
	entry, err := rc.entry(ctx, u)
	if err != nil || entry == nil {
		// Unreachable robots.txt never blocks the crawl.
		return nil
	}
	if entry.group.Test(u.RequestURI()) {
		return nil
	}
	if rc.stats != nil {
		if rc.mode == RobotsList {
			rc.stats.Inc(StatRobotsListed)
		}
		rc.stats.Inc(StatRobotsBlocked)
	}
	return ErrRobotsBlocked
}

// CrawlDelay returns the robots.txt crawl-delay for the URL's host, if the
// site declares one for our agent. Delays above 10s are capped so a hostile
// robots.txt cannot stall the crawl.
func (rc *RobotsCache) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	entry, err := rc.entry(ctx, u)
	if err != nil || entry == nil {
		return 0
	}
	delay := entry.group.CrawlDelay
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	return delay
}

// Sitemaps returns the sitemap URLs declared in the host's robots.txt.
func (rc *RobotsCache) Sitemaps(ctx context.Context, rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	entry, err := rc.entry(ctx, u)
	if err != nil || entry == nil {
		return nil
	}
	return entry.data.Sitemaps
}

func (rc *RobotsCache) entry(ctx context.Context, u *url.URL) (*robotsEntry, error) {
	key := u.Scheme + "://" + u.Host

	rc.mu.Lock()
	if e, ok := rc.entries[key]; ok {
		rc.mu.Unlock()
		return e, nil
	}
	rc.mu.Unlock()

	robotsURL := key + "/robots.txt"
	res, err := rc.fetcher.Fetch(ctx, robotsURL, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			res = se.Response
		} else {
			// Network failure: cache a nil entry so we do not hammer
			// an unreachable host once per URL.
			rc.mu.Lock()
			rc.entries[key] = nil
			rc.mu.Unlock()
			return nil, err
		}
	}

	data, err := robotstxt.FromStatusAndBytes(res.StatusCode, res.Body)
	if err != nil {
		rc.mu.Lock()
		rc.entries[key] = nil
		rc.mu.Unlock()
		return nil, err
	}

	e := &robotsEntry{data: data, group: data.FindGroup(rc.agent)}
	rc.mu.Lock()
	rc.entries[key] = e
	rc.mu.Unlock()
	return e, nil
}
