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

package greenlight

import (
	"context"
	"errors"
	"testing"
	"time"
)

const robotsFixture = `User-agent: *
Disallow: /admin/
Disallow: /cart
Crawl-delay: 2

User-agent: greenlight
Disallow: /private/

Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/sitemap-news.xml
`

func newRobotsCache(t *testing.T, mode RobotsMode) (*RobotsCache, *MockTransport, *StatCounters) {
	t.Helper()
	mock := NewMockTransport()
	mock.RegisterResponse("https://example.com/robots.txt", &MockResponse{
		StatusCode: 200,
		Body:       robotsFixture,
	})
	stats := NewStatCounters()
	fetcher := NewFetcher(FetchConfig{Transport: mock})
	return NewRobotsCache(fetcher, "greenlight", mode, stats), mock, stats
}

func TestRobotsRespectMode(t *testing.T) {
	rc, _, stats := newRobotsCache(t, RobotsRespect)
	ctx := context.Background()

	if err := rc.Check(ctx, "https://example.com/products"); err != nil {
		t.Errorf("allowed URL blocked: %v", err)
	}
	if err := rc.Check(ctx, "https://example.com/private/billing"); !errors.Is(err, ErrRobotsBlocked) {
		t.Errorf("expected ErrRobotsBlocked for agent-specific rule, got %v", err)
	}
	if got := stats.Get(StatRobotsBlocked); got != 1 {
		t.Errorf("expected 1 blocked stat, got %d", got)
	}

	// The greenlight group overrides the wildcard group entirely, so the
	// wildcard /admin/ rule does not apply to us.
	if err := rc.Check(ctx, "https://example.com/admin/"); err != nil {
		t.Errorf("wildcard rule applied despite agent-specific group: %v", err)
	}
}

func TestRobotsIgnoreMode(t *testing.T) {
	rc, mock, _ := newRobotsCache(t, RobotsIgnore)

	if err := rc.Check(context.Background(), "https://example.com/private/x"); err != nil {
		t.Errorf("ignore mode must not block: %v", err)
	}
	if got := mock.CallCount("https://example.com/robots.txt"); got != 0 {
		t.Errorf("ignore mode should not fetch robots.txt, fetched %d times", got)
	}
}

func TestRobotsListMode(t *testing.T) {
	rc, _, stats := newRobotsCache(t, RobotsList)

	err := rc.Check(context.Background(), "https://example.com/private/x")
	if !errors.Is(err, ErrRobotsBlocked) {
		t.Fatalf("expected ErrRobotsBlocked, got %v", err)
	}
	if got := stats.Get(StatRobotsListed); got != 1 {
		t.Errorf("expected 1 listed stat, got %d", got)
	}
}

func TestRobotsMissingFileAllowsAll(t *testing.T) {
	mock := NewMockTransport()
	// No registration: the mock answers 404.
	fetcher := NewFetcher(FetchConfig{Transport: mock})
	rc := NewRobotsCache(fetcher, "greenlight", RobotsRespect, nil)

	if err := rc.Check(context.Background(), "https://example.com/anything"); err != nil {
		t.Errorf("missing robots.txt must allow all, got %v", err)
	}
}

func TestRobotsFetchedOncePerHost(t *testing.T) {
	rc, mock, _ := newRobotsCache(t, RobotsRespect)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rc.Check(ctx, "https://example.com/page")
	}
	if got := mock.CallCount("https://example.com/robots.txt"); got != 1 {
		t.Errorf("robots.txt should be cached, fetched %d times", got)
	}
}

func TestRobotsSitemaps(t *testing.T) {
	rc, _, _ := newRobotsCache(t, RobotsRespect)

	maps := rc.Sitemaps(context.Background(), "https://example.com/")
	if len(maps) != 2 {
		t.Fatalf("expected 2 sitemaps, got %v", maps)
	}
	if maps[0] != "https://example.com/sitemap.xml" {
		t.Errorf("unexpected sitemap: %s", maps[0])
	}
}

func TestRobotsCrawlDelay(t *testing.T) {
	mock := NewMockTransport()
	mock.RegisterResponse("https://example.com/robots.txt", &MockResponse{
		StatusCode: 200,
		Body:       "User-agent: *\nCrawl-delay: 2\n",
	})
	mock.RegisterResponse("https://slow.example.com/robots.txt", &MockResponse{
		StatusCode: 200,
		Body:       "User-agent: *\nCrawl-delay: 600\n",
	})
	fetcher := NewFetcher(FetchConfig{Transport: mock})
	rc := NewRobotsCache(fetcher, "greenlight", RobotsRespect, nil)
	ctx := context.Background()

	if d := rc.CrawlDelay(ctx, "https://example.com/"); d != 2*time.Second {
		t.Errorf("expected 2s crawl delay, got %v", d)
	}
	if d := rc.CrawlDelay(ctx, "https://slow.example.com/"); d != 10*time.Second {
		t.Errorf("expected capped 10s crawl delay, got %v", d)
	}
}

func TestParseRobotsMode(t *testing.T) {
	if m, err := ParseRobotsMode(""); err != nil || m != RobotsRespect {
		t.Errorf("empty mode should default to respect, got %v %v", m, err)
	}
	if _, err := ParseRobotsMode("yolo"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
