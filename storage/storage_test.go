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

package storage

import (
	"net/http"
	"net/url"
	"testing"
)

func TestInMemoryStorageVisited(t *testing.T) {
	s := &InMemoryStorage{}
	if err := s.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if visited, _ := s.IsVisited("https://example.com/"); visited {
		t.Error("fresh storage reports URL as visited")
	}

	s.Visited("https://example.com/")
	s.Visited("https://example.com/about")
	s.Visited("https://example.com/") // repeat must not duplicate order

	if visited, _ := s.IsVisited("https://example.com/"); !visited {
		t.Error("visited URL not recorded")
	}

	list, _ := s.VisitedList()
	if len(list) != 2 {
		t.Fatalf("expected 2 entries in order, got %v", list)
	}
	if list[0] != "https://example.com/" || list[1] != "https://example.com/about" {
		t.Errorf("insertion order not preserved: %v", list)
	}
}

func TestInMemoryStorageRestore(t *testing.T) {
	s := &InMemoryStorage{}
	s.Init()
	s.RestoreVisited([]string{"https://example.com/a", "https://example.com/b"})

	if visited, _ := s.IsVisited("https://example.com/b"); !visited {
		t.Error("restored URL not visited")
	}
	list, _ := s.VisitedList()
	if len(list) != 2 {
		t.Errorf("restore produced %d entries", len(list))
	}
}

func TestCookieStringRoundTrip(t *testing.T) {
	in := []*http.Cookie{
		{Name: "session", Value: "abc123", Path: "/"},
		{Name: "pref", Value: "dark"},
	}
	out := UnstringifyCookies(StringifyCookies(in))
	if len(out) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(out))
	}
	if out[0].Name != "session" || out[0].Value != "abc123" {
		t.Errorf("cookie mangled: %+v", out[0])
	}
	if !ContainsCookie(out, "pref") {
		t.Error("ContainsCookie missed pref")
	}
	if ContainsCookie(out, "missing") {
		t.Error("ContainsCookie false positive")
	}
}

func TestInMemoryStorageCookies(t *testing.T) {
	s := &InMemoryStorage{}
	s.Init()

	u, _ := url.Parse("https://example.com/")
	s.SetCookies(u, "token=xyz; Path=/")

	got := s.Cookies(u)
	if got == "" || !ContainsCookie(UnstringifyCookies(got), "token") {
		t.Errorf("cookie not stored: %q", got)
	}
}
