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
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
)

// Storage tracks which normalized URLs a crawl has processed and holds the
// session cookies shared between the plain HTTP and browser fetch paths.
// The default backend is InMemoryStorage; a crawl resumed from disk seeds
// it with RestoreVisited.
type Storage interface {
	// Init initializes the storage
	Init() error
	// Visited stores a normalized URL whose processing completed
	Visited(u string) error
	// IsVisited returns true if the URL was processed before
	IsVisited(u string) (bool, error)
	// VisitedList returns the processed URLs in insertion order
	VisitedList() ([]string, error)
	// RestoreVisited seeds the visited set, used on resume
	RestoreVisited(urls []string) error
	// Cookies retrieves stored cookies for a given host
	Cookies(u *url.URL) string
	// SetCookies stores cookies for a given host
	SetCookies(u *url.URL, cookies string)
}

// InMemoryStorage keeps visited URLs and cookies in memory without
// persisting data on the disk. Persistence happens through crawl state
// snapshots, not through this type.
type InMemoryStorage struct {
	visited map[string]bool
	order   []string
	lock    *sync.RWMutex
	jar     *cookiejar.Jar
}

// Init initializes InMemoryStorage
func (s *InMemoryStorage) Init() error {
	if s.visited == nil {
		s.visited = make(map[string]bool)
	}
	if s.lock == nil {
		s.lock = &sync.RWMutex{}
	}
	if s.jar == nil {
		var err error
		s.jar, err = cookiejar.New(nil)
		return err
	}
	return nil
}

// Visited implements Storage.Visited()
func (s *InMemoryStorage) Visited(u string) error {
	s.lock.Lock()
	if !s.visited[u] {
		s.visited[u] = true
		s.order = append(s.order, u)
	}
	s.lock.Unlock()
	return nil
}

// IsVisited implements Storage.IsVisited()
func (s *InMemoryStorage) IsVisited(u string) (bool, error) {
	s.lock.RLock()
	visited := s.visited[u]
	s.lock.RUnlock()
	return visited, nil
}

// VisitedList implements Storage.VisitedList()
func (s *InMemoryStorage) VisitedList() ([]string, error) {
	s.lock.RLock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	s.lock.RUnlock()
	return out, nil
}

// RestoreVisited implements Storage.RestoreVisited()
func (s *InMemoryStorage) RestoreVisited(urls []string) error {
	s.lock.Lock()
	for _, u := range urls {
		if !s.visited[u] {
			s.visited[u] = true
			s.order = append(s.order, u)
		}
	}
	s.lock.Unlock()
	return nil
}

// Cookies implements Storage.Cookies()
func (s *InMemoryStorage) Cookies(u *url.URL) string {
	return StringifyCookies(s.jar.Cookies(u))
}

// SetCookies implements Storage.SetCookies()
func (s *InMemoryStorage) SetCookies(u *url.URL, cookies string) {
	s.jar.SetCookies(u, UnstringifyCookies(cookies))
}

// StringifyCookies serializes list of http.Cookies to string
func StringifyCookies(cookies []*http.Cookie) string {
	cs := make([]string, len(cookies))
	for i, c := range cookies {
		cs[i] = c.String()
	}
	return strings.Join(cs, "\n")
}

// UnstringifyCookies deserializes a cookie string to http.Cookies
func UnstringifyCookies(s string) []*http.Cookie {
	h := http.Header{}
	for _, c := range strings.Split(s, "\n") {
		h.Add("Set-Cookie", c)
	}
	r := http.Response{Header: h}
	return r.Cookies()
}

// ContainsCookie checks if a cookie name is represented in cookies
func ContainsCookie(cookies []*http.Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}
