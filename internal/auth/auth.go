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

// Package auth establishes logged-in browser sessions and hands their state
// (cookies, Authorization header) to the scanner and funnel executor. Auth
// failure is reported, never fatal: dependent stages continue without
// credentials and skip restricted URLs.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gobwas/glob"

	"github.com/agentberlin/greenlight/internal/browser"
	"github.com/agentberlin/greenlight/internal/funnel"
	"github.com/agentberlin/greenlight/internal/layout"
)

// ErrAuthFailed marks a login that did not produce a session. Callers treat
// it as a degradation, not an abort.
var ErrAuthFailed = errors.New("authentication failed")

// Strategy type names.
const (
	TypeForm  = "form"
	TypeBasic = "basic"
)

// Config is one domain's authentication configuration.
type Config struct {
	Type             string          `yaml:"type" json:"type"`
	LoginURL         string          `yaml:"login_url,omitempty" json:"login_url,omitempty"`
	Username         string          `yaml:"username,omitempty" json:"username,omitempty"`
	Password         string          `yaml:"password,omitempty" json:"password,omitempty"`
	UsernameSelector string          `yaml:"username_selector,omitempty" json:"username_selector,omitempty"`
	PasswordSelector string          `yaml:"password_selector,omitempty" json:"password_selector,omitempty"`
	SubmitSelector   string          `yaml:"submit_selector,omitempty" json:"submit_selector,omitempty"`
	SuccessIndicator string          `yaml:"success_indicator,omitempty" json:"success_indicator,omitempty"`
	ErrorIndicator   string          `yaml:"error_indicator,omitempty" json:"error_indicator,omitempty"`
	WaitSeconds      float64         `yaml:"wait_time,omitempty" json:"wait_time,omitempty"`
	PreLoginActions  []funnel.Action `yaml:"pre_login_actions,omitempty" json:"pre_login_actions,omitempty"`
	PostLoginActions []funnel.Action `yaml:"post_login_actions,omitempty" json:"post_login_actions,omitempty"`
	RestrictedURLs   []string        `yaml:"restricted_urls,omitempty" json:"restricted_urls,omitempty"`
}

// Validate rejects configurations that cannot possibly log in.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case TypeForm:
		var missing []string
		for _, f := range []struct{ name, value string }{
			{"login_url", c.LoginURL},
			{"username", c.Username},
			{"password", c.Password},
			{"username_selector", c.UsernameSelector},
			{"password_selector", c.PasswordSelector},
			{"submit_selector", c.SubmitSelector},
		} {
			if f.value == "" {
				missing = append(missing, f.name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("form auth is missing %s", strings.Join(missing, ", "))
		}
	case TypeBasic:
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("basic auth needs username and password")
		}
	case "":
		return fmt.Errorf("auth is missing a type")
	default:
		return fmt.Errorf("unknown auth type %q", c.Type)
	}
	if _, err := NewMatcher(c.RestrictedURLs); err != nil {
		return err
	}
	return nil
}

// Matcher decides whether a URL is restricted. A pattern containing glob
// metacharacters matches as a glob; anything else matches as a prefix.
type Matcher struct {
	prefixes []string
	globs    []glob.Glob
}

// NewMatcher compiles restricted-URL patterns.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid restricted URL pattern %q: %v", p, err)
			}
			m.globs = append(m.globs, g)
			continue
		}
		m.prefixes = append(m.prefixes, p)
	}
	return m, nil
}

// Match reports whether the URL is restricted.
func (m *Matcher) Match(rawURL string) bool {
	if m == nil {
		return false
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(rawURL, p) {
			return true
		}
	}
	for _, g := range m.globs {
		if g.Match(rawURL) {
			return true
		}
	}
	return false
}

// Empty reports whether no patterns are configured.
func (m *Matcher) Empty() bool {
	return m == nil || (len(m.prefixes) == 0 && len(m.globs) == 0)
}

// Session is the transferable authenticated state a strategy produced.
type Session struct {
	Strategy           string         `json:"strategy"`
	BaseURL            string         `json:"base_url,omitempty"`
	AuthHeader         string         `json:"auth_header,omitempty"`
	Cookies            []*http.Cookie `json:"cookies,omitempty"`
	RestrictedPatterns []string       `json:"restricted_patterns,omitempty"`

	matcher *Matcher
}

// restrictedMatcher compiles the session's patterns once. Patterns were
// validated at config load, so compile errors here collapse to no matches.
func (s *Session) restrictedMatcher() *Matcher {
	if s.matcher == nil {
		m, err := NewMatcher(s.RestrictedPatterns)
		if err != nil {
			m = &Matcher{}
		}
		s.matcher = m
	}
	return s.matcher
}

// IsRestricted reports whether the URL needs this session's credentials.
func (s *Session) IsRestricted(rawURL string) bool {
	if s == nil {
		return false
	}
	return s.restrictedMatcher().Match(rawURL)
}

// ApplyToBrowser installs the session into a browser tab: the Authorization
// header for basic auth, cookies (after navigating to the cookie domain)
// for form auth.
func (s *Session) ApplyToBrowser(drv browser.Driver) error {
	if s == nil {
		return nil
	}
	if s.AuthHeader != "" {
		if err := drv.SetExtraHeaders(map[string]string{"Authorization": s.AuthHeader}); err != nil {
			return fmt.Errorf("failed to apply auth header: %v", err)
		}
	}
	if len(s.Cookies) > 0 && s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			return fmt.Errorf("session has invalid base URL %q: %v", s.BaseURL, err)
		}
		if err := drv.Navigate(s.BaseURL); err != nil {
			return fmt.Errorf("failed to reach cookie domain: %v", err)
		}
		if err := drv.SetCookies(u, s.Cookies); err != nil {
			return fmt.Errorf("failed to install session cookies: %v", err)
		}
	}
	return nil
}

// ApplyToHeaders adds the Authorization header when the URL is restricted.
// Headers for unrestricted URLs pass through unchanged.
func (s *Session) ApplyToHeaders(rawURL string, headers map[string]string) map[string]string {
	if s == nil || s.AuthHeader == "" || !s.IsRestricted(rawURL) {
		return headers
	}
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers["Authorization"] = s.AuthHeader
	return headers
}

// Save persists the session so later pipeline stages can resume from it.
func (s *Session) Save(path string) error {
	return layout.WriteJSON(path, s)
}

// LoadSession reads a persisted session. A missing file returns (nil, nil)
// so callers fall back to unauthenticated operation.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session: %v", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session: %v", err)
	}
	return &s, nil
}
