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
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned for inputs that cannot be parsed as absolute URLs.
	ErrInvalidURL = errors.New("invalid or unparsable URL")
	// ErrMissingSeed is returned when a crawl is started without seed URLs.
	ErrMissingSeed = errors.New("no seed URL provided")
	// ErrForbiddenDomain is returned when a URL's host is outside the allowed domains.
	ErrForbiddenDomain = errors.New("forbidden domain")
	// ErrForbiddenURL is returned when a URL matches a blocked extension or path pattern.
	ErrForbiddenURL = errors.New("URL blocked by filter")
	// ErrMaxDepth is returned when enqueuing a URL past the configured depth limit.
	ErrMaxDepth = errors.New("max depth limit reached")
	// ErrMaxURLsPerDomain is returned when a domain has exhausted its URL budget.
	ErrMaxURLsPerDomain = errors.New("per-domain URL limit reached")
	// ErrMaxTotalURLs is returned when the crawl has exhausted its global URL budget.
	ErrMaxTotalURLs = errors.New("total URL limit reached")
	// ErrRobotsBlocked is the error type for robots.txt errors.
	ErrRobotsBlocked = errors.New("URL blocked by robots.txt")
	// ErrURLTooLong is returned when a URL exceeds the configured length guard.
	ErrURLTooLong = errors.New("URL length limit exceeded")
	// ErrAlreadyVisited is returned when enqueuing a URL that was already processed.
	ErrAlreadyVisited = errors.New("URL already visited")
	// ErrAlreadyQueued is returned when enqueuing a URL that is already pending.
	ErrAlreadyQueued = errors.New("URL already queued")
	// ErrDomainAbandoned is returned for URLs of a domain dropped for excessive errors.
	ErrDomainAbandoned = errors.New("domain abandoned after repeated errors")
	// ErrNoPattern is returned when a limit rule has neither a glob nor a regexp.
	ErrNoPattern = errors.New("no pattern defined in limit rule")
	// ErrTooManyRedirects is returned when a fetch exceeds the redirect budget.
	ErrTooManyRedirects = errors.New("stopped after too many redirects")
	// ErrCrawlStopped is returned when work is submitted after cancellation.
	ErrCrawlStopped = errors.New("crawl has been stopped")
)

// StatusError carries a terminal HTTP response that exhausted its retry
// budget. Callers inspect Response.StatusCode to decide on fallbacks.
type StatusError struct {
	Response *FetchResponse
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP status %d after retries", e.Response.StatusCode)
}
