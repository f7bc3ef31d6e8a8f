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
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// MockResponse represents a mock HTTP response.
type MockResponse struct {
	// StatusCode is the HTTP status code to return (default: 200)
	StatusCode int
	// Body is the response body content (used if BodyFunc is nil)
	Body string
	// BodyFunc generates the body dynamically based on the request.
	// If set, it takes precedence over Body.
	BodyFunc func(*http.Request) string
	// Headers are the HTTP headers to include in the response
	Headers http.Header
	// Delay simulates network latency before returning the response
	Delay time.Duration
	// Error simulates a network error
	Error error
}

type mockPattern struct {
	pattern  *regexp.Regexp
	response *MockResponse
}

// MockTransport implements http.RoundTripper for testing purposes. Mock
// responses are registered per URL, per pattern, or as ordered sequences so
// retry behavior can be exercised without a live server.
type MockTransport struct {
	responses map[string]*MockResponse
	sequences map[string][]*MockResponse
	patterns  []mockPattern
	calls     map[string]int
	fallback  http.RoundTripper
	mutex     sync.Mutex
}

// NewMockTransport creates a new MockTransport instance.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[string]*MockResponse),
		sequences: make(map[string][]*MockResponse),
		calls:     make(map[string]int),
	}
}

// RegisterResponse registers a mock response for an exact URL match.
func (m *MockTransport) RegisterResponse(url string, response *MockResponse) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	normalizeMockResponse(response)
	m.responses[url] = response
}

// RegisterSequence registers an ordered list of responses for a URL. Each
// request consumes the next entry; the last entry repeats once exhausted.
func (m *MockTransport) RegisterSequence(url string, responses ...*MockResponse) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, r := range responses {
		normalizeMockResponse(r)
	}
	m.sequences[url] = responses
}

// RegisterHTML is a convenience method to register an HTML response with status 200.
func (m *MockTransport) RegisterHTML(url, html string) {
	headers := make(http.Header)
	headers.Set("Content-Type", "text/html; charset=utf-8")

	m.RegisterResponse(url, &MockResponse{
		StatusCode: 200,
		Body:       html,
		Headers:    headers,
	})
}

// RegisterError registers a mock error for a URL (simulates network failure).
func (m *MockTransport) RegisterError(url string, err error) {
	m.RegisterResponse(url, &MockResponse{Error: err})
}

// RegisterPattern registers a mock response for URLs matching a regex pattern.
func (m *MockTransport) RegisterPattern(pattern string, response *MockResponse) error {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	normalizeMockResponse(response)
	m.patterns = append(m.patterns, mockPattern{pattern: regex, response: response})
	return nil
}

// SetFallback sets a fallback RoundTripper used when no mock matches.
func (m *MockTransport) SetFallback(fallback http.RoundTripper) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fallback = fallback
}

// CallCount returns how many requests were made to the exact URL.
func (m *MockTransport) CallCount(url string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.calls[url]
}

// Reset clears all registered responses, sequences and counters.
func (m *MockTransport) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.responses = make(map[string]*MockResponse)
	m.sequences = make(map[string][]*MockResponse)
	m.patterns = nil
	m.calls = make(map[string]int)
}

func normalizeMockResponse(r *MockResponse) {
	if r.StatusCode == 0 {
		r.StatusCode = 200
	}
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
}

// RoundTrip implements the http.RoundTripper interface.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()

	m.mutex.Lock()
	count := m.calls[url]
	m.calls[url] = count + 1

	var mockResp *MockResponse
	if seq, ok := m.sequences[url]; ok && len(seq) > 0 {
		if count >= len(seq) {
			count = len(seq) - 1
		}
		mockResp = seq[count]
	} else if r, ok := m.responses[url]; ok {
		mockResp = r
	} else {
		for _, p := range m.patterns {
			if p.pattern.MatchString(url) {
				mockResp = p.response
				break
			}
		}
	}
	fallback := m.fallback
	m.mutex.Unlock()

	if mockResp == nil {
		if fallback != nil {
			return fallback.RoundTrip(req)
		}
		return &http.Response{
			StatusCode: 404,
			Body:       io.NopCloser(bytes.NewBufferString("Not Found")),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}

	if mockResp.Delay > 0 {
		time.Sleep(mockResp.Delay)
	}
	if mockResp.Error != nil {
		return nil, mockResp.Error
	}

	bodyContent := mockResp.Body
	if mockResp.BodyFunc != nil {
		bodyContent = mockResp.BodyFunc(req)
	}

	resp := &http.Response{
		StatusCode: mockResp.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(bodyContent)),
		Header:     cloneHeaders(mockResp.Headers),
		Request:    req,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	if resp.Header.Get("Content-Length") == "" {
		resp.ContentLength = int64(len(bodyContent))
	}
	return resp, nil
}

func cloneHeaders(headers http.Header) http.Header {
	clone := make(http.Header)
	for key, values := range headers {
		clone[key] = append([]string{}, values...)
	}
	return clone
}
