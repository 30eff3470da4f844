// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable mock of the upstream catalog API.
// Each path replays a script of responses; the last entry repeats.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	scripts  map[string][]MockResponse
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount int
	PathCounts   map[string]int
	UserAgents   []string
	Queries      map[string][]string
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		scripts:    make(map[string][]MockResponse),
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
		Queries:    make(map[string][]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.UserAgents = append(mock.UserAgents, r.Header.Get("User-Agent"))
		mock.Queries[r.URL.Path] = append(mock.Queries[r.URL.Path], r.URL.RawQuery)
		call := mock.PathCounts[r.URL.Path]
		handler, hasHandler := mock.handlers[r.URL.Path]
		script := mock.scripts[r.URL.Path]
		mock.mu.Unlock()

		if hasHandler {
			handler(w, r)
			return
		}
		if len(script) == 0 {
			http.NotFound(w, r)
			return
		}
		idx := call - 1
		if idx >= len(script) {
			idx = len(script) - 1
		}
		writeResponse(w, script[idx])
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.UserAgents = nil
	m.Queries = make(map[string][]string)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a single response served on every call to path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetScript(path, resp)
}

// SetScript configures responses served in order; the last one repeats.
func (m *MockUpstream) SetScript(path string, script ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = script
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockUpstream) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetUserAgents returns the User-Agent header of every request so far.
func (m *MockUpstream) GetUserAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.UserAgents...)
}

// GetQueries returns the raw query strings seen on path.
func (m *MockUpstream) GetQueries(path string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Queries[path]...)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewTextResponse creates a 200 OK text response.
func NewTextResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "text/html; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "not found"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
