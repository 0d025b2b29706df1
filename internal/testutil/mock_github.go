// Package testutil provides testing utilities for the GitHub client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock API endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGitHub is a configurable mock GitHub REST API for testing.
type MockGitHub struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	ConditionalCount  int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockGitHub creates a new mock GitHub server.
func NewMockGitHub() *MockGitHub {
	mock := &MockGitHub{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockGitHub) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGitHub) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGitHub) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockGitHub) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
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
	})
}

// SetPages serves pages on path, selected by the page query parameter
// (default 1). Every page but the last carries a Link header with next and
// last relations. When search is set each page is wrapped in a search
// result object, otherwise it is served as a bare array.
func (m *MockGitHub) SetPages(path string, pages [][]string, search bool) {
	total := 0
	for _, p := range pages {
		total += len(p)
	}

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		n := 1
		if v := r.URL.Query().Get("page"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				n = parsed
			}
		}
		if n < 1 || n > len(pages) {
			writeJSON(w, http.StatusOK, rateLimitHeaders(4999), `[]`)
			return
		}

		headers := rateLimitHeaders(5000 - n)
		if n < len(pages) {
			headers["Link"] = fmt.Sprintf(`<%s>; rel="next", <%s>; rel="last"`,
				m.pageURL(r, n+1), m.pageURL(r, len(pages)))
		}

		items := "[" + strings.Join(pages[n-1], ",") + "]"
		body := items
		if search {
			body = fmt.Sprintf(`{"total_count":%d,"incomplete_results":false,"items":%s}`, total, items)
		}
		writeJSON(w, http.StatusOK, headers, body)
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGitHub) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockGitHub) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockGitHub) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

func (m *MockGitHub) pageURL(r *http.Request, page int) string {
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	return m.server.URL + r.URL.Path + "?" + q.Encode()
}

func (m *MockGitHub) defaultHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, rateLimitHeaders(4999),
		`{"message":"Not Found","documentation_url":"https://docs.github.com/rest"}`)
}

// Repo returns a minimal repository item.
func Repo(id int, fullName string) string {
	b, _ := json.Marshal(map[string]any{
		"id":               id,
		"name":             fullName[strings.LastIndex(fullName, "/")+1:],
		"full_name":        fullName,
		"stargazers_count": 10,
	})
	return string(b)
}

// Repos returns n repository items with ids starting at first.
func Repos(first, n int) []string {
	out := make([]string, n)
	for i := range out {
		id := first + i
		out[i] = Repo(id, fmt.Sprintf("owner/repo-%d", id))
	}
	return out
}

func rateLimitHeaders(remaining int) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     "5000",
		"X-RateLimit-Remaining": strconv.Itoa(remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
		"X-RateLimit-Resource":  "core",
	}
}

func writeJSON(w http.ResponseWriter, status int, headers map[string]string, body string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// NewHealthyResponse creates a standard 200 OK JSON response.
func NewHealthyResponse(data string) MockResponse {
	h := rateLimitHeaders(4999)
	h["ETag"] = `"test-etag-123"`
	h["Content-Type"] = "application/json; charset=utf-8"
	return MockResponse{StatusCode: http.StatusOK, Body: data, Headers: h}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusNotModified, Headers: rateLimitHeaders(4998)}
}

// NewRateLimitResponse creates a 403 with an exhausted quota window.
func NewRateLimitResponse(reset time.Time) MockResponse {
	h := rateLimitHeaders(0)
	h["X-RateLimit-Reset"] = strconv.FormatInt(reset.Unix(), 10)
	h["Content-Type"] = "application/json; charset=utf-8"
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message":"API rate limit exceeded"}`,
		Headers:    h,
	}
}

// NewSecondaryRateLimitResponse creates a 429 carrying Retry-After.
func NewSecondaryRateLimitResponse(retryAfter int) MockResponse {
	h := rateLimitHeaders(100)
	h["Retry-After"] = strconv.Itoa(retryAfter)
	h["Content-Type"] = "application/json; charset=utf-8"
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"You have exceeded a secondary rate limit"}`,
		Headers:    h,
	}
}

// NewUnauthorizedResponse creates a 401 Bad credentials response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"message":"Bad credentials"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"Server Error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewConditionalHandler creates a handler that answers 304 when the request
// carries etag.
func NewConditionalHandler(etag string, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			for k, v := range rateLimitHeaders(4998) {
				w.Header().Set(k, v)
			}
			w.WriteHeader(http.StatusNotModified)
			return
		}
		h := rateLimitHeaders(4999)
		h["ETag"] = etag
		writeJSON(w, http.StatusOK, h, data)
	}
}
