// Package testutil provides a mock platform API server for tests and local
// runs.
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

// MockResponse defines the behavior for a mock platform endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockPlatform is a configurable mock ad platform API.
//
// Without a custom handler it answers like a Graph-style bulk endpoint:
// GET /{type}?ids=a,b returns {"a":{"id":"a","type":"{type}"},...}. Requests
// carrying a page parameter get a paged listing of PageSize items over
// TotalPages pages.
type MockPlatform struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	missing  map[string]bool

	TotalPages int
	PageSize   int

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	LastQuery         map[string][]string
}

// NewMockPlatform starts a mock platform server.
func NewMockPlatform() *MockPlatform {
	mock := &MockPlatform{
		handlers:   make(map[string]http.HandlerFunc),
		missing:    make(map[string]bool),
		TotalPages: 1,
		PageSize:   2,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.LastQuery = r.URL.Query()
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
func (m *MockPlatform) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockPlatform) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockPlatform) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.LastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockPlatform) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockPlatform) SetResponse(path string, resp MockResponse) {
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

// Omit makes the default bulk handler leave id out of its responses.
func (m *MockPlatform) Omit(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[id] = true
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockPlatform) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// Query returns the query of the last request.
func (m *MockPlatform) Query() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery
}

func (m *MockPlatform) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	kind := strings.Trim(r.URL.Path, "/")
	q := r.URL.Query()

	if ids := q.Get("ids"); ids != "" {
		m.mu.RLock()
		out := make(map[string]any)
		for _, id := range strings.Split(ids, ",") {
			if !m.missing[id] {
				out[id] = map[string]any{"id": id, "type": kind}
			}
		}
		m.mu.RUnlock()
		json.NewEncoder(w).Encode(out)
		return
	}

	if p := q.Get("page"); p != "" {
		page, _ := strconv.Atoi(p)
		m.mu.RLock()
		total, size := m.TotalPages, m.PageSize
		m.mu.RUnlock()

		items := make([]map[string]any, 0, size)
		for i := 0; i < size; i++ {
			items = append(items, map[string]any{
				"id":   fmt.Sprintf("%s-%d-%d", kind, page, i),
				"name": fmt.Sprintf("%s %d.%d", kind, page, i),
			})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":      items,
			"page_info": map[string]any{"page": page, "total_page": total},
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// NewOKResponse creates a 200 OK JSON response.
func NewOKResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"message":"Application request limit reached","code":4}}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(retryAfter),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":{"message":"An unexpected error has occurred","code":2}}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewClientErrorResponse creates a 400 response carrying message.
func NewClientErrorResponse(message string) MockResponse {
	body, _ := json.Marshal(map[string]any{"error": map[string]any{"message": message, "code": 100}})
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
