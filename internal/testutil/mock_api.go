// Package testutil provides testing utilities for the episodes GraphQL client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// DefaultPageSize matches the page size of the public API.
const DefaultPageSize = 20

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockEpisode is one episode served by MockAPI.
type MockEpisode struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	AirDate string `json:"air_date"`
	Episode string `json:"episode"`
}

// MockAPI is a configurable GraphQL episodes server for testing.
// By default it pages through a generated list of episodes.
type MockAPI struct {
	server *httptest.Server

	mu        sync.RWMutex
	episodes  []MockEpisode
	pageSize  int
	overrides map[int]MockResponse
	queue     []MockResponse
	headers   map[string]string

	// Tracking
	requestCount  int
	pageRequests  map[int]int
	lastHeader    http.Header
	lastOperation string
}

// NewMockAPI creates a mock server holding count generated episodes.
func NewMockAPI(count int) *MockAPI {
	mock := &MockAPI{
		episodes:     GenerateEpisodes(count),
		pageSize:     DefaultPageSize,
		overrides:    make(map[int]MockResponse),
		pageRequests: make(map[int]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// GenerateEpisodes builds count episodes with ten per season.
func GenerateEpisodes(count int) []MockEpisode {
	eps := make([]MockEpisode, count)
	for i := range eps {
		n := i + 1
		eps[i] = MockEpisode{
			ID:      strconv.Itoa(n),
			Name:    fmt.Sprintf("Episode %d", n),
			AirDate: time.Date(2013, 12, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 7*i).Format("January 2, 2006"),
			Episode: fmt.Sprintf("S%02dE%02d", i/10+1, i%10+1),
		}
	}
	return eps
}

// URL returns the GraphQL endpoint URL.
func (m *MockAPI) URL() string {
	return m.server.URL + "/graphql"
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters and queued responses.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pageRequests = make(map[int]int)
	m.lastHeader = nil
	m.lastOperation = ""
	m.queue = nil
}

// SetPageSize changes how many episodes are served per page.
func (m *MockAPI) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// SetEpisodes replaces the served episodes.
func (m *MockAPI) SetEpisodes(eps []MockEpisode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes = eps
}

// SetPageResponse always answers requests for page with resp.
func (m *MockAPI) SetPageResponse(page int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[page] = resp
}

// EnqueueResponses answers the next len(resps) requests, in order,
// regardless of page. Afterwards normal serving resumes.
func (m *MockAPI) EnqueueResponses(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resps...)
}

// SetHeaders adds headers to every generated page response.
func (m *MockAPI) SetHeaders(h map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers = h
}

// RequestCount returns the number of requests made to the server.
func (m *MockAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PageRequests returns the number of requests for one page.
func (m *MockAPI) PageRequests(page int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pageRequests[page]
}

// LastRequestHeader returns the headers of the latest request.
func (m *MockAPI) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// LastOperation returns the operationName of the latest request.
func (m *MockAPI) LastOperation() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastOperation
}

type gqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	page := 1
	if v, ok := req.Variables["page"].(float64); ok {
		page = int(v)
	}

	m.mu.Lock()
	m.requestCount++
	m.pageRequests[page]++
	m.lastHeader = r.Header.Clone()
	m.lastOperation = req.OperationName

	var (
		resp   MockResponse
		canned bool
	)
	if len(m.queue) > 0 {
		resp, m.queue, canned = m.queue[0], m.queue[1:], true
	} else if o, ok := m.overrides[page]; ok {
		resp, canned = o, true
	}
	m.mu.Unlock()

	if canned {
		writeResponse(w, resp)
		return
	}

	m.mu.RLock()
	body := EpisodesBody(m.episodes, m.pageSize, page)
	headers := m.headers
	m.mu.RUnlock()

	writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: body, Headers: headers})
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// EpisodesBody renders the GraphQL envelope for one page of eps.
// Pages past the end get an empty result list, like the public API.
func EpisodesBody(eps []MockEpisode, pageSize, page int) string {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pages := (len(eps) + pageSize - 1) / pageSize

	results := []MockEpisode{}
	if page >= 1 && page <= pages {
		start := (page - 1) * pageSize
		end := min(start+pageSize, len(eps))
		results = eps[start:end]
	}

	var next, prev *int
	if page < pages {
		n := page + 1
		next = &n
	}
	if page > 1 && page <= pages+1 {
		p := page - 1
		prev = &p
	}

	envelope := map[string]any{
		"data": map[string]any{
			"episodes": map[string]any{
				"info": map[string]any{
					"pages": pages,
					"count": len(eps),
					"next":  next,
					"prev":  prev,
				},
				"results": results,
			},
		},
	}
	b, _ := json.Marshal(envelope)
	return string(b)
}

// NewGraphQLErrorResponse creates a 200 response carrying errors[].
func NewGraphQLErrorResponse(messages ...string) MockResponse {
	errs := make([]map[string]string, len(messages))
	for i, msg := range messages {
		errs[i] = map[string]string{"message": msg}
	}
	b, _ := json.Marshal(map[string]any{"data": nil, "errors": errs})
	return MockResponse{StatusCode: http.StatusOK, Body: string(b)}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
		Headers: map[string]string{
			"Retry-After": strconv.Itoa(retryAfter),
		},
	}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse(msg string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       fmt.Sprintf(`{"error": %q}`, msg),
	}
}
