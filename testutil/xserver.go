// Package testutil provides test doubles shared across packages.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// MockXServer is an in-memory X API v2 that supports creating and deleting posts.
type MockXServer struct {
	*httptest.Server

	mu       sync.Mutex
	nextID   int
	live     map[string]string
	deleted  []string
	failPost bool
}

// NewMockXServer starts a mock X API that is closed when the test ends.
func NewMockXServer(t *testing.T) *MockXServer {
	t.Helper()
	m := &MockXServer{nextID: 1000, live: make(map[string]string)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MockXServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/2/tweets":
		if m.failPost {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"title": "Service Unavailable"})
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"title": "Invalid Request"})
			return
		}
		m.nextID++
		id := strconv.Itoa(m.nextID)
		m.live[id] = body.Text
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]string{"id": id, "text": body.Text}})

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/2/tweets/"):
		id := strings.TrimPrefix(r.URL.Path, "/2/tweets/")
		if _, ok := m.live[id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"title": "Not Found Error"})
			return
		}
		delete(m.live, id)
		m.deleted = append(m.deleted, id)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]bool{"deleted": true}})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// Live returns the text of every post that has not been deleted, keyed by id.
func (m *MockXServer) Live() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.live))
	for k, v := range m.live {
		out[k] = v
	}
	return out
}

// Deleted returns the ids deleted so far, in order.
func (m *MockXServer) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// FailPosts makes every create request fail with 503 while set.
func (m *MockXServer) FailPosts(fail bool) {
	m.mu.Lock()
	m.failPost = fail
	m.mu.Unlock()
}

// Forget drops a post without recording a delete, as if it was removed outside the relay.
func (m *MockXServer) Forget(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}
