package virtuous

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MockServer provides a fake Virtuous API for testing
type MockServer struct {
	*httptest.Server
	mu          sync.RWMutex
	tagged      map[int][]Contact                     // tag id -> contacts, in page order
	totals      map[int]int                           // tag id -> reported total override
	collections map[int64]map[string][]CollectionEntry // contact id -> collection name -> entries
	failing     map[int64]bool                        // contact ids whose collection calls fail
	nextStatus  int
	nextBody    string
	requests    []string
	lastAuth    string
}

// NewMockServer creates a mock Virtuous API server
func NewMockServer() *MockServer {
	m := &MockServer{
		tagged:      make(map[int][]Contact),
		totals:      make(map[int]int),
		collections: make(map[int64]map[string][]CollectionEntry),
		failing:     make(map[int64]bool),
	}

	mux := http.NewServeMux()

	// GET /Contact/ByTag/{tag}?skip=&take=
	// GET /Contact/{id}/CustomCollections/{name}
	mux.HandleFunc("/Contact/", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.URL.RequestURI())
		m.lastAuth = r.Header.Get("Authorization")
		status, body := m.nextStatus, m.nextBody
		m.nextStatus, m.nextBody = 0, ""
		m.mu.Unlock()

		if status != 0 {
			http.Error(w, body, status)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/Contact/"), "/")
		switch {
		case len(parts) == 2 && parts[0] == "ByTag":
			tag, err := strconv.Atoi(parts[1])
			if err != nil {
				http.Error(w, "invalid tag id", http.StatusBadRequest)
				return
			}
			m.handleByTag(w, r, tag)
		case len(parts) == 3 && parts[1] == "CustomCollections":
			id, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				http.Error(w, "invalid contact id", http.StatusBadRequest)
				return
			}
			m.handleCollection(w, id, parts[2])
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	m.Server = httptest.NewServer(mux)
	return m
}

// AddContacts appends contacts to a tag's collection
func (m *MockServer) AddContacts(tag int, contacts ...Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tagged[tag] = append(m.tagged[tag], contacts...)
}

// SetTotal overrides the total reported for a tag (to simulate drift)
func (m *MockServer) SetTotal(tag, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[tag] = total
}

// SetCollection sets the entries returned for a contact's custom collection
func (m *MockServer) SetCollection(contactID int64, name string, entries []CollectionEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[contactID] == nil {
		m.collections[contactID] = make(map[string][]CollectionEntry)
	}
	m.collections[contactID][name] = entries
}

// FailCollection makes collection requests for a contact answer 500
func (m *MockServer) FailCollection(contactID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[contactID] = true
}

// SetNextError makes the next request fail with the given status and body
func (m *MockServer) SetNextError(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStatus = status
	m.nextBody = body
}

// Requests returns the request URIs received so far
func (m *MockServer) Requests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastAuthorization returns the Authorization header of the last request
func (m *MockServer) LastAuthorization() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAuth
}

func (m *MockServer) handleByTag(w http.ResponseWriter, r *http.Request, tag int) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, err := strconv.Atoi(r.URL.Query().Get("take"))
	if err != nil {
		take = 10
	}

	m.mu.RLock()
	contacts := m.tagged[tag]
	total, ok := m.totals[tag]
	if !ok {
		total = len(contacts)
	}
	var page []Contact
	if skip < len(contacts) {
		end := skip + take
		if end > len(contacts) {
			end = len(contacts)
		}
		page = append(page, contacts[skip:end]...)
	}
	m.mu.RUnlock()

	if page == nil {
		page = []Contact{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ContactPage{Items: page, Total: total})
}

func (m *MockServer) handleCollection(w http.ResponseWriter, id int64, name string) {
	m.mu.RLock()
	failing := m.failing[id]
	entries := m.collections[id][name]
	m.mu.RUnlock()

	if failing {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []CollectionEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// ContactIDs returns the ids registered under a tag, sorted (for test assertions)
func (m *MockServer) ContactIDs(tag int) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.tagged[tag]))
	for _, c := range m.tagged[tag] {
		ids = append(ids, c.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
