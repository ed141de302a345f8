package beads

import (
	"fmt"
	"sync"
	"time"
)

// MockExecutor is an in-memory Executor for tests. Issues live in a map
// keyed by tracker path, and every mutation is recorded.
type MockExecutor struct {
	mu      sync.Mutex
	nextID  int
	issues  map[string]map[string]*Issue   // path -> id -> issue
	remarks map[string]map[string][]Comment // path -> id -> comments

	// Err, when set, is returned by every operation.
	Err error
}

var _ Executor = (*MockExecutor)(nil)

// NewMockExecutor creates an empty mock.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		issues:  make(map[string]map[string]*Issue),
		remarks: make(map[string]map[string][]Comment),
	}
}

// Seed inserts an issue directly, bypassing Create.
func (m *MockExecutor) Seed(path string, issue Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.issues[path] == nil {
		m.issues[path] = make(map[string]*Issue)
	}
	cp := issue
	m.issues[path][issue.ID] = &cp
}

// Get returns a copy of an issue for assertions.
func (m *MockExecutor) Get(path, id string) (Issue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iss, ok := m.issues[path][id]
	if !ok {
		return Issue{}, false
	}
	return *iss, true
}

// Comments returns recorded comments for assertions.
func (m *MockExecutor) Comments(path, id string) []Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Comment(nil), m.remarks[path][id]...)
}

func (m *MockExecutor) Ready(path string) ([]Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var ready []Issue
	for _, iss := range m.issues[path] {
		if iss.Status != StatusOpen {
			continue
		}
		blocked := false
		for _, dep := range iss.BlockerIDs() {
			if b, ok := m.issues[path][dep]; ok && b.Status != StatusClosed {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, *iss)
		}
	}
	return ready, nil
}

func (m *MockExecutor) List(path string, filter ListFilter) ([]Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var out []Issue
	for _, iss := range m.issues[path] {
		if filter.Status != "" && iss.Status != filter.Status {
			continue
		}
		if filter.Type != "" && iss.Type != filter.Type {
			continue
		}
		match := true
		for _, l := range filter.Labels {
			if !iss.HasLabel(l) {
				match = false
				break
			}
		}
		if match {
			out = append(out, *iss)
		}
	}
	return out, nil
}

func (m *MockExecutor) Show(path, id string) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	iss, ok := m.issues[path][id]
	if !ok {
		return nil, fmt.Errorf("issue not found: %s", id)
	}
	cp := *iss
	return &cp, nil
}

func (m *MockExecutor) Create(path string, req CreateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}

	m.nextID++
	id := fmt.Sprintf("whs-%d", m.nextID)
	if m.issues[path] == nil {
		m.issues[path] = make(map[string]*Issue)
	}
	// Distinct timestamps per issue keep creation order observable.
	now := time.Now().Add(time.Duration(m.nextID) * time.Millisecond)
	m.issues[path][id] = &Issue{
		ID:          id,
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusOpen,
		Priority:    req.Priority,
		Type:        req.Type,
		Labels:      append([]string(nil), req.Labels...),
		Parent:      req.Parent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (m *MockExecutor) Update(path, id string, fields UpdateFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	iss, ok := m.issues[path][id]
	if !ok {
		return fmt.Errorf("issue not found: %s", id)
	}
	if fields.Status != nil {
		iss.Status = *fields.Status
	}
	if fields.Priority != nil {
		iss.Priority = *fields.Priority
	}
	if fields.Description != nil {
		iss.Description = *fields.Description
	}
	if fields.SetLabels != nil {
		iss.Labels = append([]string(nil), fields.SetLabels...)
	}
	iss.Labels = append(iss.Labels, fields.AddLabels...)
	return nil
}

func (m *MockExecutor) Close(path, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	iss, ok := m.issues[path][id]
	if !ok {
		return fmt.Errorf("issue not found: %s", id)
	}
	iss.Status = StatusClosed
	return nil
}

func (m *MockExecutor) Comment(path, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.issues[path][id]; !ok {
		return fmt.Errorf("issue not found: %s", id)
	}
	if m.remarks[path] == nil {
		m.remarks[path] = make(map[string][]Comment)
	}
	m.remarks[path][id] = append(m.remarks[path][id], Comment{Text: text})
	return nil
}

func (m *MockExecutor) ListComments(path, id string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]Comment(nil), m.remarks[path][id]...), nil
}

func (m *MockExecutor) DepAdd(path, id, blocker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	iss, ok := m.issues[path][id]
	if !ok {
		return fmt.Errorf("issue not found: %s", id)
	}
	iss.Dependencies = append(iss.Dependencies, Dependency{ID: blocker, Type: "blocks"})
	return nil
}

func (m *MockExecutor) Init(path, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.issues[path] == nil {
		m.issues[path] = make(map[string]*Issue)
	}
	return nil
}

func (m *MockExecutor) IsDaemonRunning(path string) bool { return true }

func (m *MockExecutor) EnsureDaemonWithSyncBranch(path, syncBranch string) error {
	return m.Err
}
