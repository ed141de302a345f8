package agent

import (
	"context"
	"sync"
)

// MockRunner is a scripted Runner for tests. Results are returned in the
// order they were queued; every call is recorded.
type MockRunner struct {
	mu      sync.Mutex
	results []RunResult

	// Calls records the options of each Run invocation.
	Calls []RunOptions
	// Resumes records (sessionID, answer) pairs passed to ResumeWithAnswer.
	Resumes [][2]string
}

var _ Runner = (*MockRunner)(nil)

// NewMockRunner creates an empty mock.
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

// Queue appends a result to return from the next call.
func (m *MockRunner) Queue(res RunResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
}

func (m *MockRunner) next() RunResult {
	if len(m.results) == 0 {
		return RunResult{Success: true, SessionID: "mock-session"}
	}
	res := m.results[0]
	m.results = m.results[1:]
	return res
}

func (m *MockRunner) Run(ctx context.Context, opts RunOptions) RunResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, opts)
	return m.next()
}

func (m *MockRunner) ResumeWithAnswer(ctx context.Context, sessionID, answer string, opts RunOptions) RunResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resumes = append(m.Resumes, [2]string{sessionID, answer})
	opts.Resume = sessionID
	opts.Prompt = answer
	m.Calls = append(m.Calls, opts)
	return m.next()
}
