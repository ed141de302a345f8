package worktree

import (
	"fmt"
	"path/filepath"
	"sync"
)

// MockProvider is an in-memory Provider for tests.
type MockProvider struct {
	mu        sync.Mutex
	worktrees map[string][]Worktree // repoPath -> worktrees

	// EnsureErr and RemoveErr, when set, are returned by the respective
	// operations.
	EnsureErr error
	RemoveErr error

	// Removed records branches passed to Remove.
	Removed []string
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates an empty mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{worktrees: make(map[string][]Worktree)}
}

func (m *MockProvider) Ensure(repoPath, branch, base string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnsureErr != nil {
		return "", m.EnsureErr
	}

	for _, wt := range m.worktrees[repoPath] {
		if matchesBranch(wt, branch) {
			return wt.Path, nil
		}
	}

	path := filepath.Join(repoPath+"-worktrees", SanitizeBranch(branch))
	m.worktrees[repoPath] = append(m.worktrees[repoPath], Worktree{
		Path:   path,
		Branch: branch,
	})
	return path, nil
}

func (m *MockProvider) List(repoPath string) ([]Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Worktree(nil), m.worktrees[repoPath]...), nil
}

func (m *MockProvider) Remove(repoPath, branch string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveErr != nil {
		return m.RemoveErr
	}

	for _, wt := range m.worktrees[repoPath] {
		if wt.Branch == branch && wt.WorkingTree.Dirty() && !force {
			return fmt.Errorf("%w: %s", ErrUncommittedChanges, branch)
		}
	}

	m.Removed = append(m.Removed, branch)
	kept := m.worktrees[repoPath][:0]
	found := false
	for _, wt := range m.worktrees[repoPath] {
		if wt.Branch == branch {
			found = true
			continue
		}
		kept = append(kept, wt)
	}
	m.worktrees[repoPath] = kept
	if !found {
		return fmt.Errorf("worktree not found: %s", branch)
	}
	return nil
}

// Seed inserts a worktree directly.
func (m *MockProvider) Seed(repoPath string, wt Worktree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worktrees[repoPath] = append(m.worktrees[repoPath], wt)
}
