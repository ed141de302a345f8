// Package worktree manages per-item Git worktrees through the wt CLI.
// Each work item gets an isolated worktree so agents never touch the main
// checkout or each other's changes.
package worktree

import (
	"errors"
	"strings"
)

// ErrUncommittedChanges marks a removal refused because the worktree still
// holds unsaved work.
var ErrUncommittedChanges = errors.New("worktree has uncommitted changes")

// WorkingTree summarizes uncommitted changes in a worktree.
type WorkingTree struct {
	Staged    int `json:"staged"`
	Modified  int `json:"modified"`
	Untracked int `json:"untracked"`
}

// Dirty reports whether any uncommitted changes exist.
func (w WorkingTree) Dirty() bool {
	return w.Staged+w.Modified+w.Untracked > 0
}

// Worktree describes one entry from wt list.
type Worktree struct {
	Path        string      `json:"path"`
	Branch      string      `json:"branch"`
	IsMain      bool        `json:"is_main"`
	IsCurrent   bool        `json:"is_current"`
	MainState   string      `json:"main_state,omitempty"`
	WorkingTree WorkingTree `json:"working_tree"`
}

// Provider abstracts worktree lifecycle operations.
type Provider interface {
	// Ensure creates (or reuses) a worktree for branch off base and
	// returns its filesystem path. Ensure is idempotent: an existing
	// worktree for the branch, or one whose directory is still named
	// after it, is returned as-is.
	Ensure(repoPath, branch, base string) (string, error)
	// List returns all worktrees of the repository.
	List(repoPath string) ([]Worktree, error)
	// Remove deletes the worktree for branch. Uncommitted changes fail
	// the removal unless force is set.
	Remove(repoPath, branch string, force bool) error
}

// SanitizeBranch converts a branch name into a filesystem-safe directory
// segment. Slashes and other separator characters become dashes, matching
// the wt path template.
func SanitizeBranch(branch string) string {
	var b strings.Builder
	for _, r := range branch {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// BranchFor returns the worktree branch for a work item: the source issue
// id itself. The id doubles as the worktree directory name under the
// sibling-directory convention.
func BranchFor(sourceID string) string {
	return sourceID
}
