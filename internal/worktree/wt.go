package worktree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/whs-run/whs/internal/log"
)

// pathTemplate tells wt where to place worktrees: a sibling directory of
// the repo, one subdirectory per sanitized branch.
const pathTemplate = "{{ repo_path }}-worktrees/{{ branch | sanitize }}"

// WTProvider is the real Provider backed by the wt CLI.
type WTProvider struct{}

var _ Provider = (*WTProvider)(nil)

// NewWTProvider creates a wt-backed provider.
func NewWTProvider() *WTProvider {
	return &WTProvider{}
}

func (p *WTProvider) run(repoPath string, args ...string) ([]byte, error) {
	cmd := exec.Command("wt", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(), "WORKTRUNK_WORKTREE_PATH="+pathTemplate)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		verb := ""
		if len(args) > 0 {
			verb = args[0]
		}
		log.Debug(log.CatWorktree, "wt command failed", "verb", verb, "repo", repoPath, "stderr", stderr.String())
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("wt %s failed: %s", verb, stderr.String())
		}
		return nil, fmt.Errorf("wt %s failed: %w", verb, err)
	}

	return stdout.Bytes(), nil
}

// Ensure creates or reuses the worktree for branch. A worktree whose path
// still ends in the branch's directory counts as a match even if the agent
// renamed the branch during work.
func (p *WTProvider) Ensure(repoPath, branch, base string) (string, error) {
	existing, err := p.List(repoPath)
	if err != nil {
		return "", err
	}
	for _, wt := range existing {
		if matchesBranch(wt, branch) {
			return wt.Path, nil
		}
	}

	args := []string{"switch", "--create", branch}
	if base != "" {
		args = append(args, "--base", base)
	}
	if _, err := p.run(repoPath, args...); err != nil {
		return "", err
	}

	// wt prints interactive output on create; re-list for the real path.
	created, err := p.List(repoPath)
	if err != nil {
		return "", err
	}
	for _, wt := range created {
		if wt.Branch == branch {
			log.Info(log.CatWorktree, "created worktree", "branch", branch, "path", wt.Path)
			return wt.Path, nil
		}
	}
	return "", fmt.Errorf("worktree for branch %s not found after create", branch)
}

// List returns all worktrees of the repository.
func (p *WTProvider) List(repoPath string) ([]Worktree, error) {
	out, err := p.run(repoPath, "list", "--format=json")
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}

	var worktrees []Worktree
	if err := json.Unmarshal(out, &worktrees); err != nil {
		return nil, fmt.Errorf("failed to parse wt list output: %w", err)
	}
	return worktrees, nil
}

// Remove deletes the worktree for branch. Without force, wt refuses when
// uncommitted changes exist; the worktree is left for doctor to flag.
func (p *WTProvider) Remove(repoPath, branch string, force bool) error {
	args := []string{"remove", branch}
	if force {
		args = append(args, "--force")
	}
	if _, err := p.run(repoPath, args...); err != nil {
		// Removing an already-gone worktree is not an error.
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "no worktree") {
			return nil
		}
		if !force && strings.Contains(err.Error(), "uncommitted") {
			return fmt.Errorf("%w: %s", ErrUncommittedChanges, branch)
		}
		return err
	}
	log.Info(log.CatWorktree, "removed worktree", "branch", branch, "repo", repoPath)
	return nil
}

// matchesBranch reports whether a listed worktree belongs to branch: either
// the branch name matches or the worktree directory is still named after it.
func matchesBranch(wt Worktree, branch string) bool {
	return wt.Branch == branch || strings.HasSuffix(wt.Path, "/"+SanitizeBranch(branch))
}

// Orphans returns worktrees that belong to no active work item. Only the
// main checkout and the tracker sync worktree are excluded.
func Orphans(p Provider, repoPath, syncBranch string, activeBranches map[string]bool) ([]Worktree, error) {
	worktrees, err := p.List(repoPath)
	if err != nil {
		return nil, err
	}

	var orphans []Worktree
	for _, wt := range worktrees {
		if wt.IsMain || wt.Branch == syncBranch {
			continue
		}
		if !activeBranches[wt.Branch] {
			orphans = append(orphans, wt)
		}
	}
	return orphans, nil
}
