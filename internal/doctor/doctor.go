// Package doctor runs read-only pre-start diagnostics: tracker daemon
// health, leftover error files, stuck workflows, stale worktrees, pending
// CI, and persisted-state sanity. Nothing here mutates trackers, worktrees,
// or state.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/whs-run/whs/internal/beads"
	"github.com/whs-run/whs/internal/config"
	"github.com/whs-run/whs/internal/log"
	"github.com/whs-run/whs/internal/state"
	"github.com/whs-run/whs/internal/workflow"
	"github.com/whs-run/whs/internal/worktree"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// CheckResult is the outcome of one diagnostic.
type CheckResult struct {
	Name    string
	Status  string
	Message string
	Details []string
}

// daemonErrorFile is written by the bd daemon when background sync fails.
const daemonErrorFile = ".beads/daemon-error.log"

// Doctor aggregates the pre-start diagnostics.
type Doctor struct {
	cfg      *config.Config
	exec     beads.Executor
	engine   *workflow.Engine
	provider worktree.Provider
	gh       GHClient
	store    *state.Store
	lock     *state.Lock
}

// New creates a doctor over the dispatcher's collaborators.
func New(cfg *config.Config, exec beads.Executor, engine *workflow.Engine, provider worktree.Provider, gh GHClient, store *state.Store, lock *state.Lock) *Doctor {
	return &Doctor{
		cfg:      cfg,
		exec:     exec,
		engine:   engine,
		provider: provider,
		gh:       gh,
		store:    store,
		lock:     lock,
	}
}

// Run executes all checks and returns their results in a fixed order.
func (d *Doctor) Run() []CheckResult {
	results := []CheckResult{
		d.checkDaemons(),
		d.checkDaemonErrorFiles(),
		d.checkErroredWorkflows(),
		d.checkBlockedWorkflows(),
		d.checkPendingCI(),
		d.checkOrphanWorktrees(),
		d.checkStateSanity(),
	}
	for _, r := range results {
		log.Info(log.CatDoctor, "check finished", "name", r.Name, "status", r.Status, "msg", r.Message)
	}
	return results
}

// AnyFailed reports whether any check failed outright.
func AnyFailed(results []CheckResult) bool {
	for _, r := range results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// trackerPaths lists every tracker the dispatcher talks to.
func (d *Doctor) trackerPaths() map[string]string {
	paths := map[string]string{"orchestrator": d.cfg.OrchestratorPath}
	for _, p := range d.cfg.Projects {
		paths[p.Name] = p.RepoPath
	}
	return paths
}

func (d *Doctor) checkDaemons() CheckResult {
	res := CheckResult{Name: "tracker daemons", Status: StatusPass, Message: "all daemons alive"}
	for name, path := range d.trackerPaths() {
		if !d.exec.IsDaemonRunning(path) {
			res.Status = StatusFail
			res.Details = append(res.Details, fmt.Sprintf("%s: daemon down (%s)", name, path))
		}
	}
	if res.Status == StatusFail {
		res.Message = "one or more tracker daemons are down"
	}
	return res
}

func (d *Doctor) checkDaemonErrorFiles() CheckResult {
	res := CheckResult{Name: "daemon error files", Status: StatusPass, Message: "no daemon error files"}
	for name, path := range d.trackerPaths() {
		errFile := filepath.Join(path, daemonErrorFile)
		info, err := os.Stat(errFile)
		if err != nil || info.Size() == 0 {
			continue
		}
		res.Status = StatusWarn
		res.Details = append(res.Details, fmt.Sprintf("%s: %s present", name, errFile))
	}
	if res.Status == StatusWarn {
		res.Message = "daemon error files found"
	}
	return res
}

func (d *Doctor) checkErroredWorkflows() CheckResult {
	res := CheckResult{Name: "errored workflows", Status: StatusPass, Message: "no errored workflows"}

	errored, err := d.engine.GetErroredWorkflows()
	if err != nil {
		return CheckResult{Name: res.Name, Status: StatusWarn, Message: "could not scan workflows: " + err.Error()}
	}

	open := 0
	for _, epic := range errored {
		if epic.Status == beads.StatusClosed || epic.Status == beads.StatusTombstone {
			continue
		}
		open++
		res.Details = append(res.Details, fmt.Sprintf("%s: %s", epic.ID, epic.Title))
	}
	if open > 0 {
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("%d workflow(s) carry error labels and remain open", open)
	}
	return res
}

func (d *Doctor) checkBlockedWorkflows() CheckResult {
	res := CheckResult{Name: "blocked workflows", Status: StatusPass, Message: "no blocked workflows awaiting humans"}

	errored, err := d.engine.GetErroredWorkflows()
	if err != nil {
		return CheckResult{Name: res.Name, Status: StatusWarn, Message: "could not scan workflows: " + err.Error()}
	}

	count := 0
	for _, epic := range errored {
		if epic.Status != beads.StatusClosed {
			continue
		}
		count++
		detail := fmt.Sprintf("%s: %s", epic.ID, epic.Title)
		if reason := d.lastBlockedComment(epic.ID); reason != "" {
			detail += ": " + reason
		}
		res.Details = append(res.Details, detail)
	}
	if count > 0 {
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("%d workflow(s) blocked awaiting a human", count)
	}
	return res
}

func (d *Doctor) lastBlockedComment(epicID string) string {
	comments, err := d.exec.ListComments(d.engine.Path(), epicID)
	if err != nil {
		return ""
	}
	for i := len(comments) - 1; i >= 0; i-- {
		if strings.HasPrefix(comments[i].Text, "Blocked: ") {
			return comments[i].Text
		}
	}
	return ""
}

func (d *Doctor) checkPendingCI() CheckResult {
	res := CheckResult{Name: "pending CI", Status: StatusPass, Message: "no steps waiting on CI"}

	steps, err := d.engine.GetStepsPendingCI()
	if err != nil {
		return CheckResult{Name: res.Name, Status: StatusWarn, Message: "could not scan steps: " + err.Error()}
	}
	if len(steps) == 0 {
		return res
	}

	for _, step := range steps {
		pr := workflow.StepPR(&step)
		info, err := d.engine.GetSourceBeadInfo(step.ID)
		repoPath := ""
		if err == nil {
			if p := d.cfg.Project(info.Project); p != nil {
				repoPath = p.RepoPath
			}
		}

		prState := "unknown"
		if repoPath != "" {
			prState = prStateOrUnknown(d.gh, repoPath, pr)
		}
		res.Details = append(res.Details, fmt.Sprintf("%s (pr:%d): %s", step.ID, pr, prState))
	}
	res.Status = StatusWarn
	res.Message = fmt.Sprintf("%d step(s) waiting on CI", len(steps))
	return res
}

func (d *Doctor) checkOrphanWorktrees() CheckResult {
	res := CheckResult{Name: "orphan worktrees", Status: StatusPass, Message: "no orphan worktrees"}

	st, err := d.store.Load()
	if err != nil {
		return CheckResult{Name: res.Name, Status: StatusWarn, Message: "could not load state: " + err.Error()}
	}

	active := make(map[string]bool)
	for _, w := range st.ActiveWork {
		active[worktree.BranchFor(w.SourceID)] = true
	}

	total := 0
	syncBranch := d.cfg.SyncBranchOrDefault()
	for _, p := range d.cfg.Projects {
		orphans, err := worktree.Orphans(d.provider, p.RepoPath, syncBranch, active)
		if err != nil {
			res.Status = StatusWarn
			res.Details = append(res.Details, fmt.Sprintf("%s: could not list worktrees: %v", p.Name, err))
			continue
		}

		for _, wt := range orphans {
			total++
			detail := fmt.Sprintf("%s: %s (%s)", p.Name, wt.Branch, wt.Path)
			if prState := d.prStateForBranch(p.RepoPath, wt.Branch); prState != "" {
				detail += " pr=" + prState
			}
			res.Details = append(res.Details, detail)
		}
	}
	if total > 0 {
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("%d worktree(s) lack a matching active workflow", total)
	}
	return res
}

func (d *Doctor) prStateForBranch(repoPath, branch string) string {
	prs, err := d.gh.PRList(repoPath)
	if err != nil {
		return "unknown"
	}
	for _, pr := range prs {
		if pr.HeadRefName == branch {
			return fmt.Sprintf("#%d %s", pr.Number, pr.State)
		}
	}
	return ""
}

func (d *Doctor) checkStateSanity() CheckResult {
	res := CheckResult{Name: "persisted state", Status: StatusPass, Message: "state is sane"}

	st, err := d.store.Load()
	if err != nil {
		return CheckResult{Name: res.Name, Status: StatusFail, Message: "state file unreadable: " + err.Error()}
	}

	if st.Paused {
		res.Status = StatusWarn
		res.Details = append(res.Details, "dispatcher is paused")
	}

	holder, _ := d.lock.Holder()
	if len(st.ActiveWork) > 0 && (holder == nil || d.lock.IsStale()) {
		res.Status = StatusWarn
		res.Details = append(res.Details, fmt.Sprintf("%d active work item(s) persisted but no live dispatcher holds the lock", len(st.ActiveWork)))
	}
	if d.lock.IsStale() {
		res.Status = StatusWarn
		res.Details = append(res.Details, "stale lock file present")
	}

	if res.Status == StatusWarn {
		res.Message = "state needs attention"
	}
	return res
}
