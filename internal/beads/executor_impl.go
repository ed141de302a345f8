package beads

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/whs-run/whs/internal/log"
)

// BDExecutor is the real Executor backed by the bd CLI. Commands run with
// their working directory set to the tracker path so each project's tracker
// stays isolated.
type BDExecutor struct{}

// Compile-time check that BDExecutor implements Executor.
var _ Executor = (*BDExecutor)(nil)

// NewBDExecutor creates a bd-backed executor.
func NewBDExecutor() *BDExecutor {
	return &BDExecutor{}
}

// run executes bd in the given directory and returns stdout. On failure the
// error carries bd's stderr when present.
func (e *BDExecutor) run(path string, args ...string) ([]byte, error) {
	cmd := exec.Command("bd", args...)
	cmd.Dir = path

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		verb := ""
		if len(args) > 0 {
			verb = args[0]
		}
		log.Debug(log.CatBeads, "bd command failed", "verb", verb, "path", path, "stderr", stderr.String())
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("bd %s failed: %s", verb, stderr.String())
		}
		return nil, fmt.Errorf("bd %s failed: %w", verb, err)
	}

	return stdout.Bytes(), nil
}

// Ready returns issues with no open blockers.
func (e *BDExecutor) Ready(path string) ([]Issue, error) {
	out, err := e.run(path, "ready", "--json")
	if err != nil {
		return nil, err
	}
	return parseIssues(out)
}

// List returns issues matching the filter.
func (e *BDExecutor) List(path string, filter ListFilter) ([]Issue, error) {
	args := []string{"list", "--json"}
	if filter.Status != "" {
		args = append(args, "--status", string(filter.Status))
	}
	if filter.Type != "" {
		args = append(args, "--type", string(filter.Type))
	}
	for _, l := range filter.Labels {
		args = append(args, "--label", l)
	}

	out, err := e.run(path, args...)
	if err != nil {
		return nil, err
	}
	return parseIssues(out)
}

// Show fetches a single issue. bd show --json returns a single-element
// array.
func (e *BDExecutor) Show(path, id string) (*Issue, error) {
	out, err := e.run(path, "show", id, "--json")
	if err != nil {
		return nil, err
	}

	issues, err := parseIssues(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bd show output: %w", err)
	}
	if len(issues) == 0 {
		return nil, fmt.Errorf("issue not found: %s", id)
	}
	return &issues[0], nil
}

// Create makes a new issue and returns its assigned id.
func (e *BDExecutor) Create(path string, req CreateRequest) (string, error) {
	args := []string{"create", req.Title, "--json"}
	if req.Description != "" {
		args = append(args, "-d", req.Description)
	}
	if req.Type != "" {
		args = append(args, "-t", string(req.Type))
	}
	args = append(args, "-p", strconv.Itoa(int(req.Priority)))
	for _, l := range req.Labels {
		args = append(args, "--label", l)
	}
	if req.Parent != "" {
		args = append(args, "--parent", req.Parent)
	}

	out, err := e.run(path, args...)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return "", fmt.Errorf("failed to parse bd create output: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("bd create returned no issue id")
	}

	log.Debug(log.CatBeads, "created issue", "id", created.ID, "title", req.Title)
	return created.ID, nil
}

// Update changes fields on an existing issue.
func (e *BDExecutor) Update(path, id string, fields UpdateFields) error {
	args := []string{"update", id}
	if fields.Status != nil {
		args = append(args, "--status", string(*fields.Status))
	}
	if fields.Priority != nil {
		args = append(args, "-p", strconv.Itoa(int(*fields.Priority)))
	}
	if fields.Description != nil {
		args = append(args, "-d", *fields.Description)
	}
	if fields.SetLabels != nil {
		for _, l := range fields.SetLabels {
			args = append(args, "--set-label", l)
		}
	}
	for _, l := range fields.AddLabels {
		args = append(args, "--add-label", l)
	}

	_, err := e.run(path, args...)
	return err
}

// Close closes an issue with a reason.
func (e *BDExecutor) Close(path, id, reason string) error {
	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := e.run(path, args...)
	return err
}

// Comment appends a comment to an issue.
func (e *BDExecutor) Comment(path, id, text string) error {
	_, err := e.run(path, "comment", id, text)
	return err
}

// ListComments returns an issue's comments, oldest first.
func (e *BDExecutor) ListComments(path, id string) ([]Comment, error) {
	out, err := e.run(path, "comment", id, "--list", "--json")
	if err != nil {
		return nil, err
	}

	var comments []Comment
	if err := json.Unmarshal(out, &comments); err != nil {
		return nil, fmt.Errorf("failed to parse bd comments: %w", err)
	}
	return comments, nil
}

// DepAdd records that issue id is blocked by blocker.
func (e *BDExecutor) DepAdd(path, id, blocker string) error {
	_, err := e.run(path, "dep", "add", id, blocker)
	return err
}

// Init initializes a new tracker in the directory.
func (e *BDExecutor) Init(path, prefix string) error {
	args := []string{"init"}
	if prefix != "" {
		args = append(args, "--prefix", prefix)
	}
	_, err := e.run(path, args...)
	return err
}

// IsDaemonRunning reports whether the bd sync daemon is up for path.
func (e *BDExecutor) IsDaemonRunning(path string) bool {
	_, err := e.run(path, "daemon", "status")
	return err == nil
}

// EnsureDaemonWithSyncBranch starts the sync daemon if needed.
func (e *BDExecutor) EnsureDaemonWithSyncBranch(path, syncBranch string) error {
	if e.IsDaemonRunning(path) {
		return nil
	}

	args := []string{"daemon", "start"}
	if syncBranch != "" {
		args = append(args, "--sync-branch", syncBranch)
	}
	if _, err := e.run(path, args...); err != nil {
		return fmt.Errorf("failed to start bd daemon: %w", err)
	}

	log.Info(log.CatBeads, "started bd sync daemon", "path", path, "branch", syncBranch)
	return nil
}

// parseIssues decodes a JSON array of issues. bd emits "null" for empty
// result sets.
func parseIssues(data []byte) ([]Issue, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var issues []Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, fmt.Errorf("failed to parse issues: %w", err)
	}
	return issues, nil
}
