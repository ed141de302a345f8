// Package workflow encodes the per-item state machine on top of the
// orchestrator issue tracker. A workflow is an epic labeled with its source
// project and issue; each agent run is a step child of the epic, chained by
// dependency edges so at most one step is ready at a time.
package workflow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/whs-run/whs/internal/beads"
	"github.com/whs-run/whs/internal/log"
)

// Labels used to encode workflow structure on orchestrator issues.
const (
	LabelWorkflow = "whs:workflow"
	LabelStep     = "whs:step"

	PrefixProject = "project:"
	PrefixSource  = "source:"
	PrefixAgent   = "agent:"
	PrefixPR      = "pr:"
	PrefixCI      = "ci:"
	PrefixEpic    = "epic:"

	LabelBlockedHuman = "blocked:human"
)

// Workflow outcomes accepted by CompleteWorkflow.
const (
	OutcomeDone    = "done"
	OutcomeBlocked = "blocked"
)

// StepOptions carries the optional PR/CI fields for a new step.
type StepOptions struct {
	PRNumber int
	CIStatus string
}

// Engine manipulates workflows in the orchestrator tracker.
type Engine struct {
	exec beads.Executor
	path string
}

// NewEngine creates an engine over the orchestrator tracker at path.
func NewEngine(exec beads.Executor, path string) *Engine {
	return &Engine{exec: exec, path: path}
}

// Path returns the orchestrator tracker path.
func (e *Engine) Path() string { return e.path }

// Executor exposes the underlying tracker for callers that need raw access
// (question helpers, doctor scans).
func (e *Engine) Executor() beads.Executor { return e.exec }

// StartWorkflow creates the epic and its first step for a source issue.
// The two writes are sequential; a crash in between leaves an epic with no
// step, which GetWorkflowForSource surfaces on the next tick.
func (e *Engine) StartWorkflow(project string, item beads.Issue, firstAgent string) (epicID, stepID string, err error) {
	epicID, err = e.exec.Create(e.path, beads.CreateRequest{
		Title:       fmt.Sprintf("%s:%s - %s", project, item.ID, item.Title),
		Description: item.Description,
		Type:        beads.TypeEpic,
		Priority:    item.Priority,
		Labels: []string{
			LabelWorkflow,
			PrefixProject + project,
			PrefixSource + item.ID,
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to create workflow epic: %w", err)
	}

	stepID, err = e.createStep(epicID, firstAgent, item.Description, StepOptions{}, "")
	if err != nil {
		return "", "", fmt.Errorf("failed to create first step: %w", err)
	}

	log.Info(log.CatWorkflow, "started workflow", "project", project, "source", item.ID, "epic", epicID, "step", stepID)
	return epicID, stepID, nil
}

// CreateNextStep adds a step to an existing epic, depending on the chain
// tail so it only becomes ready once the previous step closes.
func (e *Engine) CreateNextStep(epicID, agentName, context string, opts StepOptions) (string, error) {
	tail, err := e.chainTail(epicID)
	if err != nil {
		return "", err
	}

	stepID, err := e.createStep(epicID, agentName, context, opts, tail)
	if err != nil {
		return "", err
	}

	log.Info(log.CatWorkflow, "created next step", "epic", epicID, "step", stepID, "agent", agentName)
	return stepID, nil
}

func (e *Engine) createStep(epicID, agentName, context string, opts StepOptions, dependsOn string) (string, error) {
	labels := []string{LabelStep, PrefixAgent + agentName}
	if opts.PRNumber > 0 {
		labels = append(labels, PrefixPR+strconv.Itoa(opts.PRNumber))
	}
	if opts.CIStatus != "" {
		labels = append(labels, PrefixCI+opts.CIStatus)
	}

	stepID, err := e.exec.Create(e.path, beads.CreateRequest{
		Title:       agentName,
		Description: context,
		Type:        beads.TypeTask,
		Priority:    beads.PriorityHigh,
		Labels:      labels,
		Parent:      epicID,
	})
	if err != nil {
		return "", err
	}

	if dependsOn != "" {
		if err := e.exec.DepAdd(e.path, stepID, dependsOn); err != nil {
			return "", fmt.Errorf("failed to chain step %s after %s: %w", stepID, dependsOn, err)
		}
	}
	return stepID, nil
}

// chainTail returns the most recent step of the epic: the step no other
// step depends on. Returns "" when the epic has no steps yet.
func (e *Engine) chainTail(epicID string) (string, error) {
	steps, err := e.epicSteps(epicID)
	if err != nil {
		return "", err
	}
	if len(steps) == 0 {
		return "", nil
	}

	dependedOn := make(map[string]bool)
	for _, s := range steps {
		for _, dep := range s.BlockerIDs() {
			dependedOn[dep] = true
		}
	}

	var tail *beads.Issue
	for i := range steps {
		if dependedOn[steps[i].ID] {
			continue
		}
		if tail == nil || steps[i].CreatedAt.After(tail.CreatedAt) {
			tail = &steps[i]
		}
	}
	if tail == nil {
		return "", fmt.Errorf("epic %s has a dependency cycle among its steps", epicID)
	}
	return tail.ID, nil
}

// epicSteps lists the step children of an epic, all statuses.
func (e *Engine) epicSteps(epicID string) ([]beads.Issue, error) {
	all, err := e.exec.List(e.path, beads.ListFilter{Labels: []string{LabelStep}})
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	var steps []beads.Issue
	for _, iss := range all {
		if iss.Parent == epicID {
			steps = append(steps, iss)
		}
	}
	sort.Slice(steps, func(a, b int) bool {
		return steps[a].CreatedAt.Before(steps[b].CreatedAt)
	})
	return steps, nil
}

// HasSteps reports whether the epic has any workflow steps. An open epic
// without steps is a partial workflow from a crash mid-StartWorkflow.
func (e *Engine) HasSteps(epicID string) (bool, error) {
	steps, err := e.epicSteps(epicID)
	if err != nil {
		return false, err
	}
	return len(steps) > 0, nil
}

// CompleteStep records the handoff context as a comment and closes the
// step. The comment is what GetWorkflowContext accumulates for later
// agents.
func (e *Engine) CompleteStep(stepID, reason string) error {
	if reason != "" {
		if err := e.exec.Comment(e.path, stepID, reason); err != nil {
			return fmt.Errorf("failed to record step outcome: %w", err)
		}
	}
	if err := e.exec.Close(e.path, stepID, "handoff"); err != nil {
		return fmt.Errorf("failed to close step %s: %w", stepID, err)
	}
	return nil
}

// MarkStepInProgress transitions a step out of the ready set. A no-op when
// the step is already in progress, so the dispatcher and the answer path
// can both call it without racing.
func (e *Engine) MarkStepInProgress(stepID string) error {
	iss, err := e.exec.Show(e.path, stepID)
	if err != nil {
		return err
	}
	if iss.Status == beads.StatusInProgress {
		return nil
	}

	status := beads.StatusInProgress
	return e.exec.Update(e.path, stepID, beads.UpdateFields{Status: &status})
}

// CompleteWorkflow closes the epic. A blocked outcome additionally labels
// the epic for human attention.
func (e *Engine) CompleteWorkflow(epicID, outcome, reason string) error {
	if outcome != OutcomeDone && outcome != OutcomeBlocked {
		return fmt.Errorf("invalid workflow outcome: %q", outcome)
	}

	if outcome == OutcomeBlocked {
		if err := e.exec.Update(e.path, epicID, beads.UpdateFields{AddLabels: []string{LabelBlockedHuman}}); err != nil {
			return fmt.Errorf("failed to label blocked workflow: %w", err)
		}
		if reason != "" {
			if err := e.exec.Comment(e.path, epicID, "Blocked: "+reason); err != nil {
				return fmt.Errorf("failed to record blocked reason: %w", err)
			}
		}
	}

	if err := e.exec.Close(e.path, epicID, outcome); err != nil {
		return fmt.Errorf("failed to close workflow epic %s: %w", epicID, err)
	}

	log.Info(log.CatWorkflow, "completed workflow", "epic", epicID, "outcome", outcome)
	return nil
}

// GetReadyWorkflowSteps returns ready orchestrator issues that are steps.
func (e *Engine) GetReadyWorkflowSteps() ([]beads.Issue, error) {
	ready, err := e.exec.Ready(e.path)
	if err != nil {
		return nil, err
	}

	var steps []beads.Issue
	for _, iss := range ready {
		if iss.HasLabel(LabelStep) {
			steps = append(steps, iss)
		}
	}
	return steps, nil
}

// GetWorkflowForSource finds the workflow epic for a source issue. Epics
// carrying the whs:workflow label win over legacy epics that only carry
// the project/source pair.
func (e *Engine) GetWorkflowForSource(project, sourceID string) (*beads.Issue, error) {
	matches, err := e.exec.List(e.path, beads.ListFilter{
		Type:   beads.TypeEpic,
		Labels: []string{PrefixProject + project, PrefixSource + sourceID},
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	for i := range matches {
		if matches[i].HasLabel(LabelWorkflow) {
			return &matches[i], nil
		}
	}
	return &matches[0], nil
}

// SourceInfo identifies the project issue a workflow tracks.
type SourceInfo struct {
	Project string
	BeadID  string
}

// GetSourceBeadInfo recovers the source project and issue id from an epic
// or any of its steps.
func (e *Engine) GetSourceBeadInfo(id string) (*SourceInfo, error) {
	iss, err := e.exec.Show(e.path, id)
	if err != nil {
		return nil, err
	}

	epic := iss
	if !iss.HasLabel(LabelWorkflow) && iss.Parent != "" {
		epic, err = e.exec.Show(e.path, iss.Parent)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent epic of %s: %w", id, err)
		}
	}

	info := &SourceInfo{
		Project: epic.LabelValue(PrefixProject),
		BeadID:  epic.LabelValue(PrefixSource),
	}
	if info.Project == "" || info.BeadID == "" {
		return nil, fmt.Errorf("issue %s is not part of a workflow", id)
	}
	return info, nil
}

// GetWorkflowContext accumulates the outcome comments of the step's closed
// predecessors, oldest first, for the next agent's prompt.
func (e *Engine) GetWorkflowContext(stepID string) (string, error) {
	step, err := e.exec.Show(e.path, stepID)
	if err != nil {
		return "", err
	}
	if step.Parent == "" {
		return "", nil
	}

	steps, err := e.epicSteps(step.Parent)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, s := range steps {
		if s.ID == stepID || s.Status != beads.StatusClosed {
			continue
		}
		comments, err := e.exec.ListComments(e.path, s.ID)
		if err != nil {
			return "", err
		}
		for _, c := range comments {
			parts = append(parts, fmt.Sprintf("[%s] %s", s.Title, c.Text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// GetFirstAgent picks the opening agent for a source issue: epics need
// planning before implementation.
func (e *Engine) GetFirstAgent(item beads.Issue) string {
	if item.Type == beads.TypeEpic {
		return "planner"
	}
	return "implementation"
}

// CreatePlanningTask files a task produced by the planner. The task is
// linked to its epic by label and dependency, never by parent, so closing
// order cannot form a cycle.
func (e *Engine) CreatePlanningTask(epicID, title, description string) (string, error) {
	taskID, err := e.exec.Create(e.path, beads.CreateRequest{
		Title:       title,
		Description: description,
		Type:        beads.TypeTask,
		Priority:    beads.PriorityMedium,
		Labels:      []string{PrefixEpic + epicID},
	})
	if err != nil {
		return "", err
	}
	if err := e.exec.DepAdd(e.path, epicID, taskID); err != nil {
		return "", fmt.Errorf("failed to block epic %s on task %s: %w", epicID, taskID, err)
	}
	return taskID, nil
}

// GetErroredWorkflows returns open epics labeled for human attention.
func (e *Engine) GetErroredWorkflows() ([]beads.Issue, error) {
	return e.exec.List(e.path, beads.ListFilter{
		Type:   beads.TypeEpic,
		Labels: []string{LabelBlockedHuman},
	})
}

// GetStepsPendingCI returns non-closed steps that reference a PR with CI
// still pending. Doctor queries the VCS host for each.
func (e *Engine) GetStepsPendingCI() ([]beads.Issue, error) {
	steps, err := e.exec.List(e.path, beads.ListFilter{
		Labels: []string{LabelStep, PrefixCI + "pending"},
	})
	if err != nil {
		return nil, err
	}

	var pending []beads.Issue
	for _, s := range steps {
		if s.Status == beads.StatusClosed {
			continue
		}
		if s.LabelValue(PrefixPR) != "" {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// StepPR returns the PR number encoded on a step, 0 when absent.
func StepPR(iss *beads.Issue) int {
	v := iss.LabelValue(PrefixPR)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// StepAgent returns the agent role encoded on a step.
func StepAgent(iss *beads.Issue) string {
	return iss.LabelValue(PrefixAgent)
}
