package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whs-run/whs/internal/beads"
)

const orch = "/orchestrator"

func newTestEngine() (*Engine, *beads.MockExecutor) {
	mock := beads.NewMockExecutor()
	return NewEngine(mock, orch), mock
}

func sourceItem() beads.Issue {
	return beads.Issue{
		ID:          "bd-123",
		Title:       "Add auth",
		Description: "Add JWT auth to the API",
		Type:        beads.TypeTask,
		Priority:    beads.PriorityHigh,
		Status:      beads.StatusOpen,
	}
}

func TestStartWorkflow(t *testing.T) {
	e, mock := newTestEngine()

	epicID, stepID, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)

	epic, ok := mock.Get(orch, epicID)
	require.True(t, ok)
	assert.Equal(t, "api:bd-123 - Add auth", epic.Title)
	assert.Equal(t, beads.TypeEpic, epic.Type)
	assert.True(t, epic.HasLabel(LabelWorkflow))
	assert.True(t, epic.HasLabel("project:api"))
	assert.True(t, epic.HasLabel("source:bd-123"))
	assert.Equal(t, beads.PriorityHigh, epic.Priority)

	step, ok := mock.Get(orch, stepID)
	require.True(t, ok)
	assert.Equal(t, "implementation", step.Title)
	assert.True(t, step.HasLabel(LabelStep))
	assert.True(t, step.HasLabel("agent:implementation"))
	assert.Equal(t, epicID, step.Parent)
	assert.Empty(t, step.BlockerIDs())
}

func TestCreateNextStepChains(t *testing.T) {
	e, mock := newTestEngine()
	epicID, step1, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)

	step2, err := e.CreateNextStep(epicID, "quality_review", "PR 42", StepOptions{PRNumber: 42, CIStatus: "pending"})
	require.NoError(t, err)

	s2, ok := mock.Get(orch, step2)
	require.True(t, ok)
	assert.True(t, s2.HasLabel("agent:quality_review"))
	assert.True(t, s2.HasLabel("pr:42"))
	assert.True(t, s2.HasLabel("ci:pending"))
	assert.Contains(t, s2.BlockerIDs(), step1)

	// Third step chains to the second, not the first.
	step3, err := e.CreateNextStep(epicID, "release_manager", "ship it", StepOptions{})
	require.NoError(t, err)
	s3, _ := mock.Get(orch, step3)
	assert.Contains(t, s3.BlockerIDs(), step2)
	assert.NotContains(t, s3.BlockerIDs(), step1)
}

func TestStepReadyOrdering(t *testing.T) {
	e, _ := newTestEngine()
	epicID, step1, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)
	step2, err := e.CreateNextStep(epicID, "quality_review", "review", StepOptions{})
	require.NoError(t, err)

	ready, err := e.GetReadyWorkflowSteps()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, step1, ready[0].ID)

	require.NoError(t, e.CompleteStep(step1, "done with impl"))

	ready, err = e.GetReadyWorkflowSteps()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, step2, ready[0].ID)
}

func TestCompleteStepRecordsContext(t *testing.T) {
	e, mock := newTestEngine()
	epicID, step1, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)

	require.NoError(t, e.CompleteStep(step1, "opened PR 42"))

	s1, _ := mock.Get(orch, step1)
	assert.Equal(t, beads.StatusClosed, s1.Status)
	comments := mock.Comments(orch, step1)
	require.Len(t, comments, 1)
	assert.Equal(t, "opened PR 42", comments[0].Text)

	step2, err := e.CreateNextStep(epicID, "quality_review", "review", StepOptions{})
	require.NoError(t, err)

	ctx, err := e.GetWorkflowContext(step2)
	require.NoError(t, err)
	assert.Contains(t, ctx, "[implementation] opened PR 42")
}

func TestMarkStepInProgressIdempotent(t *testing.T) {
	e, mock := newTestEngine()
	_, stepID, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)

	require.NoError(t, e.MarkStepInProgress(stepID))
	s, _ := mock.Get(orch, stepID)
	assert.Equal(t, beads.StatusInProgress, s.Status)

	// Second call is a no-op, not an error.
	require.NoError(t, e.MarkStepInProgress(stepID))
	s, _ = mock.Get(orch, stepID)
	assert.Equal(t, beads.StatusInProgress, s.Status)
}

func TestCompleteWorkflowDone(t *testing.T) {
	e, mock := newTestEngine()
	epicID, _, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)

	require.NoError(t, e.CompleteWorkflow(epicID, OutcomeDone, "merged"))

	epic, _ := mock.Get(orch, epicID)
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.False(t, epic.HasLabel(LabelBlockedHuman))
}

func TestCompleteWorkflowBlocked(t *testing.T) {
	e, mock := newTestEngine()
	epicID, _, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)

	require.NoError(t, e.CompleteWorkflow(epicID, OutcomeBlocked, "needs credentials"))

	epic, _ := mock.Get(orch, epicID)
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.True(t, epic.HasLabel(LabelBlockedHuman))

	comments := mock.Comments(orch, epicID)
	require.Len(t, comments, 1)
	assert.Equal(t, "Blocked: needs credentials", comments[0].Text)
}

func TestCompleteWorkflowInvalidOutcome(t *testing.T) {
	e, _ := newTestEngine()
	assert.Error(t, e.CompleteWorkflow("whs-1", "maybe", ""))
}

func TestGetWorkflowForSource(t *testing.T) {
	e, _ := newTestEngine()

	found, err := e.GetWorkflowForSource("api", "bd-123")
	require.NoError(t, err)
	assert.Nil(t, found)

	epicID, _, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)

	found, err = e.GetWorkflowForSource("api", "bd-123")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, epicID, found.ID)

	// Different project, same source id: no match.
	found, err = e.GetWorkflowForSource("web", "bd-123")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestGetWorkflowForSourcePrefersWorkflowLabel(t *testing.T) {
	e, mock := newTestEngine()

	mock.Seed(orch, beads.Issue{
		ID:     "legacy-1",
		Type:   beads.TypeEpic,
		Status: beads.StatusOpen,
		Labels: []string{"project:api", "source:bd-123"},
	})
	mock.Seed(orch, beads.Issue{
		ID:     "current-1",
		Type:   beads.TypeEpic,
		Status: beads.StatusOpen,
		Labels: []string{LabelWorkflow, "project:api", "source:bd-123"},
	})

	found, err := e.GetWorkflowForSource("api", "bd-123")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "current-1", found.ID)
}

func TestGetSourceBeadInfo(t *testing.T) {
	e, _ := newTestEngine()
	epicID, stepID, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)

	// From the epic.
	info, err := e.GetSourceBeadInfo(epicID)
	require.NoError(t, err)
	assert.Equal(t, "api", info.Project)
	assert.Equal(t, "bd-123", info.BeadID)

	// From a step, via the parent epic.
	info, err = e.GetSourceBeadInfo(stepID)
	require.NoError(t, err)
	assert.Equal(t, "api", info.Project)
	assert.Equal(t, "bd-123", info.BeadID)
}

func TestGetSourceBeadInfoNonWorkflow(t *testing.T) {
	e, mock := newTestEngine()
	mock.Seed(orch, beads.Issue{ID: "stray-1", Status: beads.StatusOpen})

	_, err := e.GetSourceBeadInfo("stray-1")
	assert.Error(t, err)
}

func TestGetFirstAgent(t *testing.T) {
	e, _ := newTestEngine()

	assert.Equal(t, "implementation", e.GetFirstAgent(beads.Issue{Type: beads.TypeTask}))
	assert.Equal(t, "implementation", e.GetFirstAgent(beads.Issue{Type: beads.TypeBug}))
	assert.Equal(t, "planner", e.GetFirstAgent(beads.Issue{Type: beads.TypeEpic}))
}

func TestCreatePlanningTaskAvoidsParentCycle(t *testing.T) {
	e, mock := newTestEngine()
	epicID, _, err := e.StartWorkflow("api", sourceItem(), "planner")
	require.NoError(t, err)

	taskID, err := e.CreatePlanningTask(epicID, "Split auth into endpoints", "details")
	require.NoError(t, err)

	task, ok := mock.Get(orch, taskID)
	require.True(t, ok)
	assert.Empty(t, task.Parent)
	assert.True(t, task.HasLabel("epic:"+epicID))

	epic, _ := mock.Get(orch, epicID)
	assert.Contains(t, epic.BlockerIDs(), taskID)
}

func TestGetErroredWorkflows(t *testing.T) {
	e, _ := newTestEngine()
	epicID, stepID, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)
	require.NoError(t, e.CompleteStep(stepID, "could not proceed"))
	require.NoError(t, e.CompleteWorkflow(epicID, OutcomeBlocked, "stuck"))

	errored, err := e.GetErroredWorkflows()
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, epicID, errored[0].ID)
}

func TestGetStepsPendingCI(t *testing.T) {
	e, _ := newTestEngine()
	epicID, step1, err := e.StartWorkflow("api", sourceItem(), "implementation")
	require.NoError(t, err)
	require.NoError(t, e.CompleteStep(step1, "PR opened"))

	step2, err := e.CreateNextStep(epicID, "quality_review", "review", StepOptions{PRNumber: 42, CIStatus: "pending"})
	require.NoError(t, err)

	pending, err := e.GetStepsPendingCI()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, step2, pending[0].ID)
	assert.Equal(t, 42, StepPR(&pending[0]))
	assert.Equal(t, "quality_review", StepAgent(&pending[0]))

	// Closed steps drop out of the scan.
	require.NoError(t, e.CompleteStep(step2, "reviewed"))
	pending, err = e.GetStepsPendingCI()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
