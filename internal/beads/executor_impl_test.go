package beads

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireBD skips the test when the bd binary is not on PATH.
func requireBD(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bd"); err != nil {
		t.Skip("bd binary not found in PATH, skipping integration test")
	}
}

func TestBDExecutorLifecycle(t *testing.T) {
	requireBD(t)

	dir := t.TempDir()
	e := NewBDExecutor()
	require.NoError(t, e.Init(dir, "tst"))

	id, err := e.Create(dir, CreateRequest{
		Title:    "integration test issue",
		Type:     TypeTask,
		Priority: PriorityMedium,
		Labels:   []string{"whs:step"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	iss, err := e.Show(dir, id)
	require.NoError(t, err)
	assert.Equal(t, "integration test issue", iss.Title)
	assert.True(t, iss.HasLabel("whs:step"))

	inProgress := StatusInProgress
	require.NoError(t, e.Update(dir, id, UpdateFields{Status: &inProgress}))

	iss, err = e.Show(dir, id)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, iss.Status)

	require.NoError(t, e.Comment(dir, id, "progress note"))

	require.NoError(t, e.Close(dir, id, "done"))
	iss, err = e.Show(dir, id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, iss.Status)
}

func TestBDExecutorDependencyGating(t *testing.T) {
	requireBD(t)

	dir := t.TempDir()
	e := NewBDExecutor()
	require.NoError(t, e.Init(dir, "tst"))

	blocker, err := e.Create(dir, CreateRequest{Title: "blocker", Type: TypeTask, Priority: PriorityMedium})
	require.NoError(t, err)
	blocked, err := e.Create(dir, CreateRequest{Title: "blocked", Type: TypeTask, Priority: PriorityMedium})
	require.NoError(t, err)

	require.NoError(t, e.DepAdd(dir, blocked, blocker))

	ready, err := e.Ready(dir)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, iss := range ready {
		ids[iss.ID] = true
	}
	assert.True(t, ids[blocker])
	assert.False(t, ids[blocked])

	require.NoError(t, e.Close(dir, blocker, "done"))
	ready, err = e.Ready(dir)
	require.NoError(t, err)
	found := false
	for _, iss := range ready {
		if iss.ID == blocked {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBDExecutorShowMissing(t *testing.T) {
	requireBD(t)

	dir := t.TempDir()
	e := NewBDExecutor()
	require.NoError(t, e.Init(dir, "tst"))

	_, err := e.Show(dir, "tst-999")
	assert.Error(t, err)
}
