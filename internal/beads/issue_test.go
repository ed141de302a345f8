package beads

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyUnmarshalStringForm(t *testing.T) {
	var d Dependency
	require.NoError(t, json.Unmarshal([]byte(`"bd-12"`), &d))
	assert.Equal(t, "bd-12", d.ID)
	assert.Empty(t, d.Type)
}

func TestDependencyUnmarshalObjectForm(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantID   string
		wantType string
	}{
		{
			name:     "id field",
			input:    `{"id": "bd-3", "type": "blocks"}`,
			wantID:   "bd-3",
			wantType: "blocks",
		},
		{
			name:     "depends_on_id field",
			input:    `{"depends_on_id": "bd-7", "type": "parent-child"}`,
			wantID:   "bd-7",
			wantType: "parent-child",
		},
		{
			name:   "object without type",
			input:  `{"id": "bd-9"}`,
			wantID: "bd-9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Dependency
			require.NoError(t, json.Unmarshal([]byte(tt.input), &d))
			assert.Equal(t, tt.wantID, d.ID)
			assert.Equal(t, tt.wantType, d.Type)
		})
	}
}

func TestIssueUnmarshalMixedDependencies(t *testing.T) {
	data := `{
		"id": "bd-1",
		"title": "Fix flaky retry",
		"status": "open",
		"priority": 1,
		"issue_type": "bug",
		"dependencies": ["bd-2", {"depends_on_id": "bd-3", "type": "parent-child"}, {"id": "bd-4", "type": "blocks"}]
	}`

	var iss Issue
	require.NoError(t, json.Unmarshal([]byte(data), &iss))

	require.Len(t, iss.Dependencies, 3)
	assert.Equal(t, []string{"bd-2", "bd-4"}, iss.BlockerIDs())
}

func TestBlockerIDsEmpty(t *testing.T) {
	iss := Issue{Dependencies: []Dependency{{ID: "bd-1", Type: DepParentChild}}}
	assert.Empty(t, iss.BlockerIDs())

	iss = Issue{}
	assert.Empty(t, iss.BlockerIDs())
}

func TestHasLabel(t *testing.T) {
	iss := Issue{Labels: []string{"project:api", "whs:step"}}
	assert.True(t, iss.HasLabel("whs:step"))
	assert.False(t, iss.HasLabel("whs"))
	assert.False(t, iss.HasLabel("agent:implementation"))
}

func TestLabelValue(t *testing.T) {
	iss := Issue{Labels: []string{"project:api", "agent:quality_review", "whs:step"}}
	assert.Equal(t, "api", iss.LabelValue("project:"))
	assert.Equal(t, "quality_review", iss.LabelValue("agent:"))
	assert.Empty(t, iss.LabelValue("pr:"))
}

func TestParseIssuesNullAndEmpty(t *testing.T) {
	issues, err := parseIssues([]byte("null"))
	require.NoError(t, err)
	assert.Empty(t, issues)

	issues, err = parseIssues([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestParseIssuesArray(t *testing.T) {
	data := `[
		{"id": "bd-1", "title": "One", "status": "open", "priority": 2, "issue_type": "task"},
		{"id": "bd-2", "title": "Two", "status": "in_progress", "priority": 0, "issue_type": "epic", "labels": ["whs:workflow"]}
	]`

	issues, err := parseIssues([]byte(data))
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, StatusOpen, issues[0].Status)
	assert.Equal(t, PriorityCritical, issues[1].Priority)
	assert.Equal(t, TypeEpic, issues[1].Type)
	assert.True(t, issues[1].HasLabel("whs:workflow"))
}
