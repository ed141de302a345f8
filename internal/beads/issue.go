// Package beads wraps the external bd issue-tracker CLI. Every operation is
// scoped by a tracker path (the working directory bd runs in); whs talks to
// one orchestrator tracker and one tracker per configured project.
package beads

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the issue lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
	StatusTombstone  Status = "tombstone"
	StatusPinned     Status = "pinned"
)

// Priority levels (0-4, lower is more urgent).
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
	PriorityBacklog  Priority = 4
)

// IssueType categorizes the nature of work.
type IssueType string

const (
	TypeBug      IssueType = "bug"
	TypeFeature  IssueType = "feature"
	TypeTask     IssueType = "task"
	TypeEpic     IssueType = "epic"
	TypeChore    IssueType = "chore"
	TypeQuestion IssueType = "question"
)

// DepParentChild is the dependency type bd uses for parent-child links.
// Parent-child entries are not blockers and are dropped during normalization.
const DepParentChild = "parent-child"

// Dependency is one entry of an issue's dependency list. bd emits two
// shapes depending on the command: `bd list --json` produces plain id
// strings, `bd show --json` produces objects with an id (or depends_on_id)
// and a relationship type.
type Dependency struct {
	ID   string
	Type string
}

// UnmarshalJSON accepts both the string and the object form.
func (d *Dependency) UnmarshalJSON(data []byte) error {
	// String form: "bd-12"
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		d.ID = id
		d.Type = ""
		return nil
	}

	// Object form: {"id": ...} or {"depends_on_id": ..., "type": ...}
	var obj struct {
		ID          string `json:"id"`
		DependsOnID string `json:"depends_on_id"`
		Type        string `json:"type"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("unrecognized dependency shape: %w", err)
	}
	d.ID = obj.DependsOnID
	if d.ID == "" {
		d.ID = obj.ID
	}
	d.Type = obj.Type
	return nil
}

// MarshalJSON emits the object form.
func (d Dependency) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID   string `json:"id"`
		Type string `json:"type,omitempty"`
	}{ID: d.ID, Type: d.Type})
}

// Issue represents a bead as returned by the bd CLI.
type Issue struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Status       Status       `json:"status"`
	Priority     Priority     `json:"priority"`
	Type         IssueType    `json:"issue_type"`
	Labels       []string     `json:"labels"`
	Parent       string       `json:"parent,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// BlockerIDs returns the normalized set of blocking issue ids, dropping
// parent-child relationships which bd reports alongside true blockers.
func (i *Issue) BlockerIDs() []string {
	var ids []string
	for _, d := range i.Dependencies {
		if d.Type == DepParentChild {
			continue
		}
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// HasLabel reports whether the issue carries the exact label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// LabelValue returns the value part of the first label with the given
// prefix (e.g. LabelValue("project:") on ["project:api"] returns "api").
// Returns "" when no label matches.
func (i *Issue) LabelValue(prefix string) string {
	for _, l := range i.Labels {
		if len(l) > len(prefix) && l[:len(prefix)] == prefix {
			return l[len(prefix):]
		}
	}
	return ""
}

// Comment is a single issue comment.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
