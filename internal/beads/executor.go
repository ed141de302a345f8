package beads

// ListFilter narrows List results. Zero value lists everything open.
type ListFilter struct {
	Status Status
	Type   IssueType
	Labels []string
}

// CreateRequest describes a new issue.
type CreateRequest struct {
	Title       string
	Description string
	Type        IssueType
	Priority    Priority
	Labels      []string
	Parent      string
}

// UpdateFields carries the fields to change on an issue. Nil pointers are
// left untouched; SetLabels replaces the full label set when non-nil.
type UpdateFields struct {
	Status      *Status
	Priority    *Priority
	Description *string
	SetLabels   []string
	AddLabels   []string
}

// Executor abstracts the bd CLI so workflow logic can be tested without a
// bd binary on PATH.
type Executor interface {
	// Ready returns issues with no open blockers, sorted by priority.
	Ready(path string) ([]Issue, error)
	// List returns issues matching the filter.
	List(path string, filter ListFilter) ([]Issue, error)
	// Show fetches a single issue with full dependency detail.
	Show(path, id string) (*Issue, error)
	// Create makes a new issue and returns its assigned id.
	Create(path string, req CreateRequest) (string, error)
	// Update changes fields on an existing issue.
	Update(path, id string, fields UpdateFields) error
	// Close closes an issue with a reason.
	Close(path, id, reason string) error
	// Comment appends a comment to an issue.
	Comment(path, id, text string) error
	// ListComments returns an issue's comments, oldest first.
	ListComments(path, id string) ([]Comment, error)
	// DepAdd records that issue id is blocked by blocker.
	DepAdd(path, id, blocker string) error
	// Init initializes a new tracker in the directory.
	Init(path, prefix string) error
	// IsDaemonRunning reports whether the bd sync daemon is up for path.
	IsDaemonRunning(path string) bool
	// EnsureDaemonWithSyncBranch starts the sync daemon if it is not
	// running, pointing it at the given sync branch.
	EnsureDaemonWithSyncBranch(path, syncBranch string) error
}
