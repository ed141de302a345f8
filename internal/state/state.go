// Package state holds the dispatcher's persisted view of the world: the
// pause flag, active work items, and questions in flight. The state value
// is immutable; every mutation returns a new State so the dispatcher can
// swap it atomically and persist it after each change.
package state

import (
	"time"

	"github.com/whs-run/whs/internal/beads"
)

// ActiveWork records one work item currently being processed.
type ActiveWork struct {
	Project   string    `json:"project"`
	SourceID  string    `json:"sourceId"`
	EpicID    string    `json:"epicId"`
	StepID    string    `json:"stepId"`
	Agent     string    `json:"agent"`
	Worktree  string    `json:"worktree"`
	SessionID string    `json:"sessionId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// PendingQuestion records a paused agent session awaiting a human answer.
// Questions and Context carry what is being asked so notification
// transports can show it without a tracker round trip.
type PendingQuestion struct {
	QuestionID string           `json:"questionId"`
	Project    string           `json:"project"`
	SourceID   string           `json:"sourceId"`
	EpicID     string           `json:"epicId"`
	StepID     string           `json:"stepId"`
	SessionID  string           `json:"sessionId"`
	Worktree   string           `json:"worktree"`
	Context    string           `json:"context,omitempty"`
	Questions  []beads.Question `json:"questions,omitempty"`
	AskedAt    time.Time        `json:"askedAt"`
}

// AnsweredQuestion is a pending question plus its answer, queued for the
// dispatcher to resume on the next tick.
type AnsweredQuestion struct {
	PendingQuestion
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answeredAt"`
}

// State is the full persisted dispatcher state.
type State struct {
	Paused            bool                        `json:"paused"`
	ActiveWork        map[string]ActiveWork       `json:"activeWork"`
	PendingQuestions  map[string]PendingQuestion  `json:"pendingQuestions"`
	AnsweredQuestions map[string]AnsweredQuestion `json:"answeredQuestions"`
	LastUpdated       time.Time                   `json:"lastUpdated"`
}

// New returns an empty state.
func New() State {
	return State{
		ActiveWork:        make(map[string]ActiveWork),
		PendingQuestions:  make(map[string]PendingQuestion),
		AnsweredQuestions: make(map[string]AnsweredQuestion),
	}
}

// normalized ensures nil maps (from a sparse JSON document) behave like
// empty ones after load.
func (s State) normalized() State {
	if s.ActiveWork == nil {
		s.ActiveWork = make(map[string]ActiveWork)
	}
	if s.PendingQuestions == nil {
		s.PendingQuestions = make(map[string]PendingQuestion)
	}
	if s.AnsweredQuestions == nil {
		s.AnsweredQuestions = make(map[string]AnsweredQuestion)
	}
	return s
}

func (s State) touch() State {
	s.LastUpdated = time.Now().UTC()
	return s
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithPaused returns a copy with the pause flag set.
func (s State) WithPaused(paused bool) State {
	s.Paused = paused
	return s.touch()
}

// WithActiveWork returns a copy with the work item added or replaced,
// keyed by source id.
func (s State) WithActiveWork(work ActiveWork) State {
	aw := copyMap(s.ActiveWork)
	aw[work.SourceID] = work
	s.ActiveWork = aw
	return s.touch()
}

// WithoutActiveWork returns a copy with the work item removed. Removing an
// absent item is a no-op.
func (s State) WithoutActiveWork(sourceID string) State {
	aw := copyMap(s.ActiveWork)
	delete(aw, sourceID)
	s.ActiveWork = aw
	return s.touch()
}

// ActiveForProject counts active work items targeting a project.
func (s State) ActiveForProject(project string) int {
	n := 0
	for _, w := range s.ActiveWork {
		if w.Project == project {
			n++
		}
	}
	return n
}

// WithPendingQuestion returns a copy with the question recorded.
func (s State) WithPendingQuestion(q PendingQuestion) State {
	pq := copyMap(s.PendingQuestions)
	pq[q.QuestionID] = q
	s.PendingQuestions = pq
	return s.touch()
}

// WithAnswer moves a pending question into the answered queue. Unknown
// question ids return the state unchanged along with false.
func (s State) WithAnswer(questionID, answer string) (State, bool) {
	q, ok := s.PendingQuestions[questionID]
	if !ok {
		return s, false
	}

	pq := copyMap(s.PendingQuestions)
	delete(pq, questionID)
	aq := copyMap(s.AnsweredQuestions)
	aq[questionID] = AnsweredQuestion{
		PendingQuestion: q,
		Answer:          answer,
		AnsweredAt:      time.Now().UTC(),
	}
	s.PendingQuestions = pq
	s.AnsweredQuestions = aq
	return s.touch(), true
}

// WithAnsweredQuestion records an already-answered question, clearing any
// matching pending entry. Used to fold in answers another process wrote to
// disk.
func (s State) WithAnsweredQuestion(aq AnsweredQuestion) State {
	pq := copyMap(s.PendingQuestions)
	delete(pq, aq.QuestionID)
	m := copyMap(s.AnsweredQuestions)
	m[aq.QuestionID] = aq
	s.PendingQuestions = pq
	s.AnsweredQuestions = m
	return s.touch()
}

// WithoutAnsweredQuestion returns a copy with the answered question
// consumed.
func (s State) WithoutAnsweredQuestion(questionID string) State {
	aq := copyMap(s.AnsweredQuestions)
	delete(aq, questionID)
	s.AnsweredQuestions = aq
	return s.touch()
}
