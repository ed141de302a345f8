// Package notify fans dispatcher events out to operator-facing channels.
// All notifications are best-effort: a failing notifier never disturbs the
// dispatch loop.
package notify

import (
	"github.com/whs-run/whs/internal/log"
	"github.com/whs-run/whs/internal/state"
)

// Notifier receives dispatcher lifecycle events.
type Notifier interface {
	// NotifyProgress reports agent output while a step runs.
	NotifyProgress(work state.ActiveWork, agentName, msg string)
	// NotifyQuestion reports an agent question awaiting a human answer.
	NotifyQuestion(q state.PendingQuestion)
	// NotifyComplete reports a finished workflow and its outcome.
	NotifyComplete(work state.ActiveWork, outcome string)
	// NotifyError reports a failed launch.
	NotifyError(work state.ActiveWork, err error)
	// NotifyRateLimit reports provider throttling that paused dispatch.
	NotifyRateLimit(msg string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

var _ Notifier = (*LogNotifier)(nil)

func (LogNotifier) NotifyProgress(work state.ActiveWork, agentName, msg string) {
	log.Info(log.CatDispatch, "progress", "project", work.Project, "source", work.SourceID, "agent", agentName, "msg", msg)
}

func (LogNotifier) NotifyQuestion(q state.PendingQuestion) {
	log.Info(log.CatDispatch, "agent question awaiting answer", "question", q.QuestionID, "project", q.Project, "source", q.SourceID)
}

func (LogNotifier) NotifyComplete(work state.ActiveWork, outcome string) {
	log.Info(log.CatDispatch, "workflow complete", "project", work.Project, "source", work.SourceID, "outcome", outcome)
}

func (LogNotifier) NotifyError(work state.ActiveWork, err error) {
	log.ErrorErr(log.CatDispatch, "workflow error", err, "project", work.Project, "source", work.SourceID)
}

func (LogNotifier) NotifyRateLimit(msg string) {
	log.Warn(log.CatDispatch, "rate limited, dispatcher paused", "msg", msg)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

var _ Notifier = (*NoopNotifier)(nil)

func (NoopNotifier) NotifyProgress(state.ActiveWork, string, string) {}
func (NoopNotifier) NotifyQuestion(state.PendingQuestion)            {}
func (NoopNotifier) NotifyComplete(state.ActiveWork, string)         {}
func (NoopNotifier) NotifyError(state.ActiveWork, error)             {}
func (NoopNotifier) NotifyRateLimit(string)                          {}

// MultiNotifier fans out to several notifiers. Panics in any target are
// recovered so one broken channel cannot take down the rest.
type MultiNotifier struct {
	targets []Notifier
}

var _ Notifier = (*MultiNotifier)(nil)

// NewMulti creates a fan-out notifier.
func NewMulti(targets ...Notifier) *MultiNotifier {
	return &MultiNotifier{targets: targets}
}

func (m *MultiNotifier) each(fn func(Notifier)) {
	for _, t := range m.targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatDispatch, "notifier panicked", "panic", r)
				}
			}()
			fn(t)
		}()
	}
}

func (m *MultiNotifier) NotifyProgress(work state.ActiveWork, agentName, msg string) {
	m.each(func(n Notifier) { n.NotifyProgress(work, agentName, msg) })
}

func (m *MultiNotifier) NotifyQuestion(q state.PendingQuestion) {
	m.each(func(n Notifier) { n.NotifyQuestion(q) })
}

func (m *MultiNotifier) NotifyComplete(work state.ActiveWork, outcome string) {
	m.each(func(n Notifier) { n.NotifyComplete(work, outcome) })
}

func (m *MultiNotifier) NotifyError(work state.ActiveWork, err error) {
	m.each(func(n Notifier) { n.NotifyError(work, err) })
}

func (m *MultiNotifier) NotifyRateLimit(msg string) {
	m.each(func(n Notifier) { n.NotifyRateLimit(msg) })
}
