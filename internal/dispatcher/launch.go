package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/whs-run/whs/internal/agent"
	"github.com/whs-run/whs/internal/beads"
	"github.com/whs-run/whs/internal/config"
	"github.com/whs-run/whs/internal/handoff"
	"github.com/whs-run/whs/internal/log"
	"github.com/whs-run/whs/internal/metrics"
	"github.com/whs-run/whs/internal/safety"
	"github.com/whs-run/whs/internal/state"
	"github.com/whs-run/whs/internal/workflow"
	"github.com/whs-run/whs/internal/worktree"
)

// sourceCloseReason is the canonical reason recorded on a source issue when
// its workflow finishes.
const sourceCloseReason = "completed by whs"

// dispatchReadySteps launches ready workflow steps under the concurrency
// bounds. Steps whose source already has an active-work entry are skipped.
func (d *Dispatcher) dispatchReadySteps() {
	steps, err := d.engine.GetReadyWorkflowSteps()
	if err != nil {
		log.ErrorErr(log.CatDispatch, "failed to list ready steps", err)
		return
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].CreatedAt.Before(steps[j].CreatedAt) })

	for i := range steps {
		step := steps[i]
		st := d.State()
		if len(st.ActiveWork) >= d.cfg.Concurrency.MaxTotal {
			return
		}

		info, err := d.engine.GetSourceBeadInfo(step.ID)
		if err != nil {
			log.ErrorErr(log.CatDispatch, "failed to resolve step source", err, "step", step.ID)
			continue
		}
		if _, active := st.ActiveWork[info.BeadID]; active {
			continue
		}
		if st.ActiveForProject(info.Project) >= d.cfg.Concurrency.MaxPerProject {
			continue
		}

		if err := d.engine.MarkStepInProgress(step.ID); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to mark step in progress", err, "step", step.ID)
			continue
		}

		work := state.ActiveWork{
			Project:   info.Project,
			SourceID:  info.BeadID,
			EpicID:    step.Parent,
			StepID:    step.ID,
			Agent:     workflow.StepAgent(&step),
			StartedAt: time.Now().UTC(),
		}
		d.updateState(func(s state.State) state.State { return s.WithActiveWork(work) })
		d.launch(work)
	}
}

// startNewWork polls project trackers for ready issues and starts the
// highest-priority one that has no workflow yet. One item per tick.
func (d *Dispatcher) startNewWork() {
	st := d.State()
	if len(st.ActiveWork) >= d.cfg.Concurrency.MaxTotal {
		return
	}

	type candidate struct {
		project config.Project
		issue   beads.Issue
	}
	var candidates []candidate

	for _, p := range d.cfg.Projects {
		if st.ActiveForProject(p.Name) >= d.cfg.Concurrency.MaxPerProject {
			continue
		}

		ready, err := d.exec.Ready(p.RepoPath)
		if err != nil {
			log.ErrorErr(log.CatDispatch, "failed to poll project tracker", err, "project", p.Name)
			continue
		}

		for _, iss := range ready {
			if _, active := st.ActiveWork[iss.ID]; active {
				continue
			}
			epic, err := d.engine.GetWorkflowForSource(p.Name, iss.ID)
			if err != nil {
				log.ErrorErr(log.CatDispatch, "failed to check for existing workflow", err, "source", iss.ID)
				continue
			}
			if epic != nil {
				if d.repairSteplessEpic(p, iss, epic) {
					return
				}
				continue
			}
			candidates = append(candidates, candidate{project: p, issue: iss})
		}
	}
	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].issue.Priority != candidates[j].issue.Priority {
			return candidates[i].issue.Priority < candidates[j].issue.Priority
		}
		return candidates[i].issue.CreatedAt.Before(candidates[j].issue.CreatedAt)
	})
	pick := candidates[0]

	firstAgent := d.engine.GetFirstAgent(pick.issue)
	epicID, stepID, err := d.engine.StartWorkflow(pick.project.Name, pick.issue, firstAgent)
	if err != nil {
		log.ErrorErr(log.CatDispatch, "failed to start workflow", err, "project", pick.project.Name, "source", pick.issue.ID)
		return
	}
	if err := d.engine.MarkStepInProgress(stepID); err != nil {
		log.ErrorErr(log.CatDispatch, "failed to mark first step in progress", err, "step", stepID)
	}

	work := state.ActiveWork{
		Project:   pick.project.Name,
		SourceID:  pick.issue.ID,
		EpicID:    epicID,
		StepID:    stepID,
		Agent:     firstAgent,
		StartedAt: time.Now().UTC(),
	}
	d.updateState(func(s state.State) state.State { return s.WithActiveWork(work) })
	log.Info(log.CatDispatch, "workflow started", "project", work.Project, "source", work.SourceID, "epic", epicID, "agent", firstAgent)
	d.launch(work)
}

// repairSteplessEpic reuses an epic left without a first step by a crash
// between the two StartWorkflow writes. A repaired epic takes the tick's
// new-work slot; returns false when the epic needs no repair.
func (d *Dispatcher) repairSteplessEpic(p config.Project, iss beads.Issue, epic *beads.Issue) bool {
	if epic.Status == beads.StatusClosed {
		return false
	}
	hasSteps, err := d.engine.HasSteps(epic.ID)
	if err != nil {
		log.ErrorErr(log.CatDispatch, "failed to inspect workflow steps", err, "epic", epic.ID)
		return false
	}
	if hasSteps {
		return false
	}

	log.Warn(log.CatDispatch, "workflow epic has no steps, repairing", "epic", epic.ID, "source", iss.ID)
	firstAgent := d.engine.GetFirstAgent(iss)
	stepID, err := d.engine.CreateNextStep(epic.ID, firstAgent, iss.Description, workflow.StepOptions{})
	if err != nil {
		log.ErrorErr(log.CatDispatch, "failed to repair workflow", err, "epic", epic.ID)
		return false
	}
	if err := d.engine.MarkStepInProgress(stepID); err != nil {
		log.ErrorErr(log.CatDispatch, "failed to mark repaired step in progress", err, "step", stepID)
	}

	work := state.ActiveWork{
		Project:   p.Name,
		SourceID:  iss.ID,
		EpicID:    epic.ID,
		StepID:    stepID,
		Agent:     firstAgent,
		StartedAt: time.Now().UTC(),
	}
	d.updateState(func(s state.State) state.State { return s.WithActiveWork(work) })
	d.launch(work)
	return true
}

// retryStalledWork relaunches active-work entries that have no running
// agent: rate-limit leftovers after a resume, or work restored from a
// previous process.
func (d *Dispatcher) retryStalledWork() {
	d.mu.Lock()
	var stalled []state.ActiveWork
	for id, work := range d.st.ActiveWork {
		if _, running := d.runningAgents[id]; !running {
			stalled = append(stalled, work)
		}
	}
	d.mu.Unlock()

	for _, work := range stalled {
		log.Info(log.CatDispatch, "relaunching stalled work", "project", work.Project, "source", work.SourceID)
		d.launch(work)
	}
}

// launch runs one step in a goroutine tracked in runningAgents.
func (d *Dispatcher) launch(work state.ActiveWork) {
	d.mu.Lock()
	if _, running := d.runningAgents[work.SourceID]; running {
		d.mu.Unlock()
		return
	}
	d.runningAgents[work.SourceID] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.runningAgents, work.SourceID)
			d.mu.Unlock()
		}()
		d.runStep(work)
	}()
}

// runStep executes one agent turn: ensure the worktree, run the agent under
// safety hooks, resolve the handoff, progress the workflow.
func (d *Dispatcher) runStep(work state.ActiveWork) {
	ctx, span := d.span(d.runCtx, "agent run")
	defer span.End()

	proj := d.cfg.Project(work.Project)
	if proj == nil {
		d.blockWorkflow(work, fmt.Errorf("unknown project %q", work.Project))
		return
	}

	branch := worktree.BranchFor(work.SourceID)
	path, err := d.trees.Ensure(proj.RepoPath, branch, proj.BaseBranch)
	if err != nil {
		d.blockWorkflow(work, fmt.Errorf("failed to create worktree: %w", err))
		return
	}
	work.Worktree = path
	d.updateState(func(s state.State) state.State { return s.WithActiveWork(work) })

	prompt := d.buildPrompt(proj, work)
	opts := agent.RunOptions{
		Prompt:       prompt,
		Dir:          path,
		SystemPrompt: d.rolePrompt(proj, work.Agent),
		Hooks:        safety.AgentHooks(path),
		OnOutput: func(text string) {
			log.Debug(log.CatAgent, "agent output", "source", work.SourceID, "text", handoff.Tail(text, 200))
		},
	}

	d.notifier.NotifyProgress(work, work.Agent, "agent started")
	result := d.runner.Run(ctx, opts)
	work.SessionID = result.SessionID
	d.handleResult(ctx, work, result)
}

// buildPrompt composes the agent prompt from the source issue and the
// accumulated workflow context.
func (d *Dispatcher) buildPrompt(proj *config.Project, work state.ActiveWork) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent working on issue %s in project %s.\n\n", work.Agent, work.SourceID, work.Project)

	if src, err := d.exec.Show(proj.RepoPath, work.SourceID); err == nil {
		fmt.Fprintf(&b, "# %s\n\n%s\n\n", src.Title, src.Description)
	} else {
		log.Warn(log.CatDispatch, "failed to load source issue for prompt", "source", work.SourceID, "error", err.Error())
	}

	if wfCtx, err := d.engine.GetWorkflowContext(work.StepID); err == nil && wfCtx != "" {
		fmt.Fprintf(&b, "# Prior agent context\n\n%s\n\n", wfCtx)
	}

	b.WriteString("When your work is complete, declare a handoff: write " + handoff.FileName +
		" in the working directory or print a YAML block with next_agent and context fields.\n")
	return b.String()
}

// rolePrompt loads the role definition file for an agent, empty when the
// project does not ship one.
func (d *Dispatcher) rolePrompt(proj *config.Project, agentName string) string {
	if agentName == "" {
		return ""
	}
	path := filepath.Join(proj.RepoPath, proj.AgentsPath, agentName+".md")
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from operator config
	if err != nil {
		log.Debug(log.CatDispatch, "no role definition file", "path", path)
		return ""
	}
	return string(data)
}

// handleResult routes a finished agent run: question, rate limit, auth
// failure, plain error, or handoff resolution.
func (d *Dispatcher) handleResult(ctx context.Context, work state.ActiveWork, result agent.RunResult) {
	if result.PendingQuestion != nil {
		d.fileQuestion(work, result)
		return
	}
	if result.IsRateLimited {
		d.pauseForRateLimit(work, result)
		return
	}
	if result.IsAuthError {
		d.recordMetrics(work, result, "auth_error")
		d.blockWorkflow(work, fmt.Errorf("agent authentication failed: %w", result.Err))
		return
	}
	if result.Err != nil {
		d.recordMetrics(work, result, "error")
		d.blockWorkflow(work, result.Err)
		return
	}

	h := d.resolver.Resolve(ctx, work.Worktree, result)
	d.recordMetrics(work, result, h.NextAgent)
	d.progress(work, h)
}

// pauseForRateLimit pauses the dispatcher and leaves the active-work entry
// in place so the step is retried after resume.
func (d *Dispatcher) pauseForRateLimit(work state.ActiveWork, result agent.RunResult) {
	msg := "provider rate limit"
	if result.Err != nil {
		msg = result.Err.Error()
	}
	log.Warn(log.CatDispatch, "rate limited, pausing dispatcher", "project", work.Project, "source", work.SourceID, "msg", msg)
	d.updateState(func(s state.State) state.State { return s.WithPaused(true) })
	d.notifier.NotifyRateLimit(msg)
}

// blockWorkflow closes the step and epic with the error and routes the item
// to a human.
func (d *Dispatcher) blockWorkflow(work state.ActiveWork, cause error) {
	log.ErrorErr(log.CatDispatch, "blocking workflow", cause, "project", work.Project, "source", work.SourceID, "epic", work.EpicID)

	if work.StepID != "" {
		if err := d.engine.CompleteStep(work.StepID, "error: "+cause.Error()); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to close step", err, "step", work.StepID)
		}
	}
	if err := d.engine.CompleteWorkflow(work.EpicID, workflow.OutcomeBlocked, cause.Error()); err != nil {
		log.ErrorErr(log.CatDispatch, "failed to block workflow", err, "epic", work.EpicID)
	}

	d.removeActiveWork(work.SourceID)
	d.notifier.NotifyError(work, cause)
}

// progress applies a resolved handoff: terminal outcomes close the
// workflow, otherwise the next step is created and picked up on a later
// tick.
func (d *Dispatcher) progress(work state.ActiveWork, h *handoff.Handoff) {
	switch h.NextAgent {
	case handoff.AgentDone:
		if err := d.engine.CompleteStep(work.StepID, h.Context); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to close step", err, "step", work.StepID)
		}
		if err := d.engine.CompleteWorkflow(work.EpicID, workflow.OutcomeDone, h.Context); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to close workflow", err, "epic", work.EpicID)
		}

		if proj := d.cfg.Project(work.Project); proj != nil {
			if err := d.exec.Close(proj.RepoPath, work.SourceID, sourceCloseReason); err != nil {
				log.ErrorErr(log.CatDispatch, "failed to close source issue", err, "source", work.SourceID)
			}
			// Best-effort, never forced: a worktree with uncommitted agent
			// work stays behind and surfaces in doctor.
			if err := d.trees.Remove(proj.RepoPath, worktree.BranchFor(work.SourceID), false); err != nil {
				log.Warn(log.CatWorktree, "failed to remove worktree", "source", work.SourceID, "error", err.Error())
			}
		}

		d.removeActiveWork(work.SourceID)
		d.notifier.NotifyComplete(work, workflow.OutcomeDone)

	case handoff.AgentBlocked:
		if err := d.engine.CompleteStep(work.StepID, h.Context); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to close step", err, "step", work.StepID)
		}
		if err := d.engine.CompleteWorkflow(work.EpicID, workflow.OutcomeBlocked, h.Context); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to block workflow", err, "epic", work.EpicID)
		}
		d.removeActiveWork(work.SourceID)
		d.notifier.NotifyComplete(work, workflow.OutcomeBlocked)

	default:
		if err := d.engine.CompleteStep(work.StepID, h.Context); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to close step", err, "step", work.StepID)
		}
		if _, err := d.engine.CreateNextStep(work.EpicID, h.NextAgent, h.Context, workflow.StepOptions{
			PRNumber: h.PRNumber,
			CIStatus: h.CIStatus,
		}); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to create next step", err, "epic", work.EpicID)
			d.blockWorkflow(work, fmt.Errorf("failed to create %s step: %w", h.NextAgent, err))
			return
		}
		log.Info(log.CatDispatch, "handoff", "project", work.Project, "source", work.SourceID, "from", work.Agent, "to", h.NextAgent)
		d.removeActiveWork(work.SourceID)
	}
}

// fileQuestion snapshots a pending agent question into a question issue and
// the persisted state, and frees the concurrency slot.
func (d *Dispatcher) fileQuestion(work state.ActiveWork, result agent.RunResult) {
	questions := make([]beads.Question, 0, len(result.PendingQuestion.Questions))
	for _, q := range result.PendingQuestion.Questions {
		questions = append(questions, beads.Question{
			Text:        q.Question,
			Header:      q.Header,
			Options:     q.Options,
			MultiSelect: q.MultiSelect,
		})
	}

	now := time.Now().UTC()
	// The tail of the agent's output is the best free-text framing of why
	// it stopped to ask.
	qContext := handoff.Tail(result.Output, 500)
	data := beads.QuestionData{
		Project:   work.Project,
		SourceID:  work.SourceID,
		EpicID:    work.EpicID,
		StepID:    work.StepID,
		Agent:     work.Agent,
		SessionID: result.SessionID,
		Worktree:  work.Worktree,
		Context:   qContext,
		Questions: questions,
		AskedAt:   now,
	}

	title := fmt.Sprintf("Question from %s on %s:%s", work.Agent, work.Project, work.SourceID)
	qID, err := beads.CreateQuestion(d.exec, d.engine.Path(), title, data)
	if err != nil {
		d.blockWorkflow(work, fmt.Errorf("failed to file agent question: %w", err))
		return
	}

	pq := state.PendingQuestion{
		QuestionID: qID,
		Project:    work.Project,
		SourceID:   work.SourceID,
		EpicID:     work.EpicID,
		StepID:     work.StepID,
		SessionID:  result.SessionID,
		Worktree:   work.Worktree,
		Context:    qContext,
		Questions:  questions,
		AskedAt:    now,
	}
	d.updateState(func(s state.State) state.State {
		return s.WithPendingQuestion(pq).WithoutActiveWork(work.SourceID)
	})

	log.Info(log.CatDispatch, "agent question filed", "question", qID, "project", work.Project, "source", work.SourceID)
	d.notifier.NotifyQuestion(pq)
}

// processAnsweredQuestions resumes paused sessions with their answers,
// oldest first. Failures never abort the tick.
func (d *Dispatcher) processAnsweredQuestions(ctx context.Context) {
	st := d.State()
	if len(st.AnsweredQuestions) == 0 {
		return
	}

	answered := make([]state.AnsweredQuestion, 0, len(st.AnsweredQuestions))
	for _, aq := range st.AnsweredQuestions {
		answered = append(answered, aq)
	}
	sort.Slice(answered, func(i, j int) bool { return answered[i].AnsweredAt.Before(answered[j].AnsweredAt) })

	for _, aq := range answered {
		d.resumeAnswered(ctx, aq)
	}
}

// resumeAnswered feeds one human answer back to its paused agent session.
// The step is marked in-progress first so a concurrent tick cannot re-pick
// it from the ready set.
func (d *Dispatcher) resumeAnswered(ctx context.Context, aq state.AnsweredQuestion) {
	log.Info(log.CatDispatch, "resuming answered question", "question", aq.QuestionID, "source", aq.SourceID)

	if err := d.engine.MarkStepInProgress(aq.StepID); err != nil {
		log.ErrorErr(log.CatDispatch, "failed to mark step in progress before resume", err, "step", aq.StepID)
	}

	work := state.ActiveWork{
		Project:   aq.Project,
		SourceID:  aq.SourceID,
		EpicID:    aq.EpicID,
		StepID:    aq.StepID,
		Agent:     d.stepAgent(aq.StepID),
		Worktree:  aq.Worktree,
		SessionID: aq.SessionID,
		StartedAt: time.Now().UTC(),
	}

	opts := agent.RunOptions{
		Dir:   aq.Worktree,
		Hooks: safety.AgentHooks(aq.Worktree),
	}
	result := d.runner.ResumeWithAnswer(ctx, aq.SessionID, aq.Answer, opts)
	if result.SessionID != "" {
		work.SessionID = result.SessionID
	}

	d.updateState(func(s state.State) state.State { return s.WithoutAnsweredQuestion(aq.QuestionID) })
	d.handleResult(ctx, work, result)
}

func (d *Dispatcher) stepAgent(stepID string) string {
	step, err := d.engine.Executor().Show(d.engine.Path(), stepID)
	if err != nil {
		return ""
	}
	return workflow.StepAgent(step)
}

// recordMetrics persists the step outcome. Recording failures are
// swallowed.
func (d *Dispatcher) recordMetrics(work state.ActiveWork, result agent.RunResult, outcome string) {
	if d.metrics == nil {
		return
	}
	err := d.metrics.RecordStep(metrics.StepMetric{
		Project:    work.Project,
		SourceID:   work.SourceID,
		EpicID:     work.EpicID,
		StepID:     work.StepID,
		Agent:      work.Agent,
		Outcome:    outcome,
		CostUSD:    result.CostUSD,
		Turns:      result.Turns,
		DurationMS: result.DurationMS,
		SessionID:  result.SessionID,
	})
	if err != nil {
		log.Warn(log.CatMetrics, "failed to record step metric", "source", work.SourceID, "error", err.Error())
	}
}

// removeActiveWork drops the registry entry and persists. Removing an
// absent entry is a no-op.
func (d *Dispatcher) removeActiveWork(sourceID string) {
	d.updateState(func(s state.State) state.State { return s.WithoutActiveWork(sourceID) })
}
