package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whs-run/whs/internal/agent"
	"github.com/whs-run/whs/internal/beads"
	"github.com/whs-run/whs/internal/config"
	"github.com/whs-run/whs/internal/state"
	"github.com/whs-run/whs/internal/workflow"
	"github.com/whs-run/whs/internal/worktree"
)

type recordingNotifier struct {
	mu         sync.Mutex
	completes  []string
	errors     []error
	questions  []state.PendingQuestion
	rateLimits []string
}

func (r *recordingNotifier) NotifyProgress(state.ActiveWork, string, string) {}

func (r *recordingNotifier) NotifyQuestion(q state.PendingQuestion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions = append(r.questions, q)
}

func (r *recordingNotifier) NotifyComplete(_ state.ActiveWork, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, outcome)
}

func (r *recordingNotifier) NotifyError(_ state.ActiveWork, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recordingNotifier) NotifyRateLimit(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimits = append(r.rateLimits, msg)
}

type fix struct {
	cfg      *config.Config
	exec     *beads.MockExecutor
	engine   *workflow.Engine
	trees    *worktree.MockProvider
	runner   *agent.MockRunner
	store    *state.Store
	notifier *recordingNotifier
	d        *Dispatcher
	orch     string
	repo     string
}

func newFix(t *testing.T) *fix {
	t.Helper()
	orch := t.TempDir()
	repo := t.TempDir()

	f := &fix{
		cfg: &config.Config{
			OrchestratorPath: orch,
			Projects:         []config.Project{{Name: "api", RepoPath: repo, BaseBranch: "main", AgentsPath: "docs/llm/agents"}},
			Concurrency:      config.Concurrency{MaxTotal: 3, MaxPerProject: 1},
			TickSeconds:      5,
		},
		exec:     beads.NewMockExecutor(),
		trees:    worktree.NewMockProvider(),
		runner:   agent.NewMockRunner(),
		store:    state.NewStore(state.PathFor(orch)),
		notifier: &recordingNotifier{},
		orch:     orch,
		repo:     repo,
	}
	f.engine = workflow.NewEngine(f.exec, orch)

	d, err := New(Options{
		Config:    f.cfg,
		Executor:  f.exec,
		Engine:    f.engine,
		Worktrees: f.trees,
		Runner:    f.runner,
		Store:     f.store,
		Notifier:  f.notifier,
	})
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fix) seedTask(id, title string, priority int) {
	f.exec.Seed(f.repo, beads.Issue{
		ID:        id,
		Title:     title,
		Status:    beads.StatusOpen,
		Priority:  beads.Priority(priority),
		Type:      beads.TypeTask,
		CreatedAt: time.Now(),
	})
}

// tick runs one pass and waits for all launched agents to settle.
func (f *fix) tick(t *testing.T) {
	t.Helper()
	f.d.Tick(context.Background())
	f.d.wg.Wait()
}

func yamlHandoff(next, ctx, extra string) string {
	return fmt.Sprintf("work log...\n```yaml\nnext_agent: %s\ncontext: %s\n%s```\n", next, ctx, extra)
}

func TestNewTaskToDone(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    yamlHandoff("DONE", "merged", "pr_number: 42\nci_status: passed\n"),
		CostUSD:   0.5,
		Turns:     12,
	})

	f.tick(t)

	// Epic whs-1, step whs-2.
	epic, ok := f.exec.Get(f.orch, "whs-1")
	require.True(t, ok)
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.Contains(t, epic.Title, "api:bd-123")
	assert.False(t, epic.HasLabel(workflow.LabelBlockedHuman))

	step, ok := f.exec.Get(f.orch, "whs-2")
	require.True(t, ok)
	assert.Equal(t, beads.StatusClosed, step.Status)

	src, ok := f.exec.Get(f.repo, "bd-123")
	require.True(t, ok)
	assert.Equal(t, beads.StatusClosed, src.Status)

	assert.Contains(t, f.trees.Removed, "bd-123")
	assert.Equal(t, []string{"done"}, f.notifier.completes)
	assert.Empty(t, f.d.State().ActiveWork)
}

func TestMultiStepHandoff(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    yamlHandoff("quality_review", "PR 42", "pr_number: 42\nci_status: pending\n"),
	})

	f.tick(t)

	step1, ok := f.exec.Get(f.orch, "whs-2")
	require.True(t, ok)
	assert.Equal(t, beads.StatusClosed, step1.Status)

	step2, ok := f.exec.Get(f.orch, "whs-3")
	require.True(t, ok)
	assert.Equal(t, "quality_review", step2.Title)
	assert.True(t, step2.HasLabel("agent:quality_review"))
	assert.True(t, step2.HasLabel("pr:42"))
	assert.True(t, step2.HasLabel("ci:pending"))
	assert.Equal(t, "whs-1", step2.Parent)
	assert.Contains(t, step2.BlockerIDs(), "whs-2")
	assert.Empty(t, f.d.State().ActiveWork)

	// Next tick picks up the review step.
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-2",
		Output:    yamlHandoff("DONE", "approved", ""),
	})
	f.tick(t)

	epic, _ := f.exec.Get(f.orch, "whs-1")
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.Equal(t, []string{"done"}, f.notifier.completes)
}

func TestPendingQuestion(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		PendingQuestion: &agent.QuestionRequest{
			Questions: []agent.QuestionItem{{Question: "JWT or sessions?", Options: []string{"JWT", "sessions"}}},
		},
	})

	f.tick(t)

	// Question whs-3 is a child of step whs-2 and blocks it.
	q, ok := f.exec.Get(f.orch, "whs-3")
	require.True(t, ok)
	assert.True(t, q.HasLabel(beads.LabelQuestion))
	assert.Equal(t, "whs-2", q.Parent)

	data, err := beads.ParseQuestionData(q.Description)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", data.SessionID)
	assert.Equal(t, "bd-123", data.SourceID)
	assert.Equal(t, "whs-1", data.EpicID)
	assert.Equal(t, "whs-2", data.StepID)

	step, _ := f.exec.Get(f.orch, "whs-2")
	assert.Contains(t, step.BlockerIDs(), "whs-3")

	st := f.d.State()
	assert.Empty(t, st.ActiveWork)
	require.Len(t, st.PendingQuestions, 1)
	require.Len(t, f.notifier.questions, 1)
	assert.Equal(t, "whs-3", f.notifier.questions[0].QuestionID)

	// Transports see the question itself, not just ids.
	require.Len(t, f.notifier.questions[0].Questions, 1)
	assert.Equal(t, "JWT or sessions?", f.notifier.questions[0].Questions[0].Text)
	assert.Equal(t, []string{"JWT", "sessions"}, f.notifier.questions[0].Questions[0].Options)
}

func TestAnswerResumesStep(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		PendingQuestion: &agent.QuestionRequest{
			Questions: []agent.QuestionItem{{Question: "JWT or sessions?"}},
		},
	})
	f.tick(t)

	// Emulate `whs answer`: record in the state file and close the issue.
	onDisk, err := f.store.Load()
	require.NoError(t, err)
	answered, ok := onDisk.WithAnswer("whs-3", "Use JWT")
	require.True(t, ok)
	require.NoError(t, f.store.Save(answered))
	require.NoError(t, beads.AnswerQuestion(f.exec, f.orch, "whs-3", "Use JWT"))

	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    yamlHandoff("DONE", "auth shipped", ""),
	})
	f.tick(t)

	require.Len(t, f.runner.Resumes, 1)
	assert.Equal(t, [2]string{"sess-1", "Use JWT"}, f.runner.Resumes[0])

	epic, _ := f.exec.Get(f.orch, "whs-1")
	assert.Equal(t, beads.StatusClosed, epic.Status)

	st := f.d.State()
	assert.Empty(t, st.PendingQuestions)
	assert.Empty(t, st.AnsweredQuestions)
	assert.Empty(t, st.ActiveWork)
}

func TestAnswerSurvivesConcurrentStateSave(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		PendingQuestion: &agent.QuestionRequest{
			Questions: []agent.QuestionItem{{Question: "JWT or sessions?"}},
		},
	})
	f.tick(t)

	// The answer CLI writes the shared state file from its own process.
	onDisk, err := f.store.Load()
	require.NoError(t, err)
	answered, ok := onDisk.WithAnswer("whs-3", "Use JWT")
	require.True(t, ok)
	require.NoError(t, f.store.Save(answered))
	require.NoError(t, beads.AnswerQuestion(f.exec, f.orch, "whs-3", "Use JWT"))

	// A dispatcher mutation lands before the next tick. Its save must not
	// clobber the answer with the stale in-memory snapshot.
	f.d.updateState(func(s state.State) state.State { return s.WithPaused(true) })

	reloaded, err := f.store.Load()
	require.NoError(t, err)
	require.Contains(t, reloaded.AnsweredQuestions, "whs-3")

	f.d.Resume()
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    yamlHandoff("DONE", "auth shipped", ""),
	})
	f.tick(t)

	require.Len(t, f.runner.Resumes, 1)
	assert.Equal(t, [2]string{"sess-1", "Use JWT"}, f.runner.Resumes[0])
	assert.Empty(t, f.d.State().AnsweredQuestions)
}

func TestAnswerRecoveredFromTracker(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		PendingQuestion: &agent.QuestionRequest{
			Questions: []agent.QuestionItem{{Question: "JWT or sessions?"}},
		},
	})
	f.tick(t)

	// Answered straight in the tracker, no state-file write at all.
	require.NoError(t, beads.AnswerQuestion(f.exec, f.orch, "whs-3", "Use sessions"))

	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    yamlHandoff("DONE", "auth shipped", ""),
	})
	f.tick(t)

	require.Len(t, f.runner.Resumes, 1)
	assert.Equal(t, [2]string{"sess-1", "Use sessions"}, f.runner.Resumes[0])

	epic, _ := f.exec.Get(f.orch, "whs-1")
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.Empty(t, f.d.State().PendingQuestions)
}

func TestRateLimitPausesAndKeepsWork(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	f.runner.Queue(agent.RunResult{
		IsRateLimited: true,
		Err:           fmt.Errorf("claude failed: 429 too many requests"),
	})

	f.tick(t)

	st := f.d.State()
	assert.True(t, st.Paused)
	require.Len(t, st.ActiveWork, 1)
	require.Len(t, f.notifier.rateLimits, 1)
	assert.Contains(t, f.notifier.rateLimits[0], "429")

	// Paused: the next tick starts nothing and touches no agent.
	f.seedTask("bd-124", "Other task", 1)
	calls := len(f.runner.Calls)
	f.tick(t)
	assert.Len(t, f.runner.Calls, calls)

	// Resume relaunches the stalled item.
	f.d.Resume()
	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-2",
		Output:    yamlHandoff("DONE", "done after resume", ""),
	})
	f.tick(t)
	_, stillActive := f.d.State().ActiveWork["bd-123"]
	assert.False(t, stillActive)
}

func TestSteplessEpicRepaired(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)

	// A crash between the epic and first-step writes leaves an epic with
	// no children; the next pass reuses it instead of skipping forever.
	epicID, err := f.exec.Create(f.orch, beads.CreateRequest{
		Title: "api:bd-123 - Add auth",
		Type:  beads.TypeEpic,
		Labels: []string{
			workflow.LabelWorkflow,
			workflow.PrefixProject + "api",
			workflow.PrefixSource + "bd-123",
		},
	})
	require.NoError(t, err)

	f.runner.Queue(agent.RunResult{
		Success:   true,
		SessionID: "sess-1",
		Output:    yamlHandoff("DONE", "merged", ""),
	})
	f.tick(t)

	step, ok := f.exec.Get(f.orch, "whs-2")
	require.True(t, ok)
	assert.Equal(t, epicID, step.Parent)
	assert.True(t, step.HasLabel("agent:implementation"))
	assert.Equal(t, beads.StatusClosed, step.Status)

	epic, _ := f.exec.Get(f.orch, epicID)
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.False(t, epic.HasLabel(workflow.LabelBlockedHuman))
	assert.Empty(t, f.d.State().ActiveWork)
}

func TestAuthErrorBlocksWorkflow(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	f.runner.Queue(agent.RunResult{
		IsAuthError: true,
		Err:         fmt.Errorf("claude failed: invalid api key"),
	})

	f.tick(t)

	epic, _ := f.exec.Get(f.orch, "whs-1")
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.True(t, epic.HasLabel(workflow.LabelBlockedHuman))
	assert.Empty(t, f.d.State().ActiveWork)
	require.Len(t, f.notifier.errors, 1)
	assert.Contains(t, f.notifier.errors[0].Error(), "authentication")
}

func TestUnresolvableHandoffBlocks(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)
	// Run succeeds but emits no handoff; the reprompt produces nothing
	// either, so the resolver falls back to BLOCKED.
	f.runner.Queue(agent.RunResult{Success: true, SessionID: "sess-1", Output: "did some work, bye"})
	f.runner.Queue(agent.RunResult{Success: true, SessionID: "sess-1", Output: "still no handoff"})

	f.tick(t)

	epic, _ := f.exec.Get(f.orch, "whs-1")
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.True(t, epic.HasLabel(workflow.LabelBlockedHuman))
	assert.Equal(t, []string{"blocked"}, f.notifier.completes)
}

// gateRunner blocks every run until released, for concurrency tests.
type gateRunner struct {
	gate    chan struct{}
	started chan string
	result  agent.RunResult
}

func (g *gateRunner) Run(ctx context.Context, opts agent.RunOptions) agent.RunResult {
	g.started <- opts.Dir
	<-g.gate
	return g.result
}

func (g *gateRunner) ResumeWithAnswer(ctx context.Context, sessionID, answer string, opts agent.RunOptions) agent.RunResult {
	return g.result
}

func TestConcurrencyBounds(t *testing.T) {
	f := newFix(t)
	repoB := t.TempDir()
	f.cfg.Concurrency = config.Concurrency{MaxTotal: 2, MaxPerProject: 1}
	f.cfg.Projects = append(f.cfg.Projects, config.Project{Name: "web", RepoPath: repoB, BaseBranch: "main", AgentsPath: "docs/llm/agents"})

	gate := &gateRunner{
		gate:    make(chan struct{}),
		started: make(chan string, 4),
		result:  agent.RunResult{Success: true, Output: yamlHandoff("DONE", "ok", "")},
	}
	f.d.runner = gate
	f.d.resolver.Runner = nil

	f.seedTask("bd-1", "A first", 0)
	f.seedTask("bd-2", "A second", 1)
	f.exec.Seed(repoB, beads.Issue{ID: "bd-3", Title: "B first", Status: beads.StatusOpen, Priority: 2, Type: beads.TypeTask, CreatedAt: time.Now()})

	waitStart := func() string {
		select {
		case dir := <-gate.started:
			return dir
		case <-time.After(3 * time.Second):
			t.Fatal("no agent started")
			return ""
		}
	}

	// Tick 1: highest-priority item across projects (bd-1 from api).
	f.d.Tick(context.Background())
	assert.Contains(t, waitStart(), "bd-1")
	assert.Len(t, f.d.State().ActiveWork, 1)

	// Tick 2: api is at maxPerProject, so web's bd-3 starts.
	f.d.Tick(context.Background())
	assert.Contains(t, waitStart(), "bd-3")
	assert.Len(t, f.d.State().ActiveWork, 2)

	// Tick 3: maxTotal reached; nothing else starts.
	f.d.Tick(context.Background())
	select {
	case dir := <-gate.started:
		t.Fatalf("unexpected launch at capacity: %s", dir)
	case <-time.After(200 * time.Millisecond):
	}

	close(gate.gate)
	f.d.wg.Wait()
	assert.Empty(t, f.d.State().ActiveWork)
}

func TestShutdownGateSkipsDispatch(t *testing.T) {
	f := newFix(t)
	f.seedTask("bd-123", "Add auth", 1)

	f.d.RequestShutdown()
	f.tick(t)

	assert.Empty(t, f.d.State().ActiveWork)
	assert.Empty(t, f.runner.Calls)
}

func TestDaemonHealthRestart(t *testing.T) {
	f := newFix(t)
	// 300s / 5s tick = every 60 ticks.
	assert.Equal(t, 60, f.d.healthTicks)
}

func TestPromptCarriesSourceAndContext(t *testing.T) {
	f := newFix(t)
	f.exec.Seed(f.repo, beads.Issue{
		ID:          "bd-123",
		Title:       "Add auth",
		Description: "Support JWT login",
		Status:      beads.StatusOpen,
		Type:        beads.TypeTask,
		CreatedAt:   time.Now(),
	})
	f.runner.Queue(agent.RunResult{
		Success: true,
		Output:  yamlHandoff("DONE", "ok", ""),
	})

	f.tick(t)

	require.NotEmpty(t, f.runner.Calls)
	prompt := f.runner.Calls[0].Prompt
	assert.Contains(t, prompt, "Add auth")
	assert.Contains(t, prompt, "Support JWT login")
	assert.Contains(t, prompt, "implementation")
	assert.True(t, strings.Contains(prompt, ".whs-handoff.json"))
	assert.NotEmpty(t, f.runner.Calls[0].Hooks)
}
