// Package dispatcher runs the overnight scheduler: it polls project
// trackers for ready work, walks each item through its agent chain via the
// workflow engine, and persists progress after every mutation. The tick
// body is single-threaded; agent runs execute in parallel goroutines
// tracked in a registry guarded by one mutex.
package dispatcher

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/whs-run/whs/internal/agent"
	"github.com/whs-run/whs/internal/beads"
	"github.com/whs-run/whs/internal/config"
	"github.com/whs-run/whs/internal/handoff"
	"github.com/whs-run/whs/internal/log"
	"github.com/whs-run/whs/internal/metrics"
	"github.com/whs-run/whs/internal/notify"
	"github.com/whs-run/whs/internal/state"
	"github.com/whs-run/whs/internal/tracing"
	"github.com/whs-run/whs/internal/watcher"
	"github.com/whs-run/whs/internal/workflow"
	"github.com/whs-run/whs/internal/worktree"
)

// shutdownTimeout bounds the graceful wait for running agents. A second
// shutdown request forces immediate stop.
const shutdownTimeout = 5 * time.Minute

// healthIntervalSeconds spaces daemon health checks (~5 minutes).
const healthIntervalSeconds = 300

// Options wires the dispatcher's collaborators.
type Options struct {
	Config    *config.Config
	Executor  beads.Executor
	Engine    *workflow.Engine
	Worktrees worktree.Provider
	Runner    agent.Runner
	Resolver  *handoff.Resolver
	Store     *state.Store
	Notifier  notify.Notifier
	Metrics   *metrics.Store
	Tracing   *tracing.Provider
	Watcher   *watcher.Watcher
}

// Dispatcher owns the tick loop and the persisted state.
type Dispatcher struct {
	cfg      *config.Config
	exec     beads.Executor
	engine   *workflow.Engine
	trees    worktree.Provider
	runner   agent.Runner
	resolver *handoff.Resolver
	store    *state.Store
	notifier notify.Notifier
	metrics  *metrics.Store
	tracer   *tracing.Provider
	watcher  *watcher.Watcher

	mu            sync.Mutex
	st            state.State
	runningAgents map[string]struct{}
	shuttingDown  bool

	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	forceOnce sync.Once
	forceCh   chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc

	ticks       int
	healthTicks int
}

// New creates a dispatcher and loads the persisted state.
func New(opts Options) (*Dispatcher, error) {
	st, err := opts.Store.Load()
	if err != nil {
		return nil, err
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = handoff.NewResolver(opts.Runner)
	}

	healthTicks := healthIntervalSeconds / opts.Config.TickSeconds
	if healthTicks < 1 {
		healthTicks = 1
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:           opts.Config,
		exec:          opts.Executor,
		engine:        opts.Engine,
		trees:         opts.Worktrees,
		runner:        opts.Runner,
		resolver:      resolver,
		store:         opts.Store,
		notifier:      notifier,
		metrics:       opts.Metrics,
		tracer:        opts.Tracing,
		watcher:       opts.Watcher,
		st:            st,
		runningAgents: make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		forceCh:       make(chan struct{}),
		runCtx:        runCtx,
		cancelRun:     cancel,
		healthTicks:   healthTicks,
	}, nil
}

// State returns a snapshot of the current state.
func (d *Dispatcher) State() state.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st
}

// updateState applies a pure state transition and persists the result.
// The answer CLI writes the same file from another process, so the on-disk
// answered queue is folded in before every save; a stale snapshot would
// otherwise overwrite an operator's answer. Save failures are logged; the
// in-memory state is authoritative until the next successful write.
func (d *Dispatcher) updateState(fn func(state.State) state.State) state.State {
	loaded, loadErr := d.store.Load()

	d.mu.Lock()
	if loadErr == nil {
		d.foldAnswersLocked(loaded)
	}
	d.st = fn(d.st)
	snapshot := d.st
	d.mu.Unlock()

	if err := d.store.Save(snapshot); err != nil {
		log.ErrorErr(log.CatDispatch, "failed to persist state", err)
	}
	return snapshot
}

// Pause stops new work from starting. Running agents are left alone.
func (d *Dispatcher) Pause() {
	d.updateState(func(s state.State) state.State { return s.WithPaused(true) })
	log.Info(log.CatDispatch, "dispatcher paused")
}

// Resume re-enables dispatch.
func (d *Dispatcher) Resume() {
	d.updateState(func(s state.State) state.State { return s.WithPaused(false) })
	log.Info(log.CatDispatch, "dispatcher resumed")
}

// RequestShutdown begins a graceful shutdown: no new work starts and Run
// waits for in-flight agents up to shutdownTimeout. A second call forces
// immediate stop by cancelling running agents.
func (d *Dispatcher) RequestShutdown() {
	d.mu.Lock()
	already := d.shuttingDown
	d.shuttingDown = true
	d.mu.Unlock()

	if already {
		log.Warn(log.CatDispatch, "second shutdown request, forcing stop")
		d.forceOnce.Do(func() { close(d.forceCh) })
		return
	}

	log.Info(log.CatDispatch, "shutdown requested, waiting for running agents")
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Stop is an alias for RequestShutdown.
func (d *Dispatcher) Stop() { d.RequestShutdown() }

func (d *Dispatcher) isShuttingDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shuttingDown
}

// WatchSignals installs the operator signal handlers: SIGINT/SIGTERM for
// shutdown (twice forces), SIGUSR1 to pause, SIGUSR2 to resume.
func (d *Dispatcher) WatchSignals(ctx context.Context) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				switch sig {
				case os.Interrupt, syscall.SIGTERM:
					d.RequestShutdown()
				case syscall.SIGUSR1:
					d.Pause()
				case syscall.SIGUSR2:
					d.Resume()
				}
			}
		}
	}()
}

// Run executes the tick loop until shutdown is requested or ctx is
// cancelled, then drains running agents.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.watcher != nil {
		go d.watcher.Run(ctx)
	}

	interval := time.Duration(d.cfg.TickSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if d.watcher != nil {
		wake = d.watcher.Events()
	}

	log.Info(log.CatDispatch, "dispatcher started", "tick_seconds", d.cfg.TickSeconds, "projects", len(d.cfg.Projects))

	for {
		d.Tick(ctx)

		select {
		case <-ctx.Done():
			return d.drain()
		case <-d.stopCh:
			return d.drain()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// drain waits for running agents within shutdownTimeout, then saves state.
func (d *Dispatcher) drain() error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Warn(log.CatDispatch, "shutdown timeout reached, cancelling running agents")
		d.cancelRun()
		<-done
	case <-d.forceCh:
		d.cancelRun()
		<-done
	}

	snapshot := d.State()
	if err := d.store.Save(snapshot); err != nil {
		log.ErrorErr(log.CatDispatch, "failed to save state on shutdown", err)
	}
	log.Info(log.CatDispatch, "dispatcher stopped", "active", len(snapshot.ActiveWork))
	return nil
}

// Tick runs one scheduler pass. Every step is best-effort: failures are
// logged and the tick continues.
func (d *Dispatcher) Tick(ctx context.Context) {
	ctx, span := d.span(ctx, "tick")
	defer span.End()

	d.ticks++

	d.syncAnswers()
	d.processAnsweredQuestions(ctx)

	if d.isShuttingDown() {
		return
	}

	if !d.State().Paused {
		d.dispatchReadySteps()
		d.retryStalledWork()
		d.startNewWork()
	}

	if d.ticks%d.healthTicks == 0 {
		d.checkDaemonHealth()
	}
}

// syncAnswers folds in answers the answer CLI recorded on disk since the
// last tick, then reconciles pending questions against the tracker. The
// in-memory state stays authoritative for everything else.
func (d *Dispatcher) syncAnswers() {
	loaded, err := d.store.Load()
	if err != nil {
		log.ErrorErr(log.CatDispatch, "failed to reload state", err)
	} else {
		d.mu.Lock()
		d.foldAnswersLocked(loaded)
		d.mu.Unlock()
	}

	d.reconcileAnswers()
}

// foldAnswersLocked merges answers another process wrote to disk into the
// in-memory state. Caller holds d.mu.
func (d *Dispatcher) foldAnswersLocked(loaded state.State) {
	for id, aq := range loaded.AnsweredQuestions {
		if _, seen := d.st.AnsweredQuestions[id]; seen {
			continue
		}
		log.Info(log.CatDispatch, "answer received", "question", id, "source", aq.SourceID)
		d.st = d.st.WithAnsweredQuestion(aq)
	}
}

// reconcileAnswers recovers answers recorded only in the tracker: a pending
// question whose issue was closed with an answer comment (answered with bd
// directly, or a lost state write) joins the answered queue.
func (d *Dispatcher) reconcileAnswers() {
	st := d.State()
	if len(st.PendingQuestions) == 0 {
		return
	}

	open, err := beads.ListPendingQuestions(d.exec, d.engine.Path())
	if err != nil {
		log.ErrorErr(log.CatDispatch, "failed to list question issues", err)
		return
	}
	stillOpen := make(map[string]bool, len(open))
	for _, iss := range open {
		stillOpen[iss.ID] = true
	}

	for id, pq := range st.PendingQuestions {
		if stillOpen[id] {
			continue
		}
		answer, err := beads.LatestAnswer(d.exec, d.engine.Path(), id)
		if err != nil {
			log.ErrorErr(log.CatDispatch, "failed to read answer comment", err, "question", id)
			continue
		}
		if answer == "" {
			log.Warn(log.CatDispatch, "question closed without an answer", "question", id, "source", pq.SourceID)
			continue
		}
		log.Info(log.CatDispatch, "answer recovered from tracker", "question", id, "source", pq.SourceID)
		aq := state.AnsweredQuestion{
			PendingQuestion: pq,
			Answer:          answer,
			AnsweredAt:      time.Now().UTC(),
		}
		d.updateState(func(s state.State) state.State { return s.WithAnsweredQuestion(aq) })
	}
}

// checkDaemonHealth restarts tracker daemons that went away.
func (d *Dispatcher) checkDaemonHealth() {
	syncBranch := d.cfg.SyncBranchOrDefault()

	paths := []string{d.cfg.OrchestratorPath}
	for _, p := range d.cfg.Projects {
		paths = append(paths, p.RepoPath)
	}
	for _, path := range paths {
		if d.exec.IsDaemonRunning(path) {
			continue
		}
		log.Warn(log.CatDispatch, "tracker daemon down, restarting", "path", path)
		if err := d.exec.EnsureDaemonWithSyncBranch(path, syncBranch); err != nil {
			log.ErrorErr(log.CatDispatch, "failed to restart tracker daemon", err, "path", path)
		}
	}
}

// span starts a tracing span when tracing is configured, otherwise a noop.
func (d *Dispatcher) span(ctx context.Context, name string) (context.Context, trace.Span) {
	if d.tracer != nil {
		return d.tracer.Tracer().Start(ctx, name)
	}
	return ctx, trace.SpanFromContext(ctx)
}
