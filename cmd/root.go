// Package cmd holds the whs CLI: the root command runs the dispatcher;
// doctor, answer, status, and handoff are operator and agent utilities.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/whs-run/whs/internal/agent"
	"github.com/whs-run/whs/internal/beads"
	"github.com/whs-run/whs/internal/config"
	"github.com/whs-run/whs/internal/dispatcher"
	"github.com/whs-run/whs/internal/doctor"
	"github.com/whs-run/whs/internal/log"
	"github.com/whs-run/whs/internal/metrics"
	"github.com/whs-run/whs/internal/notify"
	"github.com/whs-run/whs/internal/state"
	"github.com/whs-run/whs/internal/tracing"
	"github.com/whs-run/whs/internal/watcher"
	"github.com/whs-run/whs/internal/workflow"
	"github.com/whs-run/whs/internal/worktree"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:     "whs",
	Short:   "Overnight multi-project agent dispatcher",
	Long: `whs reads ready work from per-project issue trackers, isolates each
item in a Git worktree, and walks it through a chain of coding agents while
you sleep. Progress lives in an orchestrator tracker; questions pause the
work until a human answers.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          runDispatcher,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: walk up for .whs/config.json)")
}

// loadConfig resolves the configuration from the flag or the walk-up
// lookup.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.Load(wd)
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cleanup, err := log.Init(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanup()

	lock := state.NewLock(state.LockPathFor(cfg.OrchestratorPath))
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, state.ErrLocked) {
			fmt.Fprintf(os.Stderr, "whs: %v\n", err)
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn(log.CatDispatch, "failed to release lock", "error", err.Error())
		}
	}()

	exec := beads.NewBDExecutor()
	engine := workflow.NewEngine(exec, cfg.OrchestratorPath)
	store := state.NewStore(state.PathFor(cfg.OrchestratorPath))
	trees := worktree.NewWTProvider()

	// Preflight is warn-only: a degraded environment is reported, not
	// fatal. `whs doctor` gives the full picture.
	doc := doctor.New(cfg, exec, engine, trees, doctor.NewGHClient(), store, lock)
	for _, r := range doc.Run() {
		if r.Status != doctor.StatusPass {
			fmt.Fprintf(os.Stderr, "doctor [%s] %s: %s\n", r.Status, r.Name, r.Message)
		}
	}

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	metricsStore, err := metrics.NewStore(metrics.PathFor(cfg.OrchestratorPath))
	if err != nil {
		// Metrics are best-effort end to end.
		log.Warn(log.CatMetrics, "metrics disabled", "error", err.Error())
		metricsStore = nil
	} else {
		defer func() { _ = metricsStore.Close() }()
	}

	w, err := watcher.New(store.Path())
	if err != nil {
		log.Warn(log.CatState, "state watcher disabled", "error", err.Error())
		w = nil
	}

	d, err := dispatcher.New(dispatcher.Options{
		Config:    cfg,
		Executor:  exec,
		Engine:    engine,
		Worktrees: trees,
		Runner:    buildRunner(cfg),
		Store:     store,
		Notifier:  buildNotifier(cfg),
		Metrics:   metricsStore,
		Tracing:   tracer,
		Watcher:   w,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.WatchSignals(ctx)

	return d.Run(ctx)
}

func buildRunner(cfg *config.Config) agent.Runner {
	switch cfg.RunnerType {
	case "mock":
		return agent.NewMockRunner()
	default:
		return agent.NewClaudeRunner()
	}
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	switch cfg.Notifier {
	case "none":
		return notify.NoopNotifier{}
	default:
		return notify.LogNotifier{}
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
