package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/whs-run/whs/internal/beads"
	"github.com/whs-run/whs/internal/doctor"
	"github.com/whs-run/whs/internal/log"
	"github.com/whs-run/whs/internal/state"
	"github.com/whs-run/whs/internal/workflow"
	"github.com/whs-run/whs/internal/worktree"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run read-only environment diagnostics",
	Long: `Checks tracker daemons, leftover error files, blocked workflows,
pending CI, orphan worktrees, and the persisted state. Nothing is mutated.
Exits non-zero when any check fails outright.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cleanup, err := log.Init(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanup()

	exec := beads.NewBDExecutor()
	engine := workflow.NewEngine(exec, cfg.OrchestratorPath)
	store := state.NewStore(state.PathFor(cfg.OrchestratorPath))
	lock := state.NewLock(state.LockPathFor(cfg.OrchestratorPath))

	doc := doctor.New(cfg, exec, engine, worktree.NewWTProvider(), doctor.NewGHClient(), store, lock)
	results := doc.Run()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Status, r.Name, r.Message)
		for _, detail := range r.Details {
			fmt.Fprintf(w, "\t\t- %s\n", detail)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if doctor.AnyFailed(results) {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}
