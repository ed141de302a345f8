package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/whs-run/whs/internal/metrics"
	"github.com/whs-run/whs/internal/state"
)

var statusSince time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dispatcher state",
	Long: `Prints the paused flag, active work, pending questions, and cost
totals from the persisted state. Read-only; works whether or not a
dispatcher is running.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusSince, "since", 24*time.Hour, "window for cost totals")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := state.NewStore(state.PathFor(cfg.OrchestratorPath))
	st, err := store.Load()
	if err != nil {
		return err
	}

	lock := state.NewLock(state.LockPathFor(cfg.OrchestratorPath))
	if holder, err := lock.Holder(); err == nil && holder != nil && !lock.IsStale() {
		fmt.Printf("dispatcher: running (pid %d since %s)\n", holder.PID, holder.StartedAt.Format(time.RFC3339))
	} else {
		fmt.Println("dispatcher: not running")
	}
	if st.Paused {
		fmt.Println("state: PAUSED")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Printf("\nactive work (%d):\n", len(st.ActiveWork))
	for _, work := range st.ActiveWork {
		fmt.Fprintf(w, "  %s\t%s\t%s\tsince %s\n", work.Project, work.SourceID, work.Agent, work.StartedAt.Format(time.Kitchen))
	}
	_ = w.Flush()

	fmt.Printf("\npending questions (%d):\n", len(st.PendingQuestions))
	for _, q := range st.PendingQuestions {
		fmt.Fprintf(w, "  %s\t%s\t%s\tasked %s\n", q.QuestionID, q.Project, q.SourceID, q.AskedAt.Format(time.Kitchen))
	}
	_ = w.Flush()

	printTotals(cfg.OrchestratorPath)
	return nil
}

// printTotals shows cost roll-ups when a metrics database exists. Missing
// or broken metrics never fail the status command.
func printTotals(orchestratorPath string) {
	path := metrics.PathFor(orchestratorPath)
	if _, err := os.Stat(path); err != nil {
		return
	}

	store, err := metrics.NewStore(path)
	if err != nil {
		return
	}
	defer func() { _ = store.Close() }()

	totals, err := store.Totals(time.Now().Add(-statusSince))
	if err != nil {
		return
	}

	fmt.Printf("\nlast %s: %d agent runs, $%.2f\n", statusSince, totals.Steps, totals.CostUSD)
	for project, cost := range totals.ByProject {
		fmt.Printf("  %s\t$%.2f\n", project, cost)
	}
}
