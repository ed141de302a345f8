package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/whs-run/whs/internal/handoff"
)

var handoffFlags struct {
	nextAgent string
	context   string
	prNumber  int
	ciStatus  string
}

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Declare a handoff from inside an agent worktree",
	Long: `Writes ` + handoff.FileName + ` into the current directory. Agents run
this at the end of a work session to route the item to the next agent role,
or to DONE/BLOCKED.

Example:
  whs handoff --next-agent quality_review --context "PR 42 opened" --pr 42 --ci pending`,
	RunE: runHandoff,
}

func init() {
	handoffCmd.Flags().StringVar(&handoffFlags.nextAgent, "next-agent", "", "next agent role, or DONE/BLOCKED (required)")
	handoffCmd.Flags().StringVar(&handoffFlags.context, "context", "", "summary for the next agent (required)")
	handoffCmd.Flags().IntVar(&handoffFlags.prNumber, "pr", 0, "pull request number, if one exists")
	handoffCmd.Flags().StringVar(&handoffFlags.ciStatus, "ci", "", "CI status: pending, passed, or failed")
	_ = handoffCmd.MarkFlagRequired("next-agent")
	_ = handoffCmd.MarkFlagRequired("context")
	rootCmd.AddCommand(handoffCmd)
}

func runHandoff(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	h := &handoff.Handoff{
		NextAgent: handoffFlags.nextAgent,
		Context:   handoffFlags.context,
		PRNumber:  handoffFlags.prNumber,
		CIStatus:  handoffFlags.ciStatus,
	}
	if err := handoff.WriteFile(wd, h); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (next_agent: %s)\n", handoff.FileName, h.NextAgent)
	return nil
}
