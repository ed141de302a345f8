package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whs-run/whs/internal/beads"
	"github.com/whs-run/whs/internal/state"
)

var answerCmd = &cobra.Command{
	Use:   "answer <question-id> <answer...>",
	Short: "Answer a pending agent question",
	Long: `Records the answer in the persisted state and closes the question
issue. The running dispatcher picks the answer up on its next tick and
resumes the paused agent session.

Example:
  whs answer whs-42 Use JWT with a 15 minute expiry`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAnswer,
}

func init() {
	rootCmd.AddCommand(answerCmd)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	questionID := args[0]
	answer := strings.Join(args[1:], " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := state.NewStore(state.PathFor(cfg.OrchestratorPath))
	st, err := store.Load()
	if err != nil {
		return err
	}

	updated, ok := st.WithAnswer(questionID, answer)
	if !ok {
		return fmt.Errorf("no pending question %q; run 'whs status' to list them", questionID)
	}
	if err := store.Save(updated); err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}

	exec := beads.NewBDExecutor()
	if err := beads.AnswerQuestion(exec, cfg.OrchestratorPath, questionID, answer); err != nil {
		return err
	}

	fmt.Printf("Answered %s. The dispatcher will resume the agent shortly.\n", questionID)
	return nil
}
