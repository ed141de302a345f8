package handoff

import (
	"context"
	"fmt"

	"github.com/whs-run/whs/internal/agent"
	"github.com/whs-run/whs/internal/log"
)

// resumeMaxTurns bounds the forced-handoff reprompt session.
const resumeMaxTurns = 10

// resumePrompt is the fixed instruction used when an agent finished without
// declaring a handoff.
const resumePrompt = `Your work session ended without a handoff. Emit one now, either by running ` +
	"`whs handoff`" + ` or by printing a YAML block:

` + "```yaml" + `
next_agent: <implementation|quality_review|release_manager|ux_specialist|architect|planner|DONE|BLOCKED>
context: <one-paragraph summary of what you did and what remains>
pr_number: <number, if a PR exists>
ci_status: <pending|passed|failed, if known>
` + "```" + `

Do not do any further work.`

// Resolver extracts a handoff from an agent run, trying the handoff file,
// structured text, a resume-and-reprompt, and finally a BLOCKED fallback.
type Resolver struct {
	// Runner, when set, enables the resume-and-reprompt tier.
	Runner agent.Runner
}

// NewResolver creates a resolver. runner may be nil to disable reprompting.
func NewResolver(runner agent.Runner) *Resolver {
	return &Resolver{Runner: runner}
}

// Resolve returns a validated handoff. It never returns nil: when every
// tier fails the result is BLOCKED with the output tail as context.
func (r *Resolver) Resolve(ctx context.Context, worktree string, result agent.RunResult) *Handoff {
	// Tier 1: handoff file written by the agent.
	if h, err := ReadFile(worktree); err == nil {
		if rmErr := RemoveFile(worktree); rmErr != nil {
			log.Warn(log.CatHandoff, "failed to remove handoff file", "worktree", worktree, "error", rmErr.Error())
		}
		log.Debug(log.CatHandoff, "handoff resolved from file", "next_agent", h.NextAgent)
		return h
	}

	// Tier 2: structured text parse of the agent output.
	if h, err := ParseText(result.Output); err == nil {
		log.Debug(log.CatHandoff, "handoff resolved from output", "next_agent", h.NextAgent)
		return h
	}

	// Tier 3: resume the session and ask for the handoff explicitly.
	if r.Runner != nil && result.SessionID != "" {
		log.Info(log.CatHandoff, "no handoff found, reprompting agent", "session_id", result.SessionID)

		resumed := r.Runner.ResumeWithAnswer(ctx, result.SessionID, resumePrompt, agent.RunOptions{
			Dir:      worktree,
			MaxTurns: resumeMaxTurns,
		})
		if resumed.Err != nil {
			log.ErrorErr(log.CatHandoff, "handoff reprompt failed", resumed.Err, "session_id", result.SessionID)
		}

		if h, err := ReadFile(worktree); err == nil {
			if rmErr := RemoveFile(worktree); rmErr != nil {
				log.Warn(log.CatHandoff, "failed to remove handoff file", "worktree", worktree, "error", rmErr.Error())
			}
			log.Debug(log.CatHandoff, "handoff resolved from file after reprompt", "next_agent", h.NextAgent)
			return h
		}
		if h, err := ParseText(resumed.Output); err == nil {
			log.Debug(log.CatHandoff, "handoff resolved from reprompt output", "next_agent", h.NextAgent)
			return h
		}
	}

	// Tier 4: give up and hand the tail to a human.
	log.Warn(log.CatHandoff, "handoff unresolvable, falling back to BLOCKED", "worktree", worktree)
	return &Handoff{
		NextAgent: AgentBlocked,
		Context:   fmt.Sprintf("no handoff could be resolved from agent output; output tail:\n%s", Tail(result.Output, tailWindow)),
	}
}
