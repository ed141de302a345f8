// Package agent spawns and supervises external coding-agent processes.
// It wraps the claude CLI in headless stream-json mode, classifies terminal
// errors, and surfaces tool invocations to pre-tool hooks.
package agent

import (
	"context"
	"strings"
)

// HookFunc inspects a tool invocation before it runs. A non-nil error denies
// the invocation and aborts the agent run with the error as the reason.
type HookFunc func(tool ToolUse) error

// RunOptions configures one agent run.
type RunOptions struct {
	// Prompt is the initial user prompt.
	Prompt string
	// Dir is the working directory (the item's worktree).
	Dir string
	// SystemPrompt is appended to the agent's system prompt, typically the
	// role definition file contents.
	SystemPrompt string
	// AllowedTools restricts the tool set when non-empty.
	AllowedTools []string
	// MaxTurns caps the conversation length. Zero means DefaultMaxTurns.
	MaxTurns int
	// Resume continues an earlier session by id instead of starting fresh.
	Resume string
	// Hooks are evaluated against every tool_use event, in order.
	Hooks []HookFunc
	// OnOutput receives assistant text as it streams, for progress logs.
	OnOutput func(text string)
	// OnToolUse observes tool invocations that passed the hooks.
	OnToolUse func(tool ToolUse)
}

// DefaultMaxTurns bounds runs whose options leave MaxTurns unset.
const DefaultMaxTurns = 50

// RunResult is the outcome of an agent run.
type RunResult struct {
	SessionID  string
	Output     string
	CostUSD    float64
	Turns      int
	DurationMS int64
	Success    bool
	Err        error

	// IsAuthError marks credential failures that no retry can fix.
	IsAuthError bool
	// IsRateLimited marks provider throttling; the dispatcher pauses.
	IsRateLimited bool
	// HookDenied is set when a pre-tool hook aborted the run.
	HookDenied bool
	// PendingQuestion is set when the agent asked instead of finishing.
	PendingQuestion *QuestionRequest
}

// Runner abstracts the agent process so the dispatcher can be tested
// without spawning real CLI sessions. There is no separate abort method:
// cancelling ctx aborts the run, and ClaudeRunner kills the agent's whole
// process group so spawned tools die with it.
type Runner interface {
	// Run executes an agent session to completion.
	Run(ctx context.Context, opts RunOptions) RunResult
	// ResumeWithAnswer continues a paused session, feeding the human
	// answer as the next prompt.
	ResumeWithAnswer(ctx context.Context, sessionID, answer string, opts RunOptions) RunResult
}

var authErrorMarkers = []string{
	"invalid api key",
	"not logged in",
	"authentication failed",
	"401",
}

var rateLimitMarkers = []string{
	"rate limit",
	"too many requests",
	"overloaded",
	"429",
}

// ClassifyError inspects agent output and error text to distinguish
// credential failures and throttling from ordinary errors.
func ClassifyError(text string) (isAuth, isRateLimited bool) {
	lower := strings.ToLower(text)
	for _, m := range authErrorMarkers {
		if strings.Contains(lower, m) {
			return true, false
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return false, true
		}
	}
	return false, false
}
