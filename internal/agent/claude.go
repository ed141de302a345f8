package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/whs-run/whs/internal/log"
)

// scanner buffer large enough for long single-line JSON events.
const maxScanBufferSize = 1024 * 1024

// ClaudeRunner runs the claude CLI in headless stream-json mode.
type ClaudeRunner struct {
	// Binary is the executable name, "claude" unless overridden in tests.
	Binary string
}

var _ Runner = (*ClaudeRunner)(nil)

// NewClaudeRunner creates a runner for the claude binary on PATH.
func NewClaudeRunner() *ClaudeRunner {
	return &ClaudeRunner{Binary: "claude"}
}

// Run executes an agent session to completion.
func (r *ClaudeRunner) Run(ctx context.Context, opts RunOptions) RunResult {
	return r.execute(ctx, opts)
}

// ResumeWithAnswer continues a paused session with the human answer.
func (r *ClaudeRunner) ResumeWithAnswer(ctx context.Context, sessionID, answer string, opts RunOptions) RunResult {
	opts.Resume = sessionID
	opts.Prompt = answer
	return r.execute(ctx, opts)
}

func (r *ClaudeRunner) execute(ctx context.Context, opts RunOptions) RunResult {
	start := time.Now()

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(maxTurns),
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	args = append(args, opts.Prompt)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Binary, args...)
	cmd.Dir = opts.Dir
	// The agent spawns its own children (shells, build tools). Run the whole
	// tree as one process group so a cancel kills everything, not just the
	// direct child; otherwise a grandchild keeps the stdout pipe open and
	// Wait blocks until it exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return RunResult{Err: fmt.Errorf("failed to start agent process: %w", err)}
	}

	log.Debug(log.CatAgent, "agent process started", "pid", cmd.Process.Pid, "dir", opts.Dir, "resume", opts.Resume != "")

	var res RunResult
	var output strings.Builder
	var denied error
	var resultSeen bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxScanBufferSize), maxScanBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ev OutputEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Debug(log.CatAgent, "skipping unparseable output line", "error", err.Error())
			continue
		}

		switch ev.Type {
		case "system":
			if ev.Subtype == "init" {
				res.SessionID = ev.SessionID
				log.Debug(log.CatAgent, "agent session started", "session_id", ev.SessionID, "model", ev.Model)
			}

		case "assistant":
			if ev.Message == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "text":
					output.WriteString(block.Text)
					output.WriteString("\n")
					if opts.OnOutput != nil {
						opts.OnOutput(block.Text)
					}
				case "tool_use":
					tool := ToolUse{Name: block.Name, Input: block.Input}

					if block.Name == "AskUserQuestion" {
						var q QuestionRequest
						if err := json.Unmarshal(block.Input, &q); err == nil && len(q.Questions) > 0 {
							res.PendingQuestion = &q
						}
					}

					if denied == nil {
						for _, hook := range opts.Hooks {
							if hookErr := hook(tool); hookErr != nil {
								// The tool_use event is emitted as the tool
								// starts, so the kill lands mid-flight.
								denied = hookErr
								log.Warn(log.CatSafety, "pre-tool hook denied invocation", "tool", block.Name, "reason", hookErr.Error())
								cancel()
								break
							}
						}
					}
					if denied == nil && opts.OnToolUse != nil {
						opts.OnToolUse(tool)
					}
				}
			}

		case "result":
			resultSeen = true
			res.Turns = ev.NumTurns
			res.DurationMS = ev.DurationMS
			res.CostUSD = ev.TotalCostUSD
			if res.CostUSD == 0 {
				res.CostUSD = ev.CostUSD
			}
			if ev.IsError {
				res.Err = fmt.Errorf("agent reported error: %s", ev.Result)
			} else if ev.Result != "" {
				output.WriteString(ev.Result)
				output.WriteString("\n")
			}
		}
	}

	waitErr := cmd.Wait()
	res.Output = output.String()
	res.DurationMS = time.Since(start).Milliseconds()

	switch {
	case denied != nil:
		res.HookDenied = true
		res.Err = denied
	case res.Err != nil:
		// result event already carried an error
	case waitErr != nil && ctx.Err() == nil:
		if stderr.Len() > 0 {
			res.Err = fmt.Errorf("agent process failed: %s", stderr.String())
		} else {
			res.Err = fmt.Errorf("agent process failed: %w", waitErr)
		}
	case ctx.Err() != nil:
		res.Err = fmt.Errorf("agent run cancelled: %w", ctx.Err())
	case !resultSeen:
		res.Err = fmt.Errorf("agent exited without a result event")
	}

	if res.Err != nil {
		res.IsAuthError, res.IsRateLimited = ClassifyError(res.Err.Error() + "\n" + stderr.String() + "\n" + res.Output)
	}
	res.Success = res.Err == nil

	log.Info(log.CatAgent, "agent run finished",
		"session_id", res.SessionID,
		"success", res.Success,
		"turns", res.Turns,
		"cost_usd", res.CostUSD,
		"duration_ms", res.DurationMS)

	return res
}
