package safety

import (
	"encoding/json"
	"errors"

	"github.com/whs-run/whs/internal/agent"
	"github.com/whs-run/whs/internal/log"
)

// fileTools are the tools whose input carries a file_path to mutate.
var fileTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// AgentHooks returns the pre-tool hooks to install on every agent run in
// the given worktree: the shell-command hook and the file-path hook.
func AgentHooks(worktree string) []agent.HookFunc {
	shellHook := func(tool agent.ToolUse) error {
		if tool.Name != "Bash" {
			return nil
		}
		var input agent.BashInput
		if err := json.Unmarshal(tool.Input, &input); err != nil || input.Command == "" {
			return nil
		}

		if d := CheckCommand(input.Command, worktree); !d.Allowed() {
			log.Warn(log.CatSafety, "denied shell command", "command", input.Command, "reason", d.Message)
			return errors.New(d.Message)
		}
		return nil
	}

	fileHook := func(tool agent.ToolUse) error {
		if !fileTools[tool.Name] {
			return nil
		}
		var input struct {
			FilePath string `json:"file_path"`
		}
		if err := json.Unmarshal(tool.Input, &input); err != nil || input.FilePath == "" {
			return nil
		}

		if d := CheckFilePath(input.FilePath, worktree); !d.Allowed() {
			log.Warn(log.CatSafety, "denied file mutation", "path", input.FilePath, "reason", d.Message)
			return errors.New(d.Message)
		}
		return nil
	}

	return []agent.HookFunc{shellHook, fileHook}
}
