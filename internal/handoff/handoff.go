// Package handoff extracts the structured record by which an agent declares
// the next agent role (or DONE/BLOCKED) and supporting context. Agents are
// trusted to emit a handoff but the resolver verifies, reprompts, and
// ultimately falls back to BLOCKED.
package handoff

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Agent role names a handoff may target. DONE and BLOCKED terminate the
// workflow.
const (
	AgentImplementation = "implementation"
	AgentQualityReview  = "quality_review"
	AgentReleaseManager = "release_manager"
	AgentUXSpecialist   = "ux_specialist"
	AgentArchitect      = "architect"
	AgentPlanner        = "planner"
	AgentDone           = "DONE"
	AgentBlocked        = "BLOCKED"
)

// ValidAgents is the set of allowed next_agent values.
var ValidAgents = map[string]bool{
	AgentImplementation: true,
	AgentQualityReview:  true,
	AgentReleaseManager: true,
	AgentUXSpecialist:   true,
	AgentArchitect:      true,
	AgentPlanner:        true,
	AgentDone:           true,
	AgentBlocked:        true,
}

// CI status values carried on a handoff.
const (
	CIPending = "pending"
	CIPassed  = "passed"
	CIFailed  = "failed"
)

// FileName is the handoff file an agent may write into its worktree. The
// file survives agent crashes that happen after the write.
const FileName = ".whs-handoff.json"

// Handoff is the structured record routing work to the next agent.
type Handoff struct {
	NextAgent string `json:"next_agent" yaml:"next_agent"`
	Context   string `json:"context" yaml:"context"`
	PRNumber  int    `json:"pr_number,omitempty" yaml:"pr_number,omitempty"`
	CIStatus  string `json:"ci_status,omitempty" yaml:"ci_status,omitempty"`
}

// Validate checks the handoff against the valid agent set and CI states.
func (h *Handoff) Validate() error {
	if !ValidAgents[h.NextAgent] {
		return fmt.Errorf("invalid next_agent: %q", h.NextAgent)
	}
	switch h.CIStatus {
	case "", CIPending, CIPassed, CIFailed:
	default:
		return fmt.Errorf("invalid ci_status: %q", h.CIStatus)
	}
	return nil
}

// IsTerminal reports whether the handoff ends the workflow.
func (h *Handoff) IsTerminal() bool {
	return h.NextAgent == AgentDone || h.NextAgent == AgentBlocked
}

// EncodeYAML renders the handoff as a YAML document.
func (h *Handoff) EncodeYAML() (string, error) {
	out, err := yaml.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode handoff: %w", err)
	}
	return string(out), nil
}

// fromMap normalizes a decoded YAML/JSON object into a Handoff, accepting
// both snake_case and camelCase key spellings and pr_number as a number or
// a numeric string. Rejects objects whose context is present but not a
// string.
func fromMap(m map[string]any) (*Handoff, error) {
	pick := func(keys ...string) (any, bool) {
		for _, k := range keys {
			if v, ok := m[k]; ok {
				return v, true
			}
		}
		return nil, false
	}

	h := &Handoff{}

	if v, ok := pick("next_agent", "nextAgent"); ok {
		s, isStr := v.(string)
		if !isStr {
			return nil, fmt.Errorf("next_agent must be a string, got %T", v)
		}
		h.NextAgent = s
	}

	if v, ok := pick("context", "Context"); ok {
		s, isStr := v.(string)
		if !isStr {
			return nil, fmt.Errorf("context must be a string, got %T", v)
		}
		h.Context = s
	}

	if v, ok := pick("pr_number", "prNumber"); ok {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("invalid pr_number: %w", err)
		}
		h.PRNumber = n
	}

	if v, ok := pick("ci_status", "ciStatus"); ok {
		if s, isStr := v.(string); isStr {
			h.CIStatus = s
		}
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// ReadFile parses and validates the handoff file in the worktree.
func ReadFile(worktree string) (*Handoff, error) {
	path := filepath.Join(worktree, FileName)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from the managed worktree
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse handoff file: %w", err)
	}
	return fromMap(m)
}

// WriteFile writes the handoff file into the worktree. Used by agents that
// call `whs handoff` and by tests.
func WriteFile(worktree string, h *Handoff) error {
	if err := h.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode handoff: %w", err)
	}
	return os.WriteFile(filepath.Join(worktree, FileName), data, 0644) //nolint:gosec // G306: handoff files are not sensitive
}

// RemoveFile deletes the handoff file after a successful parse.
func RemoveFile(worktree string) error {
	err := os.Remove(filepath.Join(worktree, FileName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
