package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/whs-run/whs/internal/log"
)

// StateDir is the per-orchestrator directory holding state, lock, metrics,
// and config files.
const StateDir = ".whs"

// StateFile is the persisted state document inside StateDir.
const StateFile = "state.json"

// PathFor returns the state file path for an orchestrator root.
func PathFor(orchestratorPath string) string {
	return filepath.Join(orchestratorPath, StateDir, StateFile)
}

// Store persists State documents with atomic write-temp-then-rename.
type Store struct {
	path string
}

// NewStore creates a store writing to the given state file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load reads the persisted state. A missing file yields an empty state.
func (s *Store) Load() (State, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // G304: operator-configured state path
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse state file: %w", err)
	}
	return st.normalized(), nil
}

// Save writes the state atomically: the document lands in a temp file in
// the same directory and is renamed over the target, so readers never see
// a torn write.
func (s *Store) Save(st State) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, StateFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	log.Debug(log.CatState, "state saved", "path", s.path, "active", len(st.ActiveWork), "paused", st.Paused)
	return nil
}
