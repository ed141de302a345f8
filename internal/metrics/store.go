// Package metrics persists per-step run metrics in an append-only sqlite
// database under the orchestrator's .whs directory. Recording is
// best-effort: callers log and swallow failures so metrics never block the
// dispatch loop.
package metrics

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/whs-run/whs/internal/log"
	"github.com/whs-run/whs/internal/state"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DBFile is the metrics database inside the .whs directory.
const DBFile = "metrics.db"

// PathFor returns the metrics database path for an orchestrator root.
func PathFor(orchestratorPath string) string {
	return filepath.Join(orchestratorPath, state.StateDir, DBFile)
}

// StepMetric is one recorded agent run.
type StepMetric struct {
	ID         string
	Project    string
	SourceID   string
	EpicID     string
	StepID     string
	Agent      string
	Outcome    string
	CostUSD    float64
	Turns      int
	DurationMS int64
	SessionID  string
	RecordedAt time.Time
}

// Totals is an aggregate over recorded steps.
type Totals struct {
	Steps     int
	CostUSD   float64
	ByProject map[string]float64
}

// Store wraps the metrics database.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the metrics database and applies
// pending migrations. An existing database is backed up to <path>.bak
// before any migration runs.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("failed to back up metrics database: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// migrate applies embedded migrations in filename order, tracking the
// applied set in schema_migrations.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, name).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", name, err)
		}
		log.Debug(log.CatMetrics, "applied migration", "version", name)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: metrics db path is operator-configured
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) //nolint:gosec // G304: sibling backup path
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStep inserts a step metric. A missing ID or RecordedAt is filled
// in.
func (s *Store) RecordStep(m StepMetric) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO step_metrics (id, project, source_id, epic_id, step_id, agent, outcome, cost_usd, turns, duration_ms, session_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Project, m.SourceID, m.EpicID, m.StepID, m.Agent, m.Outcome,
		m.CostUSD, m.Turns, m.DurationMS, m.SessionID, m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record step metric: %w", err)
	}
	return nil
}

// WorkflowCost sums the cost of all steps recorded for an epic.
func (s *Store) WorkflowCost(epicID string) (float64, error) {
	var cost float64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(cost_usd), 0) FROM step_metrics WHERE epic_id = ?`, epicID,
	).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("failed to sum workflow cost: %w", err)
	}
	return cost, nil
}

// Totals aggregates steps recorded at or after since.
func (s *Store) Totals(since time.Time) (Totals, error) {
	totals := Totals{ByProject: make(map[string]float64)}

	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(cost_usd), 0) FROM step_metrics WHERE recorded_at >= ?`, since,
	).Scan(&totals.Steps, &totals.CostUSD)
	if err != nil {
		return totals, fmt.Errorf("failed to aggregate totals: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT project, COALESCE(SUM(cost_usd), 0) FROM step_metrics WHERE recorded_at >= ? GROUP BY project`, since,
	)
	if err != nil {
		return totals, fmt.Errorf("failed to aggregate per-project totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var project string
		var cost float64
		if err := rows.Scan(&project, &cost); err != nil {
			return totals, fmt.Errorf("failed to scan project total: %w", err)
		}
		totals.ByProject[project] = cost
	}
	return totals, rows.Err()
}
