// Package persistence provides SQLite-backed storage for run checkpoints,
// the timeout event archive, and final run reports. The store is an
// explicitly constructed object handed to the orchestrator; there is no
// process-wide database handle.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"specfleet/pkg/logx"
	"specfleet/pkg/proto"
	"specfleet/pkg/timeout"
)

// CurrentSchemaVersion tracks the schema for migration support.
const CurrentSchemaVersion = 1

// Store wraps one SQLite database.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at dbPath, verifies the connection,
// and brings the schema up to date. SQLite allows a single writer, so the
// pool is pinned to one connection.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("database ready: %s", dbPath)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			state_version INTEGER NOT NULL,
			state BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run
			ON run_checkpoints(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS timeout_events (
			id TEXT PRIMARY KEY,
			work_id TEXT NOT NULL,
			worker_type TEXT NOT NULL,
			work_type TEXT NOT NULL,
			elapsed_seconds REAL NOT NULL,
			condition TEXT NOT NULL,
			strategy TEXT NOT NULL,
			fallback_worker TEXT,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timeout_events_work
			ON timeout_events(work_id)`,
		`CREATE TABLE IF NOT EXISTS run_reports (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			report TEXT NOT NULL,
			finished_at TEXT NOT NULL
		)`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	_, err := db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		CurrentSchemaVersion, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// SaveCheckpoint appends a checkpoint of the run state. Old checkpoints are
// retained; LoadCheckpoint reads the newest.
func (s *Store) SaveCheckpoint(state *proto.RunState) error {
	blob, err := state.MarshalCheckpoint()
	if err != nil {
		return fmt.Errorf("failed to serialize run state: %w", err)
	}

	snap := state.Snapshot()
	_, err = s.db.Exec(
		`INSERT INTO run_checkpoints (run_id, state_version, state, created_at) VALUES (?, ?, ?, ?)`,
		snap.RunID, snap.Version, blob, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved for run %s at v%d", snap.RunID, snap.Version)
	return nil
}

// LoadCheckpoint restores the most recent checkpoint for a run. Returns
// sql.ErrNoRows wrapped when the run has no checkpoint.
func (s *Store) LoadCheckpoint(runID string) (*proto.RunState, error) {
	var blob []byte
	err := s.db.QueryRow(
		`SELECT state FROM run_checkpoints WHERE run_id = ? ORDER BY id DESC LIMIT 1`,
		runID,
	).Scan(&blob)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for run %s: %w", runID, err)
	}

	state, err := proto.UnmarshalCheckpoint(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to restore run state: %w", err)
	}
	return state, nil
}

// CheckpointCount returns how many checkpoints exist for a run.
func (s *Store) CheckpointCount(runID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM run_checkpoints WHERE run_id = ?`, runID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return count, nil
}

// ArchiveTimeoutEvent stores one timeout event for post-run analysis.
func (s *Store) ArchiveTimeoutEvent(event timeout.Event) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO timeout_events
			(id, work_id, worker_type, work_type, elapsed_seconds, condition, strategy, fallback_worker, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.WorkID, event.WorkerType, string(event.WorkType),
		event.ElapsedSeconds, string(event.Condition), string(event.Strategy),
		string(event.FallbackWorker), event.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to archive timeout event: %w", err)
	}
	return nil
}

// TimeoutEventsForWork returns the archived timeout events for one work
// item, oldest first.
func (s *Store) TimeoutEventsForWork(workID string) ([]timeout.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, work_id, worker_type, work_type, elapsed_seconds, condition, strategy, fallback_worker, occurred_at
			FROM timeout_events WHERE work_id = ? ORDER BY occurred_at`,
		workID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeout events: %w", err)
	}
	defer rows.Close()

	var events []timeout.Event
	for rows.Next() {
		var event timeout.Event
		var workType, condition, strategy, fallbackWorker, occurredAt string
		if err := rows.Scan(&event.ID, &event.WorkID, &event.WorkerType, &workType,
			&event.ElapsedSeconds, &condition, &strategy, &fallbackWorker, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeout event: %w", err)
		}
		event.WorkType = proto.WorkType(workType)
		event.Condition = proto.TriggerCondition(condition)
		event.Strategy = timeout.Strategy(strategy)
		event.FallbackWorker = proto.WorkerID(fallbackWorker)
		if parsed, err := time.Parse(time.RFC3339Nano, occurredAt); err == nil {
			event.OccurredAt = parsed
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read timeout events: %w", err)
	}
	return events, nil
}

// SaveReport stores (or replaces) the final report for a run.
func (s *Store) SaveReport(report *proto.RunReport) error {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize run report: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO run_reports (run_id, status, report, finished_at) VALUES (?, ?, ?, ?)`,
		report.RunID, string(report.Status), string(blob),
		report.FinishedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save run report: %w", err)
	}
	return nil
}

// LoadReport restores a run's final report.
func (s *Store) LoadReport(runID string) (*proto.RunReport, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT report FROM run_reports WHERE run_id = ?`, runID,
	).Scan(&blob)
	if err != nil {
		return nil, fmt.Errorf("failed to load report for run %s: %w", runID, err)
	}

	var report proto.RunReport
	if err := json.Unmarshal([]byte(blob), &report); err != nil {
		return nil, fmt.Errorf("failed to parse run report: %w", err)
	}
	return &report, nil
}

// SchemaVersion returns the stored schema version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
