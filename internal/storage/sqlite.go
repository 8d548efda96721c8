// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"goa.design/clue/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/bonjohen/ai-swarm-sub000/internal/telemetry"
)

// SchemaVersion tracks the database schema version for migrations.
const SchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
    run_id TEXT NOT NULL,
    node TEXT NOT NULL,
    graph_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    ledger TEXT NOT NULL,
    saved_at INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    PRIMARY KEY (run_id, node)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run_seq ON checkpoints(run_id, seq);

CREATE TABLE IF NOT EXISTS decisions (
    decision_id TEXT PRIMARY KEY,
    ts INTEGER NOT NULL,
    tier INTEGER NOT NULL,
    action TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    escalated INTEGER NOT NULL,
    safety_flagged INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    cost_usd REAL NOT NULL,
    record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);

CREATE TABLE IF NOT EXISTS node_events (
    event_id TEXT PRIMARY KEY,
    ts INTEGER NOT NULL,
    run_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    status TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    cost_usd REAL NOT NULL,
    record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_node_events_run ON node_events(run_id, ts);
`

// SQLiteStore keeps checkpoints and telemetry in one SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO metadata(key, value) VALUES ('schema_version', ?)`, fmt.Sprint(SchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record schema version: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// =============================================================================
// CHECKPOINTS
// =============================================================================

// Save implements CheckpointStore.
func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := checkIDs(cp.RunID, cp.Node); err != nil {
		return err
	}
	state, err := encodeState(cp.State)
	if err != nil {
		return err
	}
	ledger, err := json.Marshal(cp.Ledger)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints(run_id, node, graph_id, state, ledger, saved_at, seq)
VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE run_id = ?))
ON CONFLICT(run_id, node) DO UPDATE SET
    graph_id = excluded.graph_id,
    state = excluded.state,
    ledger = excluded.ledger,
    saved_at = excluded.saved_at,
    seq = excluded.seq`,
		cp.RunID, cp.Node, cp.GraphID, string(state), string(ledger), cp.SavedAt.UnixNano(), cp.RunID)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `run_id, node, graph_id, state, ledger, saved_at, seq`

// Load implements CheckpointStore.
func (s *SQLiteStore) Load(ctx context.Context, runID, node string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id = ? AND node = ?`, runID, node)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, notFound(runID, node)
	}
	return cp, err
}

// Latest implements CheckpointStore.
func (s *SQLiteStore) Latest(ctx context.Context, runID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, notFound(runID, "")
	}
	return cp, err
}

// Runs implements CheckpointStore.
func (s *SQLiteStore) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.run_id, c.graph_id, c.node, c.saved_at, n.cnt
FROM checkpoints c
JOIN (SELECT run_id, MAX(seq) AS max_seq, COUNT(*) AS cnt FROM checkpoints GROUP BY run_id) n
  ON c.run_id = n.run_id AND c.seq = n.max_seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var (
			info    RunInfo
			savedAt int64
		)
		if err := rows.Scan(&info.RunID, &info.GraphID, &info.LastNode, &savedAt, &info.Checkpoints); err != nil {
			return nil, err
		}
		info.UpdatedAt = time.Unix(0, savedAt).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRuns(out)
	return out, nil
}

// DeleteRun implements CheckpointStore.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp            Checkpoint
		state, ledger string
		savedAt       int64
	)
	if err := row.Scan(&cp.RunID, &cp.Node, &cp.GraphID, &state, &ledger, &savedAt, &cp.Seq); err != nil {
		return Checkpoint{}, err
	}
	var err error
	if cp.State, err = decodeState([]byte(state)); err != nil {
		return Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(ledger), &cp.Ledger); err != nil {
		return Checkpoint{}, fmt.Errorf("decode ledger: %w", err)
	}
	cp.SavedAt = time.Unix(0, savedAt).UTC()
	return cp, nil
}

// =============================================================================
// TELEMETRY SINK
// =============================================================================

// RecordDecision implements telemetry.Sink. Failures are logged.
func (s *SQLiteStore) RecordDecision(ctx context.Context, d telemetry.Decision) {
	if d.DecisionID == "" {
		d.DecisionID = telemetry.NewID()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	record, err := json.Marshal(d)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO decisions(decision_id, ts, tier, action, provider, escalated, safety_flagged, latency_ms, cost_usd, record)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.DecisionID, d.Timestamp.UnixNano(), d.Tier, d.Action, d.Provider,
			d.Escalated, d.SafetyFlagged, d.LatencyMs, d.CostUSD, string(record))
	}
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "store decision"})
	}
}

// RecordNodeEvent implements telemetry.Sink.
func (s *SQLiteStore) RecordNodeEvent(ctx context.Context, e telemetry.NodeEvent) {
	if e.EventID == "" {
		e.EventID = telemetry.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	record, err := json.Marshal(e)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO node_events(event_id, ts, run_id, node_id, status, attempt, cost_usd, record)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EventID, e.Timestamp.UnixNano(), e.RunID, e.NodeID, e.Status, e.Attempt, e.CostUSD, string(record))
	}
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "store node event"})
	}
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *SQLiteStore) RecentDecisions(ctx context.Context, limit int) ([]telemetry.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM decisions ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Decision
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d telemetry.Decision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RunEvents returns a run's node events in emission order.
func (s *SQLiteStore) RunEvents(ctx context.Context, runID string) ([]telemetry.NodeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM node_events WHERE run_id = ? ORDER BY ts, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.NodeEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e telemetry.NodeEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
