// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// SQLiteStore provides persistent SQLite storage for checkpoints and
// interrupt requests. Suitable for production runs that must survive a
// process restart and resume from the last stage boundary.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at path. An empty path
// uses an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers during a run.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT PRIMARY KEY,
		graph TEXT NOT NULL,
		next_stage TEXT NOT NULL,
		state_json BLOB NOT NULL,
		failed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS interrupts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		response_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_interrupts_status ON interrupts(status);
	CREATE INDEX IF NOT EXISTS idx_interrupts_run ON interrupts(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the run's checkpoint.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	failed := 0
	if cp.Failed {
		failed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, graph, next_stage, state_json, failed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			graph = excluded.graph,
			next_stage = excluded.next_stage,
			state_json = excluded.state_json,
			failed = excluded.failed,
			updated_at = excluded.updated_at`,
		cp.RunID, cp.Graph, cp.NextStage, cp.State, failed, cp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the run's checkpoint, or nil when absent.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, graph, next_stage, state_json, failed, updated_at
		FROM checkpoints WHERE run_id = ?`, runID)

	var cp Checkpoint
	var failed int
	var updatedAt int64
	err := row.Scan(&cp.RunID, &cp.Graph, &cp.NextStage, &cp.State, &failed, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.Failed = failed != 0
	cp.UpdatedAt = time.UnixMilli(updatedAt)
	return &cp, nil
}

// Delete removes the run's checkpoint.
func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Store saves a new pending interrupt request.
func (s *SQLiteStore) Store(ctx context.Context, req *InterruptRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize interrupt payload: %w", err)
	}
	var expires interface{}
	if !req.ExpiresAt.IsZero() {
		expires = req.ExpiresAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interrupts (id, run_id, stage, type, payload_json, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.Stage, req.Type, string(payload),
		InterruptPending, req.CreatedAt.UnixMilli(), expires)
	if err != nil {
		return fmt.Errorf("failed to store interrupt: %w", err)
	}
	return nil
}

// Get retrieves an interrupt request by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*InterruptRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, stage, type, payload_json, status, created_at, expires_at
		FROM interrupts WHERE id = ?`, id)
	return scanInterrupt(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInterrupt(row rowScanner) (*InterruptRequest, error) {
	var req InterruptRequest
	var payload sql.NullString
	var createdAt int64
	var expiresAt sql.NullInt64
	err := row.Scan(&req.ID, &req.RunID, &req.Stage, &req.Type, &payload, &req.Status, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan interrupt: %w", err)
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &req.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode interrupt payload: %w", err)
		}
	}
	req.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		req.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	return &req, nil
}

// Respond attaches a response to a pending request and marks it
// responded. Responding to a non-pending request is an error.
func (s *SQLiteStore) Respond(ctx context.Context, resp *InterruptResponse) error {
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize interrupt response: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE interrupts SET response_json = ?, status = ?
		WHERE id = ? AND status = ?`,
		string(raw), InterruptResponded, resp.RequestID, InterruptPending)
	if err != nil {
		return fmt.Errorf("failed to store interrupt response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store interrupt response: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("interrupt %s is not pending", resp.RequestID)
	}
	return nil
}

// Response returns the response for a request, or nil while pending.
func (s *SQLiteStore) Response(ctx context.Context, requestID string) (*InterruptResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT response_json FROM interrupts WHERE id = ?`, requestID)
	var raw sql.NullString
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("interrupt %s not found", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to poll interrupt: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var resp InterruptResponse
	if err := json.Unmarshal([]byte(raw.String), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode interrupt response: %w", err)
	}
	return &resp, nil
}

// ListPending returns all pending interrupt requests, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*InterruptRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage, type, payload_json, status, created_at, expires_at
		FROM interrupts WHERE status = ? ORDER BY created_at ASC`, InterruptPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupts: %w", err)
	}
	defer rows.Close()

	var out []*InterruptRequest
	for rows.Next() {
		req, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Expire marks a pending request timed out.
func (s *SQLiteStore) Expire(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE interrupts SET status = ? WHERE id = ? AND status = ?`,
		InterruptExpired, id, InterruptPending)
	if err != nil {
		return fmt.Errorf("failed to expire interrupt: %w", err)
	}
	return nil
}

var (
	_ CheckpointStore = (*SQLiteStore)(nil)
	_ InterruptStore  = (*SQLiteStore)(nil)
)
