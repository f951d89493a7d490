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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// SQLiteStore implements Store and Lock over a single SQLite database.
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
	CREATE TABLE IF NOT EXISTS grading_history (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL UNIQUE,
		teacher_id TEXT,
		status TEXT NOT NULL,
		class_ids TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		total_students INTEGER NOT NULL DEFAULT 0,
		average_score REAL NOT NULL DEFAULT 0,
		rubric_data BLOB,
		current_stage TEXT,
		result_data BLOB
	);

	CREATE TABLE IF NOT EXISTS student_grading_results (
		id TEXT PRIMARY KEY,
		grading_history_id TEXT NOT NULL,
		student_key TEXT NOT NULL,
		score REAL NOT NULL,
		max_score REAL NOT NULL,
		class_id TEXT,
		student_id TEXT,
		summary TEXT,
		confession BLOB,
		result_data BLOB,
		imported_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grading_page_images (
		id TEXT PRIMARY KEY,
		grading_history_id TEXT NOT NULL,
		student_key TEXT NOT NULL,
		page_index INTEGER NOT NULL,
		file_id TEXT NOT NULL,
		file_url TEXT,
		content_type TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		resource_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_student_results_history
		ON student_grading_results(grading_history_id);
	CREATE INDEX IF NOT EXISTS idx_page_images_history
		ON grading_page_images(grading_history_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertGradingHistory inserts or updates the run record keyed by batch
// id. The existing row id is reused when present.
func (s *SQLiteStore) UpsertGradingHistory(ctx context.Context, h *GradingHistory) (string, error) {
	existing, err := s.GetGradingHistory(ctx, h.BatchID)
	if err != nil {
		return "", err
	}
	id := h.ID
	if existing != nil {
		id = existing.ID
	}
	if id == "" {
		id = uuid.NewString()
	}

	classIDs := strings.Join(h.ClassIDs, ",")
	var completed interface{}
	if h.CompletedAt != nil {
		completed = h.CompletedAt.UnixMilli()
	}
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grading_history
			(id, batch_id, teacher_id, status, class_ids, created_at, completed_at,
			 total_students, average_score, rubric_data, current_stage, result_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			teacher_id = excluded.teacher_id,
			status = excluded.status,
			class_ids = excluded.class_ids,
			completed_at = excluded.completed_at,
			total_students = excluded.total_students,
			average_score = excluded.average_score,
			rubric_data = excluded.rubric_data,
			current_stage = excluded.current_stage,
			result_data = excluded.result_data`,
		id, h.BatchID, h.TeacherID, h.Status, classIDs, createdAt.UnixMilli(), completed,
		h.TotalStudents, h.AverageScore, h.RubricData, h.CurrentStage, h.ResultData)
	if err != nil {
		return "", fmt.Errorf("failed to upsert grading history: %w", err)
	}
	return id, nil
}

// GetGradingHistory returns the run record for a batch, or nil.
func (s *SQLiteStore) GetGradingHistory(ctx context.Context, batchID string) (*GradingHistory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, teacher_id, status, class_ids, created_at, completed_at,
		       total_students, average_score, rubric_data, current_stage, result_data
		FROM grading_history WHERE batch_id = ?`, batchID)

	var h GradingHistory
	var teacherID, classIDs, currentStage sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&h.ID, &h.BatchID, &teacherID, &h.Status, &classIDs, &createdAt,
		&completedAt, &h.TotalStudents, &h.AverageScore, &h.RubricData, &currentStage, &h.ResultData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grading history: %w", err)
	}
	h.TeacherID = teacherID.String
	h.CurrentStage = currentStage.String
	if classIDs.String != "" {
		h.ClassIDs = strings.Split(classIDs.String, ",")
	}
	h.CreatedAt = time.UnixMilli(createdAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		h.CompletedAt = &t
	}
	return &h, nil
}

// SaveStudentResults replaces the student rows for the run.
func (s *SQLiteStore) SaveStudentResults(ctx context.Context, historyID string, rows []StudentGradingResultRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM student_grading_results WHERE grading_history_id = ?`, historyID); err != nil {
		return fmt.Errorf("failed to clear student results: %w", err)
	}
	for i := range rows {
		r := &rows[i]
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		imported := r.ImportedAt
		if imported.IsZero() {
			imported = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO student_grading_results
				(id, grading_history_id, student_key, score, max_score, class_id,
				 student_id, summary, confession, result_data, imported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, historyID, r.StudentKey, r.Score, r.MaxScore, r.ClassID,
			r.StudentID, r.Summary, r.Confession, r.ResultData, imported.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert student result %s: %w", r.StudentKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit student results: %w", err)
	}
	return nil
}

// ListStudentResults returns the student rows for the run.
func (s *SQLiteStore) ListStudentResults(ctx context.Context, historyID string) ([]StudentGradingResultRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, grading_history_id, student_key, score, max_score, class_id,
		       student_id, summary, confession, result_data, imported_at
		FROM student_grading_results
		WHERE grading_history_id = ? ORDER BY student_key`, historyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list student results: %w", err)
	}
	defer rows.Close()

	var out []StudentGradingResultRow
	for rows.Next() {
		var r StudentGradingResultRow
		var classID, studentID, summary sql.NullString
		var imported int64
		if err := rows.Scan(&r.ID, &r.GradingHistoryID, &r.StudentKey, &r.Score, &r.MaxScore,
			&classID, &studentID, &summary, &r.Confession, &r.ResultData, &imported); err != nil {
			return nil, fmt.Errorf("failed to scan student result: %w", err)
		}
		r.ClassID = classID.String
		r.StudentID = studentID.String
		r.Summary = summary.String
		r.ImportedAt = time.UnixMilli(imported)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecentHistories returns completed run records created at or
// after since, newest first. The rule miner reads these.
func (s *SQLiteStore) ListRecentHistories(ctx context.Context, since time.Time) ([]GradingHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id FROM grading_history
		WHERE created_at >= ? ORDER BY created_at DESC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list grading histories: %w", err)
	}
	var batchIDs []string
	for rows.Next() {
		var batchID string
		if err := rows.Scan(&batchID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan grading history: %w", err)
		}
		batchIDs = append(batchIDs, batchID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]GradingHistory, 0, len(batchIDs))
	for _, batchID := range batchIDs {
		h, err := s.GetGradingHistory(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if h != nil {
			out = append(out, *h)
		}
	}
	return out, nil
}

// SavePageImages replaces the page image references for the run.
func (s *SQLiteStore) SavePageImages(ctx context.Context, historyID string, images []GradingPageImage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM grading_page_images WHERE grading_history_id = ?`, historyID); err != nil {
		return fmt.Errorf("failed to clear page images: %w", err)
	}
	for i := range images {
		img := &images[i]
		id := img.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := img.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grading_page_images
				(id, grading_history_id, student_key, page_index, file_id, file_url, content_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, historyID, img.StudentKey, img.PageIndex, img.FileID, img.FileURL,
			img.ContentType, created.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert page image: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page images: %w", err)
	}
	return nil
}

// Acquire takes the lock for resourceID. Contention returns false
// without waiting; an expired holder is displaced.
func (s *SQLiteStore) Acquire(ctx context.Context, resourceID, token string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (resource_id, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE locks.token = excluded.token OR locks.expires_at < ?`,
		resourceID, token, expires, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", resourceID, err)
	}
	return n > 0, nil
}

// Release drops the lock if held by the same (resourceID, token).
func (s *SQLiteStore) Release(ctx context.Context, resourceID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource_id = ? AND token = ?`, resourceID, token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", resourceID, err)
	}
	return nil
}

// MarshalJSONField serializes v for a BLOB column, returning nil for
// nil input.
func MarshalJSONField(v interface{}) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Lock  = (*SQLiteStore)(nil)
)
