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

// Package storage persists grading results and export artifacts. The
// relational store keeps run history and per-student rows; page images
// are referenced by file id only, never inlined. A table-backed lock
// coordinates rule deployments.
package storage

import (
	"context"
	"time"
)

// GradingHistory is the run-level record, upserted by batch id.
type GradingHistory struct {
	ID            string     `json:"id"`
	BatchID       string     `json:"batch_id"`
	TeacherID     string     `json:"teacher_id,omitempty"`
	Status        string     `json:"status"`
	ClassIDs      []string   `json:"class_ids,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TotalStudents int        `json:"total_students"`
	AverageScore  float64    `json:"average_score"`
	RubricData    []byte     `json:"rubric_data,omitempty"`
	CurrentStage  string     `json:"current_stage,omitempty"`
	ResultData    []byte     `json:"result_data,omitempty"`
}

// StudentGradingResultRow is one student's persisted outcome.
type StudentGradingResultRow struct {
	ID               string    `json:"id"`
	GradingHistoryID string    `json:"grading_history_id"`
	StudentKey       string    `json:"student_key"`
	Score            float64   `json:"score"`
	MaxScore         float64   `json:"max_score"`
	ClassID          string    `json:"class_id,omitempty"`
	StudentID        string    `json:"student_id,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	Confession       []byte    `json:"confession,omitempty"`
	ResultData       []byte    `json:"result_data,omitempty"`
	ImportedAt       time.Time `json:"imported_at"`
}

// GradingPageImage references one answer page by file id. Image bytes
// are never stored here.
type GradingPageImage struct {
	ID               string    `json:"id"`
	GradingHistoryID string    `json:"grading_history_id"`
	StudentKey       string    `json:"student_key"`
	PageIndex        int       `json:"page_index"`
	FileID           string    `json:"file_id"`
	FileURL          string    `json:"file_url,omitempty"`
	ContentType      string    `json:"content_type,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is the relational persistence interface consumed by export.
type Store interface {
	// UpsertGradingHistory inserts or updates the run record keyed by
	// batch id, reusing the existing row id when present.
	UpsertGradingHistory(ctx context.Context, h *GradingHistory) (string, error)

	// GetGradingHistory returns the run record for a batch, or nil.
	GetGradingHistory(ctx context.Context, batchID string) (*GradingHistory, error)

	// SaveStudentResults replaces the student rows for the run.
	SaveStudentResults(ctx context.Context, historyID string, rows []StudentGradingResultRow) error

	// ListStudentResults returns the student rows for the run.
	ListStudentResults(ctx context.Context, historyID string) ([]StudentGradingResultRow, error)

	// SavePageImages replaces the page image references for the run.
	SavePageImages(ctx context.Context, historyID string, images []GradingPageImage) error

	// Close releases the store.
	Close() error
}

// FileRef is one stored file reference returned by FileStorage.
type FileRef struct {
	FileID      string `json:"file_id"`
	FileURL     string `json:"file_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	PageIndex   int    `json:"page_index"`
	StudentKey  string `json:"student_key,omitempty"`
}

// FileStorage is the blob-storage boundary. The grading router uses it
// to recover answer images by batch id; export uses it to build the
// page-image index.
type FileStorage interface {
	// ListBatchFiles returns the file references for a batch, in page
	// order.
	ListBatchFiles(ctx context.Context, batchID string) ([]FileRef, error)

	// ReadFile returns the file's bytes.
	ReadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Lock coordinates exclusive operations across processes. Contention
// returns acquired=false without blocking.
type Lock interface {
	// Acquire takes the lock for resourceID with the caller's token and
	// a TTL. Returns false when another token holds it.
	Acquire(ctx context.Context, resourceID, token string, ttl time.Duration) (bool, error)

	// Release drops the lock if held by the same (resourceID, token).
	Release(ctx context.Context, resourceID, token string) error
}
