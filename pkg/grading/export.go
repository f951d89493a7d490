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

package grading

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/retry"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/storage"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// ExportPayload is the full result document: per-student blocks, the
// class report, and the failure list.
type ExportPayload struct {
	BatchID     string                         `json:"batch_id"`
	Status      string                         `json:"status"`
	GradingMode string                         `json:"grading_mode"`
	ExportedAt  time.Time                      `json:"exported_at"`
	ClassReport ClassReport                    `json:"class_report"`
	Students    []scoring.StudentGradingResult `json:"students"`
	Failures    []scoring.StudentGradingResult `json:"failures,omitempty"`
	Errors      []ErrorRecord                  `json:"errors,omitempty"`
	ReviewQueue []ReviewItem                   `json:"review_queue,omitempty"`
}

// ClassReport aggregates the batch.
type ClassReport struct {
	TotalStudents   int     `json:"total_students"`
	CompletedCount  int     `json:"completed_count"`
	FailedCount     int     `json:"failed_count"`
	AverageScore    float64 `json:"average_score"`
	HighestScore    float64 `json:"highest_score"`
	LowestScore     float64 `json:"lowest_score"`
	MaxScore        float64 `json:"max_score"`
	MeanConfidence  float64 `json:"mean_confidence"`
	LowConfidence   int     `json:"low_confidence_count"`
	ReviewQueueSize int     `json:"review_queue_size"`
}

// stageExport persists results and writes the JSON artifacts. Export
// never fails the run: persistence errors are recorded and the
// artifact is still attempted.
func (p *Pipeline) stageExport(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	results, err := StateStudentResults(run.State)
	if err != nil {
		run.Logger.Warn("export: cannot decode student results", zap.Error(err))
	}
	var queue []ReviewItem
	if _, err := decodeField(run.State, FieldReviewQueue, &queue); err != nil {
		run.Logger.Warn("export: cannot decode review queue", zap.Error(err))
	}

	payload := p.buildExportPayload(run, results, queue)

	persisted := p.persist(ctx, run, payload)
	artifactPath := p.writeArtifacts(run, payload, persisted)

	status := "completed"
	if payload.ClassReport.FailedCount > 0 {
		status = "partial"
	}
	if payload.ClassReport.CompletedCount == 0 && payload.ClassReport.TotalStudents > 0 {
		status = "failed"
	}

	pct := 100.0
	p.publish(run.ID, progress.Event{
		Type:     progress.TypeStageUpdate,
		Stage:    StageExport,
		Status:   status,
		Progress: &pct,
	})

	delta := workflow.Delta{
		FieldStatus: status,
		FieldTimestamps: map[string]string{
			"completed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if artifactPath != "" {
		delta[FieldExportPath] = artifactPath
	}
	return delta, nil, nil
}

func (p *Pipeline) buildExportPayload(run *workflow.Run, results []scoring.StudentGradingResult, queue []ReviewItem) *ExportPayload {
	var students, failures []scoring.StudentGradingResult
	report := ClassReport{TotalStudents: len(results), ReviewQueueSize: len(queue)}

	var scoreSum, confidenceSum float64
	first := true
	for _, r := range results {
		if r.Status == "failed" {
			report.FailedCount++
			failures = append(failures, r)
			continue
		}
		report.CompletedCount++
		students = append(students, r)
		scoreSum += r.TotalScore
		confidenceSum += r.Confidence
		if r.Confidence < p.opts.ReviewThreshold {
			report.LowConfidence++
		}
		if first || r.TotalScore > report.HighestScore {
			report.HighestScore = r.TotalScore
		}
		if first || r.TotalScore < report.LowestScore {
			report.LowestScore = r.TotalScore
		}
		if r.MaxTotalScore > report.MaxScore {
			report.MaxScore = r.MaxTotalScore
		}
		first = false
	}
	if report.CompletedCount > 0 {
		report.AverageScore = scoreSum / float64(report.CompletedCount)
		report.MeanConfidence = confidenceSum / float64(report.CompletedCount)
	}

	return &ExportPayload{
		BatchID:     run.ID,
		GradingMode: p.opts.GradingMode,
		ExportedAt:  time.Now().UTC(),
		ClassReport: report,
		Students:    students,
		Failures:    failures,
		Errors:      p.errors.Records(),
		ReviewQueue: queue,
	}
}

// persist writes the run to the relational store under the persistence
// retry policy. Returns false (after recording the error) on failure.
func (p *Pipeline) persist(ctx context.Context, run *workflow.Run, payload *ExportPayload) bool {
	if p.store == nil {
		return false
	}

	in, _ := StateInputs(run.State)
	parsed, _ := StateRubric(run.State)

	err := retry.Do(ctx, retry.Persistence(), run.Logger, func(ctx context.Context) error {
		now := time.Now()
		history := &storage.GradingHistory{
			BatchID:       run.ID,
			Status:        "completed",
			TotalStudents: payload.ClassReport.TotalStudents,
			AverageScore:  payload.ClassReport.AverageScore,
			CurrentStage:  StageExport,
			CompletedAt:   &now,
		}
		if in != nil {
			history.TeacherID = in.TeacherID
			history.ClassIDs = in.ClassIDs
		}
		if parsed != nil {
			history.RubricData, _ = json.Marshal(parsed)
		}
		history.ResultData, _ = json.Marshal(payload.ClassReport)

		historyID, err := p.store.UpsertGradingHistory(ctx, history)
		if err != nil {
			return err
		}

		rows := make([]storage.StudentGradingResultRow, 0, len(payload.Students)+len(payload.Failures))
		for _, r := range append(append([]scoring.StudentGradingResult{}, payload.Students...), payload.Failures...) {
			data, _ := json.Marshal(r)
			row := storage.StudentGradingResultRow{
				GradingHistoryID: historyID,
				StudentKey:       r.StudentKey,
				StudentID:        r.StudentID,
				Score:            r.TotalScore,
				MaxScore:         r.MaxTotalScore,
				Summary:          r.StudentSummary,
				ResultData:       data,
			}
			if r.SelfAudit != nil {
				row.Confession, _ = json.Marshal(r.SelfAudit)
			}
			rows = append(rows, row)
		}
		if err := p.store.SaveStudentResults(ctx, historyID, rows); err != nil {
			return err
		}

		return p.savePageImageRefs(ctx, run, historyID)
	})
	if err != nil {
		run.Logger.Error("persistence failed, continuing with artifact export", zap.Error(err))
		p.errors.Record(KindPersistenceFailed, StageExport, err.Error())
		return false
	}
	return true
}

// savePageImageRefs records which stored file backs each (student,
// page) pair. Reference only; bytes stay in blob storage.
func (p *Pipeline) savePageImageRefs(ctx context.Context, run *workflow.Run, historyID string) error {
	if p.files == nil {
		return nil
	}
	refs, err := p.files.ListBatchFiles(ctx, run.ID)
	if err != nil || len(refs) == 0 {
		return err
	}
	boundaries, _ := StateBoundaries(run.State)

	images := make([]storage.GradingPageImage, 0, len(refs))
	for _, ref := range refs {
		images = append(images, storage.GradingPageImage{
			GradingHistoryID: historyID,
			StudentKey:       studentForPage(boundaries, ref.PageIndex),
			PageIndex:        ref.PageIndex,
			FileID:           ref.FileID,
			FileURL:          ref.FileURL,
			ContentType:      ref.ContentType,
		})
	}
	return p.store.SavePageImages(ctx, historyID, images)
}

func studentForPage(boundaries []StudentBoundary, pageIndex int) string {
	for _, b := range boundaries {
		for _, pg := range b.Pages {
			if pg == pageIndex {
				return b.StudentKey
			}
		}
	}
	return ""
}

// writeArtifacts writes the JSON result document and, when errors were
// recorded or the DB was unavailable, the error log. Returns the
// artifact path, empty on failure.
func (p *Pipeline) writeArtifacts(run *workflow.Run, payload *ExportPayload, persisted bool) string {
	if p.artifacts == nil {
		return ""
	}

	path, err := p.artifacts.WriteResult(run.ID, payload)
	if err != nil {
		run.Logger.Error("artifact write failed", zap.Error(err))
		p.errors.Record(KindPersistenceFailed, StageExport, err.Error())
		path = ""
	} else {
		run.Logger.Info("export artifact written", zap.String("path", path))
	}

	if records := p.errors.Records(); len(records) > 0 || !persisted {
		if _, err := p.artifacts.WriteErrorLog(run.ID, records); err != nil {
			run.Logger.Error("error log write failed", zap.Error(err))
		}
	}
	return path
}
