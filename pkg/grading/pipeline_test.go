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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/storage"
	"github.com/teradata-labs/gradeflow/pkg/types"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// stubScorer is a canned scoring service. gradeFailures counts down:
// while positive, GradeStudent fails.
type stubScorer struct {
	mu            sync.Mutex
	rubric        *rubric.ParsedRubric
	gradeFailures int
	gradeCalls    int
	reviewReply   string
	reviewErr     error
}

func newStubScorer() *stubScorer {
	return &stubScorer{
		rubric: &rubric.ParsedRubric{
			Questions: []rubric.QuestionRubric{{
				QuestionID: "1",
				MaxScore:   10,
				ScoringPoints: []rubric.ScoringPoint{
					{PointID: "1.1", Description: "列式", Score: 4},
					{PointID: "1.2", Description: "求解", Score: 6},
				},
			}},
			Confession: &rubric.Confession{Confidence: 0.95},
		},
		reviewErr: errors.New("logic review unavailable"),
	}
}

func (s *stubScorer) ParseRubric(ctx context.Context, images []types.ImageSource, stream types.TokenCallback) (*rubric.ParsedRubric, error) {
	return s.rubric.Clone(), nil
}

func (s *stubScorer) ParseRubricText(ctx context.Context, text string, stream types.TokenCallback) (*rubric.ParsedRubric, error) {
	return s.rubric.Clone(), nil
}

func (s *stubScorer) ReviseRubricQuestions(ctx context.Context, images []types.ImageSource, questions []rubric.QuestionRubric, notes string) ([]rubric.QuestionRubric, error) {
	return questions, nil
}

func (s *stubScorer) GradeStudent(ctx context.Context, req scoring.GradeStudentRequest, stream types.TokenCallback) (*scoring.StudentGradingResult, error) {
	s.mu.Lock()
	s.gradeCalls++
	fail := s.gradeFailures > 0
	if fail {
		s.gradeFailures--
	}
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("scoring service unavailable")
	}
	return &scoring.StudentGradingResult{
		Status:     "completed",
		StudentKey: req.StudentKey,
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      8,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Decision: "得分", Awarded: 4, MaxPoints: 4, Evidence: "设x", RubricReference: "1.1"},
				{PointID: "1.2", Decision: "部分得分", Awarded: 4, MaxPoints: 6, Evidence: "解得x=2", RubricReference: "1.2"},
			},
		}},
	}, nil
}

func (s *stubScorer) GradeSingleQuestion(ctx context.Context, req scoring.RegradeRequest) (*scoring.QuestionResult, error) {
	return &scoring.QuestionResult{
		QuestionID: req.Question.QuestionID,
		Score:      10,
		Feedback:   "复核后满分",
		ScoringPointResults: []scoring.ScoringPointResult{
			{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "设x", RubricReference: "1.1"},
			{PointID: "1.2", Awarded: 6, MaxPoints: 6, Evidence: "解得x=2", RubricReference: "1.2"},
		},
	}, nil
}

func (s *stubScorer) AnalyzeWithVision(ctx context.Context, images []types.ImageSource, prompt string, stream types.TokenCallback) (string, error) {
	if s.reviewErr != nil {
		return "", s.reviewErr
	}
	return s.reviewReply, nil
}

var _ scoring.Service = (*stubScorer)(nil)

// typedResponder answers interrupts with a canned response per request
// type.
type typedResponder struct {
	responses map[string]*workflow.AutoResponder
}

func (r *typedResponder) Request(ctx context.Context, req *workflow.InterruptRequest) error {
	return nil
}

func (r *typedResponder) Await(ctx context.Context, req *workflow.InterruptRequest) (*workflow.InterruptResponse, error) {
	responder, ok := r.responses[req.Type]
	if !ok {
		responder = &workflow.AutoResponder{Action: workflow.ActionApprove}
	}
	return responder.Await(ctx, req)
}

func testInputs(pages int) *Inputs {
	images := make([]types.ImageSource, pages)
	for i := range images {
		images[i] = types.ImageSource{Type: "base64", MediaType: "image/jpeg", Data: "aW1n"}
	}
	return &Inputs{
		AnswerImages: images,
		RubricText:   "第1题共10分",
		StudentMapping: []StudentMappingEntry{
			{StudentKey: "张三", Pages: []int{0}},
			{StudentKey: "李四", Pages: []int{1}},
		},
	}
}

func newTestPipeline(t *testing.T, scorer scoring.Service, opts Options) *Pipeline {
	t.Helper()
	opts.DisableProgressBroadcast = true
	if opts.ExportDir == "" {
		opts.ExportDir = t.TempDir()
	}
	p, err := NewPipeline(Config{
		Scorer:    scorer,
		Artifacts: storage.NewArtifactWriter(opts.ExportDir),
		Logger:    zaptest.NewLogger(t),
		Options:   opts,
	})
	require.NoError(t, err)
	return p
}

func TestPipelineHappyPath(t *testing.T) {
	scorer := newStubScorer()
	p := newTestPipeline(t, scorer, Options{})

	final, err := p.Run(context.Background(), "batch-1", testInputs(2))
	require.NoError(t, err)

	assert.Equal(t, workflow.End, final.GetString(workflow.FieldCurrentStage))
	assert.Equal(t, "completed", final.GetString(FieldStatus))
	assert.NotEmpty(t, final.GetString(FieldExportPath))

	results, err := StateStudentResults(final)
	require.NoError(t, err)
	require.Len(t, results, 2)
	keys := map[string]bool{}
	for _, r := range results {
		keys[r.StudentKey] = true
		assert.Equal(t, "completed", r.Status)
		assert.InDelta(t, 8.0, r.TotalScore, 1e-6)
		assert.Equal(t, 10.0, r.MaxTotalScore)
		require.Len(t, r.QuestionDetails, 1)
		assert.True(t, r.QuestionDetails[0].Finalized)
		// Logic review call failed in the stub: rule-based pass ran.
		assert.True(t, r.QuestionDetails[0].LogicReviewed)
	}
	assert.True(t, keys["张三"] && keys["李四"])
}

func TestPipelineWorkerRetrySucceeds(t *testing.T) {
	scorer := newStubScorer()
	scorer.gradeFailures = 1
	p := newTestPipeline(t, scorer, Options{
		RetryDelay: 1, // nanoseconds; keep the test fast
	})

	final, err := p.Run(context.Background(), "batch-retry", &Inputs{
		AnswerImages: []types.ImageSource{{Type: "base64", MediaType: "image/jpeg", Data: "aW1n"}},
		RubricText:   "第1题共10分",
	})
	require.NoError(t, err)

	results, err := StateStudentResults(final)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "completed", results[0].Status, "rescheduled unit replaced the failed result")
	assert.Equal(t, 1, results[0].RetryCount)
	assert.GreaterOrEqual(t, scorer.gradeCalls, 2)
}

func TestPipelineWorkerExhaustsRetries(t *testing.T) {
	scorer := newStubScorer()
	scorer.gradeFailures = 100
	p := newTestPipeline(t, scorer, Options{RetryDelay: 1})

	final, err := p.Run(context.Background(), "batch-fail", &Inputs{
		AnswerImages: []types.ImageSource{{Type: "base64", MediaType: "image/jpeg", Data: "aW1n"}},
		RubricText:   "第1题共10分",
	})
	require.NoError(t, err, "worker failure must not fail the pipeline")

	results, err := StateStudentResults(final)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "failed", results[0].Status)
	require.Len(t, results[0].PageResults, 1)
	assert.Equal(t, "failed", results[0].PageResults[0].Status)
	assert.Equal(t, "failed", final.GetString(FieldStatus))
}

func TestPipelineRubricScoreMismatchFatal(t *testing.T) {
	scorer := newStubScorer()
	p := newTestPipeline(t, scorer, Options{})

	in := testInputs(2)
	in.ExpectedTotalScore = 100

	_, err := p.Run(context.Background(), "batch-mismatch", in)
	require.Error(t, err)
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindRubricScoreMismatch, gerr.Kind)
}

func TestPipelineInvalidInputsFatal(t *testing.T) {
	p := newTestPipeline(t, newStubScorer(), Options{})
	_, err := p.Run(context.Background(), "batch-bad", &Inputs{})
	require.Error(t, err)
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindInputInvalid, gerr.Kind)
}

func TestPipelineResultsReviewRegrade(t *testing.T) {
	scorer := newStubScorer()
	p := newTestPipeline(t, scorer, Options{EnableReview: true})
	// Approve the rubric; answer the results review with a regrade of
	// 张三's Q1.
	p.engine = workflow.NewEngine(workflow.Config{
		Logger: zaptest.NewLogger(t),
		Interrupter: &typedResponder{responses: map[string]*workflow.AutoResponder{
			"rubric_review": {Action: workflow.ActionApprove},
			"results_review_required": {
				Action:  workflow.ActionRegrade,
				Payload: []byte(`{"regrade_items":[{"student_key":"张三","question_id":"1","page_indices":[0]}]}`),
			},
		}},
	})

	final, err := p.Run(context.Background(), "batch-regrade", testInputs(2))
	require.NoError(t, err)

	results, err := StateStudentResults(final)
	require.NoError(t, err)
	require.Len(t, results, 2)

	var regraded *scoring.StudentGradingResult
	for i := range results {
		if results[i].StudentKey == "张三" {
			regraded = &results[i]
		}
	}
	require.NotNil(t, regraded)
	q := regraded.Question("1")
	require.NotNil(t, q)
	assert.Equal(t, 10.0, q.Score, "regrade won by (confidence, score, feedback) tuple")
	assert.Equal(t, 10.0, regraded.TotalScore)
}

func TestPipelineLogicReviewMerge(t *testing.T) {
	scorer := newStubScorer()
	scorer.reviewErr = nil
	scorer.reviewReply = `{"student_key":"学生1","question_reviews":[{"question_id":"1",
	  "confidence":0.75,"review_summary":"第2点部分给分合理",
	  "review_corrections":[{"point_id":"1.2","correct_awarded":3,"review_reason":"证据只支持一半"}]}]}`
	p := newTestPipeline(t, scorer, Options{})

	final, err := p.Run(context.Background(), "batch-review", &Inputs{
		AnswerImages: []types.ImageSource{{Type: "base64", MediaType: "image/jpeg", Data: "aW1n"}},
		RubricText:   "第1题共10分",
	})
	require.NoError(t, err)

	results, err := StateStudentResults(final)
	require.NoError(t, err)
	require.Len(t, results, 1)
	q := results[0].Question("1")
	require.NotNil(t, q)
	assert.Equal(t, 0.75, q.Confidence)
	assert.Equal(t, 7.0, q.Score, "correction moved the point from 4 to 3")
	assert.True(t, q.ScoringPointResults[1].ReviewAdjusted)
	require.NotNil(t, q.ScoringPointResults[1].ReviewBefore)
}

func TestPipelinePersistsToStore(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(dir + "/gradeflow.db")
	require.NoError(t, err)
	defer store.Close()

	scorer := newStubScorer()
	opts := Options{DisableProgressBroadcast: true, ExportDir: t.TempDir()}
	p, err := NewPipeline(Config{
		Scorer:    scorer,
		Store:     store,
		Artifacts: storage.NewArtifactWriter(opts.ExportDir),
		Logger:    zaptest.NewLogger(t),
		Options:   opts,
	})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), "batch-db", testInputs(2))
	require.NoError(t, err)

	history, err := store.GetGradingHistory(context.Background(), "batch-db")
	require.NoError(t, err)
	require.NotNil(t, history)
	assert.Equal(t, 2, history.TotalStudents)
	assert.InDelta(t, 8.0, history.AverageScore, 1e-6)

	rows, err := store.ListStudentResults(context.Background(), history.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
