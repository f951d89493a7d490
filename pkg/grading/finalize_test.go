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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
)

func testRegistry() *rubric.Registry {
	return rubric.NewRegistry(&rubric.ParsedRubric{
		Questions: []rubric.QuestionRubric{
			{
				QuestionID: "1",
				MaxScore:   10,
				ScoringPoints: []rubric.ScoringPoint{
					{PointID: "1.1", Description: "列出方程", Score: 4},
					{PointID: "1.2", Description: "正确求解", Score: 6},
				},
			},
		},
	})
}

func TestFinalizeMissingPointExpanded(t *testing.T) {
	result := &scoring.StudentGradingResult{
		StudentKey: "学生1",
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      4,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "设x为未知数", RubricReference: "1.1"},
			},
		}},
	}

	FinalizeStudentResult(result, testRegistry(), Options{}.WithDefaults(), zaptest.NewLogger(t))

	q := &result.QuestionDetails[0]
	require.Len(t, q.ScoringPointResults, 2)
	missing := q.ScoringPointResults[1]
	assert.Equal(t, "1.2", missing.PointID)
	assert.Zero(t, missing.Awarded)
	assert.Equal(t, 6.0, missing.MaxPoints)
	assert.True(t, q.HasFlag(scoring.FlagMissingScoringPoints))

	require.NotEmpty(t, q.ReviewCorrections)
	assert.Equal(t, "Missing scoring point; added with 0 score.", q.ReviewCorrections[0].Reason)

	// Score is reconciled to the point sum.
	assert.InDelta(t, 4.0, q.Score, 1e-6)
	assert.Equal(t, 10.0, q.MaxScore)
}

func TestFinalizeCanonicalizesQuestionID(t *testing.T) {
	result := &scoring.StudentGradingResult{
		StudentKey: "学生1",
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "第1题",
			Score:      10,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "设x为未知数"},
				{PointID: "1.2", Awarded: 6, MaxPoints: 6, Evidence: "x=3"},
			},
		}},
	}

	FinalizeStudentResult(result, testRegistry(), Options{}.WithDefaults(), zaptest.NewLogger(t))

	// The decorated id is rewritten so later passes address the
	// question by its rubric id.
	assert.Nil(t, result.Question("第1题"))
	q := result.Question("1")
	require.NotNil(t, q)
	assert.Equal(t, "1", q.QuestionID)
	assert.Equal(t, 10.0, q.MaxScore, "rubric entry found despite the decorated id")
}

func TestFinalizeClampsAwardAndScore(t *testing.T) {
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      99,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 7, MaxPoints: 4, Evidence: "a", RubricReference: "r"},
				{PointID: "1.2", Awarded: -2, MaxPoints: 6, Evidence: "b", RubricReference: "r"},
			},
		}},
	}

	FinalizeStudentResult(result, testRegistry(), Options{}.WithDefaults(), zaptest.NewLogger(t))

	q := &result.QuestionDetails[0]
	assert.Equal(t, 4.0, q.ScoringPointResults[0].Awarded, "award clamped to rubric point score")
	assert.Zero(t, q.ScoringPointResults[1].Awarded, "negative award clamped to zero")
	assert.InDelta(t, 4.0, q.Score, 1e-6)
	assert.True(t, q.HasFlag(scoring.FlagScoreAdjusted))
}

func TestFinalizeEvidenceSubstitution(t *testing.T) {
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      10,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "由三角形内角和", RubricReference: "r"},
				{PointID: "1.2", Awarded: 6, MaxPoints: 6, Evidence: "未找到", RubricReference: "r"},
			},
		}},
	}

	FinalizeStudentResult(result, testRegistry(), Options{}.WithDefaults(), zaptest.NewLogger(t))

	q := &result.QuestionDetails[0]
	assert.Equal(t, "【原文引用】由三角形内角和", q.ScoringPointResults[1].Evidence)
	assert.True(t, q.HasFlag(scoring.FlagMissingEvidence))
}

func TestFinalizeEvidenceNotFoundLiteral(t *testing.T) {
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 0, MaxPoints: 4, Evidence: "未识别", RubricReference: "r"},
				{PointID: "1.2", Awarded: 0, MaxPoints: 6, Evidence: "", RubricReference: "r"},
			},
		}},
	}

	FinalizeStudentResult(result, testRegistry(), Options{}.WithDefaults(), zaptest.NewLogger(t))

	q := &result.QuestionDetails[0]
	assert.Equal(t, EvidenceNotFound, q.ScoringPointResults[0].Evidence)
	assert.Equal(t, EvidenceNotFound, q.ScoringPointResults[1].Evidence)
}

func TestFinalizeConfidenceFormula(t *testing.T) {
	// Full coverage, full evidence, no adjustment, objective question,
	// all references present: 0.2 + 0.5 + 0.2 + 0.1 = 1.0.
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      10,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "a", RubricReference: "r"},
				{PointID: "1.2", Awarded: 6, MaxPoints: 6, Evidence: "b", RubricReference: "r"},
			},
		}},
	}
	FinalizeStudentResult(result, testRegistry(), Options{}.WithDefaults(), zaptest.NewLogger(t))
	assert.InDelta(t, 1.0, result.QuestionDetails[0].Confidence, 1e-9)
}

func TestFinalizeConfidenceScaling(t *testing.T) {
	// One point missing, its evidence missing, score adjusted,
	// subjective, alternative used, one missing rubric reference.
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID:              "1",
			QuestionType:            "主观题",
			Score:                   8,
			AlternativeSolutionUsed: true,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "a"},
			},
		}},
	}
	FinalizeStudentResult(result, testRegistry(), Options{}.WithDefaults(), zaptest.NewLogger(t))

	q := &result.QuestionDetails[0]
	require.True(t, q.HasFlag(scoring.FlagScoreAdjusted))

	// coverage=1/2, evidence_ok=1/2 (expansion point has no evidence),
	// consistency=0.6; base = 0.2 + 0.25 + 0.1 + 0.06 = 0.61; then
	// ×0.85 (subjective) ×0.9 (alternative) ×(0.6+0.4·0) since both
	// the present point and the expansion lack references.
	expected := 0.61 * 0.85 * 0.9 * 0.6
	assert.InDelta(t, expected, q.Confidence, 1e-9)
	assert.True(t, q.Confidence >= 0 && q.Confidence <= 1)
}

func TestFinalizeZeroExpectedPoints(t *testing.T) {
	registry := rubric.NewRegistry(&rubric.ParsedRubric{
		Questions: []rubric.QuestionRubric{{QuestionID: "1", MaxScore: 5}},
	})
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      5,
			Confidence: 0.9,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "x", Awarded: 5},
			},
		}},
	}
	FinalizeStudentResult(result, registry, Options{}.WithDefaults(), zaptest.NewLogger(t))

	q := &result.QuestionDetails[0]
	assert.Empty(t, q.ScoringPointResults)
	assert.Zero(t, q.Score)
	assert.Zero(t, q.MaxScore)
	assert.Zero(t, q.Confidence)
}

func TestFinalizeIdempotent(t *testing.T) {
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      4,
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "a", RubricReference: "r"},
			},
		}},
	}
	opts := Options{}.WithDefaults()
	logger := zaptest.NewLogger(t)
	FinalizeStudentResult(result, testRegistry(), opts, logger)
	snapshot := result.QuestionDetails[0]

	FinalizeStudentResult(result, testRegistry(), opts, logger)
	after := result.QuestionDetails[0]

	assert.Equal(t, snapshot.Score, after.Score)
	assert.Equal(t, snapshot.Confidence, after.Confidence)
	assert.Equal(t, len(snapshot.ScoringPointResults), len(after.ScoringPointResults))
	assert.Equal(t, len(snapshot.ReviewCorrections), len(after.ReviewCorrections),
		"re-finalizing must not duplicate corrections")
}

func TestFinalizeAssistModeZeroesScores(t *testing.T) {
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      8,
			Feedback:   "解题思路清晰",
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "a"},
			},
		}},
	}
	opts := Options{GradingMode: ModeAssistTeacher}.WithDefaults()
	FinalizeStudentResult(result, testRegistry(), opts, zaptest.NewLogger(t))

	q := &result.QuestionDetails[0]
	assert.Zero(t, q.Score)
	assert.Zero(t, q.ScoringPointResults[0].Awarded)
	assert.Equal(t, "解题思路清晰", q.Feedback)
	assert.Len(t, q.ScoringPointResults, 1, "assist mode must not expand missing points")
	assert.Zero(t, result.TotalScore)
}

func TestFinalizeScoreSumInvariant(t *testing.T) {
	result := &scoring.StudentGradingResult{
		QuestionDetails: []scoring.QuestionResult{{
			QuestionID: "1",
			Score:      9.8, // within 0.25 of the sum: aligned silently
			ScoringPointResults: []scoring.ScoringPointResult{
				{PointID: "1.1", Awarded: 4, MaxPoints: 4, Evidence: "a", RubricReference: "r"},
				{PointID: "1.2", Awarded: 6, MaxPoints: 6, Evidence: "b", RubricReference: "r"},
			},
		}},
	}
	FinalizeStudentResult(result, testRegistry(), Options{}.WithDefaults(), zaptest.NewLogger(t))

	q := &result.QuestionDetails[0]
	var sum float64
	for _, pr := range q.ScoringPointResults {
		sum += pr.Awarded
	}
	assert.True(t, math.Abs(q.Score-sum) < 1e-6)
	assert.False(t, q.HasFlag(scoring.FlagScoreAdjusted))
}

func TestIsPlaceholderEvidence(t *testing.T) {
	assert.True(t, isPlaceholderEvidence(""))
	assert.True(t, isPlaceholderEvidence("未找到"))
	assert.True(t, isPlaceholderEvidence("【原文引用】未找到"))
	assert.True(t, isPlaceholderEvidence("  未识别  "))
	assert.False(t, isPlaceholderEvidence("由三角形内角和"))
}

func TestTrimRuneSafe(t *testing.T) {
	assert.Equal(t, "评分…", Trim("评分标准很长", 2))
	assert.Equal(t, "short", Trim("short", 10))
	assert.Equal(t, "anything", Trim("anything", 0))
}
