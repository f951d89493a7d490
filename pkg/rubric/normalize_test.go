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

package rubric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeQuestionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1", "1"},
		{"第1题", "1"},
		{"第12", "12"},
		{"题目3", "3"},
		{"Q4", "4"},
		{"q5", "5"},
		{" 2 ", "2"},
		{"", ""},
		{"Q", "Q"}, // bare prefix is kept, there is nothing behind it
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeQuestionID(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeSynthesizesIDsAndTotals(t *testing.T) {
	r := &ParsedRubric{
		Questions: []QuestionRubric{
			{
				QuestionID: "1",
				MaxScore:   10,
				ScoringPoints: []ScoringPoint{
					{Description: "x", Score: 6},
					{Description: "y", Score: 4},
				},
				DeductionRules: []DeductionRule{
					{Description: "missing units", Deduction: 1},
				},
			},
		},
	}

	Normalize(r)

	require.Len(t, r.Questions, 1)
	q := r.Questions[0]
	assert.Equal(t, "1.1", q.ScoringPoints[0].PointID)
	assert.Equal(t, "1.2", q.ScoringPoints[1].PointID)
	assert.Equal(t, "1.d1", q.DeductionRules[0].RuleID)
	assert.Equal(t, 10.0, r.TotalScore)
	assert.Equal(t, 1, r.TotalQuestions)
	assert.NotEmpty(t, r.RubricContext)
}

func TestNormalizeDefaultsMaxScoreFromPoints(t *testing.T) {
	r := &ParsedRubric{
		Questions: []QuestionRubric{
			{
				QuestionID: "第2题",
				ScoringPoints: []ScoringPoint{
					{PointID: "2.1", Score: 3},
					{PointID: "2.2", Score: 2.5},
				},
			},
		},
	}

	Normalize(r)

	assert.Equal(t, "2", r.Questions[0].QuestionID)
	assert.Equal(t, 5.5, r.Questions[0].MaxScore)
	assert.Equal(t, 5.5, r.TotalScore)
}

func TestNormalizeIdempotent(t *testing.T) {
	r := &ParsedRubric{
		TotalScore: 0,
		Questions: []QuestionRubric{
			{QuestionID: "Q1", MaxScore: 4, ScoringPoints: []ScoringPoint{{Score: 4}}},
			{QuestionID: "2", MaxScore: 6, ScoringPoints: []ScoringPoint{{Score: 6}}},
		},
	}

	Normalize(r)
	first := *r.Clone()
	Normalize(r)

	assert.Equal(t, first.TotalScore, r.TotalScore)
	assert.Equal(t, first.Questions, r.Questions)
	assert.Equal(t, first.RubricContext, r.RubricContext)
	require.NoError(t, Validate(r))
}

func TestNormalizeDisambiguatesDuplicateIDs(t *testing.T) {
	r := &ParsedRubric{
		Questions: []QuestionRubric{
			{QuestionID: "1", MaxScore: 5},
			{QuestionID: "第1题", MaxScore: 5},
		},
	}

	Normalize(r)

	assert.Equal(t, "1", r.Questions[0].QuestionID)
	assert.Equal(t, "1_1", r.Questions[1].QuestionID)
	require.NoError(t, Validate(r))
}

func TestNormalizeClampsNegativePointScores(t *testing.T) {
	r := &ParsedRubric{
		Questions: []QuestionRubric{
			{QuestionID: "1", ScoringPoints: []ScoringPoint{{Score: -2}, {Score: 5}}},
		},
	}

	Normalize(r)

	assert.Equal(t, 0.0, r.Questions[0].ScoringPoints[0].Score)
	assert.Equal(t, 5.0, r.Questions[0].MaxScore)
}

func TestValidateRejectsDrift(t *testing.T) {
	r := &ParsedRubric{
		TotalScore: 20,
		Questions: []QuestionRubric{
			{QuestionID: "1", MaxScore: 10, ScoringPoints: []ScoringPoint{{PointID: "1.1", Score: 10}}},
		},
	}
	err := Validate(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total_score")
}

func TestRenderContextDeterministic(t *testing.T) {
	r := &ParsedRubric{
		TotalScore: 10,
		Questions: []QuestionRubric{
			{
				QuestionID:     "1",
				MaxScore:       10,
				StandardAnswer: "42",
				ScoringPoints: []ScoringPoint{
					{PointID: "1.1", Description: "setup", Score: 6, IsRequired: true, Keywords: []string{"内角和"}},
					{PointID: "1.2", Description: "result", Score: 4},
				},
			},
		},
	}

	a := RenderContext(r)
	b := RenderContext(r)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "第1题")
	assert.Contains(t, a, "必得点")
	assert.Contains(t, a, "内角和")
}

func TestRegistryLookup(t *testing.T) {
	r := Normalize(&ParsedRubric{
		Questions: []QuestionRubric{
			{QuestionID: "1", MaxScore: 5, ScoringPoints: []ScoringPoint{{Score: 5}}},
			{QuestionID: "2", MaxScore: 5, ScoringPoints: []ScoringPoint{{Score: 5}}},
		},
	})

	reg := NewRegistry(r)
	require.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"1", "2"}, reg.QuestionIDs())

	q := reg.Lookup("第1题")
	require.NotNil(t, q)
	assert.Equal(t, "1", q.QuestionID)
	assert.Nil(t, reg.Lookup("9"))

	// Registry holds a private copy: mutating it never leaks upstream.
	q.MaxScore = 99
	assert.Equal(t, 5.0, r.Questions[0].MaxScore)
}
