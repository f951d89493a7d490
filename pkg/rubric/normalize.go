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
	"fmt"
	"math"
	"strings"
)

// TotalScoreTolerance is the allowed drift between the declared total
// and the sum of question max scores after normalization.
const TotalScoreTolerance = 1.0

var questionIDPrefixes = []string{"第", "题目", "Q", "q"}

// NormalizeQuestionID strips decorative prefixes ("第", "题目", "Q") and
// surrounding whitespace from a question identifier so lookups agree
// across the parser, workers, and review overrides.
func NormalizeQuestionID(id string) string {
	id = strings.TrimSpace(id)
	for _, prefix := range questionIDPrefixes {
		if strings.HasPrefix(id, prefix) && len(id) > len(prefix) {
			id = id[len(prefix):]
			break
		}
	}
	id = strings.TrimSuffix(id, "题")
	return strings.TrimSpace(id)
}

// Normalize repairs a parsed rubric in place and returns it:
//
//   - question ids are normalized and made unique
//   - missing point ids are synthesized as "<qid>.<n>"
//   - missing deduction rule ids are synthesized as "<qid>.d<n>"
//   - a zero max_score defaults to the sum of the question's point scores
//   - a zero total_score defaults to the sum of question max scores
//   - negative point scores are clamped to zero
//   - the derived rubric context is re-rendered
//
// Normalize is idempotent: normalizing an already-normalized rubric is
// a no-op apart from re-rendering the derived context.
func Normalize(r *ParsedRubric) *ParsedRubric {
	if r == nil {
		return nil
	}

	seen := make(map[string]int, len(r.Questions))
	for i := range r.Questions {
		q := &r.Questions[i]
		q.QuestionID = NormalizeQuestionID(q.QuestionID)
		if q.QuestionID == "" {
			q.QuestionID = fmt.Sprintf("%d", i+1)
		}
		// Duplicate ids get a positional suffix so the registry stays
		// one-to-one.
		if n, dup := seen[q.QuestionID]; dup {
			seen[q.QuestionID] = n + 1
			q.QuestionID = fmt.Sprintf("%s_%d", q.QuestionID, n+1)
		}
		seen[q.QuestionID] = 1

		normalizeQuestion(q)
	}

	r.TotalQuestions = len(r.Questions)

	var questionSum float64
	for i := range r.Questions {
		questionSum += r.Questions[i].MaxScore
	}
	if r.TotalScore == 0 || math.Abs(r.TotalScore-questionSum) > TotalScoreTolerance {
		r.TotalScore = questionSum
	}

	if r.Confession != nil {
		r.OverallParseConfidence = r.Confession.Confidence
	}

	r.RubricContext = RenderContext(r)
	return r
}

func normalizeQuestion(q *QuestionRubric) {
	for j := range q.ScoringPoints {
		sp := &q.ScoringPoints[j]
		if sp.PointID == "" {
			sp.PointID = fmt.Sprintf("%s.%d", q.QuestionID, j+1)
		}
		if sp.Score < 0 {
			sp.Score = 0
		}
	}
	for j := range q.DeductionRules {
		dr := &q.DeductionRules[j]
		if dr.RuleID == "" {
			dr.RuleID = fmt.Sprintf("%s.d%d", q.QuestionID, j+1)
		}
	}
	if q.MaxScore == 0 {
		q.MaxScore = q.PointSum()
	}
}

// Validate reports the first structural violation, or nil. It checks
// the invariants that must hold after Normalize.
func Validate(r *ParsedRubric) error {
	if r == nil {
		return fmt.Errorf("rubric is nil")
	}
	var questionSum float64
	seen := make(map[string]bool, len(r.Questions))
	for i := range r.Questions {
		q := &r.Questions[i]
		if q.QuestionID == "" {
			return fmt.Errorf("question %d has empty id", i)
		}
		if seen[q.QuestionID] {
			return fmt.Errorf("duplicate question id %q", q.QuestionID)
		}
		seen[q.QuestionID] = true

		pointIDs := make(map[string]bool, len(q.ScoringPoints))
		for _, sp := range q.ScoringPoints {
			if sp.Score < 0 {
				return fmt.Errorf("question %s point %s has negative score", q.QuestionID, sp.PointID)
			}
			if pointIDs[sp.PointID] {
				return fmt.Errorf("question %s has duplicate point id %q", q.QuestionID, sp.PointID)
			}
			pointIDs[sp.PointID] = true
		}
		if len(q.ScoringPoints) > 0 && math.Abs(q.MaxScore-q.PointSum()) > TotalScoreTolerance {
			return fmt.Errorf("question %s max_score %.2f disagrees with point sum %.2f",
				q.QuestionID, q.MaxScore, q.PointSum())
		}
		questionSum += q.MaxScore
	}
	if math.Abs(r.TotalScore-questionSum) > TotalScoreTolerance {
		return fmt.Errorf("total_score %.2f disagrees with question sum %.2f", r.TotalScore, questionSum)
	}
	return nil
}
