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

// Package scoring is the boundary to the external vision/LLM scoring
// service. The Service interface covers rubric parsing, targeted
// re-parsing, whole-student grading, single-question regrading, and
// free-form vision analysis; LLMService implements it over an
// LLMProvider with schema-validated JSON extraction.
package scoring

import (
	"context"

	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/types"
)

// GradeStudentRequest carries everything one grading call needs. The
// rubric is the caller's private copy; the service only reads it.
type GradeStudentRequest struct {
	// Images are the student's answer pages in page order.
	Images []types.ImageSource

	// StudentKey identifies the student within the batch.
	StudentKey string

	// Rubric is the parsed rubric the grade is measured against.
	Rubric *rubric.ParsedRubric

	// PageIndices are the batch-global indices of Images, used to tag
	// results back to their source pages.
	PageIndices []int

	// PageContexts carries optional per-page hints (OCR text, prior
	// annotations) keyed by page index.
	PageContexts map[int]string

	// GradingMode adjusts the prompt ("standard", "auto",
	// "assist_teacher", "assist_student").
	GradingMode string
}

// RegradeRequest identifies a single (question, page) regrade.
type RegradeRequest struct {
	Image         types.ImageSource
	Question      *rubric.QuestionRubric
	PageIndex     int
	ReviewerNotes string
}

// Service is the scoring-service interface consumed by the grading
// pipeline stages.
type Service interface {
	// ParseRubric parses rubric pages into a structured rubric. The
	// returned rubric is not yet normalized.
	ParseRubric(ctx context.Context, images []types.ImageSource, stream types.TokenCallback) (*rubric.ParsedRubric, error)

	// ParseRubricText parses a textual rubric instead of images.
	ParseRubricText(ctx context.Context, text string, stream types.TokenCallback) (*rubric.ParsedRubric, error)

	// ReviseRubricQuestions re-parses the selected questions with the
	// reviewer's notes and returns revised question entries.
	ReviseRubricQuestions(ctx context.Context, images []types.ImageSource, questions []rubric.QuestionRubric, notes string) ([]rubric.QuestionRubric, error)

	// GradeStudent grades one student's pages in a single call.
	GradeStudent(ctx context.Context, req GradeStudentRequest, stream types.TokenCallback) (*StudentGradingResult, error)

	// GradeSingleQuestion regrades one question against one page.
	GradeSingleQuestion(ctx context.Context, req RegradeRequest) (*QuestionResult, error)

	// AnalyzeWithVision sends images plus a free-form prompt and
	// returns the raw text response. Used by rubric self-review and by
	// the text-only logic review (with no images).
	AnalyzeWithVision(ctx context.Context, images []types.ImageSource, prompt string, stream types.TokenCallback) (string, error)
}
