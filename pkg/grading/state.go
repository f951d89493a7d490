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

// Package grading implements the batch grading pipeline: intake,
// preprocessing and boundary resolution, rubric parsing with
// self-review and human review, fan-out grading with deterministic
// finalization, a second logic-review pass, human adjudication, and
// export. The pipeline is a stage graph over pkg/workflow.
package grading

import (
	"encoding/json"
	"fmt"

	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/types"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// State field names for the batch grading run.
const (
	FieldBatchID           = "batch_id"
	FieldInputs            = "inputs"
	FieldTimestamps        = "timestamps"
	FieldProcessedImages   = "processed_images"
	FieldStudentBoundaries = "student_boundaries"
	FieldParsedRubric      = "parsed_rubric"
	FieldRubricContext     = "rubric_context"
	FieldStudentResults    = "student_results"
	FieldGradingResults    = "grading_results"
	FieldReviewQueue       = "review_queue"
	FieldLowConfidence     = "low_confidence_results"
	FieldBoundariesToCheck = "boundaries_need_confirmation"
	FieldStatus            = "status"
	FieldExportPath        = "export_path"

	// FieldBatchRetry is the fan-out retry marker set by a failed
	// worker while retry budget remains.
	FieldBatchRetry = "batch_retry_needed"
)

// StateSchema declares the reducers for the grading run state.
// student_results dedups by student key (a rescheduled worker's second
// result replaces its first); grading_results appends raw; everything
// else is last-write-wins.
func StateSchema() workflow.Schema {
	return workflow.Schema{
		FieldStudentResults:  {Reducer: workflow.UniqueAppend, IDKey: "student_key"},
		FieldGradingResults:  {Reducer: workflow.Append},
		workflow.ErrorsField: {Reducer: workflow.Append},
	}
}

// StudentMappingEntry assigns pages to one student, as an explicit page
// list or a start/end range.
type StudentMappingEntry struct {
	StudentKey  string `json:"student_key" yaml:"student_key"`
	StudentID   string `json:"student_id,omitempty" yaml:"student_id,omitempty"`
	StudentName string `json:"student_name,omitempty" yaml:"student_name,omitempty"`
	Pages       []int  `json:"pages,omitempty" yaml:"pages,omitempty"`
	StartPage   *int   `json:"start_page,omitempty" yaml:"start_page,omitempty"`
	EndPage     *int   `json:"end_page,omitempty" yaml:"end_page,omitempty"`
}

// Inputs are the caller-supplied materials for one grading run.
type Inputs struct {
	// AnswerImages are the student answer pages, in page order.
	AnswerImages []types.ImageSource `json:"answer_images,omitempty"`

	// RubricImages are the rubric pages. RubricText is an alternative
	// textual rubric; images win when both are present.
	RubricImages []types.ImageSource `json:"rubric_images,omitempty"`
	RubricText   string              `json:"rubric_text,omitempty"`

	// StudentMapping assigns pages to students explicitly.
	StudentMapping []StudentMappingEntry `json:"student_mapping,omitempty"`

	// ManualBoundaries is a list of start pages; gaps are filled.
	ManualBoundaries []int `json:"manual_boundaries,omitempty"`

	// ExpectedTotalScore guards the parsed rubric total when positive.
	ExpectedTotalScore float64 `json:"expected_total_score,omitempty"`

	// PageContexts carries optional per-page hints keyed by page index.
	PageContexts map[int]string `json:"page_contexts,omitempty"`

	TeacherID string   `json:"teacher_id,omitempty"`
	ClassIDs  []string `json:"class_ids,omitempty"`
}

// StudentBoundary is a contiguous page range owned by one student.
type StudentBoundary struct {
	StudentKey        string `json:"student_key"`
	StudentID         string `json:"student_id,omitempty"`
	StudentName       string `json:"student_name,omitempty"`
	Pages             []int  `json:"pages"`
	StartPage         int    `json:"start_page"`
	EndPage           int    `json:"end_page"`
	NeedsConfirmation bool   `json:"needs_confirmation,omitempty"`
}

// ReviewItem is one entry in the human adjudication queue.
type ReviewItem struct {
	Type        string `json:"type"` // "boundary", "confession", "question"
	StudentKey  string `json:"student_key,omitempty"`
	QuestionID  string `json:"question_id,omitempty"`
	PageIndices []int  `json:"page_indices,omitempty"`
	Reason      string `json:"reason"`
}

// decodeField JSON-round-trips a state value into out. Checkpoint
// rehydration degrades typed values to generic JSON; this recovers the
// typed view either way. Returns false when the field is absent.
func decodeField(s workflow.State, key string, out interface{}) (bool, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("field %s: not serializable: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("field %s: %w", key, err)
	}
	return true, nil
}

// StateInputs returns the run inputs from state.
func StateInputs(s workflow.State) (*Inputs, error) {
	var in Inputs
	ok, err := decodeField(s, FieldInputs, &in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("state has no inputs")
	}
	return &in, nil
}

// StateBoundaries returns the resolved student boundaries from state.
func StateBoundaries(s workflow.State) ([]StudentBoundary, error) {
	var out []StudentBoundary
	if _, err := decodeField(s, FieldStudentBoundaries, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StateProcessedImages returns the normalized page images from state.
func StateProcessedImages(s workflow.State) ([]types.ImageSource, error) {
	var out []types.ImageSource
	if _, err := decodeField(s, FieldProcessedImages, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StateRubric returns the parsed rubric from state, or nil.
func StateRubric(s workflow.State) (*rubric.ParsedRubric, error) {
	var r rubric.ParsedRubric
	ok, err := decodeField(s, FieldParsedRubric, &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// StateStudentResults returns the reduced student results from state.
func StateStudentResults(s workflow.State) ([]scoring.StudentGradingResult, error) {
	var out []scoring.StudentGradingResult
	if _, err := decodeField(s, FieldStudentResults, &out); err != nil {
		return nil, err
	}
	return out, nil
}
