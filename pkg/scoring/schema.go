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

package scoring

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/teradata-labs/gradeflow/pkg/retry"
)

// JSON Schemas for the scoring-service reply shapes. Validation runs
// before decoding; a schema failure is a malformed model response, so
// it is marked non-retryable and the caller falls back or fails fast
// instead of burning retry budget on the same bad payload.

const rubricParseSchema = `{
	"type": "object",
	"required": ["questions"],
	"properties": {
		"total_questions": {"type": "number"},
		"total_score": {"type": ["number", "null"]},
		"rubric_format": {"type": "string"},
		"general_notes": {"type": "string"},
		"confession": {"type": "object"},
		"questions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": ["string", "number"]},
					"question_id": {"type": ["string", "number"]},
					"max_score": {"type": ["number", "null"]},
					"scoring_points": {"type": "array"}
				}
			}
		}
	}
}`

const studentResultSchema = `{
	"type": "object",
	"required": ["question_details"],
	"properties": {
		"status": {"type": "string"},
		"student_key": {"type": "string"},
		"total_score": {"type": "number"},
		"max_score": {"type": "number"},
		"confidence": {"type": "number"},
		"overall_feedback": {"type": "string"},
		"question_details": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["question_id"],
				"properties": {
					"question_id": {"type": ["string", "number"]},
					"score": {"type": "number"},
					"max_score": {"type": "number"},
					"scoring_point_results": {"type": "array"}
				}
			}
		}
	}
}`

const selfReviewSchema = `{
	"type": "object",
	"required": ["has_changes"],
	"properties": {
		"has_changes": {"type": "boolean"},
		"changes": {"type": "array", "items": {"type": "string"}},
		"updated_confidence": {"type": "number"},
		"corrections": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["question_id", "field", "new_value"],
				"properties": {
					"question_id": {"type": ["string", "number"]},
					"field": {"enum": ["max_score", "scoring_points", "standard_answer"]}
				}
			}
		}
	}
}`

const logicReviewSchema = `{
	"type": "object",
	"required": ["question_reviews"],
	"properties": {
		"student_key": {"type": "string"},
		"question_reviews": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["question_id"],
				"properties": {
					"question_id": {"type": ["string", "number"]},
					"confidence": {"type": "number"},
					"review_corrections": {"type": "array"}
				}
			}
		},
		"self_audit": {"type": "object"}
	}
}`

const questionResultSchema = `{
	"type": "object",
	"required": ["question_id"],
	"properties": {
		"question_id": {"type": ["string", "number"]},
		"score": {"type": "number"},
		"max_score": {"type": "number"},
		"confidence": {"type": "number"},
		"scoring_point_results": {"type": "array"}
	}
}`

var compiledSchemas = map[string]*gojsonschema.Schema{}

func init() {
	for name, raw := range map[string]string{
		"rubric_parse":    rubricParseSchema,
		"student_result":  studentResultSchema,
		"self_review":     selfReviewSchema,
		"logic_review":    logicReviewSchema,
		"question_result": questionResultSchema,
	} {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("scoring: invalid %s schema: %v", name, err))
		}
		compiledSchemas[name] = schema
	}
}

// validatePayload checks the JSON document against the named schema.
// Failures come back wrapped in retry.NonRetryable.
func validatePayload(schemaName, document string) error {
	schema, ok := compiledSchemas[schemaName]
	if !ok {
		return fmt.Errorf("unknown schema %q", schemaName)
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(document))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("%s: response is not valid JSON: %w", schemaName, err))
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return retry.NonRetryable(fmt.Errorf("%s: response failed validation: %s", schemaName, strings.Join(problems, "; ")))
}
