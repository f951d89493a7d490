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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/gradeflow/pkg/retry"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "bare object",
			input: `{"score": 8}`,
			want:  `{"score": 8}`,
		},
		{
			name:  "json code fence",
			input: "好的，以下是批改结果：\n```json\n{\"score\": 8}\n```\n希望有帮助。",
			want:  `{"score": 8}`,
		},
		{
			name:  "plain code fence",
			input: "```\n{\"score\": 8}\n```",
			want:  `{"score": 8}`,
		},
		{
			name:  "leading prose",
			input: `批改完成。{"score": 8, "feedback": "不错"}`,
			want:  `{"score": 8, "feedback": "不错"}`,
		},
		{
			name:  "trailing prose",
			input: `{"score": 8} 以上就是结果。`,
			want:  `{"score": 8}`,
		},
		{
			name:  "nested objects",
			input: `{"a": {"b": {"c": 1}}, "d": [1, 2]}`,
			want:  `{"a": {"b": {"c": 1}}, "d": [1, 2]}`,
		},
		{
			name:  "braces inside strings",
			input: `{"feedback": "见{第3}步", "score": 8}`,
			want:  `{"feedback": "见{第3}步", "score": 8}`,
		},
		{
			name:  "escaped quote inside string",
			input: `{"feedback": "he said \"}\"", "score": 8}`,
			want:  `{"feedback": "he said \"}\"", "score": 8}`,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "no object",
			input:   "抱歉，我无法批改。",
			wantErr: true,
		},
		{
			name:    "unbalanced",
			input:   `{"score": 8`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatePayloadNonRetryable(t *testing.T) {
	// Missing required question_details.
	err := validatePayload("student_result", `{"status": "completed"}`)
	require.Error(t, err)

	// Schema failures must not burn retry budget.
	assert.True(t, retry.IsNonRetryable(err))
}

func TestValidatePayloadAccepts(t *testing.T) {
	doc := `{"status": "completed", "total_score": 8, "question_details": [
		{"question_id": "1", "score": 8, "max_score": 10, "scoring_point_results": []}]}`
	require.NoError(t, validatePayload("student_result", doc))

	// Numeric question ids are legal on the wire.
	doc = `{"question_details": [{"question_id": 1}]}`
	require.NoError(t, validatePayload("student_result", doc))
}
