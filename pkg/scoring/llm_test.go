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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/gradeflow/pkg/retry"
	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/types"
)

// mockProvider replays canned responses and records requests.
type mockProvider struct {
	responses []string
	err       error
	calls     int
	lastMsgs  []types.Message
	streamed  []string
}

func (m *mockProvider) Chat(ctx context.Context, messages []types.Message) (*types.LLMResponse, error) {
	m.calls++
	m.lastMsgs = messages
	if m.err != nil {
		return nil, m.err
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return &types.LLMResponse{Content: resp}, nil
}

func (m *mockProvider) ChatStream(ctx context.Context, messages []types.Message, cb types.TokenCallback) (*types.LLMResponse, error) {
	resp, err := m.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	if cb != nil {
		cb("output", resp.Content)
		m.streamed = append(m.streamed, resp.Content)
	}
	return resp, nil
}

func (m *mockProvider) Name() string  { return "mock" }
func (m *mockProvider) Model() string { return "mock-1" }

func newTestService(t *testing.T, provider *mockProvider) *LLMService {
	t.Helper()
	return NewLLMService(LLMServiceConfig{
		Provider: provider,
		Logger:   zaptest.NewLogger(t),
	})
}

func rubricImages() []types.ImageSource {
	return []types.ImageSource{{Type: "base64", MediaType: "image/jpeg", Data: "aW1n"}}
}

func TestParseRubric(t *testing.T) {
	provider := &mockProvider{responses: []string{"解析结果：\n```json\n" + `{
		"total_questions": 1,
		"total_score": null,
		"confession": {"risks": [], "needsReview": ["第1题满分不确定"], "confidence": 0.85},
		"questions": [{
			"id": 1,
			"max_score": 10,
			"standard_answer": "x=2",
			"scoring_points": [
				{"description": "列方程", "score": 6, "is_required": true},
				{"description": "求解", "score": 4}
			]
		}]
	}` + "\n```"}}

	svc := newTestService(t, provider)
	parsed, err := svc.ParseRubric(context.Background(), rubricImages(), nil)
	require.NoError(t, err)

	require.Len(t, parsed.Questions, 1)
	assert.Equal(t, "1", parsed.Questions[0].QuestionID, "numeric id coerced to string")
	assert.Equal(t, 10.0, parsed.Questions[0].MaxScore)
	assert.Equal(t, 0.85, parsed.OverallParseConfidence)
	require.NotNil(t, parsed.Confession)
	assert.Equal(t, []string{"第1题满分不确定"}, parsed.Confession.NeedsReview)
}

func TestParseRubricNoImages(t *testing.T) {
	svc := newTestService(t, &mockProvider{})
	_, err := svc.ParseRubric(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, retry.IsNonRetryable(err))
}

func TestParseRubricMalformedReply(t *testing.T) {
	provider := &mockProvider{responses: []string{"抱歉，图片太模糊了。"}}
	svc := newTestService(t, provider)
	_, err := svc.ParseRubric(context.Background(), rubricImages(), nil)
	require.Error(t, err)
	assert.True(t, retry.IsNonRetryable(err), "malformed reply must not be retried verbatim")
}

func TestGradeStudent(t *testing.T) {
	provider := &mockProvider{responses: []string{`{
		"status": "completed",
		"total_score": 8,
		"max_score": 10,
		"confidence": 0.9,
		"question_details": [{
			"question_id": 1,
			"score": 8,
			"max_score": 10,
			"confidence": 0.9,
			"scoring_point_results": [
				{"point_id": "1.1", "decision": "得分", "awarded": 6, "max_points": 6, "evidence": "由三角形内角和"},
				{"point_id": "1.2", "decision": "部分得分", "awarded": 2, "max_points": 4}
			]
		}]
	}`}}

	svc := newTestService(t, provider)
	r := &rubric.ParsedRubric{
		TotalScore: 10,
		Questions: []rubric.QuestionRubric{{
			QuestionID: "1",
			MaxScore:   10,
			ScoringPoints: []rubric.ScoringPoint{
				{PointID: "1.1", Score: 6},
				{PointID: "1.2", Score: 4},
			},
		}},
	}

	var chunks []string
	result, err := svc.GradeStudent(context.Background(), GradeStudentRequest{
		Images:      rubricImages(),
		StudentKey:  "学生1",
		Rubric:      r,
		PageIndices: []int{0},
	}, func(chunkType, chunk string) { chunks = append(chunks, chunkType) })
	require.NoError(t, err)

	assert.Equal(t, "学生1", result.StudentKey, "student key filled from request")
	assert.Equal(t, 8.0, result.TotalScore)
	require.Len(t, result.QuestionDetails, 1)
	assert.Equal(t, "1", result.QuestionDetails[0].QuestionID)
	assert.Len(t, result.QuestionDetails[0].ScoringPointResults, 2)
	assert.NotEmpty(t, chunks, "streaming callback forwarded")
}

func TestGradeStudentAssistModePrompt(t *testing.T) {
	provider := &mockProvider{responses: []string{`{"question_details": []}`}}
	svc := newTestService(t, provider)

	_, err := svc.GradeStudent(context.Background(), GradeStudentRequest{
		Images:      rubricImages(),
		StudentKey:  "学生1",
		Rubric:      &rubric.ParsedRubric{},
		GradingMode: "assist_teacher",
	}, nil)
	require.NoError(t, err)

	require.NotEmpty(t, provider.lastMsgs)
	assert.Contains(t, provider.lastMsgs[0].Content, "辅助模式")
}

func TestGradeSingleQuestion(t *testing.T) {
	provider := &mockProvider{responses: []string{`{
		"question_id": "3",
		"score": 5,
		"max_score": 6,
		"confidence": 0.8,
		"scoring_point_results": [{"point_id": "3.1", "awarded": 5, "max_points": 6}]
	}`}}
	svc := newTestService(t, provider)

	q := &rubric.QuestionRubric{QuestionID: "3", MaxScore: 6}
	result, err := svc.GradeSingleQuestion(context.Background(), RegradeRequest{
		Image:     rubricImages()[0],
		Question:  q,
		PageIndex: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, result.Score)
	assert.Equal(t, []int{2}, result.PageIndices, "page index defaulted from request")
}

func TestAnalyzeWithVisionTextOnly(t *testing.T) {
	provider := &mockProvider{responses: []string{"自由文本回复"}}
	svc := newTestService(t, provider)

	out, err := svc.AnalyzeWithVision(context.Background(), nil, "审查以下结果", nil)
	require.NoError(t, err)
	assert.Equal(t, "自由文本回复", out)

	// Text-only call carries no image blocks.
	require.Len(t, provider.lastMsgs, 1)
	assert.Empty(t, provider.lastMsgs[0].ContentBlocks)
}

func TestReviseRubricQuestions(t *testing.T) {
	provider := &mockProvider{responses: []string{`{"questions": [
		{"question_id": "2", "max_score": 12, "scoring_points": [{"description": "a", "score": 12}]}
	]}`}}
	svc := newTestService(t, provider)

	revised, err := svc.ReviseRubricQuestions(context.Background(), rubricImages(),
		[]rubric.QuestionRubric{{QuestionID: "2", MaxScore: 10}}, "满分应为12")
	require.NoError(t, err)
	require.Len(t, revised, 1)
	assert.Equal(t, 12.0, revised[0].MaxScore)
}

func TestCircuitBreakerBlocksAfterFailures(t *testing.T) {
	provider := &mockProvider{err: errors.New("provider down")}
	breaker := retry.NewCircuitBreaker(retry.CircuitBreakerConfig{
		FailureThreshold: 2,
		Enabled:          true,
	})
	svc := NewLLMService(LLMServiceConfig{
		Provider: provider,
		Breaker:  breaker,
		Logger:   zaptest.NewLogger(t),
	})

	for i := 0; i < 2; i++ {
		_, err := svc.AnalyzeWithVision(context.Background(), nil, "x", nil)
		require.Error(t, err)
	}

	_, err := svc.AnalyzeWithVision(context.Background(), nil, "x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, provider.calls, "open circuit blocks the provider call")
}
