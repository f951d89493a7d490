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
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/retry"
	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/types"
)

// ErrCircuitOpen is returned while the breaker is blocking calls to a
// failing provider.
var ErrCircuitOpen = fmt.Errorf("scoring service circuit open")

// LLMService implements Service over an LLM provider. All replies pass
// through tolerant JSON extraction and schema validation before decode;
// a circuit breaker protects the pipeline from a hard-down provider.
type LLMService struct {
	provider types.LLMProvider
	breaker  *retry.CircuitBreaker
	logger   *zap.Logger
}

// LLMServiceConfig configures LLMService.
type LLMServiceConfig struct {
	Provider types.LLMProvider
	Breaker  *retry.CircuitBreaker
	Logger   *zap.Logger
}

// NewLLMService creates a scoring service over the provider. A nil
// breaker gets the default configuration.
func NewLLMService(config LLMServiceConfig) *LLMService {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Breaker == nil {
		config.Breaker = retry.NewCircuitBreaker(retry.DefaultCircuitBreakerConfig())
	}
	return &LLMService{
		provider: config.Provider,
		breaker:  config.Breaker,
		logger:   config.Logger,
	}
}

// chat sends the messages, streaming when the provider supports it and
// a callback was supplied, and returns the response text.
func (s *LLMService) chat(ctx context.Context, messages []types.Message, stream types.TokenCallback) (string, error) {
	if !s.breaker.AllowRequest() {
		return "", ErrCircuitOpen
	}

	var resp *types.LLMResponse
	var err error
	if streamer, ok := s.provider.(types.StreamingLLMProvider); ok && stream != nil {
		resp, err = streamer.ChatStream(ctx, messages, stream)
	} else {
		resp, err = s.provider.Chat(ctx, messages)
	}
	if err != nil {
		s.breaker.RecordFailure()
		return "", err
	}
	s.breaker.RecordSuccess()
	return resp.Content, nil
}

// extractAndValidate pulls the JSON object out of the raw response and
// checks it against the named schema.
func extractAndValidate(raw, schemaName string) (string, error) {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return "", retry.NonRetryable(fmt.Errorf("%s: %w", schemaName, err))
	}
	if err := validatePayload(schemaName, doc); err != nil {
		return "", err
	}
	return doc, nil
}

// ParseRubric parses rubric pages into a structured rubric.
func (s *LLMService) ParseRubric(ctx context.Context, images []types.ImageSource, stream types.TokenCallback) (*rubric.ParsedRubric, error) {
	if len(images) == 0 {
		return nil, retry.NonRetryable(fmt.Errorf("no rubric images supplied"))
	}
	messages := []types.Message{
		types.TextMessage("system", parseRubricSystemPrompt),
		types.ImageMessage(images, "请解析以上评分标准图片。"),
	}
	raw, err := s.chat(ctx, messages, stream)
	if err != nil {
		return nil, fmt.Errorf("rubric parse call failed: %w", err)
	}
	doc, err := extractAndValidate(raw, "rubric_parse")
	if err != nil {
		return nil, err
	}
	var wire wireParsedRubric
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("failed to decode rubric reply: %w", err))
	}
	parsed := wire.toRubric()
	s.logger.Info("Rubric parsed",
		zap.Int("questions", len(parsed.Questions)),
		zap.Float64("total_score", parsed.TotalScore),
		zap.Float64("confidence", parsed.OverallParseConfidence))
	return parsed, nil
}

// ParseRubricText parses a textual rubric into a structured rubric.
func (s *LLMService) ParseRubricText(ctx context.Context, text string, stream types.TokenCallback) (*rubric.ParsedRubric, error) {
	if text == "" {
		return nil, retry.NonRetryable(fmt.Errorf("no rubric text supplied"))
	}
	messages := []types.Message{
		types.TextMessage("system", parseRubricSystemPrompt),
		types.TextMessage("user", "请解析以下评分标准文本。\n\n"+text),
	}
	raw, err := s.chat(ctx, messages, stream)
	if err != nil {
		return nil, fmt.Errorf("rubric text parse call failed: %w", err)
	}
	doc, err := extractAndValidate(raw, "rubric_parse")
	if err != nil {
		return nil, err
	}
	var wire wireParsedRubric
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("failed to decode rubric reply: %w", err))
	}
	return wire.toRubric(), nil
}

// ReviseRubricQuestions re-parses the selected questions against the
// rubric images with the reviewer's notes.
func (s *LLMService) ReviseRubricQuestions(ctx context.Context, images []types.ImageSource, questions []rubric.QuestionRubric, notes string) ([]rubric.QuestionRubric, error) {
	if len(questions) == 0 {
		return nil, nil
	}
	prompt, err := buildRevisePrompt(questions, notes)
	if err != nil {
		return nil, err
	}
	messages := []types.Message{
		types.TextMessage("system", reviseRubricSystemPrompt),
		types.ImageMessage(images, prompt),
	}
	raw, err := s.chat(ctx, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("rubric revise call failed: %w", err)
	}
	doc, err := ExtractJSON(raw)
	if err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("rubric revise: %w", err))
	}
	var wire struct {
		Questions []wireQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("failed to decode revised questions: %w", err))
	}
	out := make([]rubric.QuestionRubric, 0, len(wire.Questions))
	for i := range wire.Questions {
		out = append(out, wire.Questions[i].toQuestion())
	}
	return out, nil
}

// GradeStudent grades one student's pages in a single call.
func (s *LLMService) GradeStudent(ctx context.Context, req GradeStudentRequest, stream types.TokenCallback) (*StudentGradingResult, error) {
	if len(req.Images) == 0 {
		return nil, retry.NonRetryable(fmt.Errorf("student %s: no answer images", req.StudentKey))
	}
	if req.Rubric == nil {
		return nil, retry.NonRetryable(fmt.Errorf("student %s: no rubric", req.StudentKey))
	}

	system := gradeStudentSystemPrompt
	if req.GradingMode == "assist_teacher" || req.GradingMode == "assist_student" {
		system += assistModeNote
	}
	messages := []types.Message{
		types.TextMessage("system", system),
		types.ImageMessage(req.Images, buildGradeStudentPrompt(req)),
	}
	raw, err := s.chat(ctx, messages, stream)
	if err != nil {
		return nil, fmt.Errorf("grading call failed for %s: %w", req.StudentKey, err)
	}
	doc, err := extractAndValidate(raw, "student_result")
	if err != nil {
		return nil, err
	}
	var wire wireStudentResult
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("failed to decode grading reply: %w", err))
	}
	return wire.toResult(req.StudentKey), nil
}

// GradeSingleQuestion regrades one question against one page.
func (s *LLMService) GradeSingleQuestion(ctx context.Context, req RegradeRequest) (*QuestionResult, error) {
	if req.Question == nil {
		return nil, retry.NonRetryable(fmt.Errorf("no question rubric supplied"))
	}
	messages := []types.Message{
		types.TextMessage("system", regradeSystemPrompt),
		types.ImageMessage([]types.ImageSource{req.Image}, buildRegradePrompt(req)),
	}
	raw, err := s.chat(ctx, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("regrade call failed for %s: %w", req.Question.QuestionID, err)
	}
	doc, err := extractAndValidate(raw, "question_result")
	if err != nil {
		return nil, err
	}
	var wire wireQuestionResult
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("failed to decode regrade reply: %w", err))
	}
	result := wire.toResult()
	if len(result.PageIndices) == 0 {
		result.PageIndices = []int{req.PageIndex}
	}
	return &result, nil
}

// AnalyzeWithVision sends images plus a free-form prompt and returns
// the raw text response. With no images the call is text-only, which
// is how the logic-review pass uses it.
func (s *LLMService) AnalyzeWithVision(ctx context.Context, images []types.ImageSource, prompt string, stream types.TokenCallback) (string, error) {
	var messages []types.Message
	if len(images) > 0 {
		messages = []types.Message{types.ImageMessage(images, prompt)}
	} else {
		messages = []types.Message{types.TextMessage("user", prompt)}
	}
	raw, err := s.chat(ctx, messages, stream)
	if err != nil {
		return "", fmt.Errorf("vision analysis call failed: %w", err)
	}
	return raw, nil
}

var _ Service = (*LLMService)(nil)
