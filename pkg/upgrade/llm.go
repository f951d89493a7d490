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

package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/storage"
)

// HistoryStore is the slice of the results store the miner reads.
// *storage.SQLiteStore satisfies it.
type HistoryStore interface {
	ListRecentHistories(ctx context.Context, since time.Time) ([]storage.GradingHistory, error)
	ListStudentResults(ctx context.Context, historyID string) ([]storage.StudentGradingResultRow, error)
}

// HistoryMiner mines rule candidates from recent grading runs: it
// collects review corrections and low-confidence outcomes from the
// store, then asks the model to generalize them into rules.
type HistoryMiner struct {
	store  HistoryStore
	scorer scoring.Service
	logger *zap.Logger
}

// NewHistoryMiner builds a miner over the results store and scoring
// service.
func NewHistoryMiner(store HistoryStore, scorer scoring.Service, logger *zap.Logger) *HistoryMiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryMiner{store: store, scorer: scorer, logger: logger}
}

const mineInstruction = `你是评分规则挖掘助手。下面是近期批改运行中的人工改判与低置信度记录。
请从中归纳出可复用的评分规则。只输出JSON数组，每项形如：
{"rule_id":"<短标识>","description":"<规则描述>","pattern":"<适用场景>","confidence":<0到1>,"support_count":<支持该规则的记录数>}
置信度反映规则被记录支持的程度；没有足够证据的规则不要输出。`

// correctionSample is one mined observation serialized into the prompt.
type correctionSample struct {
	BatchID    string  `json:"batch_id"`
	StudentKey string  `json:"student_key"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score"`
	Summary    string  `json:"summary,omitempty"`
}

// MineRules implements RuleMiner.
func (m *HistoryMiner) MineRules(ctx context.Context, window time.Duration) ([]MinedRule, error) {
	since := time.Now().Add(-window)
	histories, err := m.store.ListRecentHistories(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list histories: %w", err)
	}

	var samples []correctionSample
	for _, h := range histories {
		rows, err := m.store.ListStudentResults(ctx, h.ID)
		if err != nil {
			return nil, fmt.Errorf("list results for %s: %w", h.BatchID, err)
		}
		for _, row := range rows {
			samples = append(samples, correctionSample{
				BatchID:    h.BatchID,
				StudentKey: row.StudentKey,
				Score:      row.Score,
				MaxScore:   row.MaxScore,
				Summary:    row.Summary,
			})
		}
	}
	if len(samples) == 0 {
		m.logger.Info("no grading history in mining window",
			zap.Duration("window", window))
		return nil, nil
	}

	encoded, err := json.Marshal(samples)
	if err != nil {
		return nil, fmt.Errorf("encode mining samples: %w", err)
	}
	reply, err := m.scorer.AnalyzeWithVision(ctx, nil,
		mineInstruction+"\n\n记录：\n"+string(encoded), nil)
	if err != nil {
		return nil, fmt.Errorf("mining call failed: %w", err)
	}

	payload, err := scoring.ExtractJSON(reply)
	if err != nil {
		return nil, fmt.Errorf("mining reply unparseable: %w", err)
	}
	var rules []MinedRule
	if err := json.Unmarshal([]byte(payload), &rules); err != nil {
		return nil, fmt.Errorf("decode mined rules: %w", err)
	}
	now := time.Now()
	for i := range rules {
		if rules[i].RuleID == "" {
			rules[i].RuleID = uuid.NewString()
		}
		rules[i].MinedAt = now
	}
	return rules, nil
}

// LLMPatchGenerator turns rule candidates into rule-set patches with
// one model call.
type LLMPatchGenerator struct {
	scorer scoring.Service
}

// NewLLMPatchGenerator builds a generator over the scoring service.
func NewLLMPatchGenerator(scorer scoring.Service) *LLMPatchGenerator {
	return &LLMPatchGenerator{scorer: scorer}
}

const patchInstruction = `你是评分规则维护助手。将下列规则候选改写为可直接加入评分标准附注的补丁。
只输出JSON数组，每项形如：
{"patch_id":"<短标识>","rule_id":"<来源规则>","description":"<补丁说明>","content":"<加入评分标准的文字>"}
content 必须是完整、可执行的批改指令，不引用外部上下文。`

// GeneratePatches implements PatchGenerator.
func (g *LLMPatchGenerator) GeneratePatches(ctx context.Context, rules []MinedRule) ([]RulePatch, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("encode rule candidates: %w", err)
	}
	reply, err := g.scorer.AnalyzeWithVision(ctx, nil,
		patchInstruction+"\n\n候选：\n"+string(encoded), nil)
	if err != nil {
		return nil, fmt.Errorf("patch generation call failed: %w", err)
	}
	payload, err := scoring.ExtractJSON(reply)
	if err != nil {
		return nil, fmt.Errorf("patch reply unparseable: %w", err)
	}
	var patches []RulePatch
	if err := json.Unmarshal([]byte(payload), &patches); err != nil {
		return nil, fmt.Errorf("decode patches: %w", err)
	}
	for i := range patches {
		if patches[i].PatchID == "" {
			patches[i].PatchID = uuid.NewString()
		}
		if patches[i].Content == "" {
			return nil, fmt.Errorf("patch %s has empty content", patches[i].PatchID)
		}
	}
	return patches, nil
}

// RegressionCase is one recorded grading outcome replayed against the
// patched rule set.
type RegressionCase struct {
	CaseID        string  `json:"case_id" yaml:"case_id"`
	Question      string  `json:"question" yaml:"question"`
	StudentAnswer string  `json:"student_answer" yaml:"student_answer"`
	ExpectedScore float64 `json:"expected_score" yaml:"expected_score"`
	MaxScore      float64 `json:"max_score" yaml:"max_score"`
	Tolerance     float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
}

// ReplayRunner replays recorded cases against the patched rules: a
// patch regresses when any case's replayed score drifts outside its
// tolerance.
type ReplayRunner struct {
	scorer scoring.Service
	cases  []RegressionCase
	logger *zap.Logger
}

// NewReplayRunner builds a regression runner over recorded cases.
func NewReplayRunner(scorer scoring.Service, cases []RegressionCase, logger *zap.Logger) *ReplayRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayRunner{scorer: scorer, cases: cases, logger: logger}
}

const replayInstruction = `你是批改回归测试执行器。按题目与补充规则为学生作答打分。
只输出JSON对象：{"score":<分数>}。`

// RunRegression implements RegressionRunner.
func (r *ReplayRunner) RunRegression(ctx context.Context, patches []RulePatch) ([]TestResult, error) {
	var ruleText strings.Builder
	for _, patch := range patches {
		ruleText.WriteString("- ")
		ruleText.WriteString(patch.Content)
		ruleText.WriteString("\n")
	}

	results := make([]TestResult, 0, len(patches))
	for _, patch := range patches {
		result := TestResult{PatchID: patch.PatchID, Passed: true}
		for _, c := range r.cases {
			score, err := r.replay(ctx, ruleText.String(), c)
			if err != nil {
				result.Passed = false
				result.Regression = true
				result.Details = fmt.Sprintf("case %s: %v", c.CaseID, err)
				break
			}
			tolerance := c.Tolerance
			if tolerance <= 0 {
				tolerance = 0.5
			}
			if diff := score - c.ExpectedScore; diff > tolerance || diff < -tolerance {
				result.Passed = false
				result.Regression = true
				result.Details = fmt.Sprintf("case %s: got %.2f, expected %.2f±%.2f",
					c.CaseID, score, c.ExpectedScore, tolerance)
				break
			}
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *ReplayRunner) replay(ctx context.Context, rules string, c RegressionCase) (float64, error) {
	prompt := fmt.Sprintf("%s\n\n题目（满分%.1f）：\n%s\n\n补充规则：\n%s\n学生作答：\n%s",
		replayInstruction, c.MaxScore, c.Question, rules, c.StudentAnswer)
	reply, err := r.scorer.AnalyzeWithVision(ctx, nil, prompt, nil)
	if err != nil {
		return 0, err
	}
	payload, err := scoring.ExtractJSON(reply)
	if err != nil {
		return 0, err
	}
	var decoded struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return 0, err
	}
	return decoded.Score, nil
}
