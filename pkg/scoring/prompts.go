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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teradata-labs/gradeflow/pkg/rubric"
)

const parseRubricSystemPrompt = `你是一位严谨的阅卷标准分析专家。你的任务是把评分标准图片解析为结构化JSON。

要求：
1. 识别每道题的题号、满分、题目内容、标准答案。
2. 把评分细则拆成独立的得分点（scoring_points），每个得分点有描述和分值。
3. 识别扣分规则（deduction_rules）和备选解法（alternative_solutions）。
4. 在 confession 中如实报告解析风险：看不清的地方写入 uncertainties，
   需要人工复核的写入 needsReview，并给出整体置信度 confidence（0到1）。
5. 只输出JSON，不要输出其他文字。

输出JSON结构：
{"total_questions": 数字, "total_score": 数字或null, "rubric_format": "标准答案式|细则式|混合",
 "general_notes": "总体说明",
 "confession": {"risks": [], "uncertainties": [], "blindSpots": [], "needsReview": [], "confidence": 0.95},
 "questions": [{"question_id": "1", "max_score": 10, "question_text": "...", "standard_answer": "...",
   "scoring_points": [{"description": "...", "score": 6, "is_required": true, "keywords": []}],
   "deduction_rules": [{"description": "...", "deduction": 1}],
   "alternative_solutions": [{"description": "..."}],
   "grading_notes": "..."}]}`

const gradeStudentSystemPrompt = `你是一位专业、公正的阅卷老师。根据评分标准批改学生的答卷图片。

批改原则：
1. 严格依据评分标准逐个得分点判分，每个得分点给出 decision（得分/部分得分/未得分）、
   awarded（实得分）、evidence（从学生答案中摘录的原文依据）和 rubric_reference（对应的评分标准条目）。
2. 证据必须来自学生答卷原文。找不到相关内容时 evidence 填"未找到"，awarded 为 0。
3. 不做同情分：不确定时宁可少给分并在 reason 中说明。
4. 学生使用备选解法时按备选解法的标准判分，并设置 alternative_solution_used 为 true。
5. 只输出JSON，不要输出其他文字。

输出JSON结构：
{"status": "completed", "student_key": "...", "total_score": 数字, "max_score": 数字,
 "confidence": 0.9, "overall_feedback": "...",
 "question_details": [{"question_id": "1", "score": 8, "max_score": 10, "confidence": 0.9,
   "question_type": "计算题|主观题|证明题|...", "feedback": "...", "page_indices": [0],
   "scoring_point_results": [{"point_id": "1.1", "decision": "得分", "awarded": 6,
     "max_points": 6, "evidence": "...", "reason": "...", "rubric_reference": "..."}]}]}`

const assistModeNote = `
当前为辅助模式：不给出分数判定，只输出针对每道题的讲解和改进建议，
question_details 中的 score 一律填 0，feedback 填写详细讲解。`

const regradeSystemPrompt = `你是一位资深阅卷复核老师。针对单独一道题重新批改学生答卷图片。
严格依据给出的该题评分标准逐点判分，输出与初次批改相同结构的单题JSON：
{"question_id": "...", "score": 数字, "max_score": 数字, "confidence": 0.9, "feedback": "...",
 "scoring_point_results": [{"point_id": "...", "decision": "...", "awarded": 数字,
  "max_points": 数字, "evidence": "...", "reason": "...", "rubric_reference": "..."}]}
只输出JSON。`

const reviseRubricSystemPrompt = `你是一位阅卷标准分析专家。下面给出此前解析的若干题目的结构化评分标准，
以及复核人的备注。请对照评分标准图片重新解析这些题目，修正错误。
输出JSON：{"questions": [<与原结构相同的题目JSON>]}。只输出JSON。`

// buildGradeStudentPrompt assembles the user prompt for one student's
// grading call: rubric context, page index map, and per-page hints.
func buildGradeStudentPrompt(req GradeStudentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "学生标识：%s\n\n", req.StudentKey)
	b.WriteString("【评分标准】\n")
	b.WriteString(rubric.RenderContext(req.Rubric))
	b.WriteString("\n【页面信息】\n")
	for i, pageIdx := range req.PageIndices {
		fmt.Fprintf(&b, "第%d张图片 = 第%d页\n", i+1, pageIdx+1)
		if ctx, ok := req.PageContexts[pageIdx]; ok && ctx != "" {
			fmt.Fprintf(&b, "  页面备注：%s\n", ctx)
		}
	}
	b.WriteString("\n请批改以上全部答卷页面，输出完整JSON。")
	return b.String()
}

func buildRegradePrompt(req RegradeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "重新批改第%s题（第%d页图片）。\n\n", req.Question.QuestionID, req.PageIndex+1)
	b.WriteString("【该题评分标准】\n")
	single := &rubric.ParsedRubric{
		TotalScore: req.Question.MaxScore,
		Questions:  []rubric.QuestionRubric{*req.Question},
	}
	b.WriteString(rubric.RenderContext(single))
	if req.ReviewerNotes != "" {
		fmt.Fprintf(&b, "\n【复核备注】\n%s\n", req.ReviewerNotes)
	}
	return b.String()
}

func buildRevisePrompt(questions []rubric.QuestionRubric, notes string) (string, error) {
	raw, err := json.MarshalIndent(questions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize questions: %w", err)
	}
	var b strings.Builder
	b.WriteString("【此前解析结果】\n")
	b.Write(raw)
	if notes != "" {
		fmt.Fprintf(&b, "\n\n【复核备注】\n%s", notes)
	}
	return b.String(), nil
}
