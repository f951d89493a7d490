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
	"strings"
)

// RenderContext produces the flat human-readable rubric digest embedded
// in grading prompts. The output is deterministic for a given rubric:
// same header, same per-question block order, no map iteration.
func RenderContext(r *ParsedRubric) string {
	if r == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "评分标准（共%d题，总分%.1f分）\n", len(r.Questions), r.TotalScore)
	if r.GeneralNotes != "" {
		fmt.Fprintf(&b, "总体说明：%s\n", r.GeneralNotes)
	}

	for i := range r.Questions {
		q := &r.Questions[i]
		b.WriteString("\n")
		fmt.Fprintf(&b, "第%s题（满分%.1f分）\n", q.QuestionID, q.MaxScore)
		if q.QuestionText != "" {
			fmt.Fprintf(&b, "题目：%s\n", q.QuestionText)
		}
		if q.StandardAnswer != "" {
			fmt.Fprintf(&b, "标准答案：%s\n", q.StandardAnswer)
		}
		for _, sp := range q.ScoringPoints {
			required := ""
			if sp.IsRequired {
				required = "（必得点）"
			}
			fmt.Fprintf(&b, "  - [%s] %s：%.1f分%s\n", sp.PointID, sp.Description, sp.Score, required)
			if len(sp.Keywords) > 0 {
				fmt.Fprintf(&b, "    关键词：%s\n", strings.Join(sp.Keywords, "、"))
			}
		}
		for _, dr := range q.DeductionRules {
			fmt.Fprintf(&b, "  - 扣分规则[%s] %s：-%.1f分\n", dr.RuleID, dr.Description, dr.Deduction)
		}
		for _, alt := range q.AlternativeSolutions {
			fmt.Fprintf(&b, "  - 备选解法：%s\n", alt.Description)
		}
		if q.GradingNotes != "" {
			fmt.Fprintf(&b, "  评分说明：%s\n", q.GradingNotes)
		}
	}

	return b.String()
}
