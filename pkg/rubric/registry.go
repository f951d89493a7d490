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

// Registry is a per-worker lookup from normalized question id to that
// question's rubric. Each grading worker builds a fresh registry from a
// deep copy of the parsed rubric; workers never share one.
type Registry struct {
	rubric    *ParsedRubric
	questions map[string]*QuestionRubric
	order     []string
}

// NewRegistry deep-copies the rubric and indexes its questions.
func NewRegistry(r *ParsedRubric) *Registry {
	clone := r.Clone()
	reg := &Registry{
		rubric:    clone,
		questions: make(map[string]*QuestionRubric, len(clone.Questions)),
		order:     make([]string, 0, len(clone.Questions)),
	}
	for i := range clone.Questions {
		q := &clone.Questions[i]
		id := NormalizeQuestionID(q.QuestionID)
		if _, dup := reg.questions[id]; dup {
			continue
		}
		reg.questions[id] = q
		reg.order = append(reg.order, id)
	}
	return reg
}

// Lookup returns the question rubric for the (possibly unnormalized)
// id, or nil when unknown.
func (r *Registry) Lookup(questionID string) *QuestionRubric {
	return r.questions[NormalizeQuestionID(questionID)]
}

// QuestionIDs returns the ids in rubric order.
func (r *Registry) QuestionIDs() []string {
	return append([]string(nil), r.order...)
}

// Rubric returns the registry's private rubric copy.
func (r *Registry) Rubric() *ParsedRubric {
	return r.rubric
}

// Len returns the number of indexed questions.
func (r *Registry) Len() int {
	return len(r.order)
}
