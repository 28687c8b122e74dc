package stage

import (
	"fmt"
	"strings"

	"llmcorrupt/internal/prompt"
	"llmcorrupt/internal/quota"
	"llmcorrupt/pkg/contract"
)

// Tag 判定哪些类别可以合理嵌入当前最佳回答，并给出每类嵌入建议。
type Tag struct {
	Categories []string // 已规范化
}

var tagSchema = contract.Schema{
	Name:        "TaggedErrors",
	Description: "Error types that can be embedded into the response",
	Fields: []contract.Field{
		{Name: "error_types", Type: contract.TypeStringList, Required: true, Description: "Error types that can be logically embedded into the assistant's response."},
		{Name: "embedding_plan", Type: contract.TypeStringMap, Required: true, Description: "For each error type, a brief description of how it can be embedded."},
	},
}

func (Tag) Name() string            { return contract.StageTag }
func (Tag) Schema() contract.Schema { return tagSchema }

func (t Tag) Build(rec contract.Record, _ quota.Set) (contract.Query, bool) {
	resp := rec.BestResponse()
	if strings.TrimSpace(resp) == "" {
		return contract.Query{}, false
	}
	return query(t, rec, prompt.Tag, prompt.Data{Problem: rec.Problem, Response: resp, Categories: t.Categories}, map[string]string{
		contract.InputProblem:    rec.Problem,
		contract.InputResponse:   resp,
		contract.InputCategories: joinCategories(t.Categories),
	}), true
}

// Merge 写入 tagged_errors（类别与计划键均规范化），并把 response 固化为最佳回答供后续阶段使用。
func (Tag) Merge(rec contract.Record, out contract.Structured) (contract.Record, error) {
	var p contract.TaggedErrors
	if err := out.Decode(&p); err != nil {
		return rec, fmt.Errorf("tag %s: %w", rec.ID, err)
	}
	p.ErrorTypes = NormalizeAll(p.ErrorTypes)
	if len(p.EmbeddingPlan) > 0 {
		plan := make(map[string]string, len(p.EmbeddingPlan))
		for k, v := range p.EmbeddingPlan {
			if n := quota.Normalize(k); n != "" {
				plan[n] = v
			}
		}
		p.EmbeddingPlan = plan
	}
	rec.TaggedErrors = &p
	if rec.Prompt == "" {
		rec.Prompt = rec.Problem
	}
	// 后续阶段以标注时看到的回答为准，覆盖输入自带的 response
	rec.Response = rec.BestResponse()
	return rec, nil
}

// Support 统计每个类别被标注的记录数（每条记录每类至多一次）。
func Support(recs []contract.Record) map[string]int {
	out := map[string]int{}
	for _, r := range recs {
		if r.TaggedErrors == nil {
			continue
		}
		for _, c := range NormalizeAll(r.TaggedErrors.ErrorTypes) {
			out[c]++
		}
	}
	return out
}

// Tracked 返回支持度严格大于 minSupport 的已知类别（保持 known 顺序）。
func Tracked(known []string, support map[string]int, minSupport int) []string {
	out := make([]string, 0, len(known))
	for _, c := range NormalizeAll(known) {
		if support[c] > minSupport {
			out = append(out, c)
		}
	}
	return out
}
