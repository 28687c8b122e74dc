package stage

import (
	"fmt"
	"sort"
	"strings"

	"llmcorrupt/internal/prompt"
	"llmcorrupt/internal/quota"
	"llmcorrupt/pkg/contract"
)

// Embed 把嵌入计划中仍低于配额的类别注入回答。
// Tracked 为跟踪类别；open 为 nil（单遍模式）时以 Tracked 过滤计划。
type Embed struct {
	Tracked quota.Set
}

var embedSchema = contract.Schema{
	Name:        "EmbeddedErrors",
	Description: "Response with intentionally embedded errors",
	Fields: []contract.Field{
		{Name: "error_types", Type: contract.TypeStringList, Required: true, Description: "Error types that were embedded into the assistant's response."},
		{Name: "embedded_errors", Type: contract.TypeStringMap, Required: true, Description: "For each embedded error type, where it was inserted and why."},
		{Name: "error_embedded_response", Type: contract.TypeString, Description: "The response with the embedded errors and no other errors. Empty if nothing could be embedded."},
	},
}

func (Embed) Name() string            { return contract.StageEmbed }
func (Embed) Schema() contract.Schema { return embedSchema }

// Plan 返回记录计划中属于 allowed 的条目（按类别排序）。
func (e Embed) Plan(rec contract.Record, open quota.Set) []prompt.PlanItem {
	if rec.TaggedErrors == nil {
		return nil
	}
	allowed := open
	if allowed == nil {
		allowed = e.Tracked
	}
	items := make([]prompt.PlanItem, 0, len(rec.TaggedErrors.EmbeddingPlan))
	for k, v := range rec.TaggedErrors.EmbeddingPlan {
		n := quota.Normalize(k)
		if allowed != nil {
			if _, ok := allowed[n]; !ok {
				continue
			}
		}
		items = append(items, prompt.PlanItem{Category: n, Suggestion: v})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Category < items[j].Category })
	return items
}

func (e Embed) Build(rec contract.Record, open quota.Set) (contract.Query, bool) {
	if strings.TrimSpace(rec.Response) == "" {
		return contract.Query{}, false
	}
	plan := e.Plan(rec, open)
	if len(plan) == 0 {
		return contract.Query{}, false
	}
	cats := make([]string, len(plan))
	for i, p := range plan {
		cats[i] = p.Category
	}
	return query(e, rec, prompt.Embed, prompt.Data{Problem: rec.Prompt, Response: rec.Response, Plan: plan}, map[string]string{
		contract.InputProblem:    rec.Prompt,
		contract.InputResponse:   rec.Response,
		contract.InputCategories: joinCategories(cats),
	}), true
}

// Merge 写入 embedding 并固化 correct_response（嵌入前的回答）。
func (Embed) Merge(rec contract.Record, out contract.Structured) (contract.Record, error) {
	var p contract.Embedding
	if err := out.Decode(&p); err != nil {
		return rec, fmt.Errorf("embed %s: %w", rec.ID, err)
	}
	p.ErrorTypes = NormalizeAll(p.ErrorTypes)
	rec.Embedding = &p
	rec.CorrectResponse = rec.Response
	return rec, nil
}

// Reported 返回结果声明已嵌入的类别；污染回答为空视为未嵌入任何类别。
func (Embed) Reported(out contract.Structured) []string {
	var p contract.Embedding
	if err := out.Decode(&p); err != nil {
		return nil
	}
	if strings.TrimSpace(p.ErrorEmbeddedResponse) == "" {
		return nil
	}
	return p.ErrorTypes
}

// Tally 对已合并记录按类别计数（单遍模式的统计）。
func Tally(recs []contract.Record, tracked []string) *quota.Counter {
	c := quota.NewCounter(tracked)
	for _, r := range recs {
		if r.Embedding == nil || strings.TrimSpace(r.Embedding.ErrorEmbeddedResponse) == "" {
			continue
		}
		c.Add(r.Embedding.ErrorTypes)
	}
	return c
}
