package stage

import (
	"fmt"
	"strings"

	"llmcorrupt/internal/prompt"
	"llmcorrupt/internal/quota"
	"llmcorrupt/internal/span"
	"llmcorrupt/pkg/contract"
)

// Localize 让模型指出污染回答中错误所在的子串，再解析为掩码区间。
type Localize struct{}

var localizeSchema = contract.Schema{
	Name:        "IncorrectRegions",
	Description: "Substrings of the response that contain errors",
	Fields: []contract.Field{
		{Name: "incorrect_regions", Type: contract.TypeObjectList, Required: true, Description: "Every region of the response that contains an error of the listed types.", Items: []contract.Field{
			{Name: "error_substring", Type: contract.TypeString, Required: true, Description: "The exact substring of the response where the error exists."},
			{Name: "error_explanation", Type: contract.TypeString, Description: "Explanation of the error."},
		}},
	},
}

func (Localize) Name() string            { return contract.StageLocalize }
func (Localize) Schema() contract.Schema { return localizeSchema }

// Build 跳过没有污染回答的记录。
func (l Localize) Build(rec contract.Record, _ quota.Set) (contract.Query, bool) {
	if rec.Embedding == nil || strings.TrimSpace(rec.Embedding.ErrorEmbeddedResponse) == "" {
		return contract.Query{}, false
	}
	corrupted := rec.Embedding.ErrorEmbeddedResponse
	types := rec.Embedding.ErrorTypes
	return query(l, rec, prompt.Localize, prompt.Data{Problem: rec.Prompt, Response: corrupted, ErrorTypes: types}, map[string]string{
		contract.InputProblem:    rec.Prompt,
		contract.InputResponse:   clean(rec),
		contract.InputCorrupted:  corrupted,
		contract.InputCategories: joinCategories(types),
	}), true
}

// Merge 写入 incorrect_regions，并以正确回答优先、污染回答其次解析掩码区间；
// 无法定位的子串被丢弃。
func (Localize) Merge(rec contract.Record, out contract.Structured) (contract.Record, error) {
	var p contract.Localization
	if err := out.Decode(&p); err != nil {
		return rec, fmt.Errorf("localize %s: %w", rec.ID, err)
	}
	if rec.Embedding == nil {
		return rec, fmt.Errorf("localize %s: no embedding: %w", rec.ID, contract.ErrInvariantViolation)
	}
	subs := make([]string, len(p.IncorrectRegions))
	for i, r := range p.IncorrectRegions {
		subs[i] = r.ErrorSubstring
	}
	p.MaskedRegions, _ = span.ResolveAll(clean(rec), rec.Embedding.ErrorEmbeddedResponse, subs)
	rec.Localization = &p
	return rec, nil
}

func clean(rec contract.Record) string {
	if rec.CorrectResponse != "" {
		return rec.CorrectResponse
	}
	return rec.Response
}
