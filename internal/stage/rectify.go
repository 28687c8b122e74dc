package stage

import (
	"fmt"

	"llmcorrupt/internal/prompt"
	"llmcorrupt/internal/quota"
	"llmcorrupt/pkg/contract"
)

// Rectify 修正原回答中的潜在错误；correct_response 为空表示原回答已正确。
type Rectify struct{}

var rectifySchema = contract.Schema{
	Name:        "CorrectResponse",
	Description: "Corrected assistant response",
	Fields: []contract.Field{
		{Name: "correct_response", Type: contract.TypeString, Description: "The accurate, error-free response. Leave empty if no correction is needed."},
		{Name: "correction_details", Type: contract.TypeString, Required: true, Description: "What was fixed and how, or why the response was already accurate."},
	},
}

func (Rectify) Name() string            { return contract.StageRectify }
func (Rectify) Schema() contract.Schema { return rectifySchema }

func (r Rectify) Build(rec contract.Record, _ quota.Set) (contract.Query, bool) {
	return query(r, rec, prompt.Rectify, prompt.Data{Problem: rec.Problem, Response: rec.Solution}, map[string]string{
		contract.InputProblem:  rec.Problem,
		contract.InputResponse: rec.Solution,
	}), true
}

func (Rectify) Merge(rec contract.Record, out contract.Structured) (contract.Record, error) {
	var p contract.Rectification
	if err := out.Decode(&p); err != nil {
		return rec, fmt.Errorf("rectify %s: %w", rec.ID, err)
	}
	rec.Rectification = &p
	return rec, nil
}

// AlreadyCorrect 统计修正结果为空（原回答已正确）的记录数。
func AlreadyCorrect(recs []contract.Record) int {
	n := 0
	for _, r := range recs {
		if r.Rectification != nil && r.Rectification.CorrectResponse == "" {
			n++
		}
	}
	return n
}
