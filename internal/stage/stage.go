// Package stage 定义四个标注阶段（构造调用、合并结果）以及单遍与配额两种运行方式。
package stage

import (
	"strings"

	"llmcorrupt/internal/prompt"
	"llmcorrupt/internal/quota"
	"llmcorrupt/pkg/contract"
	"llmcorrupt/pkg/schema"
)

// Stage: 一个标注阶段。
// Build 为记录构造调用（open 为当前可用类别，单遍阶段传 nil）；返回 false 表示跳过该记录。
// Merge 将结构化结果写入记录的本阶段载荷，不删除已有字段。
type Stage interface {
	Name() string
	Schema() contract.Schema
	Build(rec contract.Record, open quota.Set) (contract.Query, bool)
	Merge(rec contract.Record, out contract.Structured) (contract.Record, error)
}

// Reporter: 能从结果中读出已嵌入类别的阶段（配额调度使用）。
type Reporter interface {
	Reported(out contract.Structured) []string
}

func query(st Stage, rec contract.Record, tmpl string, d prompt.Data, inputs map[string]string) contract.Query {
	sc := st.Schema()
	d.Format = schema.Instructions(sc)
	text, err := prompt.Render(tmpl, d)
	if err != nil {
		// 模板为内嵌常量，渲染失败只可能是编程错误
		panic(err)
	}
	return contract.Query{ID: rec.ID, Stage: st.Name(), Prompt: text, Schema: sc, Inputs: inputs}
}

func joinCategories(cs []string) string { return strings.Join(cs, "\n") }

// SplitCategories 解析 Query.Inputs 中的类别列表。
func SplitCategories(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
