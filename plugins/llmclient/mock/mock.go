// Package mock 提供无网络、确定性的 StructuredClient，按 Query.Stage 生成符合 Schema 的结果。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"llmcorrupt/pkg/contract"
	"llmcorrupt/pkg/schema"
)

// Options: 最小调试配置（可选）。
type Options struct {
	// Marker: 注入文本前缀，默认 "MOCK-INJECTED"；Localize 按同一前缀定位。
	Marker string `json:"marker"`
	// APIKey: 仅用于限流分组（调试用），不参与任何网络请求。
	APIKey string `json:"api_key"`
	// TagLimit: Tag 阶段每条记录最多标注的类别数；0 表示全部。
	TagLimit int `json:"tag_limit,omitempty"`
	// Inject: Embed 阶段注入策略。
	//  - "first"（默认）: 仅注入计划中的第一个类别；
	//  - "all": 注入计划中的全部类别。
	Inject string `json:"inject,omitempty"`
}

type Client struct {
	marker   string
	tagLimit int
	all      bool
}

var _ contract.StructuredClient = (*Client)(nil)

func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Marker == "" {
		o.Marker = "MOCK-INJECTED"
	}
	switch o.Inject {
	case "", "first", "all":
	default:
		return nil, fmt.Errorf("mock: inject %q: %w", o.Inject, contract.ErrInvalidInput)
	}
	return &Client{marker: o.Marker, tagLimit: o.TagLimit, all: o.Inject == "all"}, nil
}

// Call 按阶段构造载荷，再经 Schema 校验返回（与真实客户端同一路径）。
func (c *Client) Call(ctx context.Context, q contract.Query) (contract.Structured, error) {
	if err := ctx.Err(); err != nil {
		return contract.Structured{}, contract.NewServiceError("mock", contract.ErrTimeout, 0, "", err)
	}
	var payload any
	switch q.Stage {
	case contract.StageRectify:
		payload = c.rectify(q)
	case contract.StageTag:
		payload = c.tag(q)
	case contract.StageEmbed:
		payload = c.embed(q)
	case contract.StageLocalize:
		payload = c.localize(q)
	default:
		return contract.Structured{}, fmt.Errorf("mock: stage %q: %w", q.Stage, contract.ErrInvalidInput)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return contract.Structured{}, err
	}
	v, err := schema.Compile(q.Schema)
	if err != nil {
		return contract.Structured{}, err
	}
	out, err := v.Parse(string(b))
	if err != nil {
		return contract.Structured{}, contract.NewServiceError("mock", contract.ErrMalformedOutput, 0, "", err)
	}
	return out, nil
}

// 含 "BUG" 的回答视为有误（替换为 "FIX"），否则视为已正确。
func (c *Client) rectify(q contract.Query) contract.Rectification {
	resp := q.Inputs[contract.InputResponse]
	if strings.Contains(resp, "BUG") {
		return contract.Rectification{
			CorrectResponse:   strings.ReplaceAll(resp, "BUG", "FIX"),
			CorrectionDetails: "replaced BUG with FIX",
		}
	}
	return contract.Rectification{CorrectionDetails: "already correct"}
}

// TagLimit>0 时按 ID 哈希轮转选取类别，保证同一 ID 结果稳定。
func (c *Client) tag(q contract.Query) contract.TaggedErrors {
	cats := splitCategories(q.Inputs[contract.InputCategories])
	pick := cats
	if c.tagLimit > 0 && c.tagLimit < len(cats) {
		off := int(hash(string(q.ID)) % uint32(len(cats)))
		pick = make([]string, 0, c.tagLimit)
		for i := 0; i < c.tagLimit; i++ {
			pick = append(pick, cats[(off+i)%len(cats)])
		}
	}
	plan := make(map[string]string, len(pick))
	for _, cat := range pick {
		plan[cat] = "mock plan for " + cat
	}
	return contract.TaggedErrors{ErrorTypes: pick, EmbeddingPlan: plan}
}

func (c *Client) embed(q contract.Query) contract.Embedding {
	cats := splitCategories(q.Inputs[contract.InputCategories])
	if len(cats) == 0 {
		return contract.Embedding{ErrorTypes: []string{}, EmbeddedErrors: map[string]string{}}
	}
	if !c.all {
		cats = cats[:1]
	}
	var b strings.Builder
	b.WriteString(q.Inputs[contract.InputResponse])
	details := make(map[string]string, len(cats))
	for _, cat := range cats {
		fmt.Fprintf(&b, "\n%s %s", c.marker, cat)
		details[cat] = "appended marker line"
	}
	return contract.Embedding{ErrorTypes: cats, EmbeddedErrors: details, ErrorEmbeddedResponse: b.String()}
}

// 仅返回确实出现在污染回答中的标记行。
func (c *Client) localize(q contract.Query) contract.Localization {
	corrupted := q.Inputs[contract.InputCorrupted]
	regions := []contract.IncorrectRegion{}
	for _, cat := range splitCategories(q.Inputs[contract.InputCategories]) {
		sub := c.marker + " " + cat
		if strings.Contains(corrupted, sub) {
			regions = append(regions, contract.IncorrectRegion{ErrorSubstring: sub, ErrorExplanation: "injected " + cat})
		}
	}
	return contract.Localization{IncorrectRegions: regions}
}

func splitCategories(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
