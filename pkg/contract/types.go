package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RecordID: 记录的稳定唯一键；进入第一阶段前分配，之后不再变化。
// 输入中既可能是字符串也可能是数字，统一按字符串承载。
type RecordID string

// UnmarshalJSON 同时接受 JSON 字符串与数字。
func (id *RecordID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RecordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("record id: %w", ErrInvalidInput)
	}
	*id = RecordID(n.String())
	return nil
}

// Rectification: Rectify 阶段载荷。CorrectResponse 为空表示原回答已正确（不是错误）。
type Rectification struct {
	CorrectResponse   string `json:"correct_response"`
	CorrectionDetails string `json:"correction_details"`
}

// TaggedErrors: Tag 阶段载荷（可嵌入类别 + 每类嵌入建议）。
type TaggedErrors struct {
	ErrorTypes    []string          `json:"error_types"`
	EmbeddingPlan map[string]string `json:"embedding_plan"`
}

// Embedding: Embed 阶段载荷。
type Embedding struct {
	ErrorTypes            []string          `json:"error_types"`
	EmbeddedErrors        map[string]string `json:"embedded_errors"`
	ErrorEmbeddedResponse string            `json:"error_embedded_response"`
}

// IncorrectRegion: 模型给出的错误子串与解释。
type IncorrectRegion struct {
	ErrorSubstring   string `json:"error_substring"`
	ErrorExplanation string `json:"error_explanation"`
}

// MaskedRegion: [start, end, polarity] 三元组；偏移按 Unicode 码点计。
// polarity=+1 表示位于正确文本（被改写/删除），-1 表示位于污染文本（被注入）。
type MaskedRegion [3]int

// Localization: Localize 阶段载荷。
type Localization struct {
	IncorrectRegions []IncorrectRegion `json:"incorrect_regions"`
	MaskedRegions    []MaskedRegion    `json:"masked_regions"`
}

// Record: 一条问题/回答对，字段随阶段累积。
// 约束：
// - ID 不变；
// - 每阶段至多一个载荷；
// - 已设置的文本字段不被后续阶段删除；
// - 输入中的未知字段原样保留（Extra）。
type Record struct {
	ID       RecordID `json:"id"`
	Problem  string   `json:"problem,omitempty"`
	Solution string   `json:"solution,omitempty"`

	Prompt          string `json:"prompt,omitempty"`
	Response        string `json:"response,omitempty"`
	CorrectResponse string `json:"correct_response,omitempty"`

	Rectification *Rectification `json:"rectification,omitempty"`
	TaggedErrors  *TaggedErrors  `json:"tagged_errors,omitempty"`
	Embedding     *Embedding     `json:"embedding,omitempty"`
	Localization  *Localization  `json:"localization,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// recordAlias 避免 MarshalJSON/UnmarshalJSON 递归。
type recordAlias Record

var knownRecordKeys = map[string]struct{}{
	"id": {}, "problem": {}, "solution": {}, "prompt": {}, "response": {}, "correct_response": {},
	"rectification": {}, "tagged_errors": {}, "embedding": {}, "localization": {},
}

// UnmarshalJSON 解码已知字段，其余键收入 Extra。
func (r *Record) UnmarshalJSON(b []byte) error {
	var a recordAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range knownRecordKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		a.Extra = all
	} else {
		a.Extra = nil
	}
	*r = Record(a)
	return nil
}

// MarshalJSON 输出已知字段并合并 Extra（已知字段优先）。
func (r Record) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(recordAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return b, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, ok := all[k]; ok {
			continue
		}
		all[k] = v
	}
	return json.Marshal(all)
}

// BestResponse: 优先纠正后的回答，否则原始 solution。
func (r Record) BestResponse() string {
	if r.Rectification != nil && r.Rectification.CorrectResponse != "" {
		return r.Rectification.CorrectResponse
	}
	return r.Solution
}

// Clone 返回浅拷贝；载荷指针共享（载荷写入后只读）。
func (r Record) Clone() Record {
	out := r
	if len(r.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// String 便于日志输出。
func (id RecordID) String() string { return string(id) }

// IDFromIndex 以序号构造 ID（测试与 mock 使用）。
func IDFromIndex(i int) RecordID { return RecordID(strconv.Itoa(i)) }
