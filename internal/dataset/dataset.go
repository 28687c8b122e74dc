// Package dataset 负责记录文档的编解码、ID 分配与数据集投影。
package dataset

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"llmcorrupt/pkg/contract"
)

// 文档名（阶段边界即文档边界）。
const (
	DocFixed     contract.DocName = "fixed"
	DocTagged    contract.DocName = "tagged"
	DocEmbedded  contract.DocName = "embedded"
	DocGranular  contract.DocName = "granular_annotation"
	DocFinal     contract.DocName = "final_granular_annotation_dataset"
	DocSFT       contract.DocName = "sft_corruption_dataset"
	DocTagStats  contract.DocName = "tag_stats"
	DocRunReport contract.DocName = "run_report"
)

// AssignIDs 为缺少 ID 的记录分配 ULID（单调，同毫秒内递增）；返回分配数。
func AssignIDs(recs []contract.Record) int {
	entropy := ulid.Monotonic(rand.Reader, 0)
	n := 0
	for i := range recs {
		if recs[i].ID != "" {
			continue
		}
		recs[i].ID = contract.RecordID(ulid.MustNew(ulid.Now(), entropy).String())
		n++
	}
	return n
}

// withStats: 嵌入阶段的落盘形态。
type withStats struct {
	Stats   map[string]int    `json:"stats"`
	Results []contract.Record `json:"results"`
}

// Decode 解析记录文档：JSON 数组，或 {"stats":{...},"results":[...]}。
// 后者同时返回 stats；前者 stats 为 nil。
func Decode(b []byte) ([]contract.Record, map[string]int, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("dataset: empty document: %w", contract.ErrInvalidInput)
	}
	switch b[0] {
	case '[':
		var recs []contract.Record
		if err := json.Unmarshal(b, &recs); err != nil {
			return nil, nil, fmt.Errorf("dataset: %v: %w", err, contract.ErrInvalidInput)
		}
		return recs, nil, nil
	case '{':
		var w withStats
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, nil, fmt.Errorf("dataset: %v: %w", err, contract.ErrInvalidInput)
		}
		return w.Results, w.Stats, nil
	default:
		return nil, nil, fmt.Errorf("dataset: expected array or object: %w", contract.ErrInvalidInput)
	}
}

// Encode 以 4 空格缩进输出，不转义 HTML。
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeWithStats 输出 {"stats","results"} 形态。
func EncodeWithStats(stats map[string]int, recs []contract.Record) ([]byte, error) {
	if stats == nil {
		stats = map[string]int{}
	}
	if recs == nil {
		recs = []contract.Record{}
	}
	return Encode(withStats{Stats: stats, Results: recs})
}

// Load 从存储读取记录文档。
func Load(ctx context.Context, st contract.Store, name contract.DocName) ([]contract.Record, map[string]int, error) {
	b, err := st.Get(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}
	recs, stats, err := Decode(b)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}
	return recs, stats, nil
}

// Save 编码 v 并写入存储。
func Save(ctx context.Context, st contract.Store, name contract.DocName, v any) error {
	b, err := Encode(v)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	if err := st.Put(ctx, name, b); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// SaveRecords 写入记录数组（nil 视为空数组）。
func SaveRecords(ctx context.Context, st contract.Store, name contract.DocName, recs []contract.Record) error {
	if recs == nil {
		recs = []contract.Record{}
	}
	return Save(ctx, st, name, recs)
}

// SaveWithStats 写入 {"stats","results"} 文档。
func SaveWithStats(ctx context.Context, st contract.Store, name contract.DocName, stats map[string]int, recs []contract.Record) error {
	b, err := EncodeWithStats(stats, recs)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	if err := st.Put(ctx, name, b); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}
