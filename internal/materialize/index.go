// Package materialize 按记录 ID 将阶段结果关联回输入记录。
package materialize

import (
	"fmt"

	"llmcorrupt/internal/dispatch"
	"llmcorrupt/pkg/contract"
)

// Index: ID → 记录。重复 ID 采用后写覆盖：槽位保持首次出现的位置，内容取最后一次。
type Index struct {
	recs       []contract.Record
	slot       map[contract.RecordID]int
	Duplicates int
}

// NewIndex 构建索引；strict 为真时遇到重复 ID 立即返回 ErrDuplicateID。
// 空 ID 视为输入非法。
func NewIndex(recs []contract.Record, strict bool) (*Index, error) {
	ix := &Index{recs: make([]contract.Record, 0, len(recs)), slot: make(map[contract.RecordID]int, len(recs))}
	for i, r := range recs {
		if r.ID == "" {
			return nil, fmt.Errorf("record %d: empty id: %w", i, contract.ErrInvalidInput)
		}
		if at, dup := ix.slot[r.ID]; dup {
			if strict {
				return nil, fmt.Errorf("id %s: %w", r.ID, contract.ErrDuplicateID)
			}
			ix.recs[at] = r
			ix.Duplicates++
			continue
		}
		ix.slot[r.ID] = len(ix.recs)
		ix.recs = append(ix.recs, r)
	}
	return ix, nil
}

// Len 返回去重后的记录数。
func (ix *Index) Len() int { return len(ix.recs) }

// Get 按 ID 查找。
func (ix *Index) Get(id contract.RecordID) (contract.Record, bool) {
	at, ok := ix.slot[id]
	if !ok {
		return contract.Record{}, false
	}
	return ix.recs[at], true
}

// At 返回第 i 个槽位的记录（输入顺序）。
func (ix *Index) At(i int) contract.Record { return ix.recs[i] }

// Records 返回去重后的记录（输入顺序，副本切片）。
func (ix *Index) Records() []contract.Record {
	out := make([]contract.Record, len(ix.recs))
	copy(out, ix.recs)
	return out
}

// Stats: 一次关联的计数。
type Stats struct {
	Merged   int // 成功合并
	Failed   int // 调用失败（Result.Err 非空）
	Rejected int // 合并函数拒绝（载荷不可用）
	JoinMiss int // 结果 ID 不在索引中
}

// Merge 将结果载荷合并进记录。返回错误表示该结果不可用（计入 Rejected）。
type Merge[R any] func(rec contract.Record, v R) (contract.Record, error)

// Apply 关联结果并按输入顺序返回已合并的记录；失败、被拒与缺失关联的记录不出现在输出中。
// 同一 ID 的多个成功结果取最后一个。
func Apply[R any](ix *Index, results []dispatch.Result[R], merge Merge[R]) ([]contract.Record, Stats) {
	var st Stats
	merged := make(map[int]contract.Record, len(results))
	for _, r := range results {
		at, ok := ix.slot[r.ID]
		if !ok {
			st.JoinMiss++
			continue
		}
		if r.Err != nil {
			st.Failed++
			continue
		}
		rec, err := merge(ix.recs[at].Clone(), r.Value)
		if err != nil {
			st.Rejected++
			continue
		}
		if _, seen := merged[at]; !seen {
			st.Merged++
		}
		merged[at] = rec
	}
	out := make([]contract.Record, 0, len(merged))
	for i := range ix.recs {
		if rec, ok := merged[i]; ok {
			out = append(out, rec)
		}
	}
	return out, st
}
