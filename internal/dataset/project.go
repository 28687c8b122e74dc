package dataset

import (
	"sort"
	"strings"

	"llmcorrupt/pkg/contract"
)

// SFTExample: 监督微调用的正/误回答对。
type SFTExample struct {
	Prompt            string `json:"prompt"`
	CorrectResponse   string `json:"correct_response"`
	IncorrectResponse string `json:"incorrect_response"`
}

// FinalExample: 带掩码区间的细粒度标注样本。
type FinalExample struct {
	Prompt            string                  `json:"prompt"`
	CorrectResponse   string                  `json:"correct_response"`
	IncorrectResponse string                  `json:"incorrect_response"`
	MaskedRegions     []contract.MaskedRegion `json:"masked_regions"`
}

func corrupted(r contract.Record) string {
	if r.Embedding == nil {
		return ""
	}
	return r.Embedding.ErrorEmbeddedResponse
}

// SFT 从嵌入结果投影；污染回答为空的记录被排除。
func SFT(recs []contract.Record) []SFTExample {
	out := make([]SFTExample, 0, len(recs))
	for _, r := range recs {
		bad := corrupted(r)
		if strings.TrimSpace(bad) == "" {
			continue
		}
		out = append(out, SFTExample{Prompt: r.Prompt, CorrectResponse: r.CorrectResponse, IncorrectResponse: bad})
	}
	return out
}

// Final 从定位结果投影；缺少定位载荷的记录被排除。
func Final(recs []contract.Record) []FinalExample {
	out := make([]FinalExample, 0, len(recs))
	for _, r := range recs {
		if r.Localization == nil {
			continue
		}
		regions := r.Localization.MaskedRegions
		if regions == nil {
			regions = []contract.MaskedRegion{}
		}
		out = append(out, FinalExample{
			Prompt:            r.Prompt,
			CorrectResponse:   r.CorrectResponse,
			IncorrectResponse: corrupted(r),
			MaskedRegions:     regions,
		})
	}
	return out
}

// TagStats: 标注支持度按阈值拆分（严格大于阈值为 valid）。
type TagStats struct {
	Valid     map[string]int `json:"valid"`
	Invalid   map[string]int `json:"invalid"`
	Threshold int            `json:"threshold"`
}

// NewTagStats 以已知类别（计 0）与观察到的支持度构造统计。
func NewTagStats(known []string, support map[string]int, threshold int) TagStats {
	all := make(map[string]int, len(known)+len(support))
	for _, k := range known {
		all[k] = 0
	}
	for k, v := range support {
		all[k] = v
	}
	ts := TagStats{Valid: map[string]int{}, Invalid: map[string]int{}, Threshold: threshold}
	for k, v := range all {
		if v > threshold {
			ts.Valid[k] = v
		} else {
			ts.Invalid[k] = v
		}
	}
	return ts
}

// SortedKeys 便于稳定输出。
func SortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
