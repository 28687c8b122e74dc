// Package span 将模型给出的错误子串解析为掩码区间。
package span

import (
	"strings"
	"unicode/utf8"

	"llmcorrupt/pkg/contract"
)

// 极性：+1 位于正确文本（被改写/删除的内容），-1 位于污染文本（被注入的内容）。
const (
	InClean     = 1
	InCorrupted = -1
)

// Span: [Start, End) 为 Unicode 码点偏移。
type Span struct {
	Start    int
	End      int
	Polarity int
}

// Region 转为持久化三元组。
func (s Span) Region() contract.MaskedRegion {
	return contract.MaskedRegion{s.Start, s.End, s.Polarity}
}

// Resolve 先在 clean 中查找 sub 的首次出现（+1），否则在 corrupted 中查找（-1）；
// 两者都不含或 sub 为空时返回 false。
func Resolve(clean, corrupted, sub string) (Span, bool) {
	if sub == "" {
		return Span{}, false
	}
	if s, ok := find(clean, sub, InClean); ok {
		return s, true
	}
	return find(corrupted, sub, InCorrupted)
}

func find(text, sub string, polarity int) (Span, bool) {
	i := strings.Index(text, sub)
	if i < 0 {
		return Span{}, false
	}
	start := utf8.RuneCountInString(text[:i])
	return Span{Start: start, End: start + utf8.RuneCountInString(sub), Polarity: polarity}, true
}

// ResolveAll 依次解析多个子串；返回区间与被丢弃的个数。
func ResolveAll(clean, corrupted string, subs []string) ([]contract.MaskedRegion, int) {
	out := make([]contract.MaskedRegion, 0, len(subs))
	dropped := 0
	for _, s := range subs {
		sp, ok := Resolve(clean, corrupted, s)
		if !ok {
			dropped++
			continue
		}
		out = append(out, sp.Region())
	}
	return out, dropped
}
