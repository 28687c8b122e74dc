// Package quota 维护按类别的配额计数，并据此分块调度调用直到每个类别达标。
package quota

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalize 规范化类别名：NFKC、去首尾空白、小写、'_' → '-'。幂等。
func Normalize(s string) string {
	for i := 0; i < 4; i++ {
		n := normalizeOnce(s)
		if n == s {
			break
		}
		s = n
	}
	return s
}

func normalizeOnce(s string) string {
	s = norm.NFKC.String(s)
	s = strings.TrimSpace(s)
	// Caser 有状态，不跨 goroutine 共享
	s = cases.Lower(language.Und).String(s)
	return strings.ReplaceAll(s, "_", "-")
}

// Set: 规范化类别名集合。
type Set map[string]struct{}

// Has 判断成员（参数先规范化）。
func (s Set) Has(name string) bool {
	_, ok := s[Normalize(name)]
	return ok
}

// Sorted 返回有序成员列表。
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Counter: 类别 → 已接受示例数。
// 跟踪类别初始化为 0，只增不减；非跟踪类别单独累计，不参与终止判定。
// 非并发安全：仅在分块之间的顺序聚合阶段修改。
type Counter struct {
	tracked   map[string]int
	untracked map[string]int
}

// NewCounter 以跟踪类别初始化（重复与规范化后相同的名称合并）。
func NewCounter(categories []string) *Counter {
	c := &Counter{tracked: make(map[string]int, len(categories)), untracked: map[string]int{}}
	for _, k := range categories {
		if n := Normalize(k); n != "" {
			c.tracked[n] = 0
		}
	}
	return c
}

// Add 记录一次成功结果所报告的类别：同一结果内每个不同类别至多 +1。
// 返回计入跟踪类别的个数。
func (c *Counter) Add(reported []string) int {
	seen := make(map[string]struct{}, len(reported))
	accepted := 0
	for _, r := range reported {
		n := Normalize(r)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		if _, ok := c.tracked[n]; ok {
			c.tracked[n]++
			accepted++
		} else {
			c.untracked[n]++
		}
	}
	return accepted
}

// Count 返回某跟踪类别的计数（非跟踪返回 0）。
func (c *Counter) Count(name string) int { return c.tracked[Normalize(name)] }

// Tracked 返回跟踪类别集合。
func (c *Counter) Tracked() Set {
	s := make(Set, len(c.tracked))
	for k := range c.tracked {
		s[k] = struct{}{}
	}
	return s
}

// Open 返回仍低于配额的跟踪类别。
func (c *Counter) Open(quota int) Set {
	s := Set{}
	for k, v := range c.tracked {
		if v < quota {
			s[k] = struct{}{}
		}
	}
	return s
}

// AllReached: 所有跟踪类别均达到配额（无跟踪类别时为真）。
func (c *Counter) AllReached(quota int) bool {
	for _, v := range c.tracked {
		if v < quota {
			return false
		}
	}
	return true
}

// Split 按是否达标拆分当前计数。
func (c *Counter) Split(quota int) (reached, remaining map[string]int) {
	reached, remaining = map[string]int{}, map[string]int{}
	for k, v := range c.tracked {
		if v >= quota {
			reached[k] = v
		} else {
			remaining[k] = v
		}
	}
	return reached, remaining
}

// Snapshot 返回跟踪类别计数副本。
func (c *Counter) Snapshot() map[string]int { return copyMap(c.tracked) }

// Untracked 返回非跟踪类别计数副本。
func (c *Counter) Untracked() map[string]int { return copyMap(c.untracked) }

// Stats 返回落盘用的合并计数：跟踪类别（含 0）与非跟踪类别。
func (c *Counter) Stats() map[string]int {
	out := copyMap(c.tracked)
	for k, v := range c.untracked {
		out[k] = v
	}
	return out
}

func copyMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
