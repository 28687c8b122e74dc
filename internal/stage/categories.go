package stage

import (
	"llmcorrupt/internal/quota"
)

// DefaultCategories: 默认错误类别（已规范化）。
var DefaultCategories = []string{
	"off-by-one-errors",
	"improper-handling-of-edge-cases",
	"unused-imports",
	"minor-syntax-errors",
	"incorrect-base-case-in-recursion",
	"irrelevant-information",
	"omitting-necessary-imports",
	"misleading-comments-in-code",
	"redundant-information",
	"inconsistent-terminology",
	"incorrect-explanation",
}

// NormalizeAll 规范化并去重，保持首次出现顺序。
func NormalizeAll(cs []string) []string {
	seen := make(map[string]struct{}, len(cs))
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		n := quota.Normalize(c)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
