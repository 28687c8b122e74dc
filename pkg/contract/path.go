package contract

import (
	"path"
	"strings"
)

// NormalizeDocName 规范化文档名，统一为跨平台稳定的 DocName。
// 规则：
// - 使用正斜杠分隔符；
// - 清理多余分隔符与路径片段（.、..）；
// - 去除末尾的 .json 扩展名（文档名不含扩展名）。
func NormalizeDocName(p string) DocName {
	s := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	s = path.Clean(s)
	s = strings.TrimSuffix(s, ".json")
	if s == "" {
		s = "."
	}
	return DocName(s)
}
