package prompt

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var files embed.FS

var tmpl = template.Must(template.New("stages").Funcs(template.FuncMap{
	"trim": strings.TrimSpace,
}).ParseFS(files, "templates/*.tmpl"))

// PlanItem: 嵌入计划中的一条（类别 → 嵌入建议）。
type PlanItem struct {
	Category   string
	Suggestion string
}

// Data: 模板渲染上下文；各阶段只使用其中一部分字段。
type Data struct {
	Problem    string
	Response   string
	Categories []string
	Plan       []PlanItem
	ErrorTypes []string
	Format     string // 输出格式说明（由 schema.Instructions 生成）
}

// 阶段模板名。
const (
	Rectify  = "rectify.tmpl"
	Tag      = "tag.tmpl"
	Embed    = "embed.tmpl"
	Localize = "localize.tmpl"
)

// Render 渲染指定阶段模板。
func Render(name string, d Data) (string, error) {
	var b strings.Builder
	if err := tmpl.ExecuteTemplate(&b, name, d); err != nil {
		return "", fmt.Errorf("prompt %s: %w", name, err)
	}
	return b.String(), nil
}
