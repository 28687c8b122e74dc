// Package schema 将声明式 contract.Schema 转换为 JSON Schema（Draft 2020-12），
// 并对模型返回的文本做提取与校验。
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"llmcorrupt/pkg/contract"
)

// Document 返回 Schema 对应的 JSON Schema 文档（map 形式，便于序列化或下发给 provider）。
func Document(s contract.Schema) map[string]any {
	return objectOf(s.Description, s.Fields)
}

func objectOf(desc string, fields []contract.Field) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldDoc(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	obj := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if desc != "" {
		obj["description"] = desc
	}
	if len(required) > 0 {
		obj["required"] = required
	}
	return obj
}

func fieldDoc(f contract.Field) map[string]any {
	var d map[string]any
	switch f.Type {
	case contract.TypeStringList:
		d = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	case contract.TypeStringMap:
		d = map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}}
	case contract.TypeObjectList:
		d = map[string]any{"type": "array", "items": objectOf("", f.Items)}
	default:
		d = map[string]any{"type": "string"}
	}
	if f.Description != "" {
		d["description"] = f.Description
	}
	return d
}

// Validator: 已编译的 Schema 校验器（并发安全）。
type Validator struct {
	name string
	sch  *jsonschema.Schema
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Validator{}
)

// Compile 编译 Schema；按 Name 缓存（同名 Schema 视为同一定义）。
func Compile(s contract.Schema) (*Validator, error) {
	if strings.TrimSpace(s.Name) == "" {
		return nil, fmt.Errorf("schema: empty name: %w", contract.ErrInvalidInput)
	}
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if v, ok := cache[s.Name]; ok {
		return v, nil
	}
	raw, err := json.Marshal(Document(s))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", s.Name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://llmcorrupt.schemas.local/%s.schema.json", s.Name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", s.Name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", s.Name, err)
	}
	v := &Validator{name: s.Name, sch: sch}
	cache[s.Name] = v
	return v, nil
}

// Parse 从模型文本中提取 JSON 对象并按 Schema 校验。
// 失败一律归为 contract.ErrMalformedOutput。
func (v *Validator) Parse(text string) (contract.Structured, error) {
	body := ExtractObject(text)
	if body == "" {
		return contract.Structured{}, fmt.Errorf("%s: no json object: %w", v.name, contract.ErrMalformedOutput)
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return contract.Structured{}, fmt.Errorf("%s: %v: %w", v.name, err, contract.ErrMalformedOutput)
	}
	if err := v.sch.Validate(doc); err != nil {
		return contract.Structured{}, fmt.Errorf("%s: %v: %w", v.name, err, contract.ErrMalformedOutput)
	}
	return contract.Structured{JSON: json.RawMessage(body)}, nil
}

// ExtractObject 截取文本中第一个 '{' 到最后一个 '}'（兼容 ```json 代码块包裹）。
func ExtractObject(text string) string {
	s := strings.TrimSpace(text)
	i := strings.IndexByte(s, '{')
	j := strings.LastIndexByte(s, '}')
	if i < 0 || j < i {
		return ""
	}
	return s[i : j+1]
}

// Instructions 渲染面向模型的输出格式说明（字段 → 类型 → 描述）。
func Instructions(s contract.Schema) string {
	var b strings.Builder
	b.WriteString("Return only a JSON object named ")
	b.WriteString(s.Name)
	b.WriteString(" with the following fields:\n")
	writeFields(&b, s.Fields, "")
	return b.String()
}

func writeFields(b *strings.Builder, fields []contract.Field, indent string) {
	for _, f := range fields {
		fmt.Fprintf(b, "%s- %s (%s", indent, f.Name, typeLabel(f.Type))
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		b.WriteByte('\n')
		if f.Type == contract.TypeObjectList {
			writeFields(b, f.Items, indent+"  ")
		}
	}
}

func typeLabel(t contract.FieldType) string {
	switch t {
	case contract.TypeStringList:
		return "list of strings"
	case contract.TypeStringMap:
		return "object mapping string to string"
	case contract.TypeObjectList:
		return "list of objects"
	default:
		return "string"
	}
}
