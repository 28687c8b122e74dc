package contract

// FieldType: 声明式 Schema 的字段类型（与具体校验库无关）。
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeStringList FieldType = "string_list"
	TypeStringMap  FieldType = "string_map"
	TypeObjectList FieldType = "object_list"
)

// Field: 字段名 → 类型 → 自然语言描述。
// Items 仅在 TypeObjectList 时有效。
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
	Items       []Field
}

// Schema: 结构化输出的声明式描述，传给 StructuredClient。
type Schema struct {
	Name        string
	Description string
	Fields      []Field
}
