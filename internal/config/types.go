package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 均使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Input: 输入记录文档路径（末尾 .json 可省略）。
	Input     string `json:"input"`
	OutputDir string `json:"output_dir"`

	Concurrency int `json:"concurrency"`
	ChunkSize   int `json:"chunk_size"`
	Quota       int `json:"quota"`
	// MinTagSupport: 嵌入阶段只跟踪支持度严格大于该值的类别。
	MinTagSupport     int `json:"min_tag_support"`
	TagStatsThreshold int `json:"tag_stats_threshold"`
	// CallTimeoutSeconds: 单次调用超时（秒）。
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
	// MaxRetries: 调度层对限流/网络/协议类失败的最大重试次数（>=0）。0 表示不重试。
	MaxRetries    int `json:"max_retries"`
	BytesPerToken int `json:"bytes_per_token"`

	// Categories: 已知错误类别；为空时读取 CategoriesPath，仍为空则使用内置列表。
	Categories     []string `json:"categories"`
	CategoriesPath string   `json:"categories_path"`

	EmbedMode  string `json:"embed_mode"`  // quota | single
	ResumeFrom string `json:"resume_from"` // "" | tag | embed | localize
	StrictIDs  bool   `json:"strict_ids"`

	Logging Logging `json:"logging"`

	// Stages: 每个阶段绑定的 provider 名称。
	Stages Stages `json:"stages"`
	// Provider: 命名 provider 定义。
	Provider map[string]Provider `json:"provider"`

	// Store: 阶段文档存储（jsonfs | sqlite | s3）。
	Store Store `json:"store"`
}

// Logging: 日志等级与目录；轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Stages: 阶段 → provider 名称。
type Stages struct {
	Rectify  string `json:"rectify"`
	Tag      string `json:"tag"`
	Embed    string `json:"embed"`
	Localize string `json:"localize"`
}

// ByName 以阶段名取 provider 名称。
func (s Stages) ByName(stage string) string {
	switch stage {
	case "rectify":
		return s.Rectify
	case "tag":
		return s.Tag
	case "embed":
		return s.Embed
	case "localize":
		return s.Localize
	}
	return ""
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// Store: 存储实现名与原样 JSON Options；Options 为空时按 OutputDir 推导默认值。
type Store struct {
	Kind    string          `json:"kind"`
	Options json.RawMessage `json:"options"`
}
