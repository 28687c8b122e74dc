package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 四个阶段均绑定 mock（离线调试友好）；
// - 列出全部内置 provider 及其选项键，值为空或默认；
// - 输出到 ./output，存储为 jsonfs。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Input:              "input.json",
		OutputDir:          d.OutputDir,
		Concurrency:        d.Concurrency,
		ChunkSize:          d.ChunkSize,
		Quota:              d.Quota,
		MinTagSupport:      0,
		TagStatsThreshold:  d.TagStatsThreshold,
		CallTimeoutSeconds: d.CallTimeoutSeconds,
		MaxRetries:         2,
		BytesPerToken:      d.BytesPerToken,
		Categories:         []string{},
		CategoriesPath:     "",
		EmbedMode:          d.EmbedMode,
		Logging:            d.Logging,
		Stages:             Stages{Rectify: "mock", Tag: "mock", Embed: "mock", Localize: "mock"},
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"marker":"","api_key":"","tag_limit":0,"inject":"first"}`),
				Limits:  Limits{RPM: 600, TPM: 200000, MaxTokensPerReq: 8192},
			},
			"openai": {
				Client: "openai",
				// 覆盖全部 OpenAI 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4o",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 120,
  "temperature": null,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 500, TPM: 300000, MaxTokensPerReq: 0},
			},
			"anthropic": {
				Client: "anthropic",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "CLAUDE_API_KEY",
  "api_key": "",
  "max_tokens": 4096,
  "timeout_seconds": 120,
  "temperature": null
}`),
				Limits: Limits{RPM: 50, TPM: 40000, MaxTokensPerReq: 0},
			},
			"flaky": {
				Client:  "flaky",
				Options: json.RawMessage(`{"log_path":"","mock":{"marker":"","inject":"first"}}`),
			},
		},
		Store: Store{
			Kind:    "jsonfs",
			Options: json.RawMessage(`{"dir":"output","atomic":true}`),
		},
	}
	return cfg
}
