package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "LLM_CORRUPT_"

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	return Config{
		OutputDir:          "output",
		Concurrency:        50,
		ChunkSize:          100,
		Quota:              200,
		TagStatsThreshold:  400,
		CallTimeoutSeconds: 120,
		MaxRetries:         0,
		BytesPerToken:      4,
		EmbedMode:          "quota",
		Logging:            Logging{Level: "info", Dir: "logs"},
		Stages:             Stages{Rectify: "openai", Tag: "openai", Embed: "openai", Localize: "openai"},
		Store:              Store{Kind: "jsonfs"},
		Provider: map[string]Provider{
			"openai":    {Client: "openai"},
			"anthropic": {Client: "anthropic"},
			"mock":      {Client: "mock"},
		},
	}
}

// LoadFile 按扩展名解析配置文件：.yaml/.yml 走 YAML，其余按 JSON。
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		return LoadYAML(b)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 将 YAML 文档转为等价 JSON 后严格解析，provider/store 的 options 子树原样保留。
func LoadYAML(b []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}
	if doc == nil {
		return Config{}, errors.New("config yaml: empty document")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}
	return LoadJSON("", raw)
}

// categoryEntry 同时接受标量（"off_by_one_errors"）与映射（{name, description}）。
type categoryEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func (c *categoryEntry) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		c.Name = n.Value
		return nil
	}
	type plain categoryEntry
	return n.Decode((*plain)(c))
}

// LoadCategories 读取类别清单（YAML）：顶层 categories 列表，或直接为列表。
func LoadCategories(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Categories []categoryEntry `yaml:"categories"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil || len(doc.Categories) == 0 {
		var list []categoryEntry
		if lerr := yaml.Unmarshal(b, &list); lerr != nil {
			if err == nil {
				err = lerr
			}
			return nil, fmt.Errorf("categories %s: %w", path, err)
		}
		doc.Categories = list
	}
	out := make([]string, 0, len(doc.Categories))
	for _, c := range doc.Categories {
		if s := strings.TrimSpace(c.Name); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("categories %s: empty list", path)
	}
	return out, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.Input); s != "" {
		out.Input = s
	}
	if s := strings.TrimSpace(over.OutputDir); s != "" {
		out.OutputDir = s
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.ChunkSize != 0 {
		out.ChunkSize = over.ChunkSize
	}
	if over.Quota != 0 {
		out.Quota = over.Quota
	}
	if over.MinTagSupport != 0 {
		out.MinTagSupport = over.MinTagSupport
	}
	if over.TagStatsThreshold != 0 {
		out.TagStatsThreshold = over.TagStatsThreshold
	}
	if over.CallTimeoutSeconds != 0 {
		out.CallTimeoutSeconds = over.CallTimeoutSeconds
	}
	// 特殊：MaxRetries 的 0 具有语义（禁用重试），需要显式可覆盖。
	// 约定：当 over.MaxRetries >= 0 时认为“存在”，否则（例如 -1）视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	if len(over.Categories) > 0 {
		out.Categories = cloneStrings(over.Categories)
	}
	if s := strings.TrimSpace(over.CategoriesPath); s != "" {
		out.CategoriesPath = s
	}
	if s := strings.TrimSpace(over.EmbedMode); s != "" {
		out.EmbedMode = s
	}
	if s := strings.TrimSpace(over.ResumeFrom); s != "" {
		out.ResumeFrom = s
	}
	if over.StrictIDs {
		out.StrictIDs = true
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}

	// 阶段绑定（空不覆盖）
	if over.Stages.Rectify != "" {
		out.Stages.Rectify = over.Stages.Rectify
	}
	if over.Stages.Tag != "" {
		out.Stages.Tag = over.Stages.Tag
	}
	if over.Stages.Embed != "" {
		out.Stages.Embed = over.Stages.Embed
	}
	if over.Stages.Localize != "" {
		out.Stages.Localize = over.Stages.Localize
	}

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = v
		}
		out.Provider = prov
	}

	if over.Store.Kind != "" {
		out.Store.Kind = over.Store.Kind
		// 切换实现时旧 options 不再适用
		if over.Store.Kind != base.Store.Kind {
			out.Store.Options = nil
		}
	}
	if !emptyRaw(over.Store.Options) {
		out.Store.Options = cloneRaw(over.Store.Options)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LLM_CORRUPT_；集合之外的键忽略。
// 支持：INPUT, OUTPUT_DIR, CONCURRENCY, CHUNK_SIZE, QUOTA, MIN_TAG_SUPPORT, TAG_STATS_THRESHOLD,
// CALL_TIMEOUT_SECONDS, MAX_RETRIES, BYTES_PER_TOKEN, CATEGORIES, CATEGORIES_PATH, EMBED_MODE,
// STRICT_IDS, LOG_LEVEL, LOG_DIR, STAGE_{RECTIFY,TAG,EMBED,LOCALIZE}, STORE_KIND, STORE_OPTIONS_JSON
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// 默认：-1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
	prov := map[string]Provider{}
	ints := map[string]*int{
		"CONCURRENCY":          &over.Concurrency,
		"CHUNK_SIZE":           &over.ChunkSize,
		"QUOTA":                &over.Quota,
		"MIN_TAG_SUPPORT":      &over.MinTagSupport,
		"TAG_STATS_THRESHOLD":  &over.TagStatsThreshold,
		"CALL_TIMEOUT_SECONDS": &over.CallTimeoutSeconds,
		"MAX_RETRIES":          &over.MaxRetries,
		"BYTES_PER_TOKEN":      &over.BytesPerToken,
	}
	strs := map[string]*string{
		"INPUT":           &over.Input,
		"OUTPUT_DIR":      &over.OutputDir,
		"CATEGORIES_PATH": &over.CategoriesPath,
		"EMBED_MODE":      &over.EmbedMode,
		"RESUME_FROM":     &over.ResumeFrom,
		"LOG_LEVEL":       &over.Logging.Level,
		"LOG_DIR":         &over.Logging.Dir,
		"STAGE_RECTIFY":   &over.Stages.Rectify,
		"STAGE_TAG":       &over.Stages.Tag,
		"STAGE_EMBED":     &over.Stages.Embed,
		"STAGE_LOCALIZE":  &over.Stages.Localize,
		"STORE_KIND":      &over.Store.Kind,
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		if p, ok := ints[nk]; ok {
			if v, err := atoi(val); err == nil {
				*p = v
			}
			continue
		}
		if p, ok := strs[nk]; ok {
			*p = strings.TrimSpace(val)
			continue
		}
		switch nk {
		case "CATEGORIES":
			over.Categories = splitComma(val)
		case "STRICT_IDS":
			if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				over.StrictIDs = b
			}
		case "STORE_OPTIONS_JSON":
			if strings.TrimSpace(val) != "" {
				over.Store.Options = json.RawMessage(val)
			}
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.ToLower(strings.TrimSpace(parts[1]))
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv := strings.TrimSpace(val); tv != "" {
					p.Client = tv
					changed = true
				}
			case "LIMITS_RPM":
				if v, err := atoi(val); err == nil {
					p.Limits.RPM = v
					changed = true
				}
			case "LIMITS_TPM":
				if v, err := atoi(val); err == nil {
					p.Limits.TPM = v
					changed = true
				}
			case "LIMITS_MAX_TOKENS_PER_REQ":
				if v, err := atoi(val); err == nil {
					p.Limits.MaxTokensPerReq = v
					changed = true
				}
			case "OPTIONS_JSON":
				// 原样 JSON；空值视为未设置，避免清空现有配置
				if strings.TrimSpace(val) != "" {
					p.Options = json.RawMessage(val)
					changed = true
				}
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖配置文件
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// MergeProviderEnv: 环境变量中的 provider 覆盖只替换出现的字段，其余沿用 base 中的定义。
func MergeProviderEnv(base Config, env Config) Config {
	if len(env.Provider) == 0 {
		return Merge(base, env)
	}
	merged := make(map[string]Provider, len(env.Provider))
	for name, ep := range env.Provider {
		p := base.Provider[name]
		if ep.Client != "" {
			p.Client = ep.Client
		}
		if len(ep.Options) > 0 {
			p.Options = cloneRaw(ep.Options)
		}
		if ep.Limits.RPM != 0 {
			p.Limits.RPM = ep.Limits.RPM
		}
		if ep.Limits.TPM != 0 {
			p.Limits.TPM = ep.Limits.TPM
		}
		if ep.Limits.MaxTokensPerReq != 0 {
			p.Limits.MaxTokensPerReq = ep.Limits.MaxTokensPerReq
		}
		merged[name] = p
	}
	env.Provider = merged
	return Merge(base, env)
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// emptyRaw: 空或字面量 null 视为未设置。
func emptyRaw(r json.RawMessage) bool {
	t := bytes.TrimSpace(r)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
