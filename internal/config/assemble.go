package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"llmcorrupt/internal/pipeline"
	"llmcorrupt/internal/rate"
	"llmcorrupt/internal/stage"
	"llmcorrupt/pkg/contract"
	"llmcorrupt/pkg/registry"
	jfs "llmcorrupt/plugins/store/jsonfs"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Input) == "" {
		return errors.New("config: input not set")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" && cfg.Store.Kind != "s3" {
		return errors.New("config: output_dir not set")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.ChunkSize < 1 {
		return errors.New("config: chunk_size must be >= 1")
	}
	if cfg.Quota < 1 {
		return errors.New("config: quota must be >= 1")
	}
	if cfg.MinTagSupport < 0 || cfg.TagStatsThreshold < 0 {
		return errors.New("config: support thresholds must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.CallTimeoutSeconds < 0 {
		return errors.New("config: call_timeout_seconds must be >= 0")
	}
	switch cfg.EmbedMode {
	case "", pipeline.EmbedQuota, pipeline.EmbedSingle:
	default:
		return fmt.Errorf("config: embed_mode %q invalid (quota|single)", cfg.EmbedMode)
	}
	switch cfg.ResumeFrom {
	case "", contract.StageTag, contract.StageEmbed, contract.StageLocalize:
	default:
		return fmt.Errorf("config: resume_from %q invalid (tag|embed|localize)", cfg.ResumeFrom)
	}
	kind := effName(cfg.Store.Kind, Defaults().Store.Kind)
	if registry.Store[kind] == nil {
		return fmt.Errorf("config: store %q not registered", kind)
	}
	for _, st := range pipeline.Order {
		name := cfg.Stages.ByName(st)
		if name == "" {
			return fmt.Errorf("config: stage %s has no provider", st)
		}
		prov, ok := cfg.Provider[name]
		if !ok {
			return fmt.Errorf("config: stage %s: provider %q not found", st, name)
		}
		if prov.Client == "" {
			return fmt.Errorf("config: provider %q missing client", name)
		}
		if registry.LLMClient[prov.Client] == nil {
			return fmt.Errorf("config: llm client %q not registered", prov.Client)
		}
	}
	return nil
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 凭据缺失不在此处失败：记入对应阶段的 Binding.Err，由该阶段在开始时报告。
func Assemble(ctx context.Context, cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	dir, name := splitInput(cfg.Input)
	in, err := jfs.New(&jfs.Options{Dir: dir})
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("input store: %w", err)
	}

	kind := effName(cfg.Store.Kind, Defaults().Store.Kind)
	out, err := registry.Store[kind](ctx, storeOptions(kind, cfg))
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("output store %s: %w", kind, err)
	}

	// 同一 provider 的多个阶段共享客户端与限流键
	gmap := map[rate.LimitKey]rate.Limits{}
	built := map[string]pipeline.Binding{}
	stages := make(map[string]pipeline.Binding, len(pipeline.Order))
	for _, st := range pipeline.Order {
		pn := cfg.Stages.ByName(st)
		if b, ok := built[pn]; ok {
			stages[st] = b
			continue
		}
		prov := cfg.Provider[pn]
		b := pipeline.Binding{Provider: pn}
		cli, cerr := registry.LLMClient[prov.Client](prov.Options)
		switch {
		case cerr == nil:
			b.Client = cli
		case errors.Is(cerr, contract.ErrMissingCredential):
			b.Err = fmt.Errorf("provider %s: %w", pn, cerr)
		default:
			return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("provider %s: %w", pn, cerr)
		}
		// 默认使用 API Key 派生分组键（更稳定）；若失败则退化为 provider 名称。
		key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
		if derr != nil {
			key = rate.LimitKey(pn)
		}
		gmap[key] = rate.Limits{RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq}
		b.GateKey = key
		built[pn] = b
		stages[st] = b
	}
	gate := rate.NewGate(gmap, nil)
	for st, b := range stages {
		b.Gate = gate
		stages[st] = b
	}

	cats, err := resolveCategories(cfg)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	set := pipeline.Settings{
		InputName:         contract.DocName(name),
		Concurrency:       cfg.Concurrency,
		ChunkSize:         cfg.ChunkSize,
		Quota:             cfg.Quota,
		MinTagSupport:     cfg.MinTagSupport,
		TagStatsThreshold: cfg.TagStatsThreshold,
		MaxRetries:        cfg.MaxRetries,
		CallTimeout:       time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		BytesPerToken:     cfg.BytesPerToken,
		Categories:        cats,
		EmbedMode:         effName(cfg.EmbedMode, pipeline.EmbedQuota),
		ResumeFrom:        cfg.ResumeFrom,
		StrictIDs:         cfg.StrictIDs,
	}
	return pipeline.Components{Input: in, Output: out, Stages: stages}, set, nil
}

// splitInput: "data/train.json" → ("data", "train")。
func splitInput(p string) (dir, name string) {
	p = filepath.Clean(strings.TrimSpace(p))
	dir = filepath.Dir(p)
	name = strings.TrimSuffix(filepath.Base(p), ".json")
	return dir, name
}

// storeOptions: 显式 options 优先；否则按 OutputDir 推导 jsonfs/sqlite 默认值。
func storeOptions(kind string, cfg Config) json.RawMessage {
	if !emptyRaw(cfg.Store.Options) {
		return cfg.Store.Options
	}
	var v any
	switch kind {
	case "jsonfs":
		v = map[string]any{"dir": cfg.OutputDir}
	case "sqlite":
		v = map[string]any{"path": filepath.Join(cfg.OutputDir, "documents.db")}
	default:
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

// resolveCategories: 配置列表 → categories_path → 内置默认。
func resolveCategories(cfg Config) ([]string, error) {
	if len(cfg.Categories) > 0 {
		return stage.NormalizeAll(cfg.Categories), nil
	}
	if p := strings.TrimSpace(cfg.CategoriesPath); p != "" {
		cats, err := LoadCategories(p)
		if err != nil {
			return nil, err
		}
		return stage.NormalizeAll(cats), nil
	}
	return cloneStrings(stage.DefaultCategories), nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
