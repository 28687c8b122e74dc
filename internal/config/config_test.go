package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcorrupt/internal/pipeline"
	"llmcorrupt/pkg/contract"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// 解析完整 config.json
func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{
  "input": "data/train.json",
  "output_dir": "out",
  "concurrency": 8,
  "quota": 50,
  "stages": {"rectify": "mock", "tag": "mock", "embed": "mock", "localize": "mock"},
  "provider": {"mock": {"client": "mock", "options": {"inject": "all"}, "limits": {"rpm": 10}}}
}`)
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "data/train.json", cfg.Input)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 10, cfg.Provider["mock"].Limits.RPM)
	assert.JSONEq(t, `{"inject":"all"}`, string(cfg.Provider["mock"].Options))

	merged := Merge(Defaults(), cfg)
	require.NoError(t, Validate(merged))
	assert.Equal(t, 100, merged.ChunkSize)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
input: train.json
quota: 30
embed_mode: single
stages:
  rectify: mock
  tag: mock
  embed: mock
  localize: mock
provider:
  mock:
    client: mock
    options:
      marker: X
      tag_limit: 1
`)
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Quota)
	assert.Equal(t, "single", cfg.EmbedMode)
	var opts map[string]any
	require.NoError(t, json.Unmarshal(cfg.Provider["mock"].Options, &opts))
	assert.Equal(t, "X", opts["marker"])
	assert.EqualValues(t, 1, opts["tag_limit"])
}

func TestLoadYAMLUnknownField(t *testing.T) {
	_, err := LoadYAML([]byte("nope: 1\n"))
	assert.Error(t, err)
	_, err = LoadYAML([]byte(""))
	assert.Error(t, err)
}

// 含非法字段
func TestLoadJSONUnknown(t *testing.T) {
	raw := []byte(`{"unknown":1}`)
	_, err := LoadJSON("", raw)
	assert.Error(t, err)
	_, err = LoadJSON("", nil)
	assert.Error(t, err)
}

func TestLoadCategories(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "cats.yaml", `
categories:
  - off_by_one_errors
  - name: unused_imports
    description: imports that are never referenced
  - "  "
`)
	cats, err := LoadCategories(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"off_by_one_errors", "unused_imports"}, cats)

	p = writeFile(t, dir, "list.yaml", "- a\n- b\n")
	cats, err = LoadCategories(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cats)

	p = writeFile(t, dir, "empty.yaml", "categories: []\n")
	_, err = LoadCategories(p)
	assert.Error(t, err)
}

// ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"LLM_CORRUPT_INPUT=in.json",
		"LLM_CORRUPT_CONCURRENCY=3",
		"LLM_CORRUPT_MAX_RETRIES=0",
		"LLM_CORRUPT_CATEGORIES=a, b",
		"LLM_CORRUPT_STRICT_IDS=true",
		"LLM_CORRUPT_STAGE_EMBED=claude",
		"LLM_CORRUPT_PROVIDER__CLAUDE__CLIENT=anthropic",
		"LLM_CORRUPT_PROVIDER__CLAUDE__LIMITS_RPM=5",
		"LLM_CORRUPT_PROVIDER__empty__OPTIONS_JSON=",
		"LLM_CORRUPT_STORE_KIND=sqlite",
		"OTHER_VAR=1",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, "in.json", over.Input)
	assert.Equal(t, 3, over.Concurrency)
	assert.Equal(t, 0, over.MaxRetries)
	assert.Equal(t, []string{"a", "b"}, over.Categories)
	assert.True(t, over.StrictIDs)
	assert.Equal(t, "claude", over.Stages.Embed)
	assert.Equal(t, Provider{Client: "anthropic", Limits: Limits{RPM: 5}}, over.Provider["claude"])
	assert.NotContains(t, over.Provider, "empty")
	assert.Equal(t, "sqlite", over.Store.Kind)

	// 未设置 MAX_RETRIES 时保持 -1（不覆盖）
	none, err := EnvOverlay(nil)
	require.NoError(t, err)
	assert.Equal(t, -1, none.MaxRetries)
	base := Defaults()
	base.MaxRetries = 4
	assert.Equal(t, 4, Merge(base, none).MaxRetries)
}

func TestMergeProviderEnvKeepsOptions(t *testing.T) {
	base := Defaults()
	base.Provider["openai"] = Provider{Client: "openai", Options: json.RawMessage(`{"model":"gpt-4o-mini"}`), Limits: Limits{RPM: 100}}
	env, err := EnvOverlay([]string{"LLM_CORRUPT_PROVIDER__openai__LIMITS_TPM=9"})
	require.NoError(t, err)
	got := MergeProviderEnv(base, env)
	p := got.Provider["openai"]
	assert.Equal(t, 100, p.Limits.RPM)
	assert.Equal(t, 9, p.Limits.TPM)
	assert.JSONEq(t, `{"model":"gpt-4o-mini"}`, string(p.Options))
	assert.Contains(t, got.Provider, "anthropic")
}

func TestMergeStoreKindResetsOptions(t *testing.T) {
	base := Defaults()
	base.Store.Options = json.RawMessage(`{"dir":"x"}`)
	got := Merge(base, Config{MaxRetries: -1, Store: Store{Kind: "sqlite"}})
	assert.Equal(t, "sqlite", got.Store.Kind)
	assert.Nil(t, got.Store.Options)
}

// 补充覆盖: splitComma 与 atoi
func TestSplitCommaAtoi(t *testing.T) {
	parts := splitComma("a, b , ,c")
	assert.Equal(t, []string{"a", "b", "c"}, parts)
	v, err := atoi(" 10 ")
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestDefaultsClone(t *testing.T) {
	d := Defaults()
	assert.Equal(t, "openai", d.Stages.Embed)
	assert.Equal(t, 200, d.Quota)
	src := []byte("abc")
	dst := cloneRaw(src)
	src[0] = 'x'
	assert.Equal(t, "abc", string(dst))
}

// Validate 错误分支
func TestValidateErrors(t *testing.T) {
	assert.Error(t, Validate(Config{}))

	cases := map[string]func(*Config){
		"concurrency":  func(c *Config) { c.Concurrency = 0 },
		"chunk":        func(c *Config) { c.ChunkSize = 0 },
		"quota":        func(c *Config) { c.Quota = 0 },
		"retries":      func(c *Config) { c.MaxRetries = -1 },
		"embed_mode":   func(c *Config) { c.EmbedMode = "greedy" },
		"resume_from":  func(c *Config) { c.ResumeFrom = "rectify" },
		"store":        func(c *Config) { c.Store.Kind = "ftp" },
		"stage":        func(c *Config) { c.Stages.Tag = "" },
		"provider":     func(c *Config) { c.Stages.Tag = "ghost" },
		"client empty": func(c *Config) { c.Provider["mock"] = Provider{} },
		"client reg":   func(c *Config) { c.Provider["mock"] = Provider{Client: "nope"} },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultTemplateConfig()
			mut(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
	assert.NoError(t, Validate(DefaultTemplateConfig()))
}

func TestAssemble(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultTemplateConfig()
	cfg.Input = filepath.Join(dir, "train.json")
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Store.Options = nil
	cfg.Categories = []string{"Off_By_One_Errors", "off-by-one-errors", "unused_imports"}
	cfg.CallTimeoutSeconds = 5

	comp, set, err := Assemble(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, contract.DocName("train"), set.InputName)
	assert.Equal(t, []string{"off-by-one-errors", "unused-imports"}, set.Categories)
	assert.Equal(t, pipeline.EmbedQuota, set.EmbedMode)
	assert.Equal(t, "5s", set.CallTimeout.String())
	require.Len(t, comp.Stages, 4)
	for _, st := range pipeline.Order {
		b := comp.Stages[st]
		assert.Equal(t, "mock", b.Provider)
		assert.NotNil(t, b.Client)
		assert.NoError(t, b.Err)
		assert.NotNil(t, b.Gate)
		assert.NotEmpty(t, b.GateKey)
	}

	// 输出存储按 output_dir 推导
	require.NoError(t, comp.Output.Put(context.Background(), "probe", []byte("{}")))
	_, err = os.Stat(filepath.Join(dir, "out", "probe.json"))
	assert.NoError(t, err)
}

// 缺少凭据：不在装配期失败，而是记入该阶段的 Binding。
func TestAssembleDefersMissingCredential(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	dir := t.TempDir()
	cfg := DefaultTemplateConfig()
	cfg.Input = filepath.Join(dir, "in.json")
	cfg.OutputDir = dir
	cfg.Store.Options = nil
	cfg.Stages.Embed = "openai"

	comp, _, err := Assemble(context.Background(), cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, comp.Stages["embed"].Err, contract.ErrMissingCredential)
	assert.Nil(t, comp.Stages["embed"].Client)
	assert.NoError(t, comp.Stages["tag"].Err)
}

func TestAssembleBadProviderOptions(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultTemplateConfig()
	cfg.Input = filepath.Join(dir, "in.json")
	cfg.OutputDir = dir
	cfg.Store.Options = nil
	cfg.Provider["mock"] = Provider{Client: "mock", Options: json.RawMessage(`{"bogus":1}`)}
	_, _, err := Assemble(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAssembleCategoriesPath(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultTemplateConfig()
	cfg.Input = filepath.Join(dir, "in.json")
	cfg.OutputDir = dir
	cfg.Store.Kind = "sqlite"
	cfg.Store.Options = nil
	cfg.Categories = nil
	cfg.CategoriesPath = writeFile(t, dir, "cats.yaml", "categories: [Unused_Imports]\n")

	comp, set, err := Assemble(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"unused-imports"}, set.Categories)
	_, err = os.Stat(filepath.Join(dir, "documents.db"))
	assert.NoError(t, err)
	if c, ok := comp.Output.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func TestSplitInput(t *testing.T) {
	d, n := splitInput("data/x/train.json")
	assert.Equal(t, filepath.Join("data", "x"), d)
	assert.Equal(t, "train", n)
	d, n = splitInput("train")
	assert.Equal(t, ".", d)
	assert.Equal(t, "train", n)
}
