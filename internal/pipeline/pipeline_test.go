package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"llmcorrupt/internal/dataset"
	"llmcorrupt/pkg/contract"
	"llmcorrupt/plugins/llmclient/flaky"
	"llmcorrupt/plugins/llmclient/mock"
)

// 通用桩件 ----------------------------------------------------
type memStore struct {
	mu   sync.Mutex
	docs map[contract.DocName][]byte
}

func newMemStore() *memStore { return &memStore{docs: map[contract.DocName][]byte{}} }

func (m *memStore) Put(_ context.Context, n contract.DocName, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[n] = append([]byte(nil), b...)
	return nil
}

func (m *memStore) Get(_ context.Context, n contract.DocName) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[n]
	if !ok {
		return nil, contract.ErrNotFound
	}
	return b, nil
}

func (m *memStore) Exists(_ context.Context, n contract.DocName) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[n]
	return ok, nil
}

func inputStore(t *testing.T, n int) *memStore {
	t.Helper()
	recs := make([]map[string]any, n)
	for i := range recs {
		sol := fmt.Sprintf("solution %d", i)
		if i%5 == 0 {
			sol += " BUG"
		}
		recs[i] = map[string]any{"id": i, "problem": fmt.Sprintf("problem %d", i), "solution": sol, "source": "unit"}
	}
	b, _ := json.Marshal(recs)
	st := newMemStore()
	st.docs["problems"] = b
	return st
}

func mockBindings(t *testing.T) map[string]Binding {
	t.Helper()
	c, err := mock.New(nil)
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	out := map[string]Binding{}
	for _, s := range Order {
		out[s] = Binding{Provider: "mock", Client: c}
	}
	return out
}

func baseSettings() Settings {
	return Settings{
		InputName:   "problems",
		Concurrency: 8,
		ChunkSize:   100,
		Quota:       100,
		Categories:  []string{"a", "b"},
	}
}

func loadDoc(t *testing.T, st *memStore, name contract.DocName, v any) {
	t.Helper()
	b, err := st.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("缺少文档 %s: %v", name, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("解析 %s: %v", name, err)
	}
}

// UT-PIP-01: 250 条、两类、配额 100、块 100 → 第 3 次检查时停止，只派发 2 块。
func TestRunQuotaEndToEnd(t *testing.T) {
	out := newMemStore()
	comp := Components{Input: inputStore(t, 250), Output: out, Stages: mockBindings(t)}
	rep, err := Run(context.Background(), comp, baseSettings(), nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if len(rep.Stages) != 4 {
		t.Fatalf("阶段数不符: %d", len(rep.Stages))
	}
	emb := rep.Stages[2]
	if emb.Iterations != 3 || emb.Chunks != 2 || emb.Dispatched != 200 || emb.Succeeded != 200 {
		t.Fatalf("嵌入摘要不符: %+v", emb)
	}
	if rep.Stats["a"] != 100 || rep.Stats["b"] != 100 {
		t.Fatalf("计数不符: %v", rep.Stats)
	}

	recs, stats, err := dataset.Load(context.Background(), out, dataset.DocEmbedded)
	if err != nil || len(recs) != 200 || stats["a"] != 100 || stats["b"] != 100 {
		t.Fatalf("embedded 文档不符: %d %v %v", len(recs), stats, err)
	}
	var final []dataset.FinalExample
	loadDoc(t, out, dataset.DocFinal, &final)
	if len(final) != 200 {
		t.Fatalf("final 数量不符: %d", len(final))
	}
	for _, f := range final {
		if len(f.MaskedRegions) != 1 || f.MaskedRegions[0][2] != -1 {
			t.Fatalf("掩码区间应位于污染文本: %+v", f)
		}
		if !strings.HasPrefix(f.IncorrectResponse, f.CorrectResponse) {
			t.Fatalf("污染回答应以正确回答为前缀: %+v", f)
		}
	}
	var sft []dataset.SFTExample
	loadDoc(t, out, dataset.DocSFT, &sft)
	if len(sft) != 200 {
		t.Fatalf("sft 数量不符: %d", len(sft))
	}
	var ts dataset.TagStats
	loadDoc(t, out, dataset.DocTagStats, &ts)
	if ts.Valid["a"] != 250 || ts.Valid["b"] != 250 || len(ts.Invalid) != 0 {
		t.Fatalf("tag_stats 不符: %+v", ts)
	}
	var rr RunReport
	loadDoc(t, out, dataset.DocRunReport, &rr)
	if !rr.OK || len(rr.Stages) != 4 {
		t.Fatalf("run_report 不符: %+v", rr)
	}
}

// UT-PIP-02: 修正与未知字段透传。
func TestRunRectifyPreservesFields(t *testing.T) {
	out := newMemStore()
	comp := Components{Input: inputStore(t, 10), Output: out, Stages: mockBindings(t)}
	if _, err := Run(context.Background(), comp, baseSettings(), nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	recs, _, err := dataset.Load(context.Background(), out, dataset.DocFixed)
	if err != nil || len(recs) != 10 {
		t.Fatalf("fixed 文档不符: %d %v", len(recs), err)
	}
	fixed := 0
	for _, r := range recs {
		if string(r.Extra["source"]) != `"unit"` {
			t.Fatalf("未知字段丢失: %+v", r.Extra)
		}
		if r.Rectification != nil && r.Rectification.CorrectResponse != "" {
			fixed++
			if strings.Contains(r.BestResponse(), "BUG") {
				t.Fatalf("修正后仍含 BUG: %q", r.BestResponse())
			}
		}
	}
	if fixed != 2 {
		t.Fatalf("应修正 2 条，实际 %d", fixed)
	}
}

// UT-PIP-03: 嵌入阶段凭据缺失 → 之前的文档已写出，embedded 未写出。
func TestRunMissingCredentialFailsStage(t *testing.T) {
	out := newMemStore()
	stages := mockBindings(t)
	stages[contract.StageEmbed] = Binding{Provider: "openai", Err: fmt.Errorf("openai: %w", contract.ErrMissingCredential)}
	comp := Components{Input: inputStore(t, 5), Output: out, Stages: stages}
	_, err := Run(context.Background(), comp, baseSettings(), nil)
	if !errors.Is(err, contract.ErrMissingCredential) {
		t.Fatalf("应返回凭据错误: %v", err)
	}
	for _, n := range []contract.DocName{dataset.DocFixed, dataset.DocTagged, dataset.DocTagStats, dataset.DocRunReport} {
		if ok, _ := out.Exists(context.Background(), n); !ok {
			t.Fatalf("应已写出 %s", n)
		}
	}
	if ok, _ := out.Exists(context.Background(), dataset.DocEmbedded); ok {
		t.Fatalf("embedded 不应写出")
	}
}

// UT-PIP-04: 从 embed 续跑，只运行后两个阶段。
func TestRunResumeFromEmbed(t *testing.T) {
	out := newMemStore()
	comp := Components{Input: inputStore(t, 20), Output: out, Stages: mockBindings(t)}
	if _, err := Run(context.Background(), comp, baseSettings(), nil); err != nil {
		t.Fatalf("首次运行失败: %v", err)
	}
	delete(out.docs, dataset.DocEmbedded)
	set := baseSettings()
	set.ResumeFrom = contract.StageEmbed
	rep, err := Run(context.Background(), Components{Output: out, Stages: mockBindings(t)}, set, nil)
	if err != nil {
		t.Fatalf("续跑失败: %v", err)
	}
	if len(rep.Stages) != 2 || rep.Stages[0].Stage != contract.StageEmbed {
		t.Fatalf("续跑阶段不符: %+v", rep.Stages)
	}
	if rep.Stats["a"] != 20 {
		t.Fatalf("续跑计数不符: %v", rep.Stats)
	}
}

// UT-PIP-05: single 模式对全部记录一遍，计数方式相同。
func TestRunSingleMode(t *testing.T) {
	out := newMemStore()
	set := baseSettings()
	set.EmbedMode = EmbedSingle
	c, _ := mock.New(json.RawMessage(`{"inject":"all"}`))
	stages := map[string]Binding{}
	for _, s := range Order {
		stages[s] = Binding{Provider: "mock", Client: c}
	}
	rep, err := Run(context.Background(), Components{Input: inputStore(t, 30), Output: out, Stages: stages}, set, nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if rep.Stats["a"] != 30 || rep.Stats["b"] != 30 {
		t.Fatalf("single 计数不符: %v", rep.Stats)
	}
	if rep.Stages[2].Iterations != 0 {
		t.Fatalf("single 模式不应有配额迭代: %+v", rep.Stages[2])
	}
}

// UT-PIP-06: 输入缺失 → ErrStartup，且不写任何文档。
func TestRunMissingInput(t *testing.T) {
	out := newMemStore()
	comp := Components{Input: newMemStore(), Output: out, Stages: mockBindings(t)}
	_, err := Run(context.Background(), comp, baseSettings(), nil)
	if !errors.Is(err, ErrStartup) || !errors.Is(err, contract.ErrNotFound) {
		t.Fatalf("应返回启动错误: %v", err)
	}
	if len(out.docs) != 0 {
		t.Fatalf("不应写出文档: %v", len(out.docs))
	}
}

// UT-PIP-07: 带重试时，flaky 的前两次失败被吸收。
func TestRunRetriesAbsorbFlaky(t *testing.T) {
	c, err := flaky.New(nil)
	if err != nil {
		t.Fatalf("flaky: %v", err)
	}
	stages := map[string]Binding{}
	for _, s := range Order {
		stages[s] = Binding{Provider: "flaky", Client: c}
	}
	set := baseSettings()
	set.Concurrency = 1
	set.MaxRetries = 2
	rep, err := Run(context.Background(), Components{Input: inputStore(t, 3), Output: newMemStore(), Stages: stages}, set, nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if rep.Stages[0].Failed != 0 || rep.Stages[0].Succeeded != 3 {
		t.Fatalf("重试后应全部成功: %+v", rep.Stages[0])
	}
}

// UT-PIP-08: 配置边界。
func TestRunSanity(t *testing.T) {
	comp := Components{Input: newMemStore(), Output: newMemStore(), Stages: mockBindings(t)}
	bad := []Settings{
		{InputName: "x", ChunkSize: 0},
		{InputName: "x", ChunkSize: 1, EmbedMode: "both"},
		{InputName: "x", ChunkSize: 1, ResumeFrom: "rectify2"},
	}
	for i, s := range bad {
		if _, err := Run(context.Background(), comp, s, nil); err == nil {
			t.Fatalf("case %d 应失败", i)
		}
	}
}
