package stress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	cfgpkg "llmcorrupt/internal/config"
	"llmcorrupt/internal/pipeline"
)

// baseConfig 构造可运行的最小 mock 配置。
func baseConfig(input, outDir string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Input = input
	cfg.OutputDir = outDir
	cfg.Store = cfgpkg.Store{Kind: "jsonfs"}
	cfg.Categories = []string{"off_by_one_errors", "unused_imports", "incorrect_explanation", "redundant_information"}
	cfg.Quota = 400
	cfg.ChunkSize = 200
	cfg.Logging.Level = "error"
	cfg.Provider["mock"] = cfgpkg.Provider{
		Client:  "mock",
		Options: json.RawMessage(`{"marker":"STRESS","tag_limit":2}`),
	}
	return cfg
}

// runPipeline 执行完整流水线。
func runPipeline(t *testing.T, cfg cfgpkg.Config) error {
	comp, set, err := cfgpkg.Assemble(context.Background(), cfg)
	if err != nil {
		return err
	}
	_, err = pipeline.Run(context.Background(), comp, set, nil)
	return err
}

// writeRecords 生成 n 条合成记录。
func writeRecords(path string, n int) error {
	recs := make([]map[string]any, n)
	for i := range recs {
		sol := fmt.Sprintf("def f%d(xs):\n    return sum(xs[:%d])", i, i%7)
		if i%3 == 0 {
			sol += " # BUG"
		}
		recs[i] = map[string]any{"id": i, "problem": fmt.Sprintf("问题 %d：对列表求和", i), "solution": sol}
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// TestStress 在不同并发度下运行流水线并记录延迟统计。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress skipped in -short")
	}
	levels := []int{1, 8, 16, 32, 64}
	for _, conc := range levels {
		t.Run(fmt.Sprintf("concurrency_%d", conc), func(t *testing.T) {
			const runs = 3
			successes := 0
			latencies := make([]time.Duration, 0, runs)
			for i := 0; i < runs; i++ {
				dataDir := t.TempDir()
				in := filepath.Join(dataDir, "input.json")
				if err := writeRecords(in, 1000); err != nil {
					t.Fatalf("write input: %v", err)
				}
				cfg := baseConfig(in, filepath.Join(dataDir, "out"))
				cfg.Concurrency = conc
				start := time.Now()
				err := runPipeline(t, cfg)
				dur := time.Since(start)
				if err != nil {
					t.Errorf("run %d: %v", i, err)
					continue
				}
				successes++
				latencies = append(latencies, dur)
			}
			if successes == 0 {
				t.Fatalf("全部运行失败")
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			p95 := latencies[idx]
			t.Logf("并发%d 成功率%.2f 平均%v 95%%延迟%v", conc, float64(successes)/float64(runs), avg, p95)
		})
	}
}
