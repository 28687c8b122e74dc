package flaky

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmcorrupt/pkg/contract"
)

// UT-FLK-01: 限流 → 非法输出 → 成功，且日志按序记录。
func TestSequence(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flaky.log")
	c, err := New([]byte(`{"log_path":"` + filepath.ToSlash(logPath) + `"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	q := contract.Query{ID: "1", Stage: contract.StageRectify, Schema: contract.Schema{
		Name:   "FlakyTestRectify",
		Fields: []contract.Field{{Name: "correction_details", Type: contract.TypeString, Required: true}},
	}, Inputs: map[string]string{contract.InputResponse: "ok"}}

	if _, err := c.Call(context.Background(), q); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("第一次应限流: %v", err)
	}
	if _, err := c.Call(context.Background(), q); !errors.Is(err, contract.ErrMalformedOutput) {
		t.Fatalf("第二次应为非法输出: %v", err)
	}
	if _, err := c.Call(context.Background(), q); err != nil {
		t.Fatalf("第三次应成功: %v", err)
	}
	b, _ := os.ReadFile(logPath)
	if got := strings.Fields(string(b)); strings.Join(got, ",") != "rate_limited,invalid_json,ok" {
		t.Fatalf("日志不符: %q", b)
	}
}
