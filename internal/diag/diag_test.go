package diag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcorrupt/pkg/contract"
)

// UT-DIAG-01: 日志写入目录下的固定文件；Rotate 产生带时间戳的备份
func TestLoggerRotate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	l := NewLogger("corr", "info", dir)
	l.Start("comp", "before")
	require.NoError(t, l.sink.Rotate())
	l.Start("comp", "after")
	require.NoError(t, l.Close())

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	var backup string
	for _, e := range ents {
		if e.Name() != LogFile {
			backup = e.Name()
		}
	}
	assert.True(t, strings.HasPrefix(backup, "llmcorrupt-") && strings.HasSuffix(backup, ".log"), backup)
	old, err := os.ReadFile(filepath.Join(dir, backup))
	require.NoError(t, err)
	assert.Contains(t, string(old), "before")
	cur, err := os.ReadFile(filepath.Join(dir, LogFile))
	require.NoError(t, err)
	assert.Contains(t, string(cur), "after")
	assert.NotContains(t, string(cur), "before")
}

func TestLoggerDefaultDir(t *testing.T) {
	t.Chdir(t.TempDir())
	l := NewLogger("corr", "", " ")
	assert.Equal(t, filepath.Join("logs", LogFile), l.sink.Filename)
	assert.Equal(t, 10, l.sink.MaxSize)
	assert.Equal(t, Info, l.level)
	require.NoError(t, l.Close())
}

// UT-DIAG-02: 指标计数落到 prometheus 向量
func TestMetricsCounters(t *testing.T) {
	before := testutil.ToFloat64(OpTotal.WithLabelValues("ut", "call", "success"))
	IncOp("ut", "call", "success")
	IncOp("ut", "call", "success")
	assert.Equal(t, before+2, testutil.ToFloat64(OpTotal.WithLabelValues("ut", "call", "success")))

	eb := testutil.ToFloat64(ErrorTotal.WithLabelValues("ut", "budget"))
	IncError("ut", "budget")
	assert.Equal(t, eb+1, testutil.ToFloat64(ErrorTotal.WithLabelValues("ut", "budget")))

	SetQuota("ut-cat", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(QuotaCount.WithLabelValues("ut-cat")))
	SetQuota("ut-cat", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(QuotaCount.WithLabelValues("ut-cat")))

	ObserveDuration("ut", "call", 12)
	assert.NotNil(t, Handler())
}

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{contract.ErrMalformedOutput, CodeProtocol},
		{context.Canceled, CodeCancel},
		{context.DeadlineExceeded, CodeTimeout},
		{contract.ErrTimeout, CodeTimeout},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrMissingCredential, CodeConfig},
		{contract.ErrJoinMiss, CodeInvariant},
		{contract.ErrDuplicateID, CodeInvariant},
		{contract.ErrTransport, CodeNetwork},
		{contract.ErrNotFound, CodeIO},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "%v", c.err)
	}
	// ServiceError 同时匹配 Kind 与底层错误；底层 ctx 超时覆盖为 timeout
	se := contract.NewServiceError("openai", contract.ErrTransport, 0, "", context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, Classify(se))
	se = contract.NewServiceError("openai", contract.ErrMalformedOutput, 200, "bad json", nil)
	assert.Equal(t, CodeProtocol, Classify(se))
}

// Logger 基本流程（stderr 后备）
func TestLogger(t *testing.T) {
	l := NewStderrLogger("corr", "debug")
	timer := l.Start("comp", "msg")
	timer.Finish("ok", 1)
	timer = l.StartWith("comp", "msg", "tag", "42")
	timer.Finish("ok", 1)
	timer = l.StartWithKV("comp", "msg", "tag", "42", map[string]string{"k": "v"})
	timer.Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	l.ErrorWith("comp", "code", "msg", nil, "tag", "42")
	l.ErrorWithKV("comp", "code", "msg", nil, "tag", "42", map[string]string{"http_status": "500"})
	l.InfoFinish("comp", "msg", time.Now(), 1)
	l.InfoKV("quota", "chunk", "embed", map[string]string{"iter": "1"})
	l.WarnKV("materialize", "invariant", "join miss", "tag", nil)
	l.DebugStart("comp", "msg", "tag", "42", nil)
	require.NoError(t, l.Close())
}

func TestLoggerFailClassifiesAndCounts(t *testing.T) {
	l := NewLogger("corr", "info", t.TempDir())
	defer l.Close()
	before := testutil.ToFloat64(ErrorTotal.WithLabelValues("ut-fail", string(CodeBudget)))
	err := contract.NewServiceError("openai", contract.ErrRateLimited, 429, "slow down", nil)
	code := l.Fail("ut-fail", "call failed", "embed", "7", err)
	assert.Equal(t, CodeBudget, code)
	assert.Equal(t, before+1, testutil.ToFloat64(ErrorTotal.WithLabelValues("ut-fail", string(CodeBudget))))

	var nl *Logger
	assert.Equal(t, CodeUnknown, nl.Fail("ut-fail", "x", "", "", errors.New("x")))
}

func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr", "info", dir)
	timer := l.Start("comp", "msg")
	timer.Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join(dir, LogFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"corr_id":"corr"`)
}

func TestLoggerLevelsAndFilter(t *testing.T) {
	assert.Equal(t, "warn", Warn.String())
	var unknown Level = 12345
	assert.Equal(t, "info", unknown.String())
	dir := t.TempDir()
	l := NewLogger("c", "info", dir)
	l.DebugStart("comp", "filtered", "f", "b", nil)
	start := time.Now().Add(-10 * time.Millisecond)
	l.Error("comp", "code", "msg", &start)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join(dir, LogFile))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "filtered")
	assert.Contains(t, string(b), `"dur_ms"`)

	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
}

func TestNowUTC(t *testing.T) {
	assert.NotEmpty(t, NowUTC())
}

// UT-DIAG-03: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	require.False(t, term.isTTY)
	term.RunStart(4, "openai")
	term.StageStart("tag", 12)
	term.Progress(6, 12, 0)
	term.StageFinish(true, 11, 5100*time.Millisecond)
	term.StageStart("embed", 100)
	term.ChunkSummary(1, map[string]int{"logic": 200, "math": 150, "units": 90}, 200)
	term.StageFinish(true, 100, time.Second)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "[run] 并发=4 | llm=openai")
	assert.Contains(t, out, "[stage] tag | 记录 12")
	assert.Contains(t, out, "[done] tag | 保留 11 | 错误 0 | 用时 5.1s")
	assert.Contains(t, out, "[chunk] #1 | 达标 1/3 | 最少 units=90/200")
	assert.Contains(t, out, "[ok] 全部完成 | 阶段 2 | 总用时 41.3s")
}

// UT-DIAG-04: 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock")
	term.StageStart("rectify", 3)

	term.Progress(1, 3, 0)
	first := sb.String()
	require.Contains(t, first, "\r[rectify]")
	term.Progress(2, 3, 1)
	assert.Equal(t, first, sb.String(), "100ms 内应节流")
	time.Sleep(120 * time.Millisecond)
	term.Progress(2, 3, 1)
	third := sb.String()
	assert.Greater(t, len(third), len(first))

	term.StageFinish(false, 1, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	require.GreaterOrEqual(t, idx, 0)
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	require.GreaterOrEqual(t, cr, 0)
	assert.Contains(t, seg[cr+1:], " ", "清尾应写入空格")
}

// UT-DIAG-05: 写失败降级为禁用态
type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = false
	term.RunStart(1, "x")
	assert.False(t, term.enabled)
	term.StageStart("a", 0)
	term.Progress(0, 0, 0)
	term.ChunkSummary(1, nil, 1)
	term.StageFinish(true, 0, 0)
	term.RunFinish(true, 0)
}

func TestTerminalInlineWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = true
	term.StageStart("tag", 2)
	term.Progress(1, 2, 0)
	assert.False(t, term.enabled)
}

func TestTerminalNilAndCI(t *testing.T) {
	var tn *Terminal
	tn.RunStart(1, "x")
	tn.StageStart("a", 1)
	tn.Progress(0, 0, 0)
	tn.ChunkSummary(0, nil, 0)
	tn.StageFinish(true, 0, 0)
	tn.RunFinish(true, 0)

	t.Setenv("CI", "true")
	var sb strings.Builder
	assert.False(t, NewTerminal(&sb, true).isTTY)
	assert.NotNil(t, NewTerminal(os.Stderr, true))

	SetTerminal(nil)
	assert.Nil(t, GetTerminal())
	SetTerminal(NewTerminal(&sb, false))
	assert.NotNil(t, GetTerminal())
	SetTerminal(nil)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "a b c", safe("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
	assert.Equal(t, 3, visLen("中文字"))
}
