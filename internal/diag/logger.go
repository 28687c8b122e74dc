package diag

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"llmcorrupt/pkg/contract"
)

// LogFile 为日志目录下的当前文件名；轮转后的备份带时间戳后缀。
const LogFile = "llmcorrupt.log"

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Logger 为最小结构化日志器：单行 JSON 写入轮转文件（失败回退 stderr）；支持级别过滤。
type Logger struct {
	corrID string
	level  Level
	sink   *lumberjack.Logger
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入 dir（默认 logs），10MiB 轮转。
func NewLogger(corrID, level, dir string) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	sink := &lumberjack.Logger{
		Filename: filepath.Join(dir, LogFile),
		MaxSize:  10, // MiB
	}
	return &Logger{corrID: corrID, level: lvl, sink: sink}
}

// NewStderrLogger 构造仅写 stderr 的日志器（测试与 --init-config 等短流程使用）。
func NewStderrLogger(corrID, level string) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(strings.TrimSpace(level))}
}

// Close 关闭底层文件。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Step   string            `json:"step,omitempty"`    // 流水线阶段名（rectify/tag/embed/localize）
	Item   string            `json:"item_id,omitempty"` // 记录 ID 或 chunk 序号
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// log 以最小开销写出事件，遵循级别与采样。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		// 后备：写 stderr
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if _, err := l.sink.Write(append(b, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	if l == nil {
		return nil
	}
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 step/item_id 的 start。
func (l *Logger) StartWith(comp, msg, step, item string) *Timer {
	if l == nil {
		return nil
	}
	l.log(Info, Event{Comp: comp, Stage: "start", Step: step, Item: item, Msg: msg})
	return &Timer{l: l, comp: comp, step: step, item: item, t0: time.Now()}
}

// StartWithKV 记录带 step/item_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, step, item string, kv map[string]string) *Timer {
	if l == nil {
		return nil
	}
	l.log(Info, Event{Comp: comp, Stage: "start", Step: step, Item: item, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, step: step, item: item, t0: time.Now()}
}

// Error 记录 error 事件（不采样）。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg})
}

// ErrorWith 支持 step/item_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, step, item string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Step: step, Item: item})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, step, item string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Step: step, Item: item, KV: kv})
}

// InfoKV 记录 info 级别的摘要事件（例如配额进度）。
func (l *Logger) InfoKV(comp, msg, step string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "finish", Step: step, Msg: msg, KV: kv})
}

// WarnKV 记录 warn 级别事件（例如关联缺失、重复 ID）。
func (l *Logger) WarnKV(comp, code, msg, step string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "error", Code: code, Step: step, Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	step   string
	item   string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	d := time.Since(t.t0)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: d.Milliseconds(), Count: count, Step: t.step, Item: t.item, Msg: msg})
	ObserveDuration(t.comp, msg, d.Milliseconds())
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, step, item string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", Step: step, Item: item, Msg: msg, KV: kv})
}

// Fail 记录 error 事件并累加 op/error 指标；上游错误附带 http_status 与消息片段。
// 返回分类代码供调用方决策（如是否重试）。
func (l *Logger) Fail(comp, msg, step, item string, err error) Code {
	code := Classify(err)
	IncOp(comp, "error", "error")
	if code != CodeUnknown {
		IncError(comp, string(code))
	}
	if l == nil {
		return code
	}
	kv := map[string]string{"err": clip(err.Error(), 300)}
	var ue contract.UpstreamError
	if errors.As(err, &ue) && ue.UpstreamStatus() > 0 {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			kv["upstream_msg"] = clip(m, 200)
		}
	}
	l.ErrorWithKV(comp, string(code), msg, nil, step, item, kv)
	return code
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
