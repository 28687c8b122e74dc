package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	cfgpkg "llmcorrupt/internal/config"
	"llmcorrupt/internal/diag"
	"llmcorrupt/internal/pipeline"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行期失败；3 启动/配置失败（含输入缺失与凭据缺失）。
const (
	exitOK      = 0
	exitRuntime = 1
	exitStartup = 3
)

// CLI：单一命令，按 Rectify → Tag → Embed → Localize 生成全部阶段文档。
// 旗标（最小集）：-i/--input_file_path, --config, --concurrency, --chunk-size, --quota,
// --embed-mode, --resume-from, --output-dir, --max-retries, --metrics-addr, --status
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	// 配置解析完成前仅写 stderr
	logger := diag.NewStderrLogger(corrID, "info")
	var (
		flagInput       string
		flagConfig      string
		flagOutputDir   string
		flagEmbedMode   string
		flagResumeFrom  string
		flagMetricsAddr string
		flagInitDir     string
		flagConcurrency int
		flagChunkSize   int
		flagQuota       int
		flagMaxRetries  int
		flagStatus      bool
	)
	flag.StringVar(&flagInput, "input_file_path", "", "输入记录文件（JSON 数组）")
	flag.StringVar(&flagInput, "i", "", "同 --input_file_path")
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON/YAML）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	flag.StringVar(&flagOutputDir, "output-dir", "", "阶段文档输出目录（覆盖配置）")
	flag.StringVar(&flagEmbedMode, "embed-mode", "", "嵌入模式：quota | single（覆盖配置）")
	flag.StringVar(&flagResumeFrom, "resume-from", "", "从指定阶段续跑：tag | embed | localize")
	flag.StringVar(&flagMetricsAddr, "metrics-addr", "", "Prometheus 指标监听地址（如 :9090）；为空不启用")
	flag.IntVar(&flagConcurrency, "concurrency", 0, "并发度（覆盖配置）")
	flag.IntVar(&flagChunkSize, "chunk-size", 0, "配额分块大小（覆盖配置）")
	flag.IntVar(&flagQuota, "quota", 0, "每类目标示例数（覆盖配置）")
	// max-retries 允许显式设置为 0；默认 -1 表示“未覆盖”。
	flag.IntVar(&flagMaxRetries, "max-retries", -1, "调用最大重试次数（覆盖配置；0 表示不重试）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则跳过，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	flag.Parse()

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return exitStartup
		}
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return exitStartup
		}
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return exitOK
	}

	// 配置来源（文件或 ENV: LLM_CORRUPT_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv("LLM_CORRUPT_CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv("LLM_CORRUPT_CONFIG_FILE")
	}
	if flagConfig == "" && len(cfgJSON) == 0 {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				flagConfig = p
				break
			}
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		var (
			base cfgpkg.Config
			err  error
		)
		if len(cfgJSON) > 0 {
			base, err = cfgpkg.LoadJSON("", cfgJSON)
		} else {
			base, err = cfgpkg.LoadFile(flagConfig)
		}
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("pipeline", string(diag.CodeConfig), "first error", &start)
			return exitStartup
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	// ENV 覆盖（provider 字段级合并）
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("pipeline", string(diag.CodeConfig), "first error", &start)
		return exitStartup
	}
	cfg = cfgpkg.MergeProviderEnv(cfg, overEnv)

	// CLI 覆盖
	overCLI := cfgpkg.Config{
		Input:       flagInput,
		OutputDir:   flagOutputDir,
		Concurrency: flagConcurrency,
		ChunkSize:   flagChunkSize,
		Quota:       flagQuota,
		EmbedMode:   flagEmbedMode,
		ResumeFrom:  flagResumeFrom,
		MaxRetries:  flagMaxRetries,
	}
	if overCLI.Input == "" && flag.NArg() > 0 {
		overCLI.Input = flag.Arg(0)
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(cfg)
		logger.Error("pipeline", string(diag.CodeConfig), "first error", &start)
		return exitStartup
	}

	// 使用最终配置中的日志级别与目录重建 logger
	logger = diag.NewLogger(corrID, cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()

	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitStartup
	}

	// SIGINT/SIGTERM 取消运行；配额阶段仍会写出已有结果
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comp, set, err := cfgpkg.Assemble(ctx, cfg)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitStartup
	}
	if c, ok := comp.Output.(interface{ Close() error }); ok {
		defer c.Close()
	}

	if addr := strings.TrimSpace(flagMetricsAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fail("metrics", "listen failed", "", addr, err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	t := logger.Start("pipeline", "run")
	rep, err := pipelineRun(ctx, comp, set, logger)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("pipeline", string(code), "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("pipeline", string(code))
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		return exitCode(err)
	}
	if t != nil {
		t.Finish("run", int64(len(rep.Stages)))
	}
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	return exitOK
}

// exitCode: 启动期失败与配置类失败（凭据缺失）返回 3，其余运行期失败返回 1。
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, pipeline.ErrStartup) || diag.Classify(err) == diag.CodeConfig {
		return exitStartup
	}
	return exitRuntime
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", diag.Handler())
	return mux
}

// effectiveKV: 运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"input":       cfg.Input,
		"output_dir":  cfg.OutputDir,
		"store":       cfg.Store.Kind,
		"concurrency": fmt.Sprintf("%d", cfg.Concurrency),
		"chunk_size":  fmt.Sprintf("%d", cfg.ChunkSize),
		"quota":       fmt.Sprintf("%d", cfg.Quota),
		"embed_mode":  cfg.EmbedMode,
		"max_retries": fmt.Sprintf("%d", cfg.MaxRetries),
	}
	for _, st := range pipeline.Order {
		name := cfg.Stages.ByName(st)
		kv["stage_"+st] = name
		p, ok := cfg.Provider[name]
		if !ok {
			continue
		}
		var small struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &small)
		desc := p.Client
		if small.Model != "" {
			desc += "/" + small.Model
		}
		if small.BaseURL != "" {
			desc += "@" + small.BaseURL
		}
		kv["stage_"+st] = name + "(" + desc + ")"
	}
	return kv
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "；
// - 仅按首个 '=' 分割；成对引号去除，双引号内处理常见转义；
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				quoted := val[0]
				val = val[1 : len(val)-1]
				if quoted == '"' {
					val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用默认值当前目录 "."。
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	b.WriteString("# llmcorrupt .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("LLM_CORRUPT_CONFIG_FILE=\n")
	b.WriteString("LLM_CORRUPT_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{
		"INPUT", "OUTPUT_DIR", "CONCURRENCY", "CHUNK_SIZE", "QUOTA", "MIN_TAG_SUPPORT",
		"TAG_STATS_THRESHOLD", "CALL_TIMEOUT_SECONDS", "MAX_RETRIES", "CATEGORIES",
		"CATEGORIES_PATH", "EMBED_MODE", "RESUME_FROM", "STRICT_IDS", "LOG_LEVEL", "LOG_DIR",
	} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 阶段绑定\n")
	for _, st := range pipeline.Order {
		b.WriteString(cfgpkg.EnvPrefix + "STAGE_" + strings.ToUpper(st) + "=\n")
	}
	b.WriteString("\n# 存储\n")
	b.WriteString(cfgpkg.EnvPrefix + "STORE_KIND=\n")
	b.WriteString(cfgpkg.EnvPrefix + "STORE_OPTIONS_JSON=\n")
	for _, p := range []string{"openai", "anthropic"} {
		fmt.Fprintf(&b, "\n# Provider 覆盖（%s）\n", p)
		for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			fmt.Fprintf(&b, "%sPROVIDER__%s__%s=\n", cfgpkg.EnvPrefix, p, f)
		}
	}
	b.WriteString("\n# 供应商 API Key（由客户端读取，不经 LLM_CORRUPT_ 前缀）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("CLAUDE_API_KEY=\n")
	b.WriteString("\n# S3 存储凭据（AWS SDK 默认链）\n")
	b.WriteString("AWS_ACCESS_KEY_ID=\n")
	b.WriteString("AWS_SECRET_ACCESS_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: 本地存储（jsonfs/sqlite）启动前检查输出目录可写性。
// - 目录已存在：尝试创建并删除临时文件；
// - 目录不存在：检查父目录是否可写。
// 显式 store.options 或远端存储跳过，由装配阶段按实现自行报错。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	switch cfg.Store.Kind {
	case "", "jsonfs", "sqlite":
	default:
		return nil
	}
	if len(cfg.Store.Options) > 0 && string(cfg.Store.Options) != "null" {
		return nil
	}
	dir := strings.TrimSpace(cfg.OutputDir)
	if dir == "" {
		return nil
	}
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	} else if err == nil && !st.IsDir() {
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
