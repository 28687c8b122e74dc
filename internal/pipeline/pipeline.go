package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"llmcorrupt/internal/dataset"
	"llmcorrupt/internal/diag"
	"llmcorrupt/internal/dispatch"
	"llmcorrupt/internal/prompt"
	"llmcorrupt/internal/quota"
	"llmcorrupt/internal/rate"
	"llmcorrupt/internal/stage"
	"llmcorrupt/pkg/contract"
)

// - 阶段严格串行：Rectify → Tag → Embed → Localize；阶段边界即文档边界。
// - 单点并发：并发只发生在 dispatch 池内；阶段之间、配额块之间均为顺序执行。
// - 部分失败：单条调用失败只丢弃该记录并计数；阶段级错误（凭据缺失、严格 ID 冲突、存储失败）中止运行。
// - 计数落盘：即便配额阶段被中断，embedded 文档仍写出已有结果与计数。

// ErrStartup 标记在任何写出之前发生的启动期失败（输入缺失、输入不可解析）。
var ErrStartup = errors.New("pipeline: startup")

// Binding: 阶段绑定的 provider。Err 非空（如缺少凭据）时该阶段在开始时失败。
type Binding struct {
	Provider string
	Client   contract.StructuredClient
	Err      error
	Gate     rate.Gate
	GateKey  rate.LimitKey
}

// Components 聚合运行所需的外部组件。
type Components struct {
	Input  contract.Store      // 读取原始输入文档
	Output contract.Store      // 阶段文档
	Stages map[string]Binding // 键为阶段名
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	InputName         contract.DocName
	Concurrency       int
	ChunkSize         int
	Quota             int
	MinTagSupport     int
	TagStatsThreshold int
	MaxRetries        int
	CallTimeout       time.Duration
	BytesPerToken     int
	Categories        []string // 已知类别；为空使用 stage.DefaultCategories
	EmbedMode         string   // quota | single
	ResumeFrom        string   // "" | tag | embed | localize
	StrictIDs         bool
}

// 嵌入模式。
const (
	EmbedQuota  = "quota"
	EmbedSingle = "single"
)

// Order 为阶段执行顺序。
var Order = []string{contract.StageRectify, contract.StageTag, contract.StageEmbed, contract.StageLocalize}

// RunReport: 落盘为 run_report。
type RunReport struct {
	StartedAt string         `json:"started_at"`
	Resumed   string         `json:"resumed_from,omitempty"`
	Stages    []stage.Report `json:"stages"`
	Stats     map[string]int `json:"stats,omitempty"`
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
}

type runner struct {
	comp   Components
	set    Settings
	logger *diag.Logger
	known  []string
	report RunReport
}

// Run 执行完整流水线并写出全部阶段文档；返回运行摘要。
// 约束：
// - 各阶段的 client 在阶段开始时检查，失败不影响此前已写出的文档；
// - 续跑时从上一阶段的落盘文档读取记录，不重新分配 ID。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (RunReport, error) {
	if err := sanity(comp, &set); err != nil {
		return RunReport{}, fmt.Errorf("sanity: %w", err)
	}
	r := &runner{comp: comp, set: set, logger: logger, known: stage.NormalizeAll(set.Categories)}
	if len(r.known) == 0 {
		r.known = stage.DefaultCategories
	}
	r.report = RunReport{StartedAt: diag.NowUTC(), Resumed: set.ResumeFrom}

	t0 := time.Now()
	if t := diag.GetTerminal(); t != nil {
		t.RunStart(set.Concurrency, r.providers())
	}
	err := r.run(ctx)
	r.report.OK = err == nil
	if err != nil {
		r.report.Error = err.Error()
	}
	if len(r.report.Stages) > 0 {
		// run_report 总是尽力写出；失败只记日志
		if werr := dataset.Save(context.WithoutCancel(ctx), comp.Output, dataset.DocRunReport, r.report); werr != nil {
			logger.Fail("pipeline", "write run_report failed", "", string(dataset.DocRunReport), werr)
		}
	}
	if t := diag.GetTerminal(); t != nil {
		t.RunFinish(err == nil, time.Since(t0))
	}
	return r.report, err
}

func (r *runner) run(ctx context.Context) error {
	from := stageIndex(r.set.ResumeFrom)
	recs, stats, err := r.load(ctx, from)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	var support map[string]int
	if from >= 2 {
		// 续跑：从 tagged/embedded 记录恢复标签支持度
		support = stage.Support(recs)
	}
	for i := from; i < len(Order); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch Order[i] {
		case contract.StageRectify:
			recs, err = r.rectify(ctx, recs)
		case contract.StageTag:
			recs, err = r.tag(ctx, recs)
			if err == nil {
				support = stage.Support(recs)
				err = r.tagStats(ctx, support)
			}
		case contract.StageEmbed:
			recs, stats, err = r.embed(ctx, recs, support)
		case contract.StageLocalize:
			recs, err = r.localize(ctx, recs)
		}
		if err != nil {
			return fmt.Errorf("stage %s: %w", Order[i], err)
		}
	}
	r.report.Stats = stats
	return nil
}

// load 读取起始记录：首阶段读原始输入并补齐 ID；续跑读取上一阶段文档。
func (r *runner) load(ctx context.Context, from int) ([]contract.Record, map[string]int, error) {
	if from == 0 {
		timer := r.logger.StartWith("pipeline", "load input", "", string(r.set.InputName))
		recs, _, err := dataset.Load(ctx, r.comp.Input, r.set.InputName)
		if err != nil {
			r.logger.Fail("pipeline", "load input failed", "", string(r.set.InputName), err)
			return nil, nil, err
		}
		if n := dataset.AssignIDs(recs); n > 0 {
			r.logger.InfoKV("pipeline", "assigned ids", "", map[string]string{"assigned": strconv.Itoa(n)})
		}
		timer.Finish("load input", int64(len(recs)))
		return recs, nil, nil
	}
	prev := map[int]contract.DocName{1: dataset.DocFixed, 2: dataset.DocTagged, 3: dataset.DocEmbedded}[from]
	recs, stats, err := dataset.Load(ctx, r.comp.Output, prev)
	if err != nil {
		r.logger.Fail("pipeline", "resume load failed", r.set.ResumeFrom, string(prev), err)
		return nil, nil, err
	}
	if missing := countMissingIDs(recs); missing > 0 {
		return nil, nil, fmt.Errorf("resume %s: %d records without id: %w", prev, missing, contract.ErrInvalidInput)
	}
	r.logger.InfoKV("pipeline", "resumed", r.set.ResumeFrom, map[string]string{"doc": string(prev), "records": strconv.Itoa(len(recs))})
	return recs, stats, nil
}

// env 在阶段开始时解析绑定；缺失或构造失败即返回错误（此时该阶段尚未写出任何文档）。
func (r *runner) env(name string) (stage.Env, error) {
	b, ok := r.comp.Stages[name]
	if !ok {
		return stage.Env{}, fmt.Errorf("no provider bound: %w", contract.ErrInvalidInput)
	}
	if b.Err != nil {
		r.logger.Fail("pipeline", "provider unavailable", name, b.Provider, b.Err)
		return stage.Env{}, fmt.Errorf("provider %s: %w", b.Provider, b.Err)
	}
	if b.Client == nil {
		return stage.Env{}, fmt.Errorf("provider %s: nil client: %w", b.Provider, contract.ErrInvalidInput)
	}
	return stage.Env{
		Client: b.Client,
		Dispatch: dispatch.Options{
			Workers:     r.set.Concurrency,
			CallTimeout: r.set.CallTimeout,
			MaxRetries:  r.set.MaxRetries,
			Gate:        b.Gate,
			GateKey:     b.GateKey,
			Logger:      r.logger,
		},
		Estimator: prompt.MakeEstimator(r.set.BytesPerToken),
		StrictIDs: r.set.StrictIDs,
		Logger:    r.logger,
	}, nil
}

func (r *runner) rectify(ctx context.Context, recs []contract.Record) ([]contract.Record, error) {
	env, err := r.env(contract.StageRectify)
	if err != nil {
		return nil, err
	}
	out, rep, err := stage.RunPass(ctx, stage.Rectify{}, recs, env)
	r.report.Stages = append(r.report.Stages, rep)
	if err != nil {
		return nil, err
	}
	ok := stage.AlreadyCorrect(out)
	r.logger.InfoKV("pipeline", "rectify accuracy", contract.StageRectify, map[string]string{
		"already_correct": strconv.Itoa(ok),
		"total":           strconv.Itoa(len(out)),
	})
	if t := diag.GetTerminal(); t != nil {
		t.Note(contract.StageRectify, fmt.Sprintf("已正确 %d / %d", ok, len(out)))
	}
	return out, r.save(ctx, dataset.DocFixed, func() error {
		return dataset.SaveRecords(ctx, r.comp.Output, dataset.DocFixed, out)
	})
}

func (r *runner) tag(ctx context.Context, recs []contract.Record) ([]contract.Record, error) {
	env, err := r.env(contract.StageTag)
	if err != nil {
		return nil, err
	}
	out, rep, err := stage.RunPass(ctx, stage.Tag{Categories: r.known}, recs, env)
	r.report.Stages = append(r.report.Stages, rep)
	if err != nil {
		return nil, err
	}
	return out, r.save(ctx, dataset.DocTagged, func() error {
		return dataset.SaveRecords(ctx, r.comp.Output, dataset.DocTagged, out)
	})
}

func (r *runner) tagStats(ctx context.Context, support map[string]int) error {
	ts := dataset.NewTagStats(r.known, support, r.set.TagStatsThreshold)
	return r.save(ctx, dataset.DocTagStats, func() error {
		return dataset.Save(ctx, r.comp.Output, dataset.DocTagStats, ts)
	})
}

// embed 按模式运行；计数在中断时也写出。
func (r *runner) embed(ctx context.Context, recs []contract.Record, support map[string]int) ([]contract.Record, map[string]int, error) {
	env, err := r.env(contract.StageEmbed)
	if err != nil {
		return nil, nil, err
	}
	tracked := stage.Tracked(r.known, support, r.set.MinTagSupport)
	r.logger.InfoKV("pipeline", "tracked categories", contract.StageEmbed, map[string]string{
		"tracked": strings.Join(tracked, ","),
		"quota":   strconv.Itoa(r.set.Quota),
		"mode":    r.set.EmbedMode,
	})
	emb := stage.Embed{Tracked: quota.NewCounter(tracked).Tracked()}

	var (
		out    []contract.Record
		stats  map[string]int
		rep    stage.Report
		runErr error
	)
	switch r.set.EmbedMode {
	case EmbedSingle:
		out, rep, runErr = stage.RunPass(ctx, emb, recs, env)
		stats = stage.Tally(out, tracked).Stats()
	default:
		var oc quota.Outcome[contract.Structured]
		out, oc, rep, runErr = stage.RunQuota(ctx, emb, recs, stage.QuotaParams{
			Categories: tracked,
			Quota:      r.set.Quota,
			ChunkSize:  r.set.ChunkSize,
		}, env)
		stats = oc.Stats()
		if oc.Stopped {
			r.logger.InfoKV("pipeline", "all categories reached quota", contract.StageEmbed, map[string]string{
				"iterations": strconv.Itoa(oc.Iterations),
			})
		}
	}
	r.report.Stages = append(r.report.Stages, rep)
	if runErr != nil && !isCancel(runErr) {
		return nil, nil, runErr
	}
	if t := diag.GetTerminal(); t != nil {
		t.Note(contract.StageEmbed, "计数 "+formatStats(stats))
	}
	serr := r.save(ctx, dataset.DocEmbedded, func() error {
		return dataset.SaveWithStats(context.WithoutCancel(ctx), r.comp.Output, dataset.DocEmbedded, stats, out)
	})
	if runErr != nil {
		return nil, nil, runErr
	}
	if serr != nil {
		return nil, nil, serr
	}
	sft := dataset.SFT(out)
	return out, stats, r.save(ctx, dataset.DocSFT, func() error {
		return dataset.Save(ctx, r.comp.Output, dataset.DocSFT, sft)
	})
}

func (r *runner) localize(ctx context.Context, recs []contract.Record) ([]contract.Record, error) {
	env, err := r.env(contract.StageLocalize)
	if err != nil {
		return nil, err
	}
	out, rep, err := stage.RunPass(ctx, stage.Localize{}, recs, env)
	r.report.Stages = append(r.report.Stages, rep)
	if err != nil {
		return nil, err
	}
	if err := r.save(ctx, dataset.DocGranular, func() error {
		return dataset.SaveRecords(ctx, r.comp.Output, dataset.DocGranular, out)
	}); err != nil {
		return nil, err
	}
	final := dataset.Final(out)
	return out, r.save(ctx, dataset.DocFinal, func() error {
		return dataset.Save(ctx, r.comp.Output, dataset.DocFinal, final)
	})
}

// save 包装写出并记录 start/finish/error 事件。
func (r *runner) save(_ context.Context, name contract.DocName, fn func() error) error {
	timer := r.logger.StartWith("store", "put", "", string(name))
	if err := fn(); err != nil {
		r.logger.Fail("store", "put failed", "", string(name), err)
		return err
	}
	timer.Finish("put", 0)
	diag.IncOp("store", "put", "success")
	return nil
}

func (r *runner) providers() string {
	seen := map[string]struct{}{}
	var names []string
	for _, st := range Order[stageIndex(r.set.ResumeFrom):] {
		b, ok := r.comp.Stages[st]
		if !ok || b.Provider == "" {
			continue
		}
		if _, dup := seen[b.Provider]; dup {
			continue
		}
		seen[b.Provider] = struct{}{}
		names = append(names, b.Provider)
	}
	return strings.Join(names, ",")
}

func sanity(c Components, s *Settings) error {
	if c.Output == nil {
		return errors.New("pipeline: missing output store")
	}
	if s.ResumeFrom == "" && c.Input == nil {
		return errors.New("pipeline: missing input store")
	}
	if stageIndex(s.ResumeFrom) < 0 {
		return fmt.Errorf("pipeline: unknown resume stage %q", s.ResumeFrom)
	}
	switch s.EmbedMode {
	case "":
		s.EmbedMode = EmbedQuota
	case EmbedQuota, EmbedSingle:
	default:
		return fmt.Errorf("pipeline: unknown embed mode %q", s.EmbedMode)
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.ChunkSize < 1 {
		return errors.New("pipeline: chunk size must be >= 1")
	}
	if s.Quota < 0 {
		return errors.New("pipeline: quota must be >= 0")
	}
	return nil
}

// stageIndex: "" 视为 rectify；未知名返回 -1。
func stageIndex(name string) int {
	if name == "" {
		return 0
	}
	for i, s := range Order {
		if s == name {
			return i
		}
	}
	return -1
}

func countMissingIDs(recs []contract.Record) int {
	n := 0
	for _, r := range recs {
		if r.ID == "" {
			n++
		}
	}
	return n
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func formatStats(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.Itoa(m[k])
	}
	return strings.Join(parts, " ")
}
