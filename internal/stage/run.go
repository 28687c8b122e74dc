package stage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"llmcorrupt/internal/diag"
	"llmcorrupt/internal/dispatch"
	"llmcorrupt/internal/materialize"
	"llmcorrupt/internal/prompt"
	"llmcorrupt/internal/quota"
	"llmcorrupt/pkg/contract"
)

// Env: 运行一个阶段所需的外部依赖。
type Env struct {
	Client    contract.StructuredClient
	Dispatch  dispatch.Options // Step 由运行器按阶段名覆盖
	Estimator prompt.Estimator
	StrictIDs bool
	Logger    *diag.Logger
}

// Report: 单阶段运行摘要（落盘为 run_report 的一项）。
type Report struct {
	Stage        string `json:"stage"`
	Input        int    `json:"input"`
	Dispatched   int    `json:"dispatched"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
	DuplicateIDs int    `json:"duplicate_ids"`
	JoinMisses   int    `json:"join_misses"`
	Iterations   int    `json:"iterations,omitempty"`
	Chunks       int    `json:"chunks,omitempty"`
	DurMS        int64  `json:"dur_ms"`
}

func (e Env) call(ctx context.Context, q contract.Query) (contract.Structured, error) {
	return e.Client.Call(ctx, q)
}

func (e Env) job(q contract.Query) dispatch.Job[contract.Query] {
	return dispatch.Job[contract.Query]{ID: q.ID, Arg: q, Tokens: prompt.CallTokens(e.Estimator, q.Prompt, q.Inputs[contract.InputResponse])}
}

func (e Env) options(st Stage) dispatch.Options {
	o := e.Dispatch
	o.Step = st.Name()
	if o.Logger == nil {
		o.Logger = e.Logger
	}
	return o
}

// RunPass 单遍运行：为每条可构造的记录派发一次调用，按 ID 合并结果。
// 输出保持输入顺序；失败与被跳过的记录不出现在输出中。
func RunPass(ctx context.Context, st Stage, recs []contract.Record, env Env) ([]contract.Record, Report, error) {
	t0 := time.Now()
	rep := Report{Stage: st.Name(), Input: len(recs)}
	if env.Client == nil {
		return nil, rep, fmt.Errorf("stage %s: nil client: %w", st.Name(), contract.ErrInvalidInput)
	}
	ix, err := materialize.NewIndex(recs, env.StrictIDs)
	if err != nil {
		return nil, rep, fmt.Errorf("stage %s: %w", st.Name(), err)
	}
	rep.DuplicateIDs = ix.Duplicates
	warnDuplicates(env.Logger, st.Name(), ix.Duplicates)

	pool := dispatch.NewPool(env.call, env.options(st))
	for _, r := range ix.Records() {
		q, ok := st.Build(r, nil)
		if !ok {
			rep.Skipped++
			diag.IncOp("stage", st.Name(), "skip")
			continue
		}
		pool.Submit(env.job(q))
	}
	rep.Dispatched = pool.Len()
	if t := diag.GetTerminal(); t != nil {
		t.StageStart(st.Name(), rep.Dispatched)
	}
	rs := pool.Drain(ctx)
	out, ms := materialize.Apply(ix, rs, st.Merge)
	fill(&rep, ms)
	rep.DurMS = time.Since(t0).Milliseconds()
	finish(env.Logger, rep, len(out), time.Since(t0))
	return out, rep, ctx.Err()
}

// QuotaParams: 配额模式参数。
type QuotaParams struct {
	Categories []string // 跟踪类别
	Quota      int
	ChunkSize  int
}

// RunQuota 以配额调度运行 Embed：分块派发直到每个跟踪类别达标或输入耗尽。
// 返回合并后的记录、调度结果（含计数）与运行摘要。
func RunQuota(ctx context.Context, emb Embed, recs []contract.Record, qp QuotaParams, env Env) ([]contract.Record, quota.Outcome[contract.Structured], Report, error) {
	t0 := time.Now()
	rep := Report{Stage: emb.Name(), Input: len(recs)}
	var zero quota.Outcome[contract.Structured]
	if env.Client == nil {
		return nil, zero, rep, fmt.Errorf("stage %s: nil client: %w", emb.Name(), contract.ErrInvalidInput)
	}
	ix, err := materialize.NewIndex(recs, env.StrictIDs)
	if err != nil {
		return nil, zero, rep, fmt.Errorf("stage %s: %w", emb.Name(), err)
	}
	rep.DuplicateIDs = ix.Duplicates
	warnDuplicates(env.Logger, emb.Name(), ix.Duplicates)

	if t := diag.GetTerminal(); t != nil {
		t.StageStart(emb.Name(), ix.Len())
	}
	sched := &quota.Scheduler[contract.Query, contract.Structured]{
		Categories: qp.Categories,
		Quota:      qp.Quota,
		ChunkSize:  qp.ChunkSize,
		Build: func(i int, open quota.Set) (dispatch.Job[contract.Query], bool) {
			q, ok := emb.Build(ix.At(i), open)
			if !ok {
				rep.Skipped++
				return dispatch.Job[contract.Query]{}, false
			}
			return env.job(q), true
		},
		Call:     env.call,
		Reported: emb.Reported,
		Dispatch: env.options(emb),
		Logger:   env.Logger,
	}
	oc, runErr := sched.Run(ctx, ix.Len())
	rep.Dispatched = oc.Calls
	rep.Iterations = oc.Iterations
	rep.Chunks = oc.Chunks

	out, ms := materialize.Apply(ix, oc.Results, emb.Merge)
	fill(&rep, ms)
	rep.DurMS = time.Since(t0).Milliseconds()
	finish(env.Logger, rep, len(out), time.Since(t0))
	return out, oc, rep, runErr
}

func fill(rep *Report, ms materialize.Stats) {
	rep.Succeeded = ms.Merged
	rep.Failed = ms.Failed + ms.Rejected
	rep.JoinMisses = ms.JoinMiss
}

func warnDuplicates(l *diag.Logger, step string, n int) {
	if n == 0 {
		return
	}
	l.WarnKV("materialize", string(diag.CodeInvariant), "duplicate ids (last write wins)", step, map[string]string{
		"duplicates": strconv.Itoa(n),
	})
}

func finish(l *diag.Logger, rep Report, kept int, dur time.Duration) {
	if rep.JoinMisses > 0 {
		l.WarnKV("materialize", string(diag.CodeInvariant), "join miss", rep.Stage, map[string]string{
			"join_misses": strconv.Itoa(rep.JoinMisses),
		})
	}
	l.InfoKV("stage", "finish", rep.Stage, map[string]string{
		"input":      strconv.Itoa(rep.Input),
		"dispatched": strconv.Itoa(rep.Dispatched),
		"succeeded":  strconv.Itoa(rep.Succeeded),
		"failed":     strconv.Itoa(rep.Failed),
		"skipped":    strconv.Itoa(rep.Skipped),
	})
	diag.ObserveDuration("stage", rep.Stage, dur.Milliseconds())
	if t := diag.GetTerminal(); t != nil {
		t.StageFinish(rep.Failed == 0 || kept > 0, kept, dur)
	}
}
