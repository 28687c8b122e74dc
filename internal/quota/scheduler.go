package quota

import (
	"context"
	"strconv"

	"llmcorrupt/internal/diag"
	"llmcorrupt/internal/dispatch"
)

// ChunkReport: 每轮分块结束后的摘要（含未派发任何任务的分块）。
type ChunkReport struct {
	Iteration  int
	Start, End int // 记录区间 [Start, End)
	Dispatched int
	Failed     int
	Reached    map[string]int
	Remaining  map[string]int
}

// Outcome: 调度结果。
// Iterations 计入检测到终止条件的那一轮；Chunks 为实际派发的分块数。
type Outcome[R any] struct {
	Counts     map[string]int // 跟踪类别（含 0）
	Untracked  map[string]int
	Results    []dispatch.Result[R] // 按分块顺序，块内按完成顺序
	Iterations int
	Chunks     int
	Calls      int
	Failed     int
	Stopped    bool // 在输入耗尽前因全部达标而停止
}

// Stats 返回落盘用的合并计数。
func (o Outcome[R]) Stats() map[string]int {
	out := make(map[string]int, len(o.Counts)+len(o.Untracked))
	for k, v := range o.Counts {
		out[k] = v
	}
	for k, v := range o.Untracked {
		out[k] = v
	}
	return out
}

// Scheduler 分块处理 n 条记录：块间严格顺序，块内并发；
// 每块派发前检查是否全部达标，计数只在块排空后顺序更新。允许超出配额。
type Scheduler[A, R any] struct {
	Categories []string
	Quota      int
	ChunkSize  int

	// Build 为第 i 条记录构造调用；open 为当前仍低于配额的类别。
	// 返回 false 表示该记录本轮无可用类别，跳过。
	Build func(i int, open Set) (dispatch.Job[A], bool)
	Call  dispatch.Call[A, R]
	// Reported 返回成功结果报告的类别（未规范化）。
	Reported func(R) []string

	Dispatch dispatch.Options
	Logger   *diag.Logger
	OnChunk  func(ChunkReport)
}

// Run 执行调度；仅在 ctx 取消时返回错误（已完成分块的结果与计数照常返回）。
func (s *Scheduler[A, R]) Run(ctx context.Context, n int) (Outcome[R], error) {
	chunk := s.ChunkSize
	if chunk < 1 {
		chunk = 1
	}
	counter := NewCounter(s.Categories)
	for k, v := range counter.Snapshot() {
		diag.SetQuota(k, v)
	}
	var out Outcome[R]
	pool := dispatch.NewPool(s.Call, s.Dispatch)

	for start := 0; start < n; start += chunk {
		if err := ctx.Err(); err != nil {
			s.finish(&out, counter)
			return out, err
		}
		end := start + chunk
		if end > n {
			end = n
		}
		out.Iterations++

		open := counter.Open(s.Quota)
		queued := 0
		for i := start; i < end; i++ {
			if len(open) == 0 {
				break
			}
			j, ok := s.Build(i, open)
			if !ok {
				continue
			}
			pool.Submit(j)
			queued++
		}
		// 派发前检查终止条件（此时 open 为空，未入队任何任务）
		if counter.AllReached(s.Quota) {
			out.Stopped = true
			s.Logger.InfoKV("quota", "all categories reached", s.Dispatch.Step, map[string]string{
				"iteration": strconv.Itoa(out.Iterations),
			})
			break
		}
		// 全部跳过的分块不派发，但照常输出摘要
		var rs []dispatch.Result[R]
		failed := 0
		if queued > 0 {
			rs = pool.Drain(ctx)
			out.Chunks++
			for _, r := range rs {
				if r.Err != nil {
					failed++
					continue
				}
				counter.Add(s.Reported(r.Value))
			}
			out.Results = append(out.Results, rs...)
			out.Calls += len(rs)
			out.Failed += failed
		}

		reached, remaining := counter.Split(s.Quota)
		for k, v := range counter.Snapshot() {
			diag.SetQuota(k, v)
		}
		s.Logger.InfoKV("quota", "chunk done", s.Dispatch.Step, map[string]string{
			"iteration":  strconv.Itoa(out.Iterations),
			"dispatched": strconv.Itoa(len(rs)),
			"failed":     strconv.Itoa(failed),
			"reached":    strconv.Itoa(len(reached)),
			"remaining":  strconv.Itoa(len(remaining)),
		})
		if t := diag.GetTerminal(); t != nil {
			t.ChunkSummary(out.Iterations, counter.Snapshot(), s.Quota)
		}
		if s.OnChunk != nil {
			s.OnChunk(ChunkReport{
				Iteration: out.Iterations, Start: start, End: end,
				Dispatched: len(rs), Failed: failed,
				Reached: reached, Remaining: remaining,
			})
		}
	}
	s.finish(&out, counter)
	return out, nil
}

func (s *Scheduler[A, R]) finish(out *Outcome[R], c *Counter) {
	out.Counts = c.Snapshot()
	out.Untracked = c.Untracked()
}
