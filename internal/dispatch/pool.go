// Package dispatch 提供定宽并发池：提交任意数量的调用，排空时每个任务恰好产出一个 Result。
// 单个任务的失败、超时或 panic 只影响该任务本身。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"llmcorrupt/internal/diag"
	"llmcorrupt/internal/rate"
	"llmcorrupt/pkg/contract"
)

// DefaultCallTimeout: 单次调用默认超时。
const DefaultCallTimeout = 120 * time.Second

// Job: 一次待执行调用。Tokens 为预估 token（限流闸门的 TPM 申请量，0 表示只计请求数）。
type Job[A any] struct {
	ID     contract.RecordID
	Arg    A
	Tokens int
}

// Call: 被调度的单次调用；须尊重 ctx 取消。
type Call[A, R any] func(ctx context.Context, arg A) (R, error)

// Result: 每个任务恰好一个；Err 非空时 Value 为零值。
type Result[R any] struct {
	ID    contract.RecordID
	Value R
	Err   error
	Dur   time.Duration
}

// Options 控制池的宽度、超时、重试与限流。
type Options struct {
	Workers     int           // 并发宽度，<1 视为 1
	CallTimeout time.Duration // 单次调用超时，<=0 取默认
	MaxRetries  int           // 限流/网络/协议类失败的额外尝试次数
	Gate        rate.Gate     // 可选：每次尝试前 Wait
	GateKey     rate.LimitKey
	Logger      *diag.Logger
	Step        string // 日志与指标中的阶段名
}

// Pool: Submit 只入队，Drain 执行全部已入队任务。
// Drain 返回的结果按完成先后排列，调用方按 ID 关联，不得依赖位置。
type Pool[A, R any] struct {
	call Call[A, R]
	opt  Options

	mu    sync.Mutex
	queue []Job[A]
}

// NewPool 构造池。
func NewPool[A, R any](call Call[A, R], opt Options) *Pool[A, R] {
	if opt.Workers < 1 {
		opt.Workers = 1
	}
	if opt.CallTimeout <= 0 {
		opt.CallTimeout = DefaultCallTimeout
	}
	if opt.MaxRetries < 0 {
		opt.MaxRetries = 0
	}
	return &Pool[A, R]{call: call, opt: opt}
}

// Submit 入队（不阻塞）。
func (p *Pool[A, R]) Submit(j Job[A]) {
	p.mu.Lock()
	p.queue = append(p.queue, j)
	p.mu.Unlock()
}

// Len 返回当前排队数。
func (p *Pool[A, R]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Drain 执行并清空队列，阻塞直到所有任务结束。
// ctx 取消时尚未开始的任务以 ctx.Err() 结束，结果数仍等于任务数。
func (p *Pool[A, R]) Drain(ctx context.Context) []Result[R] {
	p.mu.Lock()
	jobs := p.queue
	p.queue = nil
	p.mu.Unlock()

	total := len(jobs)
	out := make([]Result[R], 0, total)
	if total == 0 {
		return out
	}

	var (
		mu   sync.Mutex
		errs int
	)
	timer := p.opt.Logger.StartWithKV("dispatch", "drain", p.opt.Step, "", map[string]string{
		"jobs":    strconv.Itoa(total),
		"workers": strconv.Itoa(p.opt.Workers),
	})

	var g errgroup.Group
	g.SetLimit(p.opt.Workers)
	for _, j := range jobs {
		g.Go(func() error {
			r := p.runOne(ctx, j)
			mu.Lock()
			out = append(out, r)
			if r.Err != nil {
				errs++
			}
			done := len(out)
			e := errs
			mu.Unlock()
			if t := diag.GetTerminal(); t != nil {
				t.Progress(done, total, e)
			}
			return nil
		})
	}
	_ = g.Wait()
	timer.Finish("drain", int64(total-errs))
	return out
}

// runOne 执行单个任务（含限流与有限重试）。
func (p *Pool[A, R]) runOne(ctx context.Context, j Job[A]) Result[R] {
	t0 := time.Now()
	item := j.ID.String()
	attempts := p.opt.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if p.opt.Gate != nil {
			p.opt.Logger.DebugStart("gate", "ask", p.opt.Step, item, map[string]string{
				"tokens":  strconv.Itoa(j.Tokens),
				"attempt": strconv.Itoa(attempt + 1),
			})
			if err := p.opt.Gate.Wait(ctx, rate.Ask{Key: p.opt.GateKey, Requests: 1, Tokens: j.Tokens}); err != nil {
				p.opt.Logger.Fail("gate", "wait failed", p.opt.Step, item, err)
				lastErr = err
				break // 闸门错误不重试（取消或单请求超限）
			}
		}
		ltimer := p.opt.Logger.StartWithKV("llm_client", "call", p.opt.Step, item, map[string]string{
			"tokens":  strconv.Itoa(j.Tokens),
			"attempt": strconv.Itoa(attempt + 1),
		})
		v, err := p.invoke(ctx, j)
		if err == nil {
			ltimer.Finish("call", int64(j.Tokens))
			diag.IncOp("llm_client", p.opt.Step, "success")
			return Result[R]{ID: j.ID, Value: v, Dur: time.Since(t0)}
		}
		p.opt.Logger.Fail("llm_client", "call failed", p.opt.Step, item, err)
		lastErr = err
		if attempt+1 < attempts && shouldRetry(err) {
			_ = sleepWithCtx(ctx, 200*time.Millisecond)
			continue
		}
		break
	}
	return Result[R]{ID: j.ID, Err: lastErr, Dur: time.Since(t0)}
}

// invoke 以独立超时执行调用；调用方未尊重 ctx 时仍在超时点返回。
func (p *Pool[A, R]) invoke(ctx context.Context, j Job[A]) (R, error) {
	cctx, cancel := context.WithTimeout(ctx, p.opt.CallTimeout)
	defer cancel()

	type outcome struct {
		v   R
		err error
	}
	ch := make(chan outcome, 1)
	diag.CallsInFlight.Inc()
	go func() {
		defer diag.CallsInFlight.Dec()
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("dispatch: job %s panicked: %v", j.ID, r)}
			}
		}()
		v, err := p.call(cctx, j.Arg)
		ch <- outcome{v: v, err: err}
	}()

	var zero R
	select {
	case o := <-ch:
		if o.err != nil {
			return zero, asTimeout(ctx, cctx, o.err)
		}
		return o.v, nil
	case <-cctx.Done():
		return zero, asTimeout(ctx, cctx, cctx.Err())
	}
}

// asTimeout: 父 ctx 仍有效而单次调用到期时归为 ErrTimeout；父 ctx 取消保持原错误。
func asTimeout(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) && !errors.Is(err, contract.ErrTimeout) {
		return contract.NewServiceError("dispatch", contract.ErrTimeout, 0, "call timeout", err)
	}
	return err
}

// shouldRetry: 限流与网络类失败可重试（交由 Gate 控速）；协议类（输出不合 Schema）有限重试；
// 取消、超时与其他错误不重试。
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork, diag.CodeProtocol:
		return true
	default:
		return false
	}
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run 为一次性便捷入口：提交全部任务并排空。
func Run[A, R any](ctx context.Context, call Call[A, R], jobs []Job[A], opt Options) []Result[R] {
	p := NewPool(call, opt)
	for _, j := range jobs {
		p.Submit(j)
	}
	return p.Drain(ctx)
}

// Values 保留成功结果（按原顺序），返回失败数。
func Values[R any](rs []Result[R]) ([]R, int) {
	vals := make([]R, 0, len(rs))
	failed := 0
	for _, r := range rs {
		if r.Err != nil {
			failed++
			continue
		}
		vals = append(vals, r.Value)
	}
	return vals, failed
}
