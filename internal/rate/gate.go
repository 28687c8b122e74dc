package rate

import (
	"context"
	"math"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"llmcorrupt/pkg/contract"
)

// LimitKey: 限流分组键（client + sha256(api key)）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；超过单请求上限或桶容量时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度为一个 x/time/rate 令牌桶：速率 = 每分钟额度 / 60，容量 = 每分钟额度。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req *xrate.Limiter // nil 表示该维度关闭
	tok *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = newLimiter(lim.RPM)
	}
	if lim.TPM > 0 {
		e.tok = newLimiter(lim.TPM)
	}
	return e
}

// newLimiter 以满桶起步。
func newLimiter(perMinute int) *xrate.Limiter {
	return xrate.NewLimiter(xrate.Limit(float64(perMinute)/60.0), perMinute)
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (e *entry) admissible(a Ask) bool {
	if a.Requests <= 0 || a.Tokens < 0 {
		return false
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return false
	}
	if e.req != nil && a.Requests > e.req.Burst() {
		return false
	}
	if e.tok != nil && a.Tokens > e.tok.Burst() {
		return false
	}
	return true
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if !e.admissible(a) {
		return false
	}
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req != nil && e.req.TokensAt(now) < float64(a.Requests) {
		return false
	}
	if e.tok != nil && a.Tokens > 0 && e.tok.TokensAt(now) < float64(a.Tokens) {
		return false
	}
	if e.req != nil {
		e.req.AllowN(now, a.Requests)
	}
	if e.tok != nil && a.Tokens > 0 {
		e.tok.AllowN(now, a.Tokens)
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if !e.admissible(a) {
		return contract.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// 两个维度同时预约，等待二者中较长的延迟；取消时归还预约。
	now := g.clk()
	e.mu.Lock()
	var rs []*xrate.Reservation
	if e.req != nil {
		rs = append(rs, e.req.ReserveN(now, a.Requests))
	}
	if e.tok != nil && a.Tokens > 0 {
		rs = append(rs, e.tok.ReserveN(now, a.Tokens))
	}
	e.mu.Unlock()

	var delay time.Duration
	for _, r := range rs {
		if !r.OK() {
			cancelAll(rs, now)
			return contract.ErrInvalidInput
		}
		if d := r.DelayFrom(now); d > delay {
			delay = d
		}
	}
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		cancelAll(rs, g.clk())
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cancelAll(rs []*xrate.Reservation, at time.Time) {
	for _, r := range rs {
		r.CancelAt(at)
	}
}

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req != nil {
		rpmAvail = clampFloor(e.req.TokensAt(now), e.req.Burst())
	}
	if e.tok != nil {
		tpmAvail = clampFloor(e.tok.TokensAt(now), e.tok.Burst())
	}
	return
}

func clampFloor(v float64, max int) int {
	if v <= 0 {
		return 0
	}
	n := int(math.Floor(v))
	if n > max {
		return max
	}
	return n
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
