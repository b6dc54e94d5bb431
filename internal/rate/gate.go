package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ocrsrt/pkg/contract"
)

// LimitKey: 限流分组键。同一 API Key 下的上下两路流共用一组额度。
type LimitKey string

// Limits: 每分组的限额。0 表示该维度不启用。
type Limits struct {
	RPM             int // 每分钟批请求数
	TPM             int // 每分钟 token 数
	MaxTokensPerReq int // 单批请求 token 上限
}

// Ask: 一个校正批的放行申请。一批恰好对应一次神谕调用。
type Ask struct {
	Key    LimitKey
	Stream contract.StreamID
	Batch  int64
	Frames int // 批内帧数（>=1）
	Tokens int // 该批 prompt 的估算 token（>=0）
}

// Usage: 某路流在某分组下累计获得放行的额度与排队时长。
type Usage struct {
	Batches int
	Frames  int
	Tokens  int
	Waited  time.Duration
}

// Gate: 校正批的限流闸门（并发安全）。
type Gate interface {
	// Wait 阻塞到额度可用并记账，返回本次排队时长。
	// 单批超过上限或永远无法满足时立即以 ErrInvalidInput 失败。
	Wait(ctx context.Context, a Ask) (time.Duration, error)
	// Usage 返回 stream 在 key 下的累计放行情况。
	Usage(key LimitKey, stream contract.StreamID) Usage
}

// 单次休眠的上下界：下界避免忙等；上界让时钟跳变能及时生效。
const (
	minPause = 10 * time.Millisecond
	maxPause = 200 * time.Millisecond
)

// NewGate 从静态限额构造闸门；clk 为空则使用 time.Now。未登记的分组键不限流，但仍记账。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, groups: make(map[LimitKey]*group, len(m))}
	now := clk()
	for k, lim := range m {
		g.groups[k] = newGroup(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time

	mu     sync.Mutex
	groups map[LimitKey]*group
}

type group struct {
	mu    sync.Mutex
	lim   Limits
	batch *bucket // nil 表示不限
	token *bucket
	used  map[contract.StreamID]*Usage
}

func newGroup(lim Limits, now time.Time) *group {
	gr := &group{lim: lim, used: make(map[contract.StreamID]*Usage)}
	if lim.RPM > 0 {
		gr.batch = newBucket(lim.RPM, now)
	}
	if lim.TPM > 0 {
		gr.token = newBucket(lim.TPM, now)
	}
	return gr
}

// bucket 为每分钟 perMinute 的令牌桶，初始满额。
type bucket struct {
	size  float64
	level float64
	perS  float64
	at    time.Time
}

func newBucket(perMinute int, now time.Time) *bucket {
	return &bucket{size: float64(perMinute), level: float64(perMinute), perS: float64(perMinute) / 60, at: now}
}

func (b *bucket) refill(now time.Time) {
	if dt := now.Sub(b.at).Seconds(); dt > 0 {
		b.level += dt * b.perS
		if b.level > b.size {
			b.level = b.size
		}
		b.at = now
	}
}

// short 返回凑齐 n 个令牌还需等待的时长；0 表示现在即可取。
func (b *bucket) short(n float64) time.Duration {
	if b == nil || b.level >= n {
		return 0
	}
	return time.Duration((n - b.level) / b.perS * float64(time.Second))
}

func (b *bucket) take(n float64) {
	if b != nil {
		b.level -= n
	}
}

// lookup 取分组；未登记的键按不限流处理并登记以便记账。
func (g *gate) lookup(key LimitKey) *group {
	g.mu.Lock()
	defer g.mu.Unlock()
	gr, ok := g.groups[key]
	if !ok {
		gr = newGroup(Limits{}, g.clk())
		g.groups[key] = gr
	}
	return gr
}

func (gr *group) check(a Ask) error {
	if a.Frames < 1 || a.Tokens < 0 {
		return fmt.Errorf("%w: rate: batch %d of %s has frames=%d tokens=%d", contract.ErrInvalidInput, a.Batch, a.Stream, a.Frames, a.Tokens)
	}
	if gr.lim.MaxTokensPerReq > 0 && a.Tokens > gr.lim.MaxTokensPerReq {
		return fmt.Errorf("%w: rate: batch %d of %s needs %d tokens > max_tokens_per_req %d", contract.ErrInvalidInput, a.Batch, a.Stream, a.Tokens, gr.lim.MaxTokensPerReq)
	}
	if gr.token != nil && float64(a.Tokens) > gr.token.size {
		return fmt.Errorf("%w: rate: batch %d of %s needs %d tokens > tpm %d", contract.ErrInvalidInput, a.Batch, a.Stream, a.Tokens, gr.lim.TPM)
	}
	return nil
}

// admit 在额度足够时扣减并记账，否则返回还需等待的时长。调用方持有 gr.mu。
func (gr *group) admit(now time.Time, a Ask, waited time.Duration) time.Duration {
	tokens := float64(a.Tokens)
	if gr.batch != nil {
		gr.batch.refill(now)
	}
	if gr.token != nil {
		gr.token.refill(now)
	}
	if d := max(gr.batch.short(1), gr.token.short(tokens)); d > 0 {
		return d
	}
	gr.batch.take(1)
	gr.token.take(tokens)
	u := gr.used[a.Stream]
	if u == nil {
		u = &Usage{}
		gr.used[a.Stream] = u
	}
	u.Batches++
	u.Frames += a.Frames
	u.Tokens += a.Tokens
	u.Waited += waited
	return 0
}

func (g *gate) Wait(ctx context.Context, a Ask) (time.Duration, error) {
	gr := g.lookup(a.Key)
	if err := gr.check(a); err != nil {
		return 0, err
	}
	start := g.clk()
	for {
		if err := ctx.Err(); err != nil {
			return g.clk().Sub(start), err
		}
		gr.mu.Lock()
		now := g.clk()
		d := gr.admit(now, a, now.Sub(start))
		gr.mu.Unlock()
		if d == 0 {
			return now.Sub(start), nil
		}
		if err := pause(ctx, min(max(d, minPause), maxPause)); err != nil {
			return g.clk().Sub(start), err
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *gate) Usage(key LimitKey, stream contract.StreamID) Usage {
	g.mu.Lock()
	gr, ok := g.groups[key]
	g.mu.Unlock()
	if !ok {
		return Usage{}
	}
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if u := gr.used[stream]; u != nil {
		return *u
	}
	return Usage{}
}
