package correct

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ocrsrt/internal/cache"
	"ocrsrt/internal/diag"
	"ocrsrt/internal/prompt"
	"ocrsrt/internal/rate"
	"ocrsrt/pkg/contract"
)

// - 单点并发：仅此层管理批级并发与背压；原子组件均为同步实现。
// - 合并：各批键集合互不相交，结果取并集，与完成顺序无关。
// - 首错取消：任一批最终失败即 cancel 其余批；排空后返回该批的 BatchError。
// - 重试：仅对限流/网络/协议/解析/内容错误重试，指数退避。

// Components 聚合单流校正所需的原子组件。
type Components struct {
	Batcher       contract.Batcher
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
}

// Settings 运行期参数。零值字段在 New 中补默认。
type Settings struct {
	// Concurrency: 批级并发度；1 表示严格顺序。
	Concurrency int
	// MaxRetries: 单批最大重试次数（>=0）。
	MaxRetries int
	// Backoff: 首次重试前的等待，之后每次翻倍。
	Backoff time.Duration
	// OracleTimeout: 单次神谕调用超时。
	OracleTimeout time.Duration
	// 预算：MaxTokens<=0 关闭单请求上限检查。
	MaxTokens     int
	BytesPerToken int
	// 限流闸门（可选）与分组键。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// 回复缓存（可选）；Namespace 通常为 "<client>:<model>"。
	Cache          *cache.Store
	CacheNamespace string
}

const (
	defaultBackoff       = 500 * time.Millisecond
	defaultOracleTimeout = 90 * time.Second
)

// Corrector 将单个流的帧映射分批交给神谕校正并合并结果。
type Corrector struct {
	comp   Components
	set    Settings
	logger *diag.Logger
}

// New 校验组件与参数并补默认值。
func New(comp Components, set Settings, logger *diag.Logger) (*Corrector, error) {
	if comp.Batcher == nil || comp.PromptBuilder == nil || comp.LLM == nil || comp.Decoder == nil {
		return nil, fmt.Errorf("%w: correct: missing components", contract.ErrConfig)
	}
	if set.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: correct: max_retries must be >= 0", contract.ErrConfig)
	}
	if set.Concurrency < 1 {
		set.Concurrency = 1
	}
	if set.Backoff <= 0 {
		set.Backoff = defaultBackoff
	}
	if set.OracleTimeout <= 0 {
		set.OracleTimeout = defaultOracleTimeout
	}
	if set.MaxTokens > 0 {
		eff, overhead := prompt.EffectiveMaxTokens(comp.PromptBuilder, set.BytesPerToken, set.MaxTokens)
		if eff <= 0 {
			return nil, fmt.Errorf("%w: max_tokens %d does not cover prompt overhead %d", contract.ErrBudgetExceeded, set.MaxTokens, overhead)
		}
	}
	if logger == nil {
		logger = diag.Nop()
	}
	return &Corrector{comp: comp, set: set, logger: logger}, nil
}

type result struct {
	b   contract.Batch
	out *contract.FrameMapping
	err error
}

// Correct 校正一个流：切批 → (并发) 构造请求/限流/调用/解码 → 合并。
// 返回新映射；输入映射不被修改。任何批在重试耗尽后失败，整体返回 *contract.BatchError。
func (c *Corrector) Correct(ctx context.Context, stream contract.StreamID, m *contract.FrameMapping) (*contract.FrameMapping, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sid := string(stream)
	t0 := time.Now()
	timer := c.logger.StartWithKV("correct", "stream", sid, "", map[string]string{
		"frames":      strconv.Itoa(m.Len()),
		"concurrency": strconv.Itoa(c.set.Concurrency),
	})
	term := diag.GetTerminal()
	term.StreamStart(sid, m.Len())

	it := c.comp.Batcher.Split(stream, m)

	// 有界通道：2×并发度，形成自然背压
	n := c.set.Concurrency
	jobs := make(chan contract.Batch, 2*n)
	results := make(chan result, 2*n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for b := range jobs {
				out, err := c.runBatch(ctx, b)
				results <- result{b: b, out: out, err: err}
			}
		}()
	}

	// 生产者：迭代器仅在此 goroutine 内消费
	go func() {
		defer close(jobs)
		for {
			b, ok := it.Next()
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- b:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	merged := contract.NewFrameMapping()
	var firstErr error
	done, failed := 0, 0
	for r := range results {
		done++
		if r.err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.err
				cancel()
			}
		} else if firstErr == nil {
			r.out.Range(func(k contract.FrameKey, v contract.FrameText) bool {
				if err := merged.Set(k, v); err != nil {
					firstErr = fmt.Errorf("merge batch %d: %w", r.b.BatchIndex, err)
					cancel()
					return false
				}
				return true
			})
		}
		term.StreamProgress(done, failed)
	}

	if firstErr != nil {
		code := diag.Classify(firstErr)
		c.logger.ErrorWith("correct", string(code), firstErr.Error(), &t0, sid, "")
		diag.IncOp("correct", "stream", "error")
		diag.IncError("correct", string(code))
		term.StreamFinish(false, done, time.Since(t0))
		return nil, firstErr
	}
	if c.set.Gate != nil {
		u := c.set.Gate.Usage(c.set.GateKey, stream)
		c.logger.Debug("gate", "usage", sid, "", map[string]string{
			"batches":   strconv.Itoa(u.Batches),
			"frames":    strconv.Itoa(u.Frames),
			"tokens":    strconv.Itoa(u.Tokens),
			"waited_ms": strconv.FormatInt(u.Waited.Milliseconds(), 10),
		})
	}
	timer.Finish("stream", int64(merged.Len()))
	diag.IncOp("correct", "stream", "success")
	diag.ObserveDuration("correct", "stream", time.Since(t0).Milliseconds())
	term.StreamFinish(true, done, time.Since(t0))
	return merged, nil
}

// runBatch 处理单批：构造请求、查缓存、带重试地调用与解码。
func (c *Corrector) runBatch(ctx context.Context, b contract.Batch) (*contract.FrameMapping, error) {
	wrap := func(err error) error {
		return &contract.BatchError{Stream: b.Stream, BatchIndex: b.BatchIndex, FirstKey: b.FirstKey(), LastKey: b.LastKey(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap(err)
	}
	sid, bid := string(b.Stream), strconv.FormatInt(b.BatchIndex, 10)

	pbTimer := c.logger.StartWithKV("prompt_builder", "build", sid, bid, map[string]string{
		"first": string(b.FirstKey()),
		"last":  string(b.LastKey()),
	})
	p, err := c.comp.PromptBuilder.Build(ctx, b)
	if err != nil {
		code := diag.Classify(err)
		c.logger.ErrorWith("prompt_builder", string(code), "build failed", nil, sid, bid)
		diag.IncOp("prompt_builder", "build", "error")
		return nil, wrap(fmt.Errorf("build prompt: %w", err))
	}
	pbTimer.Finish("build", int64(b.Entries.Len()))
	diag.IncOp("prompt_builder", "build", "success")

	tokens := prompt.Tokens(p, c.set.BytesPerToken)
	if c.set.MaxTokens > 0 && tokens > c.set.MaxTokens {
		return nil, wrap(fmt.Errorf("%w: prompt ~%d tokens exceeds max_tokens %d", contract.ErrBudgetExceeded, tokens, c.set.MaxTokens))
	}

	cacheKey := ""
	if c.set.Cache != nil {
		if k, kerr := cache.Key(c.set.CacheNamespace, p); kerr == nil {
			cacheKey = k
			if out, ok := c.fromCache(ctx, b, k); ok {
				return out, nil
			}
		}
	}

	delay := c.set.Backoff
	var lastErr error
	for attempt := 0; attempt <= c.set.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithCtx(ctx, delay); err != nil {
				return nil, wrap(err)
			}
			delay *= 2
		}
		out, raw, err := c.attempt(ctx, b, p, tokens, attempt+1)
		if err == nil {
			if cacheKey != "" {
				if perr := c.set.Cache.Put(ctx, c.set.CacheNamespace, cacheKey, raw.Text); perr != nil {
					c.logger.Warn("cache", "put failed: "+perr.Error(), sid, bid, nil)
				}
			}
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !diag.Retryable(err) {
			break
		}
	}
	return nil, wrap(lastErr)
}

// attempt 为一次完整尝试：闸门 → 调用（单次超时） → 解码。
func (c *Corrector) attempt(ctx context.Context, b contract.Batch, p contract.Prompt, tokens, n int) (*contract.FrameMapping, contract.Raw, error) {
	sid, bid := string(b.Stream), strconv.FormatInt(b.BatchIndex, 10)
	if c.set.Gate != nil {
		c.logger.Debug("gate", "ask", sid, bid, map[string]string{
			"tokens":  strconv.Itoa(tokens),
			"attempt": strconv.Itoa(n),
		})
		waited, err := c.set.Gate.Wait(ctx, rate.Ask{
			Key:    c.set.GateKey,
			Stream: b.Stream,
			Batch:  b.BatchIndex,
			Frames: b.Entries.Len(),
			Tokens: tokens,
		})
		if err != nil {
			code := diag.Classify(err)
			c.logger.ErrorWith("gate", string(code), "wait failed", nil, sid, bid)
			diag.IncOp("gate", "wait", "error")
			return nil, contract.Raw{}, fmt.Errorf("rate gate: %w", err)
		}
		diag.ObserveDuration("gate", "wait", waited.Milliseconds())
	}

	llTimer := c.logger.StartWithKV("llm_client", "invoke", sid, bid, map[string]string{
		"tokens":  strconv.Itoa(tokens),
		"attempt": strconv.Itoa(n),
	})
	callCtx, cancel := context.WithTimeout(ctx, c.set.OracleTimeout)
	raw, err := c.comp.LLM.Invoke(callCtx, b, p)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil {
		if timedOut {
			err = &timeoutError{after: c.set.OracleTimeout, err: err}
		}
		code := diag.Classify(err)
		kv := map[string]string{"attempt": strconv.Itoa(n)}
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				if len(m) > 200 {
					m = m[:200]
				}
				kv["upstream_msg"] = m
			}
		}
		c.logger.ErrorWithKV("llm_client", string(code), "invoke failed", nil, sid, bid, kv)
		diag.IncOp("llm_client", "invoke", "error")
		diag.IncError("llm_client", string(code))
		return nil, raw, fmt.Errorf("invoke oracle: %w", err)
	}
	llTimer.Finish("invoke", int64(tokens))
	diag.IncOp("llm_client", "invoke", "success")
	diag.ObserveDuration("llm_client", "invoke", time.Since(llTimer.Since()).Milliseconds())

	out, err := c.decode(ctx, b, raw)
	if err != nil {
		code := diag.Classify(err)
		c.logger.ErrorWithKV("decoder", string(code), err.Error(), nil, sid, bid, map[string]string{"attempt": strconv.Itoa(n)})
		diag.IncOp("decoder", "decode", "error")
		diag.IncError("decoder", string(code))
		return nil, raw, err
	}
	diag.IncOp("decoder", "decode", "success")
	return out, raw, nil
}

// decode 解码回复；解码器支持报告时记录多余/缺失键告警。
func (c *Corrector) decode(ctx context.Context, b contract.Batch, raw contract.Raw) (*contract.FrameMapping, error) {
	dr, ok := c.comp.Decoder.(contract.DecoderWithReport)
	if !ok {
		return c.comp.Decoder.Decode(ctx, b, raw)
	}
	out, rep, err := dr.DecodeWithReport(ctx, b, raw)
	if err != nil {
		return nil, err
	}
	sid, bid := string(b.Stream), strconv.FormatInt(b.BatchIndex, 10)
	if len(rep.Extra) > 0 {
		c.logger.Warn("decoder", "dropped unrequested keys", sid, bid, map[string]string{
			"count": strconv.Itoa(len(rep.Extra)),
			"keys":  joinLimited(rep.Extra, 10),
		})
		diag.IncOp("decoder", "extra_keys", "warn")
	}
	if len(rep.Missing) > 0 {
		keys := make([]string, len(rep.Missing))
		for i, k := range rep.Missing {
			keys[i] = string(k)
		}
		c.logger.Warn("decoder", "reply is missing requested keys", sid, bid, map[string]string{
			"count": strconv.Itoa(len(keys)),
			"keys":  joinLimited(keys, 10),
		})
		diag.IncOp("decoder", "missing_keys", "warn")
	}
	return out, nil
}

// fromCache 命中且可解码时直接返回；缓存异常只记告警。
func (c *Corrector) fromCache(ctx context.Context, b contract.Batch, key string) (*contract.FrameMapping, bool) {
	sid, bid := string(b.Stream), strconv.FormatInt(b.BatchIndex, 10)
	reply, ok, err := c.set.Cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache", "get failed: "+err.Error(), sid, bid, nil)
		return nil, false
	}
	if !ok {
		diag.IncOp("cache", "get", "miss")
		return nil, false
	}
	out, err := c.decode(ctx, b, contract.Raw{Text: reply})
	if err != nil {
		c.logger.Warn("cache", "stale entry ignored", sid, bid, nil)
		return nil, false
	}
	diag.IncOp("cache", "get", "hit")
	c.logger.Debug("cache", "hit", sid, bid, nil)
	return out, true
}

// timeoutError 标记单次调用超时（区别于整体取消），按网络错误分类从而可重试。
type timeoutError struct {
	after time.Duration
	err   error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("oracle call timed out after %s: %v", e.after, e.err)
}
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func joinLimited(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ",")
	}
	return strings.Join(items[:n], ",") + fmt.Sprintf(",...(+%d)", len(items)-n)
}

// sleepWithCtx: 可取消的 sleep。
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
