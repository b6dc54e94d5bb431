package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ocrsrt/internal/cache"
	"ocrsrt/internal/correct"
	"ocrsrt/internal/diag"
	"ocrsrt/internal/pipeline"
	"ocrsrt/internal/rate"
	"ocrsrt/pkg/contract"
	"ocrsrt/pkg/registry"
)

// Validate 对最小必要边界做静态校验；所有错误均包装 ErrConfig。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Lower) == "" || strings.TrimSpace(cfg.Upper) == "" {
		return configErr("lower and upper inputs are required")
	}
	if cfg.Lower == "-" && cfg.Upper == "-" {
		return configErr("'-' (stdin) can feed only one stream")
	}
	if err := ValidateOutput(cfg); err != nil {
		return err
	}
	if cfg.MinBatch <= 0 || cfg.MaxBatch <= 0 {
		return configErr("batch sizes must be > 0 (min_batch=%d max_batch=%d)", cfg.MinBatch, cfg.MaxBatch)
	}
	if cfg.MinBatch > cfg.MaxBatch {
		return configErr("min_batch(%d) > max_batch(%d)", cfg.MinBatch, cfg.MaxBatch)
	}
	if cfg.Concurrency < 1 {
		return configErr("concurrency must be >= 1")
	}
	if cfg.MaxTokens < 0 {
		return configErr("max_tokens must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return configErr("max_retries must be >= 0")
	}
	if cfg.OracleTimeoutSeconds < 0 || cfg.BackoffMS < 0 {
		return configErr("oracle_timeout_seconds and backoff_ms must be >= 0")
	}
	if cfg.Cache.Enabled && strings.TrimSpace(cfg.Cache.Path) == "" {
		return configErr("cache.path required when cache is enabled")
	}
	if cfg.LLM == "" {
		return configErr("llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return configErr("provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return configErr("provider %q missing client", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return configErr("llm client %q not registered", prov.Client)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return configErr("max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	d := Defaults().Components
	if name := effName(cfg.Components.Batcher, d.Batcher); registry.Batcher[name] == nil {
		return configErr("batcher %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return configErr("prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		return configErr("decoder %q not registered", name)
	}
	return nil
}

// ValidateOutput 校验分段与写出相关的子集（segment 命令只需要这一部分）。
func ValidateOutput(cfg Config) error {
	out := strings.TrimSpace(cfg.Output)
	if out == "" || out == "-" {
		return configErr("output path required")
	}
	if cfg.UnitMS <= 0 {
		return configErr("unit_ms must be > 0")
	}
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return configErr("reader %q not registered", name)
	}
	if name := effName(cfg.Components.Assembler, d.Assembler); registry.Assembler[name] == nil {
		return configErr("assembler %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return configErr("writer %q not registered", name)
	}
	return nil
}

// Runtime 聚合一次运行的装配结果；Close 释放缓存连接。
type Runtime struct {
	Components pipeline.Components
	Settings   pipeline.Settings
	Gate       rate.Gate
	GateKey    rate.LimitKey
	Cache      *cache.Store
}

// Close 关闭持有的资源（可重复调用）。
func (r *Runtime) Close() error {
	if r == nil || r.Cache == nil {
		return nil
	}
	err := r.Cache.Close()
	r.Cache = nil
	return err
}

// Assemble 构造全部组件、限流 Gate+Key、缓存与 pipeline.Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, logger *diag.Logger) (*Runtime, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	comp, out, err := AssembleOutput(cfg)
	if err != nil {
		return nil, err
	}

	d := Defaults().Components
	braw, err := patchRaw(cfg.Options.Batcher, map[string]any{"min_size": cfg.MinBatch, "max_size": cfg.MaxBatch})
	if err != nil {
		return nil, err
	}
	b, err := registry.Batcher[effName(cfg.Components.Batcher, d.Batcher)](braw)
	if err != nil {
		return nil, err
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return nil, err
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return nil, err
	}

	// LLM 客户端：凭据在构造时由 options 传入
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %q: %v", contract.ErrConfig, cfg.LLM, err)
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	// 默认使用 API Key 派生分组键（更稳定）；若失败则退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	rt := &Runtime{Gate: gate, GateKey: key}
	if cfg.Cache.Enabled {
		st, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			return nil, err
		}
		rt.Cache = st
	}

	corr, err := correct.New(correct.Components{Batcher: b, PromptBuilder: pb, LLM: llm, Decoder: dec}, correct.Settings{
		Concurrency:    cfg.Concurrency,
		MaxRetries:     cfg.MaxRetries,
		Backoff:        time.Duration(cfg.BackoffMS) * time.Millisecond,
		OracleTimeout:  time.Duration(cfg.OracleTimeoutSeconds) * time.Second,
		MaxTokens:      cfg.MaxTokens,
		Gate:           gate,
		GateKey:        key,
		Cache:          rt.Cache,
		CacheNamespace: cacheNamespace(prov),
	}, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	comp.Corrector = corr
	rt.Components = comp
	rt.Settings = pipeline.Settings{
		Lower:           cfg.Lower,
		Upper:           cfg.Upper,
		Output:          out,
		Unit:            Unit(cfg),
		StreamsParallel: cfg.StreamsParallel,
		Intermediates:   cfg.IntermediatesOn(),
	}
	return rt, nil
}

// AssembleOutput 构造 Reader/Assembler/Writer；Writer 根目录取 output 所在目录，
// 返回的工件标识为 output 的基名。
func AssembleOutput(cfg Config) (pipeline.Components, contract.ArtifactID, error) {
	if err := ValidateOutput(cfg); err != nil {
		return pipeline.Components{}, "", err
	}
	d := Defaults().Components
	r, err := registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader)
	if err != nil {
		return pipeline.Components{}, "", err
	}
	asm, err := registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)](cfg.Options.Assembler)
	if err != nil {
		return pipeline.Components{}, "", err
	}
	out := filepath.Clean(cfg.Output)
	wraw, err := patchRaw(cfg.Options.Writer, map[string]any{"output_dir": filepath.Dir(out)})
	if err != nil {
		return pipeline.Components{}, "", err
	}
	w, err := registry.Writer[effName(cfg.Components.Writer, d.Writer)](wraw)
	if err != nil {
		return pipeline.Components{}, "", err
	}
	return pipeline.Components{Reader: r, Assembler: asm, Writer: w}, contract.ArtifactID(filepath.Base(out)), nil
}

// Unit 返回帧时长。
func Unit(cfg Config) time.Duration { return time.Duration(cfg.UnitMS) * time.Millisecond }

// cacheNamespace 以 client 与 model 区分缓存条目。
func cacheNamespace(p Provider) string {
	var o struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(p.Options, &o)
	return p.Client + ":" + o.Model
}

// patchRaw 在原样 JSON 对象上覆盖若干键。
func patchRaw(raw json.RawMessage, kv map[string]any) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: options: %v", contract.ErrConfig, err)
		}
	}
	for k, v := range kv {
		obj[k] = v
	}
	return json.Marshal(obj)
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: config: %s", contract.ErrConfig, fmt.Sprintf(format, args...))
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
