package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cfgpkg "ocrsrt/internal/config"
	"ocrsrt/internal/diag"
	"ocrsrt/pkg/contract"
)

type runFlags struct {
	config          string
	lower           string
	upper           string
	out             string
	llm             string
	minBatch        int
	maxBatch        int
	maxRetries      int
	concurrency     int
	maxTokens       int
	unit            time.Duration
	noStatus        bool
	streamsParallel bool
	logLevel        string
}

func newRunCommand(stderr io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "校正两路 OCR 映射，合并后分段写出 SRT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			over, err := f.overlay(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(f.config, over)
			if err != nil {
				return err
			}
			return runPipeline(cmd, cfg, !f.noStatus, stderr)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "配置文件（.toml 或 .json）；缺省读取 ./"+cfgpkg.TemplateFile+"（若存在）")
	fl.StringVar(&f.lower, "lower", "", "下方区域 OCR 映射（JSON）；\"-\" 表示 STDIN")
	fl.StringVar(&f.upper, "upper", "", "上方区域 OCR 映射（JSON）；\"-\" 表示 STDIN")
	fl.StringVarP(&f.out, "out", "o", "", "SRT 输出路径；中间产物写在同一目录")
	fl.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	fl.IntVar(&f.minBatch, "min-batch", 0, "批大小下限（在空帧处断批）")
	fl.IntVar(&f.maxBatch, "max-batch", 0, "批大小硬上限")
	fl.IntVar(&f.maxRetries, "max-retries", 0, "单批最大重试次数（0 表示不重试）")
	fl.IntVar(&f.concurrency, "concurrency", 0, "单流内批并发度")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "单次请求最大 token 预算")
	fl.DurationVar(&f.unit, "unit", 0, "一帧对应的时长，例如 1s、500ms")
	fl.BoolVar(&f.noStatus, "no-status", false, "关闭终端状态提示与运行摘要")
	fl.BoolVar(&f.streamsParallel, "streams-parallel", false, "两路流并行校正")
	fl.StringVar(&f.logLevel, "log-level", "", "日志级别 debug|info|warn|error")
	return cmd
}

// overlay 只把显式给出的旗标转为覆盖项；MaxRetries 以 -1 表示未覆盖。
func (f runFlags) overlay(fs *pflag.FlagSet) (cfgpkg.Config, error) {
	over := cfgpkg.Config{MaxRetries: -1}
	ch := fs.Changed
	over.Lower = f.lower
	over.Upper = f.upper
	over.Output = f.out
	over.LLM = f.llm
	over.Logging.Level = f.logLevel
	if ch("min-batch") {
		over.MinBatch = f.minBatch
	}
	if ch("max-batch") {
		over.MaxBatch = f.maxBatch
	}
	if ch("max-retries") {
		if f.maxRetries < 0 {
			return over, fmt.Errorf("%w: --max-retries must be >= 0", contract.ErrConfig)
		}
		over.MaxRetries = f.maxRetries
	}
	if ch("concurrency") {
		if f.concurrency < 1 {
			return over, fmt.Errorf("%w: --concurrency must be >= 1", contract.ErrConfig)
		}
		over.Concurrency = f.concurrency
	}
	if ch("max-tokens") {
		over.MaxTokens = f.maxTokens
	}
	if ch("unit") {
		ms, err := unitMS(f.unit)
		if err != nil {
			return over, err
		}
		over.UnitMS = ms
	}
	if ch("streams-parallel") {
		over.StreamsParallel = f.streamsParallel
	}
	return over, nil
}

func unitMS(d time.Duration) (int, error) {
	if d < time.Millisecond {
		return 0, fmt.Errorf("%w: --unit must be >= 1ms (got %s)", contract.ErrConfig, d)
	}
	return int(d / time.Millisecond), nil
}

func runPipeline(cmd *cobra.Command, cfg cfgpkg.Config, status bool, stderr io.Writer) error {
	start := time.Now()
	logger := newLogger(cfg)
	defer logger.Close()
	diag.ResetMetrics()

	rt, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), err.Error(), &start)
		return err
	}
	defer rt.Close()

	term := diag.NewTerminal(stderr, status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, cfg.LLM)

	logger.Debug("config", "effective", "", "", effectiveKV(cfg))

	t := logger.Start("pipeline", "run")
	res, err := pipelineRun(cmd.Context(), rt.Components, rt.Settings, logger)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, err.Error(), &start)
		diag.IncOp("pipeline", "run", "error")
		diag.IncError("pipeline", code)
		term.RunFinish(false, 0, time.Since(start))
		return err
	}
	t.Finish("run", int64(len(res.Cues)))
	diag.IncOp("pipeline", "run", "success")
	diag.ObserveDuration("pipeline", "run", time.Since(start).Milliseconds())
	term.RunFinish(true, len(res.Cues), time.Since(start))
	if status {
		fmt.Fprintln(stderr, renderMetrics(diag.Snapshot()))
	}
	return nil
}

// effectiveKV 输出运行时配置的无敏感摘要。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"lower":            cfg.Lower,
		"upper":            cfg.Upper,
		"output":           cfg.Output,
		"unit_ms":          strconv.Itoa(cfg.UnitMS),
		"min_batch":        strconv.Itoa(cfg.MinBatch),
		"max_batch":        strconv.Itoa(cfg.MaxBatch),
		"concurrency":      strconv.Itoa(cfg.Concurrency),
		"max_retries":      strconv.Itoa(cfg.MaxRetries),
		"streams_parallel": strconv.FormatBool(cfg.StreamsParallel),
		"cache":            strconv.FormatBool(cfg.Cache.Enabled),
		"llm":              cfg.LLM,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	return kv
}
