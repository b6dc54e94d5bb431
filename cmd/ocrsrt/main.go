package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "ocrsrt/internal/config"
	"ocrsrt/internal/diag"
	"ocrsrt/internal/pipeline"
	"ocrsrt/pkg/contract"
)

// 测试替换点。
var (
	pipelineRun     = pipeline.Run
	pipelineSegment = pipeline.Segment
)

// 退出码：0 成功；1 运行期错误；3 配置错误。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}
	code := exitCode(err)
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "stage=%s code=%s: %v\n", stageName(err), diag.Classify(err), err)
	}
	return code
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "ocrsrt",
		Short:         "OCR 双流字幕校正、合并与 SRT 分段",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(newRunCommand(stderr))
	root.AddCommand(newSegmentCommand(stderr))
	root.AddCommand(newPreviewCommand(stdout))
	root.AddCommand(newInitConfigCommand(stdout))
	return root
}

// exitCode 将错误映射为退出码：配置类为 3，其余为 1。
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, contract.ErrConfig) || pipeline.StageOf(err) == "config" {
		return exitConfig
	}
	return exitRuntime
}

func stageName(err error) string {
	if errors.Is(err, contract.ErrConfig) {
		var se *pipeline.StageError
		if !errors.As(err, &se) {
			return "config"
		}
	}
	return pipeline.StageOf(err)
}

func genCorrID() string { return uuid.NewString() }

// loadConfig 依次叠加：内置默认 → 配置文件 → ENV 覆盖 → over（CLI）。
// 配置文件来源：--config > OCRSRT_CONFIG_FILE > ./ocrsrt.toml（若存在）。
func loadConfig(path string, over cfgpkg.Config) (cfgpkg.Config, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE"))
	}
	if path == "" {
		if _, err := os.Stat(cfgpkg.TemplateFile); err == nil {
			path = cfgpkg.TemplateFile
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.Load(path)
		if err != nil {
			if !errors.Is(err, contract.ErrConfig) {
				err = fmt.Errorf("%w: %v", contract.ErrConfig, err)
			}
			return cfgpkg.Config{}, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	env, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfg = cfgpkg.Merge(cfg, env)
	return cfgpkg.Merge(cfg, over), nil
}

// newLogger 以最终配置的日志级别构造日志器。
func newLogger(cfg cfgpkg.Config) *diag.Logger {
	lvl := strings.TrimSpace(cfg.Logging.Level)
	if lvl == "" {
		lvl = "info"
	}
	return diag.NewLogger(genCorrID(), lvl)
}
