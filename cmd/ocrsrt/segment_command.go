package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "ocrsrt/internal/config"
	"ocrsrt/internal/diag"
	"ocrsrt/internal/segment"
	"ocrsrt/pkg/contract"
	"ocrsrt/pkg/registry"
)

func newSegmentCommand(stderr io.Writer) *cobra.Command {
	var (
		configPath string
		in         string
		out        string
		unit       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "segment",
		Short: "对已合并的映射只做分段，写出 SRT（不调用神谕）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			over := cfgpkg.Config{MaxRetries: -1, Output: out}
			if cmd.Flags().Changed("unit") {
				ms, err := unitMS(unit)
				if err != nil {
					return err
				}
				over.UnitMS = ms
			}
			cfg, err := loadConfig(configPath, over)
			if err != nil {
				return err
			}
			comp, id, err := cfgpkg.AssembleOutput(cfg)
			if err != nil {
				return err
			}
			start := time.Now()
			logger := newLogger(cfg)
			defer logger.Close()
			cues, err := pipelineSegment(cmd.Context(), comp, in, id, cfgpkg.Unit(cfg), logger)
			if err != nil {
				logger.Error("pipeline", string(diag.Classify(err)), err.Error(), &start)
				return err
			}
			logger.InfoFinish("pipeline", "segment", start, int64(len(cues)))
			fmt.Fprintf(stderr, "[ok] %s | 字幕 %d 条\n", cfg.Output, len(cues))
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&configPath, "config", "c", "", "配置文件（.toml 或 .json）")
	fl.StringVar(&in, "in", "", "已合并映射（JSON）；\"-\" 表示 STDIN")
	fl.StringVarP(&out, "out", "o", "", "SRT 输出路径")
	fl.DurationVar(&unit, "unit", 0, "一帧对应的时长，例如 1s、500ms")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newPreviewCommand(stdout io.Writer) *cobra.Command {
	var (
		configPath string
		in         string
		unit       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "以表格打印映射分段后的字幕",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			over := cfgpkg.Config{MaxRetries: -1}
			if cmd.Flags().Changed("unit") {
				ms, err := unitMS(unit)
				if err != nil {
					return err
				}
				over.UnitMS = ms
			}
			cfg, err := loadConfig(configPath, over)
			if err != nil {
				return err
			}
			name := strings.TrimSpace(cfg.Components.Reader)
			if name == "" {
				name = cfgpkg.Defaults().Components.Reader
			}
			newReader := registry.Reader[name]
			if newReader == nil {
				return fmt.Errorf("%w: reader %q not registered", contract.ErrConfig, name)
			}
			rd, err := newReader(cfg.Options.Reader)
			if err != nil {
				return err
			}
			_, m, err := contract.ReadMapping(cmd.Context(), rd, in)
			if err != nil {
				return err
			}
			cues, err := segment.Cues(m, cfgpkg.Unit(cfg))
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, renderCues(cues))
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&configPath, "config", "c", "", "配置文件（.toml 或 .json）")
	fl.StringVar(&in, "in", "", "映射（JSON）；\"-\" 表示 STDIN")
	fl.DurationVar(&unit, "unit", 0, "一帧对应的时长，例如 1s、500ms")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newInitConfigCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "生成 " + cfgpkg.TemplateFile + " 与 .env 模板（已存在则跳过）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			written, err := cfgpkg.WriteTemplates(dir)
			if err != nil {
				return fmt.Errorf("%w: init-config: %v", contract.ErrConfig, err)
			}
			if len(written) == 0 {
				fmt.Fprintln(stdout, "模板已存在，未覆盖")
				return nil
			}
			for _, p := range written {
				fmt.Fprintln(stdout, "已生成", p)
			}
			return nil
		},
	}
}
