package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ocrsrt/internal/diag"
	"ocrsrt/internal/reconcile"
	"ocrsrt/internal/segment"
	"ocrsrt/pkg/contract"
)

// - 阶段串行：读取 → 两路校正 → 长度核对 → 合并 → 分段 → 装配 → 写出。
// - 两路互不共享可变状态；StreamsParallel 时并发执行，首错取消另一路。
// - 任一阶段失败即中止；已写出的中间产物保留，最终 SRT 不写出。

// StreamCorrector 校正单个流；internal/correct.Corrector 为默认实现。
type StreamCorrector interface {
	Correct(ctx context.Context, stream contract.StreamID, m *contract.FrameMapping) (*contract.FrameMapping, error)
}

// Components 聚合运行所需的组件。
type Components struct {
	Reader    contract.Reader
	Corrector StreamCorrector
	Assembler contract.Assembler
	Writer    contract.Writer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	// 两路输入源；"-" 表示 STDIN（至多一路）。
	Lower string
	Upper string
	// Output: SRT 工件标识（相对 Writer 根目录），其基名同时决定中间产物名。
	Output contract.ArtifactID
	// Unit: 一帧对应的时长；<=0 时采用 segment.DefaultUnit。
	Unit time.Duration
	// StreamsParallel: 两路校正是否并发。
	StreamsParallel bool
	// Intermediates: 是否写出校正后与合并后的映射。
	Intermediates bool
}

// Result 汇总一次运行的产物（便于测试与摘要输出）。
type Result struct {
	Lower  *contract.FrameMapping
	Upper  *contract.FrameMapping
	Merged *contract.FrameMapping
	Cues   []contract.Cue
}

// StageError 标明失败阶段；errors.Is/As 透传到底层错误。
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// StageOf 返回错误链上的阶段名；无则为 "run"。
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "run"
}

// Run 执行完整转换。返回的错误总是 *StageError。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (*Result, error) {
	if err := sanity(comp, set); err != nil {
		return nil, &StageError{Stage: "config", Err: err}
	}
	if logger == nil {
		logger = diag.Nop()
	}
	unit := set.Unit
	if unit <= 0 {
		unit = segment.DefaultUnit
	}
	res := &Result{}

	// 读取
	lower, upper, err := readStreams(ctx, comp.Reader, set, logger)
	if err != nil {
		return nil, &StageError{Stage: "read", Err: err}
	}

	// 两路校正
	res.Lower, res.Upper, err = correctStreams(ctx, comp.Corrector, lower, upper, set.StreamsParallel)
	if err != nil {
		return nil, &StageError{Stage: "correct", Err: err}
	}
	if set.Intermediates {
		if err := writeMapping(ctx, comp.Writer, set.Output.Corrected(contract.StreamLower), res.Lower, logger); err != nil {
			return nil, &StageError{Stage: "write", Err: err}
		}
		if err := writeMapping(ctx, comp.Writer, set.Output.Corrected(contract.StreamUpper), res.Upper, logger); err != nil {
			return nil, &StageError{Stage: "write", Err: err}
		}
	}

	// 合并：长度核对先于逐键比较
	rtimer := logger.StartWithKV("reconcile", "merge", "", "", map[string]string{
		"lower": strconv.Itoa(res.Lower.Len()),
		"upper": strconv.Itoa(res.Upper.Len()),
	})
	res.Merged, err = reconcile.Streams(res.Lower, res.Upper)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("reconcile", string(code), err.Error(), nil)
		diag.IncOp("reconcile", "merge", "error")
		diag.IncError("reconcile", string(code))
		return nil, &StageError{Stage: "reconcile", Err: err}
	}
	rtimer.Finish("merge", int64(res.Merged.Len()))
	diag.IncOp("reconcile", "merge", "success")
	if set.Intermediates {
		if err := writeMapping(ctx, comp.Writer, set.Output.Merged(), res.Merged, logger); err != nil {
			return nil, &StageError{Stage: "write", Err: err}
		}
	}

	res.Cues, err = emit(ctx, comp, res.Merged, set.Output, unit, logger)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Segment 仅执行分段与写出：读取已合并映射 → 分段 → 装配 → 写出。
func Segment(ctx context.Context, comp Components, src string, out contract.ArtifactID, unit time.Duration, logger *diag.Logger) ([]contract.Cue, error) {
	if comp.Reader == nil || comp.Assembler == nil || comp.Writer == nil {
		return nil, &StageError{Stage: "config", Err: fmt.Errorf("%w: missing components", contract.ErrConfig)}
	}
	if out == "" {
		return nil, &StageError{Stage: "config", Err: fmt.Errorf("%w: empty output", contract.ErrConfig)}
	}
	if logger == nil {
		logger = diag.Nop()
	}
	if unit <= 0 {
		unit = segment.DefaultUnit
	}
	_, m, err := readOne(ctx, comp.Reader, "merged", src, logger)
	if err != nil {
		return nil, &StageError{Stage: "read", Err: err}
	}
	return emit(ctx, comp, m, out, unit, logger)
}

func sanity(comp Components, set Settings) error {
	if comp.Reader == nil || comp.Corrector == nil || comp.Assembler == nil || comp.Writer == nil {
		return fmt.Errorf("%w: missing components", contract.ErrConfig)
	}
	if set.Lower == "" || set.Upper == "" {
		return fmt.Errorf("%w: both lower and upper inputs are required", contract.ErrConfig)
	}
	if set.Lower == "-" && set.Upper == "-" {
		return fmt.Errorf("%w: stdin can feed only one stream", contract.ErrConfig)
	}
	if set.Output == "" {
		return fmt.Errorf("%w: empty output", contract.ErrConfig)
	}
	return nil
}

func readStreams(ctx context.Context, rd contract.Reader, set Settings, logger *diag.Logger) (*contract.FrameMapping, *contract.FrameMapping, error) {
	_, lower, err := readOne(ctx, rd, string(contract.StreamLower), set.Lower, logger)
	if err != nil {
		return nil, nil, err
	}
	_, upper, err := readOne(ctx, rd, string(contract.StreamUpper), set.Upper, logger)
	if err != nil {
		return nil, nil, err
	}
	return lower, upper, nil
}

func readOne(ctx context.Context, rd contract.Reader, stream, src string, logger *diag.Logger) (contract.FileID, *contract.FrameMapping, error) {
	t0 := time.Now()
	timer := logger.StartWithKV("reader", "read", stream, "", map[string]string{"src": src})
	id, m, err := contract.ReadMapping(ctx, rd, src)
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("reader", string(code), err.Error(), &t0, stream, "")
		diag.IncOp("reader", "read", "error")
		diag.IncError("reader", string(code))
		return "", nil, err
	}
	timer.Finish("read", int64(m.Len()))
	diag.IncOp("reader", "read", "success")
	return id, m, nil
}

func correctStreams(ctx context.Context, c StreamCorrector, lower, upper *contract.FrameMapping, parallel bool) (*contract.FrameMapping, *contract.FrameMapping, error) {
	if !parallel {
		lo, err := c.Correct(ctx, contract.StreamLower, lower)
		if err != nil {
			return nil, nil, err
		}
		up, err := c.Correct(ctx, contract.StreamUpper, upper)
		if err != nil {
			return nil, nil, err
		}
		return lo, up, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		out      [2]*contract.FrameMapping
	)
	streams := [2]contract.StreamID{contract.StreamLower, contract.StreamUpper}
	inputs := [2]*contract.FrameMapping{lower, upper}
	wg.Add(2)
	for i := range streams {
		go func(i int) {
			defer wg.Done()
			m, err := c.Correct(ctx, streams[i], inputs[i])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
				return
			}
			out[i] = m
		}(i)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, nil, firstErr
	}
	return out[0], out[1], nil
}

// emit 分段、装配并写出 SRT；每条闭合字幕记录一条 debug 事件。
func emit(ctx context.Context, comp Components, m *contract.FrameMapping, out contract.ArtifactID, unit time.Duration, logger *diag.Logger) ([]contract.Cue, error) {
	stimer := logger.Start("segment", "cues")
	cues, err := segment.Cues(m, unit)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("segment", string(code), err.Error(), nil)
		diag.IncOp("segment", "cues", "error")
		return nil, &StageError{Stage: "segment", Err: err}
	}
	for i, c := range cues {
		logger.Debug("segment", "cue", "", "", map[string]string{
			"seq":   strconv.Itoa(i + 1),
			"start": c.Start.String(),
			"end":   c.End.String(),
			"text":  c.Text,
		})
	}
	stimer.Finish("cues", int64(len(cues)))
	diag.IncOp("segment", "cues", "success")

	t0 := time.Now()
	r, err := comp.Assembler.Assemble(ctx, cues)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("assembler", string(code), err.Error(), &t0)
		diag.IncOp("assembler", "assemble", "error")
		diag.IncError("assembler", string(code))
		return nil, &StageError{Stage: "assemble", Err: err}
	}
	diag.IncOp("assembler", "assemble", "success")

	wtimer := logger.StartWithKV("writer", "write", "", "", map[string]string{"artifact": string(out)})
	if err := comp.Writer.Write(ctx, out, r); err != nil {
		code := diag.Classify(err)
		logger.ErrorWithKV("writer", string(code), err.Error(), &t0, "", "", map[string]string{"artifact": string(out)})
		diag.IncOp("writer", "write", "error")
		diag.IncError("writer", string(code))
		return nil, &StageError{Stage: "write", Err: err}
	}
	wtimer.Finish("write", int64(len(cues)))
	diag.IncOp("writer", "write", "success")
	return cues, nil
}

func writeMapping(ctx context.Context, w contract.Writer, id contract.ArtifactID, m *contract.FrameMapping, logger *diag.Logger) error {
	name := string(id)
	var buf bytes.Buffer
	if err := contract.EncodeMapping(&buf, m); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := w.Write(ctx, id, &buf); err != nil {
		logger.ErrorWithKV("writer", string(diag.Classify(err)), err.Error(), nil, "", "", map[string]string{"artifact": name})
		diag.IncOp("writer", "intermediate", "error")
		return err
	}
	logger.Debug("writer", "intermediate", "", "", map[string]string{"artifact": name, "entries": strconv.Itoa(m.Len())})
	diag.IncOp("writer", "intermediate", "success")
	return nil
}
