// Package segment 将逐帧映射折叠为最少的时间区间字幕条目，并提供反向展开。
package segment

import (
	"fmt"
	"strings"
	"time"

	"ocrsrt/pkg/contract"
)

// DefaultUnit: 一帧对应的时长（逐秒采样）。
const DefaultUnit = time.Second

// Cues 顺序扫描映射并折叠相邻的相同文本。
//
// 状态机 {无打开条目, 有打开条目}，body 为去首尾空白后的文本：
//   - body 非空且无打开条目：以该帧打开新条目 [t, t+unit)，t 为帧键秒数；
//   - body 非空且与打开条目相同：结束时间延长一个 unit；
//   - body 非空且不同：关闭当前条目并打开新条目；
//   - body 为空：关闭当前条目（若有）。
//
// 帧键是整秒时刻，unit 只决定每帧持续多久：键 "10" 在任何 unit 下都从 10s 开始。
// 输入结束时关闭仍打开的条目。unit<=0 返回 ErrConfig。
func Cues(m *contract.FrameMapping, unit time.Duration) ([]contract.Cue, error) {
	if unit <= 0 {
		return nil, fmt.Errorf("%w: cue unit must be > 0, got %s", contract.ErrConfig, unit)
	}
	var (
		out  []contract.Cue
		open *contract.Cue
	)
	flush := func() {
		if open != nil {
			out = append(out, *open)
			open = nil
		}
	}
	for i := 0; i < m.Len(); i++ {
		body := strings.TrimSpace(string(m.TextAt(i)))
		if body == "" {
			flush()
			continue
		}
		if open != nil && open.Text == body {
			open.End += unit
			continue
		}
		flush()
		start := time.Duration(m.SecondsAt(i)) * time.Second
		open = &contract.Cue{Start: start, End: start + unit, Text: body}
	}
	flush()
	return out, nil
}

// Frames 将条目重新展开为逐秒键的帧映射：条目自其起始秒起占用连续的秒键，
// 每键一帧、每帧一个 unit；条目之间（及 0 到首条目之间）未占用的秒以空帧填充。
// 帧键零填充至 4 位。
//
// 条目须起于整秒、时长为 unit 的整数倍、按时间升序且互不重叠，且起始秒不早于
// 上一条目占用的最后一个秒键之后；否则返回 ErrSeqInvalid。
// 相邻且文本相同的条目展开后会在 Cues 中合并为一条。
func Frames(cues []contract.Cue, unit time.Duration) (*contract.FrameMapping, error) {
	if unit <= 0 {
		return nil, fmt.Errorf("%w: cue unit must be > 0, got %s", contract.ErrConfig, unit)
	}
	out := contract.NewFrameMapping()
	var (
		next    int64
		prevEnd time.Duration
	)
	for i, c := range cues {
		if c.Start%time.Second != 0 || c.Start >= c.End || (c.End-c.Start)%unit != 0 {
			return nil, fmt.Errorf("%w: cue %d [%s,%s) not aligned to whole seconds / %s", contract.ErrSeqInvalid, i+1, c.Start, c.End, unit)
		}
		if c.Start < prevEnd {
			return nil, fmt.Errorf("%w: cue %d overlaps previous cue", contract.ErrSeqInvalid, i+1)
		}
		from, n := int64(c.Start/time.Second), int64((c.End-c.Start)/unit)
		if from < next {
			return nil, fmt.Errorf("%w: cue %d starts at %ds, second already taken by previous cue", contract.ErrSeqInvalid, i+1, from)
		}
		text := strings.TrimSpace(c.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: cue %d has empty text", contract.ErrSeqInvalid, i+1)
		}
		for ; next < from; next++ {
			_ = out.Set(contract.KeyAt(next, 4), contract.EmptyMarker)
		}
		for j := int64(0); j < n; j++ {
			_ = out.Set(contract.KeyAt(next, 4), contract.FrameText(text+"\n"))
			next++
		}
		prevEnd = c.End
	}
	return out, nil
}
