package srt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"ocrsrt/pkg/contract"
)

// Options: SRT 渲染选项。
type Options struct {
	// CRLF: 以 \r\n 作为行尾（部分播放器要求）；默认 \n。
	CRLF bool `json:"crlf,omitempty"`
}

type assembler struct {
	eol string
}

// New 从原样 JSON Options 创建 SRT 装配器。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("%w: srt options: %v", contract.ErrConfig, err)
		}
	}
	eol := "\n"
	if o.CRLF {
		eol = "\r\n"
	}
	return &assembler{eol: eol}, nil
}

// Assemble 渲染为 SRT：序号从 1 连续，时间戳 HH:MM:SS,mmm，条目之间空行分隔。
// 逆序、重叠、Start>=End 或正文为空即返回 ErrSeqInvalid。
func (a *assembler) Assemble(ctx context.Context, cues []contract.Cue) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var buf bytes.Buffer
	var prevEnd time.Duration
	for i, c := range cues {
		if c.Start < 0 || c.Start >= c.End {
			return nil, fmt.Errorf("%w: cue %d has start %s >= end %s", contract.ErrSeqInvalid, i+1, c.Start, c.End)
		}
		// 允许首尾相接，不允许重叠
		if i > 0 && c.Start < prevEnd {
			return nil, fmt.Errorf("%w: cue %d starts at %s before previous end %s", contract.ErrSeqInvalid, i+1, c.Start, prevEnd)
		}
		body := strings.TrimSpace(c.Text)
		if body == "" {
			return nil, fmt.Errorf("%w: cue %d has empty text", contract.ErrSeqInvalid, i+1)
		}
		prevEnd = c.End

		fmt.Fprintf(&buf, "%d%s%s --> %s%s", i+1, a.eol, Timestamp(c.Start), Timestamp(c.End), a.eol)
		for _, line := range strings.Split(body, "\n") {
			buf.WriteString(strings.TrimRight(line, "\r"))
			buf.WriteString(a.eol)
		}
		buf.WriteString(a.eol)
	}
	return &buf, nil
}

// Timestamp 格式化为 HH:MM:SS,mmm；小时不设上限。
func Timestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

var _ contract.Assembler = (*assembler)(nil)
