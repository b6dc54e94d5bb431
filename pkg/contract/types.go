package contract

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// StreamID: 输入流标识（lower/upper 两个裁剪区域）。
type StreamID string

const (
	StreamLower StreamID = "lower"
	StreamUpper StreamID = "upper"
)

// FrameKey: 帧键。零填充的十进制字符串（如 "0001"），表示距视频起点的整秒数。
// 顺序以解码后的整数为准，不假设连续。
type FrameKey string

// Seconds 解码帧键为非负整数秒。非数字或负数返回 ErrInvalidInput。
func (k FrameKey) Seconds() (int64, error) {
	s := strings.TrimSpace(string(k))
	if s == "" {
		return 0, fmt.Errorf("%w: empty frame key", ErrInvalidInput)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 || s[0] == '+' || s[0] == '-' {
		return 0, fmt.Errorf("%w: frame key %q", ErrInvalidInput, string(k))
	}
	return n, nil
}

// Offset 返回帧键对应的时刻（整秒），与帧时长无关。
func (k FrameKey) Offset() (time.Duration, error) {
	n, err := k.Seconds()
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// KeyAt 以最少 width 位零填充生成帧键。
func KeyAt(sec int64, width int) FrameKey {
	return FrameKey(fmt.Sprintf("%0*d", width, sec))
}

// FrameText: 某一帧的 OCR 文本（通常以换行结尾）。
type FrameText string

// EmptyMarker: 空帧哨兵，表示该帧无字幕，同时是批次的自然断点。
const EmptyMarker FrameText = "\n"

// IsEmptyMarker 仅对恰为 "\n" 的文本返回 true。
func (t FrameText) IsEmptyMarker() bool { return t == EmptyMarker }

// Batch: 同一流内连续的帧子集。
// 约束：
//   - Entries 按帧键升序，且为源映射中的连续片段；
//   - 同一流内各批的键集合互不相交，并集即源映射；
//   - BatchIndex 在同一流内自 0 严格递增。
type Batch struct {
	Stream     StreamID
	BatchIndex int64
	Entries    *FrameMapping
}

// FirstKey/LastKey 返回批内首尾帧键；空批返回空串。
func (b Batch) FirstKey() FrameKey {
	if b.Entries == nil || b.Entries.Len() == 0 {
		return ""
	}
	return b.Entries.KeyAt(0)
}

func (b Batch) LastKey() FrameKey {
	if b.Entries == nil || b.Entries.Len() == 0 {
		return ""
	}
	return b.Entries.KeyAt(b.Entries.Len() - 1)
}

// Cue: 字幕条目。Start < End，Text 已去除首尾空白且非空。
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}
