package contract

import (
	"errors"
	"fmt"
)

// Writer/路径相关最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// 领域错误分类。
var (
	// ErrConfig: 配置错误（批大小、时间单位等），在任何处理前快速失败。
	ErrConfig = errors.New("configuration error")
	// ErrOracleParse: 模型回复中找不到花括号包围的对象。
	ErrOracleParse = errors.New("oracle reply has no json object")
	// ErrOracleContent: 找到对象但不是合法的 键→字符串 数据。
	ErrOracleContent = errors.New("oracle reply content invalid")
	// ErrStreamLengthMismatch: 两路校正结果条目数不一致。
	ErrStreamLengthMismatch = errors.New("stream length mismatch")
	// ErrStreamKeyMismatch: 条目数一致但键集合不同。
	ErrStreamKeyMismatch = errors.New("stream key mismatch")
)

// StreamLengthMismatchError 携带两路长度，errors.Is 匹配 ErrStreamLengthMismatch。
type StreamLengthMismatchError struct {
	Lower int
	Upper int
}

func (e *StreamLengthMismatchError) Error() string {
	return fmt.Sprintf("stream length mismatch: lower=%d upper=%d", e.Lower, e.Upper)
}

func (e *StreamLengthMismatchError) Unwrap() error { return ErrStreamLengthMismatch }

// BatchError 标明失败批次的流与键范围。
type BatchError struct {
	Stream     StreamID
	BatchIndex int64
	FirstKey   FrameKey
	LastKey    FrameKey
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("stream %s batch %d [%s..%s]: %v", e.Stream, e.BatchIndex, e.FirstKey, e.LastKey, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
