// Package reconcile 合并两路独立校正后的帧映射为唯一规范映射。
package reconcile

import (
	"fmt"
	"strings"

	"ocrsrt/pkg/contract"
)

// Streams 按键合并 lower 与 upper。
//
// 前置条件：两路条目数一致，否则返回 *contract.StreamLengthMismatchError；
// 条目数一致但 upper 缺少 lower 的某个键时返回 ErrStreamKeyMismatch。
// 每个键的取值规则（按序判断）：
//  1. 两路相同：取该文本；
//  2. lower 为空帧：取 upper；
//  3. upper 为空帧：取 lower；
//  4. 否则取 lower 去除首尾空白后的文本（lower 优先）。
//
// 输出键集合等于输入键集合，顺序沿用 lower。
func Streams(lower, upper *contract.FrameMapping) (*contract.FrameMapping, error) {
	if lower.Len() != upper.Len() {
		return nil, &contract.StreamLengthMismatchError{Lower: lower.Len(), Upper: upper.Len()}
	}
	out := contract.NewFrameMapping()
	var err error
	lower.Range(func(k contract.FrameKey, lo contract.FrameText) bool {
		up, ok := upper.Get(k)
		if !ok {
			err = fmt.Errorf("%w: key %q present in lower stream only", contract.ErrStreamKeyMismatch, string(k))
			return false
		}
		_ = out.Set(k, Pick(lo, up))
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Pick 对单个键应用合并规则。
func Pick(lower, upper contract.FrameText) contract.FrameText {
	switch {
	case lower == upper:
		return lower
	case lower.IsEmptyMarker():
		return upper
	case upper.IsEmptyMarker():
		return lower
	default:
		return contract.FrameText(strings.TrimSpace(string(lower)))
	}
}
