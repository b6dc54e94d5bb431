package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"ocrsrt/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总与 CLI 错误行，与退出码解耦。
type Code string

const (
	CodeUnknown       Code = "unknown"
	CodeConfig        Code = "config"
	CodeOracleParse   Code = "oracle_parse"
	CodeOracleContent Code = "oracle_content"
	CodeMismatch      Code = "stream_mismatch"
	CodeNetwork       Code = "network"
	CodeProtocol      Code = "protocol"
	CodeInvariant     Code = "invariant"
	CodeBudget        Code = "budget"
	CodeCancel        Code = "cancel"
	CodeIO            Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrConfig) {
		return CodeConfig
	}
	if errors.Is(err, contract.ErrOracleParse) {
		return CodeOracleParse
	}
	if errors.Is(err, contract.ErrOracleContent) {
		return CodeOracleContent
	}
	if errors.Is(err, contract.ErrStreamLengthMismatch) || errors.Is(err, contract.ErrStreamKeyMismatch) {
		return CodeMismatch
	}
	// 预算/配额
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	// 不变量
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrSeqInvalid) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时/上游 5xx）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// Retryable 判断单次神谕调用失败是否值得重试：
// 限流、网络与上游协议错误，以及模型回复不可解析/内容非法。
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeBudget, CodeNetwork, CodeProtocol, CodeOracleParse, CodeOracleContent:
		return true
	default:
		return false
	}
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
