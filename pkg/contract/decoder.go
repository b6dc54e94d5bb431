package contract

import "context"

// Decoder: 从 Raw 中提取校正后的映射；仅返回批内请求过的键。
// 找不到对象返回 ErrOracleParse，对象非法返回 ErrOracleContent。
type Decoder interface {
	Decode(ctx context.Context, b Batch, raw Raw) (*FrameMapping, error)
}

// DecodeReport: 解码过程中被容忍的偏差。
type DecodeReport struct {
	// Extra: 回复中存在但批内未请求的键（已丢弃）。
	Extra []string
	// Missing: 批内请求但回复缺失的键（保持缺失）。
	Missing []FrameKey
}

// DecoderWithReport: 可选扩展接口。编排层据此记录告警日志。
type DecoderWithReport interface {
	DecodeWithReport(ctx context.Context, b Batch, raw Raw) (*FrameMapping, DecodeReport, error)
}
