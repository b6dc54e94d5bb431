package contract

import (
	"context"
	"io"
)

// ArtifactID: 写出目录内的工件名，表示与 FileID 相同。
// 一次 run 产出最终 SRT 以及可选的三份中间映射（两路校正结果与合并结果），名称均由 SRT 名派生。
type ArtifactID = FileID

// Corrected 返回 stream 校正后映射的工件名：<stem>.<stream>.corrected.json。
func (id ArtifactID) Corrected(stream StreamID) ArtifactID {
	return ArtifactID(id.Stem() + "." + string(stream) + ".corrected.json")
}

// Merged 返回合并后映射的工件名：<stem>.merged.json。
func (id ArtifactID) Merged() ArtifactID {
	return ArtifactID(id.Stem() + ".merged.json")
}

// Writer: 把 SRT 或中间映射写入写出目录。
// 约束：
//  1. 同一工件单写者，读者只会看到旧内容或完整的新内容；
//  2. 按字节透传，不解析字幕或映射；
//  3. ctx 取消需尽快返回，错误直接上抛（不重试）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
