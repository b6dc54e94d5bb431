package contract

import (
	"context"
	"io"
)

// Assembler: 将有序 Cue 序列渲染为最终字幕文本。
// 约束：
//  1. 输入按 Start 严格升序、互不重叠；
//  2. 序号从 1 开始连续；
//  3. 序列违规返回 ErrSeqInvalid。
type Assembler interface {
	Assemble(ctx context.Context, cues []Cue) (io.Reader, error)
}
