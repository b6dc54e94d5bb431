package contract

import (
	"context"
	"fmt"
	"io"
)

// Reader: 输入源抽象（文件/STDIN）。
// 约束：
// 1) 仅提供字节流，映射解析由调用方完成（见 DecodeMapping）；
// 2) FileID 稳定且去平台差异化，"-" 对应 "stdin"；
// 3) 调用方负责 Close。
type Reader interface {
	Open(ctx context.Context, src string) (FileID, io.ReadCloser, error)
}

// ReadMapping 打开 src 并严格解码为帧映射；解码错误带上 FileID。
func ReadMapping(ctx context.Context, rd Reader, src string) (FileID, *FrameMapping, error) {
	id, rc, err := rd.Open(ctx, src)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()
	m, err := DecodeMapping(rc)
	if err != nil {
		return id, nil, fmt.Errorf("%s: %w", id, err)
	}
	return id, m, nil
}
