package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"ocrsrt/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
// src 为 "-" 时读取 STDIN（FileID 固定为 "stdin"），否则打开常规文件；
// 指向常规文件的符号链接被跟随，目录与设备等非常规目标返回 ErrInvalidInput。
type FileSystem struct {
	bufSize int
	// stdin 可替换（测试注入）；nil 时使用 os.Stdin。
	stdin io.Reader
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	b := defaultBuf
	if opts != nil && opts.BufSize > 0 {
		b = opts.BufSize
	}
	return &FileSystem{bufSize: b}
}

var _ contract.Reader = (*FileSystem)(nil)

// Open 打开单个输入源；调用方负责 Close。
func (r *FileSystem) Open(ctx context.Context, src string) (contract.FileID, io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	default:
	}
	if src == "" {
		return "", nil, fmt.Errorf("%w: empty input path", contract.ErrInvalidInput)
	}
	if src == "-" {
		in := r.stdin
		if in == nil {
			in = os.Stdin
		}
		// 统一缓冲策略：STDIN 也使用 bufio.Reader 封装；不关闭进程级 STDIN
		return contract.FileID("stdin"), newBufferedCloser(io.NopCloser(in), r.bufSize), nil
	}

	// os.Stat 跟随符号链接，仅接受常规文件
	info, err := os.Stat(src)
	if err != nil {
		return "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s is not a regular file", contract.ErrInvalidInput, src)
	}
	f, err := os.Open(src)
	if err != nil {
		return "", nil, err
	}
	return contract.NormalizeFileID(src), newBufferedCloser(f, r.bufSize), nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
