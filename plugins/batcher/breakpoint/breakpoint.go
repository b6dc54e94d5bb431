package breakpoint

import (
	"fmt"

	"ocrsrt/pkg/contract"
)

// 默认批尺寸：约 1.5~2 分钟的逐秒帧。
const (
	DefaultMinSize = 90
	DefaultMaxSize = 120
)

// Options 为断点 Batcher 的可选配置。零值采用默认。
type Options struct {
	// MinSize: 在空帧处允许断批的最小条数。
	MinSize int `json:"min_size"`
	// MaxSize: 单批硬上限，达到即断批（不论内容）。
	MaxSize int `json:"max_size"`
}

// Batcher 在空帧（自然停顿）处断批，同时保证单批不超过上限。
type Batcher struct {
	min int
	max int
}

// New 创建断点 Batcher。min>max 或显式非正尺寸返回 ErrConfig。
func New(opts *Options) (*Batcher, error) {
	minSize, maxSize := DefaultMinSize, DefaultMaxSize
	if opts != nil {
		if opts.MinSize != 0 {
			minSize = opts.MinSize
		}
		if opts.MaxSize != 0 {
			maxSize = opts.MaxSize
		}
	}
	if minSize <= 0 || maxSize <= 0 {
		return nil, fmt.Errorf("%w: batch sizes must be > 0 (min=%d max=%d)", contract.ErrConfig, minSize, maxSize)
	}
	if minSize > maxSize {
		return nil, fmt.Errorf("%w: min batch size %d > max batch size %d", contract.ErrConfig, minSize, maxSize)
	}
	return &Batcher{min: minSize, max: maxSize}, nil
}

var _ contract.Batcher = (*Batcher)(nil)

// Bounds 返回生效的上下界。
func (b *Batcher) Bounds() (minSize, maxSize int) { return b.min, b.max }

// Split 返回惰性迭代器；源映射在迭代期间不得修改。
func (b *Batcher) Split(stream contract.StreamID, m *contract.FrameMapping) contract.BatchIterator {
	return &Iterator{src: m, stream: stream, min: b.min, max: b.max}
}

// Iterator 顺序产出批次；耗尽后不可重启。
type Iterator struct {
	src    *contract.FrameMapping
	stream contract.StreamID
	min    int
	max    int
	pos    int
	next   int64
}

// Next 产出下一批。断批条件（加入当前条目之后判断）：
//   - 当前文本为空帧且 min <= 条数 <= max；
//   - 条数 >= max。
//
// 输入结束时剩余不足 min 的尾批照常产出。
func (it *Iterator) Next() (contract.Batch, bool) {
	n := it.src.Len()
	if it.pos >= n {
		return contract.Batch{}, false
	}
	cur := contract.NewFrameMapping()
	for it.pos < n {
		k, v := it.src.KeyAt(it.pos), it.src.TextAt(it.pos)
		it.pos++
		// 源映射已去重且有序，Set 只会走追加路径
		_ = cur.Set(k, v)
		count := cur.Len()
		if (v.IsEmptyMarker() && count >= it.min && count <= it.max) || count >= it.max {
			break
		}
	}
	b := contract.Batch{Stream: it.stream, BatchIndex: it.next, Entries: cur}
	it.next++
	return b, true
}

// Collect 耗尽迭代器并返回全部批次。
func Collect(it contract.BatchIterator) []contract.Batch {
	var out []contract.Batch
	for {
		b, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, b)
	}
}
