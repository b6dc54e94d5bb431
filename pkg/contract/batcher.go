package contract

// BatchIterator: 惰性、有限、不可重启的批序列。
// Next 在耗尽后持续返回 (Batch{}, false)。
type BatchIterator interface {
	Next() (Batch, bool)
}

// Batcher: 将单个流的有序映射切分为若干 Batch。
// 约束：
//  1. 不重排、不丢失、不重复；
//  2. 批为源映射的连续片段，BatchIndex 自 0 递增；
//  3. 尺寸上下界由实现配置提供，非法配置在构造时返回 ErrConfig。
type Batcher interface {
	Split(stream StreamID, m *FrameMapping) BatchIterator
}
