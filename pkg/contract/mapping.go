package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// FrameMapping: 有序帧映射（FrameKey→FrameText）。
// 约束：
//  1. 迭代顺序为帧键解码后的数值升序；
//  2. 每个键至多一个文本，数值相同的不同写法（"01"/"1"）视为重复；
//  3. 交给下游后不再修改；需要变更时 Clone。
type FrameMapping struct {
	keys []FrameKey
	secs []int64
	vals map[FrameKey]FrameText
}

// NewFrameMapping 返回空映射。
func NewFrameMapping() *FrameMapping {
	return &FrameMapping{vals: make(map[FrameKey]FrameText)}
}

// MappingOf 由无序 map 构造有序映射。
func MappingOf(src map[string]string) (*FrameMapping, error) {
	m := NewFrameMapping()
	for k, v := range src {
		if err := m.Set(FrameKey(k), FrameText(v)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Len 返回条目数；nil 映射视为空。
func (m *FrameMapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Set 写入一条。已存在的同名键被覆盖；数值冲突的异名键返回 ErrInvalidInput。
// 以升序追加时为 O(1)。
func (m *FrameMapping) Set(k FrameKey, v FrameText) error {
	if m.vals == nil {
		m.vals = make(map[FrameKey]FrameText)
	}
	if _, ok := m.vals[k]; ok {
		m.vals[k] = v
		return nil
	}
	sec, err := k.Seconds()
	if err != nil {
		return err
	}
	n := len(m.secs)
	if n == 0 || m.secs[n-1] < sec {
		m.keys = append(m.keys, k)
		m.secs = append(m.secs, sec)
		m.vals[k] = v
		return nil
	}
	i := sort.Search(n, func(i int) bool { return m.secs[i] >= sec })
	if i < n && m.secs[i] == sec {
		return fmt.Errorf("%w: duplicate frame key %q (already %q)", ErrInvalidInput, string(k), string(m.keys[i]))
	}
	m.keys = append(m.keys, "")
	m.secs = append(m.secs, 0)
	copy(m.keys[i+1:], m.keys[i:])
	copy(m.secs[i+1:], m.secs[i:])
	m.keys[i] = k
	m.secs[i] = sec
	m.vals[k] = v
	return nil
}

// Get 按键查找。
func (m *FrameMapping) Get(k FrameKey) (FrameText, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.vals[k]
	return v, ok
}

// KeyAt/TextAt/SecondsAt 为按序位置访问；越界 panic（与切片一致）。
func (m *FrameMapping) KeyAt(i int) FrameKey   { return m.keys[i] }
func (m *FrameMapping) TextAt(i int) FrameText { return m.vals[m.keys[i]] }
func (m *FrameMapping) SecondsAt(i int) int64  { return m.secs[i] }

// Keys 返回有序键的副本。
func (m *FrameMapping) Keys() []FrameKey {
	if m == nil {
		return nil
	}
	out := make([]FrameKey, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range 按序遍历；fn 返回 false 时提前结束。
func (m *FrameMapping) Range(fn func(k FrameKey, v FrameText) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.vals[k]) {
			return
		}
	}
}

// Clone 深拷贝。
func (m *FrameMapping) Clone() *FrameMapping {
	out := NewFrameMapping()
	if m == nil {
		return out
	}
	out.keys = append(out.keys, m.keys...)
	out.secs = append(out.secs, m.secs...)
	for k, v := range m.vals {
		out.vals[k] = v
	}
	return out
}

// Equal 比较键序与文本是否完全一致。
func (m *FrameMapping) Equal(o *FrameMapping) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i := 0; i < m.Len(); i++ {
		if m.keys[i] != o.keys[i] || m.vals[m.keys[i]] != o.vals[o.keys[i]] {
			return false
		}
	}
	return true
}

// MarshalJSON 按键序输出 JSON 对象。
func (m *FrameMapping) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(string(k))
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(string(m.vals[k]))
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 要求顶层为对象，且所有值均为字符串。
func (m *FrameMapping) UnmarshalJSON(data []byte) error {
	out, err := DecodeMapping(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*m = *out
	return nil
}

// DecodeMapping 流式解析 JSON 对象为有序映射。
// 非对象、非字符串值、重复键、非法帧键均返回包装 ErrInvalidInput 的错误。
func DecodeMapping(r io.Reader) (*FrameMapping, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrInvalidInput)
	}
	m := NewFrameMapping()
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		key, _ := kt.(string)
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidInput, key, err)
		}
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%w: key %q: value is %T, want string", ErrInvalidInput, key, val)
		}
		if _, dup := m.vals[FrameKey(key)]; dup {
			return nil, fmt.Errorf("%w: duplicate frame key %q", ErrInvalidInput, key)
		}
		if err := m.Set(FrameKey(key), FrameText(s)); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidInput)
	}
	return m, nil
}

// EncodeMapping 以缩进 JSON（键序）写出，用于中间产物持久化。
func EncodeMapping(w io.Writer, m *FrameMapping) error {
	raw, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}
