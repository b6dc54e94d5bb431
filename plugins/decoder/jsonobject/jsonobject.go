package jsonobject

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"ocrsrt/pkg/contract"
)

// Options: 解码选项。
type Options struct {
	// Normalize: 对回复文本做 Unicode NFC 归一。nil 表示默认 true。
	Normalize *bool `json:"normalize,omitempty"`
}

// Decoder 从自由文本回复中提取第一个括号平衡的 JSON 对象。
type Decoder struct {
	normalize bool
}

// New 从原样 JSON Options 创建解码器。
func New(raw json.RawMessage) (*Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("%w: decoder options: %v", contract.ErrConfig, err)
		}
	}
	n := true
	if opts.Normalize != nil {
		n = *opts.Normalize
	}
	return &Decoder{normalize: n}, nil
}

var (
	_ contract.Decoder           = (*Decoder)(nil)
	_ contract.DecoderWithReport = (*Decoder)(nil)
)

func (d *Decoder) Decode(ctx context.Context, b contract.Batch, raw contract.Raw) (*contract.FrameMapping, error) {
	m, _, err := d.DecodeWithReport(ctx, b, raw)
	return m, err
}

// DecodeWithReport 解析回复并仅保留批内请求过的键。
// 键按数值对齐（"1" 与 "0001" 视为同一帧），输出沿用批内原始写法。
func (d *Decoder) DecodeWithReport(ctx context.Context, b contract.Batch, raw contract.Raw) (*contract.FrameMapping, contract.DecodeReport, error) {
	var rep contract.DecodeReport
	select {
	case <-ctx.Done():
		return nil, rep, ctx.Err()
	default:
	}
	obj, ok := Extract(raw.Text)
	if !ok {
		return nil, rep, fmt.Errorf("%w (payload snippet: %s)", contract.ErrOracleParse, Snippet(raw.Text))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return nil, rep, fmt.Errorf("%w: %v (payload snippet: %s)", contract.ErrOracleContent, err, Snippet(obj))
	}

	want := make(map[int64]contract.FrameKey, b.Entries.Len())
	b.Entries.Range(func(k contract.FrameKey, _ contract.FrameText) bool {
		if sec, err := k.Seconds(); err == nil {
			want[sec] = k
		}
		return true
	})

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	out := contract.NewFrameMapping()
	for _, name := range names {
		var s string
		if err := json.Unmarshal(fields[name], &s); err != nil {
			return nil, rep, fmt.Errorf("%w: key %q is not a string (payload snippet: %s)", contract.ErrOracleContent, name, Snippet(string(fields[name])))
		}
		sec, err := contract.FrameKey(name).Seconds()
		key, requested := want[sec]
		if err != nil || !requested {
			rep.Extra = append(rep.Extra, name)
			continue
		}
		if d.normalize {
			s = norm.NFC.String(s)
		}
		if _, seen := out.Get(key); seen {
			return nil, rep, fmt.Errorf("%w: key %q returned twice", contract.ErrOracleContent, string(key))
		}
		_ = out.Set(key, contract.FrameText(s))
	}
	b.Entries.Range(func(k contract.FrameKey, _ contract.FrameText) bool {
		if _, ok := out.Get(k); !ok {
			rep.Missing = append(rep.Missing, k)
		}
		return true
	})
	return out, rep, nil
}

// Extract 返回回复中第一个括号平衡的 {...} 片段。
// 扫描感知字符串与转义，字符串内的花括号不计入深度。
// 若存在 ```json 代码块，优先在代码块内查找。
func Extract(text string) (string, bool) {
	if body, ok := fencedBody(text); ok {
		if obj, ok := firstObject(body); ok {
			return obj, true
		}
	}
	return firstObject(text)
}

func firstObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end, ok := matchBrace(s, start); ok {
			return s[start : end+1], true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace 返回与 s[start] 处 '{' 配对的 '}' 下标。
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// fencedBody 提取第一个 ``` 代码块内容（可带 json 语言标注）。
func fencedBody(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	body := s[open+3:]
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = body[4:]
	}
	end := strings.Index(body, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}

// Snippet 将载荷压缩为单行短摘要，用于错误信息与日志。
func Snippet(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "<empty>"
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	const limit = 160
	runes := []rune(clean)
	if len(runes) > limit {
		clean = string(runes[:limit]) + "..."
	}
	return clean
}
