package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"ocrsrt/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 可选的响应模式（用于集成测试与无网络联调）。
	//  - "" 或 "clean": 返回批内映射，仅由标点/符号组成的帧替换为空帧，其余去首尾空白后补 "\n"。
	//  - "echo": 原样返回批内映射。
	//  - "chatty": 与 clean 相同，但包在说明文字与 ```json 代码块中。
	//  - "drop_last": 省略批内最后一个键。
	//  - "extra_key": 额外返回一个批外的键。
	//  - "no_json": 返回不含对象的自由文本。
	//  - "bad_json": 返回括号平衡但非法的对象。
	ResponseMode string `json:"response_mode,omitempty"`
}

type Client struct {
	mode string
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "clean"
	}
	switch mode {
	case "clean", "echo", "chatty", "drop_last", "extra_key", "no_json", "bad_json":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrConfig, mode)
	}
	return &Client{mode: mode}, nil
}

var _ contract.LLMClient = (*Client)(nil)

func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	switch c.mode {
	case "no_json":
		return contract.Raw{Text: "I am unable to process these subtitles."}, nil
	case "bad_json":
		return contract.Raw{Text: `{"` + string(b.FirstKey()) + `": unquoted}`}, nil
	}

	out := contract.NewFrameMapping()
	b.Entries.Range(func(k contract.FrameKey, v contract.FrameText) bool {
		if c.mode != "echo" {
			v = Clean(v)
		}
		_ = out.Set(k, v)
		return true
	})
	switch c.mode {
	case "drop_last":
		trimmed := contract.NewFrameMapping()
		for i := 0; i < out.Len()-1; i++ {
			_ = trimmed.Set(out.KeyAt(i), out.TextAt(i))
		}
		out = trimmed
	case "extra_key":
		sec, _ := b.LastKey().Seconds()
		_ = out.Set(contract.KeyAt(sec+100000, 4), "noise\n")
	}
	var buf bytes.Buffer
	if err := contract.EncodeMapping(&buf, out); err != nil {
		return contract.Raw{}, err
	}
	if c.mode == "chatty" {
		return contract.Raw{Text: "Here are the corrected subtitles:\n```json\n" + buf.String() + "```\nLet me know if you need anything else."}, nil
	}
	return contract.Raw{Text: buf.String()}, nil
}

// Clean: 最小的确定性"校正"：纯符号帧变为空帧，其余去首尾空白并以 "\n" 结尾。
func Clean(v contract.FrameText) contract.FrameText {
	s := strings.TrimSpace(string(v))
	if s == "" || strings.IndexFunc(s, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return contract.EmptyMarker
	}
	return contract.FrameText(s + "\n")
}
