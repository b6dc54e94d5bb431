package flaky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"ocrsrt/pkg/contract"
	"ocrsrt/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的实现，用于验证重试路径：
// 第一次 Invoke 返回 ErrRateLimited；
// 第二次返回不含 JSON 对象的文本；
// 第三次返回括号平衡但非法的对象；
// 之后返回与 mock 默认模式相同的校正结果。
type Client struct {
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	return &Client{logPath: o.LogPath}, nil
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.Raw{}, contract.ErrRateLimited
	case 2:
		c.log("no_json")
		return contract.Raw{Text: "working on it"}, nil
	case 3:
		c.log("bad_json")
		return contract.Raw{Text: "{oops}"}, nil
	default:
		c.log("ok")
		out := contract.NewFrameMapping()
		b.Entries.Range(func(k contract.FrameKey, v contract.FrameText) bool {
			_ = out.Set(k, mock.Clean(v))
			return true
		})
		var buf bytes.Buffer
		if err := contract.EncodeMapping(&buf, out); err != nil {
			return contract.Raw{}, err
		}
		return contract.Raw{Text: buf.String()}, nil
	}
}

var _ contract.LLMClient = (*Client)(nil)
