package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"ocrsrt/pkg/contract"
)

// Options: 最小必需配置（OpenAI 及兼容服务）。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter 等）
	// JSONMode: 请求 response_format=json_object。默认 true；部分兼容服务不支持时可关闭。
	JSONMode *bool `json:"json_mode,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 90
	}
	if o.JSONMode == nil {
		t := true
		o.JSONMode = &t
	}
}

type Client struct {
	url         string
	apiKey      string
	temp        *float64
	model       string
	extraH      map[string]string
	disableAuth bool
	jsonMode    bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key (set %s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		fullURL = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/")
	}
	return &Client{
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		jsonMode:    *opts.JSONMode,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}
type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// 键不固定的对象无法满足 strict json_schema，这里只使用 json_object 模式。
type oaResponseFormat struct {
	Type string `json:"type"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (c *Client) encodePrompt(p contract.Prompt) ([]byte, error) {
	req := oaReq{Model: c.model, Temperature: c.temp}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: contract.RoleUser, Content: string(v)}}
	case contract.ChatPrompt:
		// schema 由 json_mode 约束，不随对话发送
		msgs, _ := v.SplitSchema()
		req.Messages = make([]oaMessage, 0, len(msgs))
		for _, m := range msgs {
			req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if c.jsonMode {
		req.ResponseFormat = &oaResponseFormat{Type: "json_object"}
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encodePrompt(p)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.Raw{}, err
		}
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.Raw{}, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		// 读取少量响应体辅助定位
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		// 4xx 视为输入/配置无效；5xx 与 408 视为网络/上游问题
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return contract.Raw{}, fmt.Errorf("openai upstream %d: %w", resp.StatusCode, contract.ErrInvalidInput)
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}
