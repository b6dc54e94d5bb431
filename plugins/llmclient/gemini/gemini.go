package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"ocrsrt/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 90 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// 第三方兼容（最小）
	EndpointPath  string            `json:"endpoint_path"`    // 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；为 false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// JSON 输出 MIME（可选）：仅当 Prompt 携带 schema 时才会生效；为空则使用 application/json
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
	// SafetyBlockNone: 四类安全过滤均设为 BLOCK_NONE（影视对白常触发误判）。默认 true。
	SafetyBlockNone *bool    `json:"safety_block_none,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	// SendSchema: 是否随请求下发 response_schema。默认仅声明 JSON MIME；
	// 键不固定的对象 schema 并非所有模型版本都接受。
	SendSchema bool `json:"send_schema,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	// 默认把 key 放在 query（与官方 API 对齐）
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.SafetyBlockNone == nil {
		t := true
		o.SafetyBlockNone = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 90
	}
}

type Client struct {
	url      string // 完整路径（包含模型路径或占位展开）
	apiKey   string
	inQuery  bool
	extraH   map[string]string
	extraQ   map[string]string
	do       func(*http.Request) (*http.Response, error)
	respMIME string
	safety   []gmSafety
	temp     *float64
	schema   bool
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key (set %s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	c := &Client{
		url:      path,
		apiKey:   key,
		inQuery:  *opts.APIKeyInQuery,
		extraH:   opts.ExtraHeaders,
		extraQ:   opts.ExtraQuery,
		do:       hc.Do,
		respMIME: opts.ResponseMIMEType,
		temp:     opts.Temperature,
		schema:   opts.SendSchema,
	}
	if *opts.SafetyBlockNone {
		for _, cat := range harmCategories {
			c.safety = append(c.safety, gmSafety{Category: cat, Threshold: "BLOCK_NONE"})
		}
	}
	return c, nil
}

var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// 请求/响应（最小字段）。
type gmPart struct {
	Text string `json:"text"`
}
type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}
type gmGenerationConfig struct {
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
}
type gmSafety struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}
type gmReq struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []gmSafety          `json:"safetySettings,omitempty"`
}
type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// extractJSONSchemaFromPrompt: 拆出 schema 消息作为 responseSchema；内容不是合法 JSON 时视作无 schema。
func extractJSONSchemaFromPrompt(p contract.Prompt) (contract.Prompt, json.RawMessage) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p, nil
	}
	out, content := cp.SplitSchema()
	var raw json.RawMessage
	if content == "" || json.Unmarshal([]byte(content), &raw) != nil || len(raw) == 0 {
		return out, nil
	}
	return out, raw
}

// buildRequest: system 消息合并进 systemInstruction，其余按角色映射进 contents。
func (c *Client) buildRequest(p contract.Prompt, gc *gmGenerationConfig) ([]byte, error) {
	req := gmReq{GenerationConfig: gc, SafetySettings: c.safety}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Role: contract.RoleUser, Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		req.Contents = make([]gmContent, 0, len(v))
		for _, m := range v {
			if m.Is(contract.RoleSystem) {
				if req.SystemInstruction == nil {
					req.SystemInstruction = &gmContent{}
				}
				req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, gmPart{Text: m.Content})
				continue
			}
			req.Contents = append(req.Contents, gmContent{Role: normalizeGeminiRole(m.Role), Parts: []gmPart{{Text: m.Content}}})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if len(req.Contents) == 0 {
		return nil, fmt.Errorf("gemini: %w: prompt has no user content", contract.ErrInvalidInput)
	}
	return json.Marshal(&req)
}

// normalizeGeminiRole 将通用 Chat 角色映射为 Gemini 支持的集合：user|model。
func normalizeGeminiRole(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "model", "assistant":
		return "model"
	default:
		return "user"
	}
}

func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	// 仅当 Prompt 携带 schema 时开启 JSON 模式
	pp, schema := extractJSONSchemaFromPrompt(p)
	var genCfg *gmGenerationConfig
	if len(schema) > 0 || c.temp != nil {
		genCfg = &gmGenerationConfig{Temperature: c.temp}
		if len(schema) > 0 {
			genCfg.ResponseMIMEType = c.respMIME
			if genCfg.ResponseMIMEType == "" {
				genCfg.ResponseMIMEType = "application/json"
			}
			if c.schema {
				genCfg.ResponseSchema = schema
			}
		}
	}

	body, err := c.buildRequest(pp, genCfg)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.Raw{}, err
		}
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return contract.Raw{}, ctx.Err()
			}
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.Raw{}, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return contract.Raw{}, fmt.Errorf("gemini upstream %d: %w", resp.StatusCode, contract.ErrInvalidInput)
	}
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if gr.PromptFeedback.BlockReason != "" {
		return contract.Raw{}, fmt.Errorf("gemini blocked: %s: %w", gr.PromptFeedback.BlockReason, contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: no candidates: %w", contract.ErrResponseInvalid)
	}
	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: empty candidate (finish=%s): %w", gr.Candidates[0].FinishReason, contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: sb.String()}, nil
}
