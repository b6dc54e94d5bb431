package contract

import (
	"context"
	"strings"
)

// Prompt: 一批校正请求的载荷，由 PromptBuilder 与 LLMClient 配对解释。
type Prompt any

// 校正请求中的消息角色。RoleSchema 携带回复的 JSON Schema，不作为对话内容发送。
const (
	RoleSystem = "system"
	RoleUser   = "user"
	RoleSchema = "json_schema"
)

type Message struct {
	Role    string
	Content string
}

// Is 按忽略大小写与首尾空白比较角色。
func (m Message) Is(role string) bool {
	return strings.EqualFold(strings.TrimSpace(m.Role), role)
}

// TextPrompt: 单条 user 文本。
type TextPrompt string

// ChatPrompt: system 指令 + user 批映射 JSON，可附一条 RoleSchema 消息。
type ChatPrompt []Message

// SplitSchema 拆出 schema 消息：返回其余对话与最后一条 schema 的内容（无则为空串）。
func (cp ChatPrompt) SplitSchema() (ChatPrompt, string) {
	out := make(ChatPrompt, 0, len(cp))
	var schema string
	for _, m := range cp {
		if m.Is(RoleSchema) {
			schema = m.Content
			continue
		}
		out = append(out, m)
	}
	return out, schema
}

// PromptBuilder: 把一批帧映射构造成确定性的校正请求。
// 同一批总得到同一请求，回复缓存以此为键；构造过程不做 I/O，也不改动帧文本。
type PromptBuilder interface {
	Build(ctx context.Context, b Batch) (Prompt, error)
	// EstimateOverheadTokens 估算与批无关的固定开销（system 指令与 schema），不含帧文本。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算，典型为 ceil(utf8 字节数/BytesPerToken)。
type TokenEstimator func(s string) int
