package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；TOML 与 JSON 共用同一组键，未知字段在解析期失败。
type Config struct {
	// 两路输入（lower/upper 裁剪区域的逐帧 OCR 映射）；"-" 表示 STDIN。
	Lower string `json:"lower"`
	Upper string `json:"upper"`
	// Output: SRT 目标路径；所在目录同时是中间产物目录。
	Output string `json:"output"`

	// UnitMS: 一帧对应的毫秒数。
	UnitMS int `json:"unit_ms"`
	// 批大小：在空帧处断批的下限与硬上限。
	MinBatch int `json:"min_batch"`
	MaxBatch int `json:"max_batch"`

	Concurrency     int  `json:"concurrency"`
	StreamsParallel bool `json:"streams_parallel"`
	MaxTokens       int  `json:"max_tokens"`
	// MaxRetries: 单批最大重试次数（>=0）。0 表示不重试。
	MaxRetries int `json:"max_retries"`
	// 单次神谕调用超时（秒）与首次退避（毫秒）。
	OracleTimeoutSeconds int `json:"oracle_timeout_seconds"`
	BackoffMS            int `json:"backoff_ms"`
	// Intermediates: 是否写出校正后/合并后的映射；nil 视为 true。
	Intermediates *bool `json:"intermediates,omitempty"`

	Cache   Cache   `json:"cache"`
	Logging Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Cache: 神谕回复缓存（SQLite）。
type Cache struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Batcher       string `json:"batcher"`
	Writer        string `json:"writer"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Assembler     string `json:"assembler"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	Batcher       json.RawMessage `json:"batcher,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Decoder       json.RawMessage `json:"decoder,omitempty"`
	Assembler     json.RawMessage `json:"assembler,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
// 凭据只出现在 options（api_key / api_key_env）中，由客户端构造时读取。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// IntermediatesOn 返回是否写出中间产物。
func (c Config) IntermediatesOn() bool { return c.Intermediates == nil || *c.Intermediates }
