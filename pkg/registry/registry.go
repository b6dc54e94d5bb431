package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"ocrsrt/pkg/contract"
	asrt "ocrsrt/plugins/assembler/srt"
	bpt "ocrsrt/plugins/batcher/breakpoint"
	djo "ocrsrt/plugins/decoder/jsonobject"
	flaky "ocrsrt/plugins/llmclient/flaky"
	gmi "ocrsrt/plugins/llmclient/gemini"
	mock "ocrsrt/plugins/llmclient/mock"
	oai "ocrsrt/plugins/llmclient/openai"
	pcor "ocrsrt/plugins/prompt/correct"
	rfs "ocrsrt/plugins/reader/filesystem"
	wfs "ocrsrt/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
// 解码失败统一包装为 ErrConfig。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return nil
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewBatcher 工厂签名：接收原样 JSON Options。
type NewBatcher func(raw json.RawMessage) (contract.Batcher, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	// breakpoint: 在空帧处断批，min_size/max_size 约束
	"breakpoint": func(raw json.RawMessage) (contract.Batcher, error) {
		var opts bpt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return bpt.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// correct: OCR 校正指令 + 批内映射 JSON（Chat）
	"correct": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pcor.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pcor.New(&opts)
	},
}

// LLMClient 工厂注册表。客户端自行解析选项（含凭据）。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// jsonobject: 自由文本中提取首个括号平衡的 JSON 对象
	"jsonobject": func(raw json.RawMessage) (contract.Decoder, error) {
		var opts djo.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return djo.New(raw)
	},
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// srt: 序号 + 时间轴 + 正文 + 空行
	"srt": func(raw json.RawMessage) (contract.Assembler, error) {
		var opts asrt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return asrt.New(raw)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换 + 咨询锁可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
