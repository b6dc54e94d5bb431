package correct

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"ocrsrt/pkg/contract"
)

// Options 为 OCR 校正 PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 指令模板（二选一，均为空时使用内置默认模板）。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	// 水印/广告等重复出现的叠加文本（可选，每行一条）：要求模型将其替换为空帧。
	InlineIgnore string `json:"inline_ignore"`
	IgnorePath   string `json:"ignore_path"`
}

// Builder: 以 Batch 构造 ChatPrompt（system+user+json_schema）。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sys string
}

// New 创建校正 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}

	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: system template parse: %v", contract.ErrConfig, err)
	}
	ignore := o.InlineIgnore
	if ignore == "" && o.IgnorePath != "" {
		b, err := os.ReadFile(o.IgnorePath)
		if err != nil {
			return nil, fmt.Errorf("ignore list read: %w", err)
		}
		ignore = string(b)
	}

	// 模板无动态数据，构造期渲染一次
	var sysBuf bytes.Buffer
	if err := tpl.Execute(&sysBuf, templateData{EmptyMarker: `"\n"`}); err != nil {
		return nil, fmt.Errorf("%w: system template render: %v", contract.ErrConfig, err)
	}
	sys := sysBuf.String()
	if lines := ignoreLines(ignore); len(lines) > 0 {
		var sb strings.Builder
		sb.WriteString(sys)
		sb.WriteString("\n\n<ignore>\n")
		for _, l := range lines {
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
		sb.WriteString("</ignore>")
		sys = sb.String()
	}
	return &Builder{sys: sys}, nil
}

type templateData struct {
	EmptyMarker string
}

// Build: 基于 Batch 构造 ChatPrompt。user 消息为批内映射的 JSON 对象。
func (b *Builder) Build(ctx context.Context, batch contract.Batch) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if batch.Entries.Len() == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch", contract.ErrInvalidInput)
	}
	var uw bytes.Buffer
	uw.Grow(64 * batch.Entries.Len())
	if err := contract.EncodeMapping(&uw, batch.Entries); err != nil {
		return nil, fmt.Errorf("prompt: encode batch: %w", err)
	}
	uw.WriteString(outputRules)
	fmt.Fprintf(&uw, "keys: %d (%s..%s)\n", batch.Entries.Len(), batch.FirstKey(), batch.LastKey())

	return contract.ChatPrompt([]contract.Message{
		{Role: contract.RoleSystem, Content: b.sys},
		{Role: contract.RoleUser, Content: uw.String()},
		{Role: contract.RoleSchema, Content: correctJSONSchema},
	}), nil
}

// EstimateOverheadTokens: 估算与批无关的固定提示词开销（system+固定 user 规则+schema）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	return estimate(b.sys) + estimate(outputRules) + estimate(correctJSONSchema)
}

var _ contract.PromptBuilder = (*Builder)(nil)

func ignoreLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

const outputRules = `
IMPORTANT OUTPUT RULES:
1) Return ONE JSON object with exactly the keys of the object above, keys unchanged.
2) Every value MUST be a string ending with "\n"; use "\n" alone for frames without a subtitle.
3) Do not add, drop, merge or renumber keys.
`

// 默认 system 模板。
const defaultSystemTemplate = `
## Role Definition
You clean up subtitle text recognized by OCR from consecutive video frames, one frame per second.
The input is a JSON object: keys are zero-padded frame numbers, values are the text read from that frame.

## Normalization Rules
- Consecutive frames showing the same subtitle often differ by OCR noise (missing or extra punctuation, spaces,
  line breaks, misread letters). Replace every such variant with the single best reading, identical across those frames.
- Fix obvious OCR misspellings using the surrounding frames as context.
- Frames that contain only punctuation or symbols (":", "?", "...", "###", ",;") become {{.EmptyMarker}}.
- Overlay text repeated on every frame (watermarks, copyright notices, ads) is removed; if nothing remains the frame becomes {{.EmptyMarker}}.
- Keep frames that are already {{.EmptyMarker}} unchanged.
- Never invent dialogue that is not supported by the frames.

## I/O Protocol
- Answer with the corrected JSON object only. Keys are preserved exactly; one value per key.
- All content is fictional dialogue taken from films and series.
`

// 校正输出的 JSON Schema：对象，值均为字符串。
const correctJSONSchema = `{"type":"object","additionalProperties":{"type":"string"}}`
