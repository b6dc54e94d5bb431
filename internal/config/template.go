package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// 模板文件名。
const (
	TemplateFile = "ocrsrt.toml"
	DotEnvFile   = ".env"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 默认 provider 为 gemini（凭据取自 GOOGLE_API_KEY），同时给出 openai 与 mock 定义；
// - 输入为工作目录下 lower.json/upper.json，输出到 out/subs.srt；
// - 选项给出安全中性默认值，确保键存在。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.Lower = "lower.json"
	cfg.Upper = "upper.json"
	cfg.Output = filepath.Join("out", "subs.srt")
	cfg.Provider = map[string]Provider{
		"gemini": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "model": "gemini-2.5-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "timeout_seconds": 90,
  "safety_block_none": true,
  "send_schema": false
}`),
			Limits: Limits{RPM: 10, TPM: 250000},
		},
		"openai": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "https://api.openai.com/v1",
  "model": "gpt-4.1-mini",
  "api_key_env": "OPENAI_API_KEY",
  "timeout_seconds": 90,
  "json_mode": true
}`),
		},
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"response_mode": "clean"}`),
			Limits:  Limits{RPM: 600, TPM: 1000000},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{"buf_size": 65536}`)
	cfg.Options.Writer = json.RawMessage(`{
  "atomic": true,
  "flat": true,
  "lock": true,
  "lock_timeout_ms": 5000
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_ignore": "",
  "ignore_path": ""
}`)
	cfg.Options.Decoder = json.RawMessage(`{"normalize": true}`)
	cfg.Options.Assembler = json.RawMessage(`{"crlf": false}`)
	return cfg
}

// RenderTOML 将 Config 渲染为 TOML。
// 经 JSON 树中转，使 options 子树以表的形式展开；null 值省略。
func RenderTOML(cfg Config) ([]byte, error) {
	js, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	clean, _ := normalizeTree(tree).(map[string]any)
	var buf bytes.Buffer
	buf.WriteString("# ocrsrt 配置（由 init-config 生成）\n")
	buf.WriteString("# 优先级：CLI > ENV(" + EnvPrefix + "*) > 本文件 > 内置默认\n\n")
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(clean); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalizeTree: json.Number → int64/float64，去除 null。
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			if x == nil {
				continue
			}
			out[k] = normalizeTree(x)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, x := range t {
			if x != nil {
				out = append(out, normalizeTree(x))
			}
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

// DotEnvTemplate 返回 .env 模板：列出支持的覆盖项（均注释）与供应商密钥。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# ocrsrt .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > " + TemplateFile + "\n")
	b.WriteString("# 取消注释并填写后生效；已存在的进程环境变量不会被覆盖。\n\n")

	b.WriteString("# 配置来源\n")
	b.WriteString("# " + EnvPrefix + "CONFIG_FILE=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"LOWER", "UPPER", "OUTPUT", "UNIT_MS", "MIN_BATCH", "MAX_BATCH", "CONCURRENCY",
		"STREAMS_PARALLEL", "MAX_TOKENS", "MAX_RETRIES", "ORACLE_TIMEOUT_SECONDS", "LOG_LEVEL", "LLM",
		"CACHE_ENABLED", "CACHE_PATH"} {
		b.WriteString("# " + EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "BATCHER", "WRITER", "PROMPT_BUILDER", "DECODER", "ASSEMBLER"} {
		b.WriteString("# " + EnvPrefix + "COMPONENTS_" + k + "=\n")
	}
	for _, p := range []string{"gemini", "openai"} {
		b.WriteString("\n# Provider 覆盖（" + p + "）\n")
		for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString("# " + EnvPrefix + "PROVIDER__" + p + "__" + f + "=\n")
		}
	}
	b.WriteString("\n# 供应商 API Key（由客户端按 api_key_env 读取）\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	b.WriteString("OPENAI_API_KEY=\n")
	return b.String()
}

// WriteTemplates 在 dir 下生成 ocrsrt.toml 与 .env；已存在的文件跳过，不覆盖。
// 返回实际写出的文件路径。
func WriteTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	body, err := RenderTOML(DefaultTemplateConfig())
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	var written []string
	for _, f := range []struct {
		name string
		data []byte
	}{
		{TemplateFile, body},
		{DotEnvFile, []byte(DotEnvTemplate())},
	} {
		p := filepath.Join(dir, f.name)
		ok, err := writeIfAbsent(p, f.data)
		if err != nil {
			return written, err
		}
		if ok {
			written = append(written, p)
		}
	}
	return written, nil
}

func writeIfAbsent(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
