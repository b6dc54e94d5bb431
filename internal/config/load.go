package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"ocrsrt/pkg/contract"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "OCRSRT_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 批大小 90–120、逐秒采样、Gemini 为默认 provider（凭据取自 GOOGLE_API_KEY）。
func Defaults() Config {
	return Config{
		UnitMS:               1000,
		MinBatch:             90,
		MaxBatch:             120,
		Concurrency:          1,
		MaxRetries:           2,
		OracleTimeoutSeconds: 90,
		BackoffMS:            500,
		Cache:                Cache{Path: filepath.Join(".ocrsrt", "cache.db")},
		Logging:              Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Batcher:       "breakpoint",
			Writer:        "fs",
			PromptBuilder: "correct",
			Decoder:       "jsonobject",
			Assembler:     "srt",
		},
		LLM: "gemini",
		Provider: map[string]Provider{
			"gemini": {Client: "gemini", Options: json.RawMessage(`{"api_key_env":"GOOGLE_API_KEY"}`)},
			"mock":   {Client: "mock"},
		},
	}
}

// Load 按扩展名选择解析器：.json 走 LoadJSON，其余按 TOML。
func Load(path string) (Config, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(path, nil)
	}
	return LoadTOML(path, nil)
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 未出现的 max_retries 保持 -1（未设置），结果应经 Merge 叠加到 Defaults 上使用。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return cfg, nil
}

// LoadTOML 解析 TOML 配置。
// 先解为通用树，再以严格 JSON 解码落到 Config，使 options 子树保持原样 JSON 传给工厂。
func LoadTOML(path string, raw []byte) (Config, error) {
	data := raw
	if len(data) == 0 {
		if path == "" {
			return Config{}, errors.New("no config source provided")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		data = b
	}
	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		var de *toml.DecodeError
		if errors.As(err, &de) {
			row, col := de.Position()
			return Config{}, fmt.Errorf("%w: toml %d:%d: %v", contract.ErrConfig, row, col, err)
		}
		return Config{}, fmt.Errorf("%w: toml: %v", contract.ErrConfig, err)
	}
	js, err := json.Marshal(tree)
	if err != nil {
		return Config{}, fmt.Errorf("%w: toml: %v", contract.ErrConfig, err)
	}
	return LoadJSON("", js)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	// 顶层
	if over.Lower != "" {
		out.Lower = over.Lower
	}
	if over.Upper != "" {
		out.Upper = over.Upper
	}
	if over.Output != "" {
		out.Output = over.Output
	}
	if over.UnitMS != 0 {
		out.UnitMS = over.UnitMS
	}
	if over.MinBatch != 0 {
		out.MinBatch = over.MinBatch
	}
	if over.MaxBatch != 0 {
		out.MaxBatch = over.MaxBatch
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.StreamsParallel {
		out.StreamsParallel = true
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	// 特殊：MaxRetries 的 0 具有语义（禁用重试），需要显式可覆盖。
	// 约定：当 over.MaxRetries >= 0 时认为“存在”，否则（例如 -1）视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.OracleTimeoutSeconds != 0 {
		out.OracleTimeoutSeconds = over.OracleTimeoutSeconds
	}
	if over.BackoffMS != 0 {
		out.BackoffMS = over.BackoffMS
	}
	if over.Intermediates != nil {
		v := *over.Intermediates
		out.Intermediates = &v
	}
	if over.Cache.Enabled {
		out.Cache.Enabled = true
	}
	if strings.TrimSpace(over.Cache.Path) != "" {
		out.Cache.Path = strings.TrimSpace(over.Cache.Path)
	}
	// Logging（仅 level）
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}

	// 组件名（空不覆盖）
	if over.Components.Reader != "" {
		out.Components.Reader = over.Components.Reader
	}
	if over.Components.Batcher != "" {
		out.Components.Batcher = over.Components.Batcher
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Decoder != "" {
		out.Components.Decoder = over.Components.Decoder
	}
	if over.Components.Assembler != "" {
		out.Components.Assembler = over.Components.Assembler
	}

	// Provider：按字段覆盖（非零值生效）；复制 map 避免改写 base
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			cur := prov[k]
			if v.Client != "" {
				cur.Client = v.Client
			}
			if len(v.Options) > 0 {
				cur.Options = cloneRaw(v.Options)
			}
			if v.Limits.RPM != 0 {
				cur.Limits.RPM = v.Limits.RPM
			}
			if v.Limits.TPM != 0 {
				cur.Limits.TPM = v.Limits.TPM
			}
			if v.Limits.MaxTokensPerReq != 0 {
				cur.Limits.MaxTokensPerReq = v.Limits.MaxTokensPerReq
			}
			prov[k] = cur
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	if len(over.Options.Reader) > 0 {
		out.Options.Reader = cloneRaw(over.Options.Reader)
	}
	if len(over.Options.Batcher) > 0 {
		out.Options.Batcher = cloneRaw(over.Options.Batcher)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Decoder) > 0 {
		out.Options.Decoder = cloneRaw(over.Options.Decoder)
	}
	if len(over.Options.Assembler) > 0 {
		out.Options.Assembler = cloneRaw(over.Options.Assembler)
	}

	// LLM 名称
	if strings.TrimSpace(over.LLM) != "" {
		out.LLM = strings.TrimSpace(over.LLM)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 OCRSRT_；无法解析的值忽略。
// 支持：LOWER, UPPER, OUTPUT, UNIT_MS, MIN_BATCH, MAX_BATCH, CONCURRENCY, STREAMS_PARALLEL,
// MAX_TOKENS, MAX_RETRIES, ORACLE_TIMEOUT_SECONDS, LOG_LEVEL, LLM, CACHE_ENABLED, CACHE_PATH, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// 默认：-1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
	// provider 聚合
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk := strings.TrimPrefix(kv[:eq], EnvPrefix)
		val := kv[eq+1:]
		setInt := func(dst *int) {
			if v, err := atoi(val); err == nil {
				*dst = v
			}
		}
		switch nk {
		case "LOWER":
			over.Lower = strings.TrimSpace(val)
		case "UPPER":
			over.Upper = strings.TrimSpace(val)
		case "OUTPUT":
			over.Output = strings.TrimSpace(val)
		case "UNIT_MS":
			setInt(&over.UnitMS)
		case "MIN_BATCH":
			setInt(&over.MinBatch)
		case "MAX_BATCH":
			setInt(&over.MaxBatch)
		case "CONCURRENCY":
			setInt(&over.Concurrency)
		case "MAX_TOKENS":
			setInt(&over.MaxTokens)
		case "MAX_RETRIES":
			setInt(&over.MaxRetries)
		case "ORACLE_TIMEOUT_SECONDS":
			setInt(&over.OracleTimeoutSeconds)
		case "STREAMS_PARALLEL":
			if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				over.StreamsParallel = b
			}
		case "CACHE_ENABLED":
			if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				over.Cache.Enabled = b
			}
		case "CACHE_PATH":
			over.Cache.Path = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "COMPONENTS_READER":
			over.Components.Reader = strings.TrimSpace(val)
		case "COMPONENTS_BATCHER":
			over.Components.Batcher = strings.TrimSpace(val)
		case "COMPONENTS_WRITER":
			over.Components.Writer = strings.TrimSpace(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_DECODER":
			over.Components.Decoder = strings.TrimSpace(val)
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = strings.TrimSpace(val)
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv := strings.TrimSpace(val); tv != "" {
					p.Client = tv
					changed = true
				}
			case "LIMITS_RPM":
				if v, err := atoi(val); err == nil {
					p.Limits.RPM = v
					changed = true
				}
			case "LIMITS_TPM":
				if v, err := atoi(val); err == nil {
					p.Limits.TPM = v
					changed = true
				}
			case "LIMITS_MAX_TOKENS_PER_REQ":
				if v, err := atoi(val); err == nil {
					p.Limits.MaxTokensPerReq = v
					changed = true
				}
			case "OPTIONS_JSON":
				// 原样 JSON；空值视为未设置，避免清空现有配置
				if strings.TrimSpace(val) != "" {
					if !json.Valid([]byte(val)) {
						return Config{}, fmt.Errorf("%w: %s%s is not valid json", contract.ErrConfig, EnvPrefix, nk)
					}
					p.Options = json.RawMessage(val)
					changed = true
				}
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖配置文件
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
