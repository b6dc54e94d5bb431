package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger 为组件级结构化日志器：JSON 行写入轮转文件（默认 logs/），
// 可选镜像一份人类可读输出到 stderr。事件形状固定为
// {level, time, corr_id, comp, stage, code, dur_ms, count, stream, batch_id, message, kv}。
type Logger struct {
	zl   zerolog.Logger
	sink *RotatingFile
}

// NewLogger 通过配置的 level 初始化，并将日志写入 logs/，10MiB 轮转。
// level=debug 时额外以 ConsoleWriter 镜像到 stderr。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	lvl := ParseLevel(level)
	var w io.Writer = sink
	if lvl == zerolog.DebugLevel {
		w = zerolog.MultiLevelWriter(sink, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	l := NewLoggerTo(w, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 写入任意 io.Writer（测试或自定义落点）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	zl := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Str("corr_id", corrID).Logger()
	return &Logger{zl: zl}
}

// Nop 返回丢弃所有事件的日志器。
func Nop() *Logger { return &Logger{zl: zerolog.Nop()} }

// ParseLevel 解析级别；未知值回落到 info。
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Close 关闭文件落点（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Event 为标准事件字段集合。
type Event struct {
	Comp   string
	Stage  string // start|finish|error|warn|debug
	Code   string
	DurMS  int64
	Count  int64
	Stream string
	Batch  string
	Msg    string
	KV     map[string]string
}

func (l *Logger) log(lv zerolog.Level, ev Event) {
	if l == nil {
		return
	}
	e := l.zl.WithLevel(lv)
	if e == nil {
		return
	}
	e = e.Str("comp", ev.Comp).Str("stage", ev.Stage)
	if ev.Code != "" {
		e = e.Str("code", ev.Code)
	}
	if ev.DurMS != 0 {
		e = e.Int64("dur_ms", ev.DurMS)
	}
	if ev.Count != 0 {
		e = e.Int64("count", ev.Count)
	}
	if ev.Stream != "" {
		e = e.Str("stream", ev.Stream)
	}
	if ev.Batch != "" {
		e = e.Str("batch_id", ev.Batch)
	}
	if len(ev.KV) > 0 {
		d := zerolog.Dict()
		for k, v := range ev.KV {
			d = d.Str(k, v)
		}
		e = e.Dict("kv", d)
	}
	e.Msg(ev.Msg)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(zerolog.InfoLevel, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 stream/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, stream, batch string) *Timer {
	l.log(zerolog.InfoLevel, Event{Comp: comp, Stage: "start", Stream: stream, Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, stream: stream, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 stream/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, stream, batch string, kv map[string]string) *Timer {
	l.log(zerolog.InfoLevel, Event{Comp: comp, Stage: "start", Stream: stream, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, stream: stream, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 stream/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, stream, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, stream, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、回复片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, stream, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(zerolog.ErrorLevel, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Stream: stream, Batch: batch, KV: kv})
}

// Warn 记录可容忍的偏差（例如模型多返回的键）。
func (l *Logger) Warn(comp, msg, stream, batch string, kv map[string]string) {
	l.log(zerolog.WarnLevel, Event{Comp: comp, Stage: "warn", Stream: stream, Batch: batch, Msg: msg, KV: kv})
}

// Debug 输出调试事件（仅在 level=debug 时生效）。
func (l *Logger) Debug(comp, msg, stream, batch string, kv map[string]string) {
	l.log(zerolog.DebugLevel, Event{Comp: comp, Stage: "debug", Stream: stream, Batch: batch, Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(zerolog.InfoLevel, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	stream string
	batch  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(zerolog.InfoLevel, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Stream: t.stream, Batch: t.batch, Msg: msg})
}

// Since 返回计时起点。
func (t *Timer) Since() time.Time {
	if t == nil {
		return time.Now()
	}
	return t.t0
}
