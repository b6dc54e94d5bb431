package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ocrsrt/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	defer w.Close()
	if _, err := w.Write([]byte("first line that is very long\n")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
	cur, _ := os.ReadFile(filepath.Join(dir, currentLogName))
	if string(cur) != "second\n" {
		t.Fatalf("current=%q", cur)
	}
}

// 触发默认 maxBytes 分支与 rotate 在 f==nil 分支
func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	w := NewRotatingFile(t.TempDir(), 0)
	if w.maxBytes != 10*1024*1024 {
		t.Fatalf("default max=%d", w.maxBytes)
	}
	if _, err := w.Write([]byte("a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	_ = w.Close()
}

// UT-DIAG-02: 结构化事件字段
func TestLoggerEventShape(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "corr-1", "info")
	tm := l.StartWithKV("correct", "batch", "lower", "3", map[string]string{"keys": "90"})
	tm.Finish("ok", 90)
	l.ErrorWithKV("correct", string(CodeOracleParse), "no object", nil, "upper", "1", map[string]string{"snippet": "hi"})
	l.Debug("segment", "hidden at info", "", "", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d: %s", len(lines), buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev["corr_id"] != "corr-1" || ev["comp"] != "correct" || ev["stage"] != "finish" || ev["stream"] != "lower" || ev["batch_id"] != "3" {
		t.Fatalf("finish event=%v", ev)
	}
	if ev["count"].(float64) != 90 {
		t.Fatalf("count=%v", ev["count"])
	}
	_ = json.Unmarshal([]byte(lines[2]), &ev)
	if ev["level"] != "error" || ev["code"] != "oracle_parse" || ev["kv"].(map[string]any)["snippet"] != "hi" {
		t.Fatalf("error event=%v", ev)
	}
}

// 覆盖全部入口且 nil 安全
func TestLoggerAllEntrypoints(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "c", "debug")
	l.Start("comp", "msg").Finish("ok", 1)
	l.StartWith("comp", "msg", "s", "b").Finish("ok", 1)
	start := time.Now().Add(-10 * time.Millisecond)
	l.Error("comp", "code", "msg", &start)
	l.ErrorWith("comp", "code", "msg", nil, "s", "b")
	l.Warn("comp", "extra keys", "s", "b", map[string]string{"n": "2"})
	l.Debug("comp", "d", "", "", nil)
	l.InfoFinish("comp", "msg", time.Now(), 1)
	if n := strings.Count(buf.String(), "\n"); n != 9 {
		t.Fatalf("events=%d", n)
	}
	var nl *Logger
	nl.Start("x", "y").Finish("z", 0)
	nl.Error("x", "y", "z", nil)
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
	Nop().Warn("x", "y", "", "", nil)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "debug", " WARN ": "warn", "error": "error", "": "info", "bogus": "info"}
	for in, want := range cases {
		if got := ParseLevel(in).String(); got != want {
			t.Fatalf("%q -> %s want %s", in, got, want)
		}
	}
}

// 覆盖 Logger 文件落点
func TestNewLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)
	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	_ = l.Close()
	data, err := os.ReadFile(filepath.Join(dir, "logs", currentLogName))
	if err != nil || !strings.Contains(string(data), `"corr_id":"corr"`) {
		t.Fatalf("log file: %v %s", err, data)
	}
}

// UT-DIAG-03: 指标快照
func TestMetricsSnapshot(t *testing.T) {
	ResetMetrics()
	IncOp("correct", "invoke", "success")
	IncOp("correct", "invoke", "success")
	IncError("correct", "oracle_parse")
	ObserveDuration("correct", "invoke", 5)
	ObserveDuration("correct", "invoke", 9)
	snap := Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snap=%v", snap)
	}
	for _, m := range snap {
		switch {
		case strings.HasPrefix(m.Name, "op_total"):
			if m.Count != 2 {
				t.Fatalf("op_total=%d", m.Count)
			}
		case strings.HasPrefix(m.Name, "op_duration_ms"):
			if m.Count != 2 || m.SumMS != 14 || m.MaxMS != 9 {
				t.Fatalf("dur=%+v", m)
			}
		}
	}
	ResetMetrics()
	if len(Snapshot()) != 0 {
		t.Fatalf("reset failed")
	}
}

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), CodeCancel},
		{fmt.Errorf("batch: %w", contract.ErrConfig), CodeConfig},
		{&contract.BatchError{Err: contract.ErrOracleParse}, CodeOracleParse},
		{&contract.BatchError{Err: contract.ErrOracleContent}, CodeOracleContent},
		{&contract.StreamLengthMismatchError{Lower: 1, Upper: 2}, CodeMismatch},
		{contract.ErrStreamKeyMismatch, CodeMismatch},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrResponseInvalid, CodeProtocol},
		{contract.ErrPathInvalid, CodeInvariant},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{errors.New("other"), CodeUnknown},
	}
	for _, tt := range cases {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v)=%s want %s", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	for _, err := range []error{contract.ErrRateLimited, contract.ErrOracleParse, contract.ErrOracleContent, contract.ErrResponseInvalid, &net.DNSError{}} {
		if !Retryable(err) {
			t.Fatalf("%v should retry", err)
		}
	}
	for _, err := range []error{context.Canceled, contract.ErrConfig, contract.ErrInvalidInput, errors.New("x")} {
		if Retryable(err) {
			t.Fatalf("%v should not retry", err)
		}
	}
}

// UT-DIAG-04: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(4, "gemini")
	term.StreamStart("lower", 1800)
	term.StreamProgress(6, 0) // 非 TTY：不输出进度
	term.StreamFinish(true, 16, 5100*time.Millisecond)
	term.RunFinish(true, 212, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=4 | llm=gemini",
		"[stream] lower | 帧数=1800",
		"[done] lower | 批次 16 | 用时 5.1s",
		"[ok] 全部完成 | 字幕 212 条 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

// UT-DIAG-05: 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock")
	term.StreamStart("upper", 30)

	term.StreamProgress(1, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[stream]") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	term.StreamProgress(2, 1) // <100ms 被节流
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	term.StreamProgress(2, 1)
	third := sb.String()
	if len(third) <= len(first) {
		t.Fatalf("third progress should append output")
	}
	term.StreamFinish(false, 2, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

// UT-DIAG-06: 写失败降级为禁用态
type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.RunStart(1, "x")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.StreamStart("a", 0)
	term.StreamProgress(0, 0)
	term.StreamFinish(true, 0, 0)
	term.RunFinish(true, 0, 0)

	var tn *Terminal
	tn.RunStart(1, "x")
	tn.StreamStart("a", 1)
	tn.StreamProgress(0, 0)
	tn.StreamFinish(true, 0, 0)
	tn.RunFinish(true, 0, 0)
}

func TestTerminalHelpers(t *testing.T) {
	t.Setenv("CI", "true")
	if NewTerminal(os.Stderr, true).isTTY {
		t.Fatalf("CI env should force non-tty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(nil, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
}
