package correct

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ocrsrt/pkg/contract"
)

func batch(t *testing.T) contract.Batch {
	t.Helper()
	m, err := contract.MappingOf(map[string]string{"0010": "Attack.o.\n", "0011": "Attackooo\n", "0012": "\n"})
	if err != nil {
		t.Fatal(err)
	}
	return contract.Batch{Stream: contract.StreamLower, Entries: m}
}

// TestBuildDefault 测试默认模板构造
func TestBuildDefault(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, err := b.Build(context.Background(), batch(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cp, ok := p.(contract.ChatPrompt)
	if !ok || len(cp) != 3 {
		t.Fatalf("unexpected prompt %#v", p)
	}
	if !strings.Contains(cp[0].Content, `become "\n"`) {
		t.Fatalf("empty marker not rendered: %s", cp[0].Content)
	}
	user := cp[1].Content
	obj := user[:strings.Index(user, "}")+1]
	var got map[string]string
	if err := json.Unmarshal([]byte(obj), &got); err != nil || len(got) != 3 || got["0011"] != "Attackooo\n" {
		t.Fatalf("batch json invalid: %v %v", err, got)
	}
	if !strings.Contains(user, "keys: 3 (0010..0012)") {
		t.Fatalf("key summary missing: %s", user)
	}
	if cp[2].Role != "json_schema" {
		t.Fatalf("schema role=%s", cp[2].Role)
	}
}

func TestBuildEmptyBatch(t *testing.T) {
	b, _ := New(nil)
	if _, err := b.Build(context.Background(), contract.Batch{}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("err=%v", err)
	}
}

// TestBuildWithIgnore 测试水印列表追加
func TestBuildWithIgnore(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ignore.txt")
	if err := os.WriteFile(p, []byte("\n@Studio Production Committee\n  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := New(&Options{IgnorePath: p})
	if err != nil {
		t.Fatal(err)
	}
	pr, _ := b.Build(context.Background(), batch(t))
	sys := pr.(contract.ChatPrompt)[0].Content
	if !strings.Contains(sys, "<ignore>\n@Studio Production Committee\n</ignore>") {
		t.Fatalf("ignore block missing: %s", sys)
	}
}

func TestInlineTemplate(t *testing.T) {
	b, err := New(&Options{InlineSystemTemplate: "fix it; empty is {{.EmptyMarker}}"})
	if err != nil {
		t.Fatal(err)
	}
	pr, _ := b.Build(context.Background(), batch(t))
	if got := pr.(contract.ChatPrompt)[0].Content; got != `fix it; empty is "\n"` {
		t.Fatalf("sys=%q", got)
	}
	if _, err := New(&Options{InlineSystemTemplate: "{{.Broken"}); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("parse err=%v", err)
	}
	if _, err := New(&Options{SystemTemplatePath: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("missing template should fail")
	}
}

// TestEstimateOverhead 测试开销估算
func TestEstimateOverhead(t *testing.T) {
	b, _ := New(&Options{InlineIgnore: "a"})
	if b.EstimateOverheadTokens(func(s string) int { return len(s) }) == 0 {
		t.Fatalf("expect positive estimate")
	}
	if b.EstimateOverheadTokens(nil) != 0 {
		t.Fatalf("nil estimator")
	}
}
