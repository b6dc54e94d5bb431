package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ocrsrt/pkg/contract"
)

// TestOpenSingleFile 读取单文件
func TestOpenSingleFile(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "lower.json")
	if err := os.WriteFile(fp, []byte(`{"0":"A\n"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	r := New(nil)
	id, rc, err := r.Open(context.Background(), fp)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != `{"0":"A\n"}` {
		t.Fatalf("content=%q", b)
	}
	if id != contract.NormalizeFileID(fp) {
		t.Fatalf("file id mismatch %s", id)
	}
}

// TestOpenStdin "-" 读取注入的 STDIN
func TestOpenStdin(t *testing.T) {
	r := New(&Options{BufSize: 16})
	r.stdin = strings.NewReader(`{"1":"\n"}`)
	id, m, err := contract.ReadMapping(context.Background(), r, "-")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if id != "stdin" || m.Len() != 1 || !m.TextAt(0).IsEmptyMarker() {
		t.Fatalf("id=%s keys=%v", id, m.Keys())
	}
}

// TestOpenInvalid 空路径/目录/不存在
func TestOpenInvalid(t *testing.T) {
	r := New(nil)
	if _, _, err := r.Open(context.Background(), ""); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("empty: %v", err)
	}
	if _, _, err := r.Open(context.Background(), t.TempDir()); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("dir: %v", err)
	}
	if _, _, err := r.Open(context.Background(), filepath.Join(t.TempDir(), "nope.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing: %v", err)
	}
}

// TestOpenCanceled 上下文已取消
func TestOpenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := New(nil).Open(ctx, "-"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

// TestReadMappingInvalidJSON 解码失败带上 FileID
func TestReadMappingInvalidJSON(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(fp, []byte(`{"a":"x"}`), 0o644)
	_, _, err := contract.ReadMapping(context.Background(), New(nil), fp)
	if !errors.Is(err, contract.ErrInvalidInput) || !strings.Contains(err.Error(), "bad.json") {
		t.Fatalf("err=%v", err)
	}
}
