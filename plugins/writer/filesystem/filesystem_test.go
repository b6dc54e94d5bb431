package filesystem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"ocrsrt/pkg/contract"
)

func noTemp(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("tmp file not cleaned: %s", e.Name())
		}
	}
}

// TestWriteAtomic 原子写入
func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Write(context.Background(), "out.srt", bytes.NewBufferString("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "out.srt"))
	if err != nil || string(b) != "data" {
		t.Fatalf("unexpected file %v %q", err, string(b))
	}
	noTemp(t, dir)
	if _, err := os.Stat(filepath.Join(dir, "out.srt.lock")); err != nil {
		t.Fatalf("lock file expected: %v", err)
	}
}

// 当目标已存在时，Atomic 写应替换为新内容（跨平台）。
func TestWriteAtomicReplaceExisting(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	if err := w.Write(context.Background(), "out.srt", bytes.NewBufferString("v1")); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := w.Write(context.Background(), "out.srt", bytes.NewBufferString("v2")); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(dir, "out.srt"))
	if string(b) != "v2" {
		t.Fatalf("expect replaced content v2, got %q", string(b))
	}
	noTemp(t, dir)
}

// UT-WRT-01: 另一写者持锁时在超时后返回 ErrLocked，目标不变
func TestWriteLockedByOther(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.srt")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	other := flock.New(dest + ".lock")
	if ok, err := other.TryLock(); err != nil || !ok {
		t.Fatalf("prelock: %v %v", ok, err)
	}
	defer other.Unlock()

	w, _ := New(&Options{OutputDir: dir, LockTimeoutMS: 120})
	err := w.Write(context.Background(), "out.srt", bytes.NewBufferString("new"))
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expect ErrLocked, got %v", err)
	}
	b, _ := os.ReadFile(dest)
	if string(b) != "old" {
		t.Fatalf("目标被修改: %q", b)
	}
}

func TestWriteWithoutLock(t *testing.T) {
	dir := t.TempDir()
	off := false
	w, _ := New(&Options{OutputDir: dir, Lock: &off})
	if err := w.Write(context.Background(), "a.json", strings.NewReader("{}")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.json.lock")); !os.IsNotExist(err) {
		t.Fatalf("lock file should not exist: %v", err)
	}
}

// TestWritePathInvalid 路径越界
func TestWritePathInvalid(t *testing.T) {
	dir := t.TempDir()
	flat := false
	w, _ := New(&Options{OutputDir: dir, Flat: &flat})
	err := w.Write(context.Background(), "../bad", bytes.NewBufferString("x"))
	if !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("expect path invalid, got %v", err)
	}
}

// TestWriteNonAtomic 非原子写入 + 保留层级
func TestWriteNonAtomic(t *testing.T) {
	dir := t.TempDir()
	flat, atomic := false, false
	w, _ := New(&Options{OutputDir: dir, Flat: &flat, Atomic: &atomic})
	if err := w.Write(context.Background(), "sub/out.srt", bytes.NewBufferString("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub", "out.srt")); err != nil {
		t.Fatalf("file not created")
	}
}

// Flat 模式丢弃目录部分
func TestWriteFlat(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	if err := w.Write(context.Background(), "x/y/movie.merged.json", strings.NewReader("{}")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "movie.merged.json")); err != nil {
		t.Fatalf("flat file missing: %v", err)
	}
	if w.Root() != dir {
		t.Fatalf("root=%s", w.Root())
	}
}

// TestWriteCtxCancel 上下文取消
func TestWriteCtxCancel(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Write(ctx, "a.txt", strings.NewReader("data")); err == nil {
		t.Fatalf("expect ctx error")
	}
}

// TestNewInvalid 参数缺失
func TestNewInvalid(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("expect ErrConfig for nil opts")
	}
	if _, err := New(&Options{OutputDir: " "}); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("expect ErrConfig for empty output dir")
	}
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

// TestWriteAtomicCopyError 原子写入时拷贝失败：不留临时文件、不产生目标
func TestWriteAtomicCopyError(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	if err := w.Write(context.Background(), "a.srt", errReader{}); err == nil {
		t.Fatalf("expect copy error")
	}
	noTemp(t, dir)
	if _, err := os.Stat(filepath.Join(dir, "a.srt")); !os.IsNotExist(err) {
		t.Fatalf("partial target written: %v", err)
	}
}

// TestReaderWithCtxCancel reader 在读取前取消
func TestReaderWithCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := readerWithCtx(ctx, strings.NewReader("data"))
	cancel()
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err == nil {
		t.Fatalf("expect ctx error")
	}
}
