package reconcile

import (
	"errors"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"

	"ocrsrt/pkg/contract"
)

func mustMap(t *testing.T, kv map[string]string) *contract.FrameMapping {
	t.Helper()
	m, err := contract.MappingOf(kv)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// TestPickPolicy 覆盖合并规则表。
func TestPickPolicy(t *testing.T) {
	cases := []struct {
		name         string
		lower, upper contract.FrameText
		want         contract.FrameText
	}{
		{"相同文本", "Hello\n", "Hello\n", "Hello\n"},
		{"两路皆空", "\n", "\n", "\n"},
		{"lower 空取 upper", "\n", "Top\n", "Top\n"},
		{"upper 空取 lower", "Bottom\n", "\n", "Bottom\n"},
		{"冲突取 lower 去空白", "  Bottom line \n", "Top\n", "Bottom line"},
		{"相同但含空白保持原样", " x \n", " x \n", " x \n"},
		{"lower 仅空白不是空帧", " \n", "Top\n", ""},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Pick(tt.lower, tt.upper); got != tt.want {
				t.Fatalf("Pick(%q,%q)=%q want %q", tt.lower, tt.upper, got, tt.want)
			}
		})
	}
}

func TestStreams(t *testing.T) {
	lower := mustMap(t, map[string]string{"0": "A\n", "1": "\n", "2": "C\n", "3": "\n"})
	upper := mustMap(t, map[string]string{"0": "A\n", "1": "B\n", "2": "\n", "3": "\n"})
	out, err := Streams(lower, upper)
	if err != nil {
		t.Fatal(err)
	}
	want := map[contract.FrameKey]contract.FrameText{"0": "A\n", "1": "B\n", "2": "C\n", "3": "\n"}
	if out.Len() != len(want) {
		t.Fatalf("len=%d", out.Len())
	}
	for k, v := range want {
		if got, _ := out.Get(k); got != v {
			t.Fatalf("%s=%q want %q", k, got, v)
		}
	}
	// 输入未被修改
	if v, _ := lower.Get("1"); v != "\n" {
		t.Fatalf("lower 被修改")
	}
}

// TestStreamsLengthMismatch 长度不一致在合并前报告两路长度。
func TestStreamsLengthMismatch(t *testing.T) {
	lower := contract.NewFrameMapping()
	upper := contract.NewFrameMapping()
	for i := int64(0); i < 10; i++ {
		_ = lower.Set(contract.KeyAt(i, 4), "x\n")
		if i < 9 {
			_ = upper.Set(contract.KeyAt(i, 4), "x\n")
		}
	}
	_, err := Streams(lower, upper)
	var mm *contract.StreamLengthMismatchError
	if !errors.As(err, &mm) || mm.Lower != 10 || mm.Upper != 9 {
		t.Fatalf("err=%v", err)
	}
	if !errors.Is(err, contract.ErrStreamLengthMismatch) {
		t.Fatalf("Is 失败")
	}
}

func TestStreamsKeyMismatch(t *testing.T) {
	lower := mustMap(t, map[string]string{"0": "a", "1": "b"})
	upper := mustMap(t, map[string]string{"0": "a", "2": "b"})
	if _, err := Streams(lower, upper); !errors.Is(err, contract.ErrStreamKeyMismatch) {
		t.Fatalf("err=%v", err)
	}
}

// TestStreamsTotality 随机输入下输出键集合等于输入键集合，且每个值来自两路之一。
func TestStreamsTotality(t *testing.T) {
	f := gofakeit.New(7)
	pick := func() contract.FrameText {
		if f.Bool() {
			return contract.EmptyMarker
		}
		return contract.FrameText(f.Word() + "\n")
	}
	for round := 0; round < 100; round++ {
		lower, upper := contract.NewFrameMapping(), contract.NewFrameMapping()
		n := f.Number(0, 50)
		for i := 0; i < n; i++ {
			k := contract.KeyAt(int64(i*2), 4)
			_ = lower.Set(k, pick())
			_ = upper.Set(k, pick())
		}
		out, err := Streams(lower, upper)
		if err != nil {
			t.Fatal(err)
		}
		if out.Len() != lower.Len() {
			t.Fatalf("len %d != %d", out.Len(), lower.Len())
		}
		for i := 0; i < out.Len(); i++ {
			k := out.KeyAt(i)
			if k != lower.KeyAt(i) {
				t.Fatalf("key order differs at %d", i)
			}
			lo, _ := lower.Get(k)
			up, _ := upper.Get(k)
			v := out.TextAt(i)
			if v != lo && v != up && string(v) != strings.TrimSpace(string(lo)) {
				t.Fatalf("%s: %q not from %q/%q", k, v, lo, up)
			}
		}
	}
}

