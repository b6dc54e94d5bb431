package pipeline

import (
	"context"
	"strings"
	"testing"

	"ocrsrt/pkg/contract"
	fsreader "ocrsrt/plugins/reader/filesystem"
)

// genMapping 生成 n 帧的 JSON 映射：每 5 帧一句，句间一帧空帧。
func genMapping(n int) string {
	var sb strings.Builder
	sb.WriteString("{")
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		text := `\n`
		if i%6 != 5 {
			text = "line " + string(contract.KeyAt(int64(i/6), 1)) + `\n`
		}
		sb.WriteString(`"` + string(contract.KeyAt(int64(i), 4)) + `":"` + text + `"`)
	}
	sb.WriteString("}")
	return sb.String()
}

// BenchmarkRunOneHour 一小时逐秒采样（3600 帧）的读取、合并、分段与装配开销。
func BenchmarkRunOneHour(b *testing.B) {
	dir := b.TempDir()
	body := genMapping(3600)
	lp := writeJSON(b, dir, "lower.json", body)
	up := writeJSON(b, dir, "upper.json", body)
	comp := Components{Reader: fsreader.New(nil), Corrector: &stubCorrector{}, Assembler: newAssembler(b), Writer: &memWriter{}}
	set := Settings{Lower: lp, Upper: up, Output: "bench.srt"}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := Run(context.Background(), comp, set, nil)
		if err != nil {
			b.Fatalf("run: %v", err)
		}
		if len(res.Cues) != 600 {
			b.Fatalf("期望 600 条字幕，得到 %d", len(res.Cues))
		}
	}
}
