package segment

import (
	"errors"
	"fmt"
	"testing"
	"time"

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

func cue(start, end int, text string) contract.Cue {
	return contract.Cue{Start: time.Duration(start) * time.Second, End: time.Duration(end) * time.Second, Text: text}
}

// TestCues 覆盖折叠、空帧关闭、尾部关闭等场景。
func TestCues(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]string
		want []contract.Cue
	}{
		{"折叠与空帧", map[string]string{"0": "A\n", "1": "A\n", "2": "\n", "3": "B\n"},
			[]contract.Cue{cue(0, 2, "A"), cue(3, 4, "B")}},
		{"全部为空帧", map[string]string{"0": "\n", "1": "\n", "2": "\n"}, nil},
		{"尾部仍打开", map[string]string{"0": "X\n", "1": "X\n"}, []contract.Cue{cue(0, 2, "X")}},
		{"文本切换无空隙", map[string]string{"0": "A\n", "1": "B\n", "2": "B\n"},
			[]contract.Cue{cue(0, 1, "A"), cue(1, 3, "B")}},
		{"空白差异视为同一文本", map[string]string{"5": " A \n", "6": "A\n"}, []contract.Cue{cue(5, 7, "A")}},
		{"仅空白等同空帧", map[string]string{"0": "A\n", "1": "  \n", "2": "A\n"},
			[]contract.Cue{cue(0, 1, "A"), cue(2, 3, "A")}},
		{"非连续键按帧数延长", map[string]string{"0010": "A\n", "0020": "A\n"}, []contract.Cue{cue(10, 12, "A")}},
		{"空输入", map[string]string{}, nil},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cues(mustMap(t, tt.in), time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

// TestCuesUnit 帧键是整秒时刻，unit 只决定每帧时长。
func TestCuesUnit(t *testing.T) {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	cases := []struct {
		name string
		in   map[string]string
		unit time.Duration
		want []contract.Cue
	}{
		{"半秒帧", map[string]string{"3": "A\n", "4": "A\n", "10": "B\n"}, ms(500),
			[]contract.Cue{{Start: ms(3000), End: ms(4000), Text: "A"}, {Start: ms(10000), End: ms(10500), Text: "B"}}},
		{"起点不随 unit 缩放", map[string]string{"2": "A\n", "3": "A\n"}, ms(500),
			[]contract.Cue{{Start: ms(2000), End: ms(3000), Text: "A"}}},
		{"两秒帧", map[string]string{"0": "A\n", "1": "\n", "5": "B\n"}, 2 * time.Second,
			[]contract.Cue{{Start: 0, End: ms(2000), Text: "A"}, {Start: ms(5000), End: ms(7000), Text: "B"}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cues(mustMap(t, tt.in), tt.unit)
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
	m := mustMap(t, map[string]string{"2": "A\n"})
	for _, u := range []time.Duration{0, -time.Second} {
		if _, err := Cues(m, u); !errors.Is(err, contract.ErrConfig) {
			t.Fatalf("unit %s: %v", u, err)
		}
		if _, err := Frames(nil, u); !errors.Is(err, contract.ErrConfig) {
			t.Fatalf("frames unit %s: %v", u, err)
		}
	}
}

// TestFramesSecondKeys 展开后的键是条目起始秒起的连续秒，而非 unit 步数。
func TestFramesSecondKeys(t *testing.T) {
	half := 500 * time.Millisecond
	cues := []contract.Cue{
		{Start: 3 * time.Second, End: 4 * time.Second, Text: "A"},
		{Start: 10 * time.Second, End: 10*time.Second + half, Text: "B"},
	}
	m, err := Frames(cues, half)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"0000": "\n", "0001": "\n", "0002": "\n", "0003": "A\n", "0004": "A\n",
		"0005": "\n", "0006": "\n", "0007": "\n", "0008": "\n", "0009": "\n", "0010": "B\n"}
	if !m.Equal(mustMap(t, want)) {
		t.Fatalf("frames=%v", m.Keys())
	}
}

func TestFramesErrors(t *testing.T) {
	cases := [][]contract.Cue{
		{{Start: 500 * time.Millisecond, End: 2 * time.Second, Text: "A"}},
		{cue(2, 2, "A")},
		{cue(0, 3, "A"), cue(2, 4, "B")},
		{cue(0, 1, "  ")},
	}
	// 半秒帧：[0s,1s) 占用键 0、1，下一条目不能从 1s 开始
	half := []contract.Cue{cue(0, 1, "A"), cue(1, 2, "B")}
	if _, err := Frames(half, 500*time.Millisecond); !errors.Is(err, contract.ErrSeqInvalid) {
		t.Fatalf("秒键冲突应报错: %v", err)
	}
	// 时长不是 unit 的整数倍
	if _, err := Frames([]contract.Cue{cue(0, 3, "A")}, 2*time.Second); !errors.Is(err, contract.ErrSeqInvalid) {
		t.Fatalf("时长未对齐应报错: %v", err)
	}
	for i, cs := range cases {
		if _, err := Frames(cs, time.Second); !errors.Is(err, contract.ErrSeqInvalid) {
			t.Fatalf("case %d: %v", i, err)
		}
	}
}

// TestCuesInvariants 随机输入下条目按时间严格升序、互不重叠且 Start<End。
func TestCuesInvariants(t *testing.T) {
	f := gofakeit.New(3)
	words := []string{"alpha", "beta", "gamma"}
	for round := 0; round < 100; round++ {
		m := contract.NewFrameMapping()
		var sec int64
		for i, n := 0, f.Number(0, 80); i < n; i++ {
			sec += int64(f.Number(1, 2))
			text := contract.EmptyMarker
			if f.Number(0, 2) > 0 {
				text = contract.FrameText(words[f.Number(0, len(words)-1)] + "\n")
			}
			_ = m.Set(contract.KeyAt(sec, 4), text)
		}
		cues, err := Cues(m, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		for i, c := range cues {
			if c.Start >= c.End || c.Text == "" {
				t.Fatalf("round %d cue %d invalid: %v", round, i, c)
			}
			if i > 0 && c.Start < cues[i-1].End {
				t.Fatalf("round %d cue %d overlaps", round, i)
			}
		}
	}
}

// TestIdempotence 由条目展开再折叠应得到相同条目（多种帧时长）。
func TestIdempotence(t *testing.T) {
	f := gofakeit.New(11)
	for _, unit := range []time.Duration{time.Second, 500 * time.Millisecond, 2 * time.Second} {
		for round := 0; round < 100; round++ {
			var cues []contract.Cue
			var nextKey int64 // 下一个未被占用的秒键
			var prevEnd time.Duration
			prev := ""
			for i, n := 0, f.Number(0, 20); i < n; i++ {
				text := f.Sentence(f.Number(1, 4))
				start := nextKey + int64(f.Number(0, 2))
				if s := int64((prevEnd + time.Second - 1) / time.Second); start < s {
					start = s
				}
				// 紧邻（无空帧）的相同文本会被合并，生成时避免
				if start == nextKey && text == prev {
					text += " again"
				}
				frames := int64(f.Number(1, 4))
				c := contract.Cue{Start: time.Duration(start) * time.Second, Text: text}
				c.End = c.Start + time.Duration(frames)*unit
				cues = append(cues, c)
				nextKey, prevEnd, prev = start+frames, c.End, text
			}
			m, err := Frames(cues, unit)
			if err != nil {
				t.Fatalf("unit %s round %d: %v", unit, round, err)
			}
			back, err := Cues(m, unit)
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(back) != fmt.Sprint(cues) {
				t.Fatalf("unit %s round %d:\n got %v\nwant %v", unit, round, back, cues)
			}
		}
	}
}
