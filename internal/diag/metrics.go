package diag

import (
	"sort"
	"sync"
)

// 进程内最小指标：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累计与次数）
// 仅用于运行结束时的摘要输出，不对外导出。

var (
	metricsMu sync.Mutex
	counters  = map[string]int64{}
	durations = map[string]*durAgg{}
)

type durAgg struct {
	n     int64
	sumMS int64
	maxMS int64
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { add("op_total{comp="+comp+",stage="+stage+",result="+result+"}", 1) }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { add("error_total{comp="+comp+",code="+code+"}", 1) }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	key := "op_duration_ms{comp=" + comp + ",stage=" + stage + "}"
	metricsMu.Lock()
	defer metricsMu.Unlock()
	a := durations[key]
	if a == nil {
		a = &durAgg{}
		durations[key] = a
	}
	a.n++
	a.sumMS += durMS
	if durMS > a.maxMS {
		a.maxMS = durMS
	}
}

func add(key string, n int64) {
	metricsMu.Lock()
	counters[key] += n
	metricsMu.Unlock()
}

// Metric 为快照中的一行。
type Metric struct {
	Name  string
	Count int64
	SumMS int64
	MaxMS int64
}

// Snapshot 返回按名称排序的指标副本。
func Snapshot() []Metric {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	out := make([]Metric, 0, len(counters)+len(durations))
	for k, v := range counters {
		out = append(out, Metric{Name: k, Count: v})
	}
	for k, a := range durations {
		out = append(out, Metric{Name: k, Count: a.n, SumMS: a.sumMS, MaxMS: a.maxMS})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetMetrics 清空全部指标（测试与多次运行之间）。
func ResetMetrics() {
	metricsMu.Lock()
	counters = map[string]int64{}
	durations = map[string]*durAgg{}
	metricsMu.Unlock()
}
