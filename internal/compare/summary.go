package compare

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"parcel-iou/internal/assess"
)

// ErrInsufficientData 表示没有任何参考多边形得到有定义的度量，平均值无定义
var ErrInsufficientData = errors.New("compare: insufficient data")

// Summary：数据集级汇总；无定义度量的参考多边形不计入 Total 与 Count
type Summary struct {
	Metric  string
	Total   float64
	Count   int
	Average float64

	References      int
	NoCandidates    int
	AllInvalid      int
	InvalidPairs    int
	DegeneratePairs int

	// 以下分布统计仅在 Count > 0 时有意义
	Min    float64
	Max    float64
	Median float64
	StdDev float64
}

// Mean：Count 为 0 时返回 ErrInsufficientData，而不是 0 或除零结果
func (s Summary) Mean() (float64, error) {
	if s.Count == 0 {
		return 0, ErrInsufficientData
	}
	return s.Average, nil
}

// 文档注释：逐多边形结果的折叠累加器
// 背景：不在循环中维护可变的全局计数，而是按参考数据集顺序把每个 Measure 折叠进累加器；并发只影响各结果何时算完，不影响折叠顺序，因此汇总与并发度无关。
// 约束：Add 返回新值，不与旧值共享 values 底层数组，从同一累加器分出的多个值互不影响。
type Accumulator struct {
	total  float64
	values []float64

	references      int
	noCandidates    int
	allInvalid      int
	invalidPairs    int
	degeneratePairs int
}

func (a Accumulator) Add(m assess.Measure) Accumulator {
	a.values = a.values[:len(a.values):len(a.values)]
	a.add(m)
	return a
}

// add 原地累加；仅供独占累加器的 Fold 使用
func (a *Accumulator) add(m assess.Measure) {
	a.references++
	for _, p := range m.Pairs {
		switch p.Status {
		case assess.Invalid:
			a.invalidPairs++
		case assess.Degenerate:
			a.degeneratePairs++
		}
	}
	if !m.Defined {
		switch m.Reason {
		case assess.ReasonNoCandidates:
			a.noCandidates++
		case assess.ReasonAllInvalid:
			a.allInvalid++
		}
		return
	}
	a.total += m.Value
	a.values = append(a.values, m.Value)
}

// Summary：生成汇总；分布统计基于 gonum
func (a Accumulator) Summary(metric string) Summary {
	s := Summary{
		Metric:          metric,
		Total:           a.total,
		Count:           len(a.values),
		References:      a.references,
		NoCandidates:    a.noCandidates,
		AllInvalid:      a.allInvalid,
		InvalidPairs:    a.invalidPairs,
		DegeneratePairs: a.degeneratePairs,
	}
	if s.Count == 0 {
		return s
	}
	s.Average = s.Total / float64(s.Count)
	sorted := append([]float64(nil), a.values...)
	sort.Float64s(sorted)
	s.Min = floats.Min(sorted)
	s.Max = floats.Max(sorted)
	s.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if s.Count > 1 {
		s.StdDev = stat.StdDev(sorted, nil)
	}
	return s
}

// Fold：按给定顺序折叠逐多边形结果
func Fold(metric string, results []PolygonResult) Summary {
	var acc Accumulator
	for _, r := range results {
		acc.add(r.Measure)
	}
	return acc.Summary(metric)
}
