package assess

import (
	"errors"
	"fmt"

	"parcel-iou/internal/geom"
	"parcel-iou/internal/logger"
)

// ErrDegenerate 表示并集面积不为正，IoU 无定义
var ErrDegenerate = errors.New("assess: degenerate pair, union area is not positive")

// IoU：交集面积 / 并集面积；无效几何返回 geom.ErrInvalidGeometry，并集面积不为正返回 ErrDegenerate
func IoU(a, b *geom.Geometry) (float64, error) {
	inter, err := a.IntersectionArea(b)
	if err != nil {
		return 0, err
	}
	union, err := a.UnionArea(b)
	if err != nil {
		return 0, err
	}
	if union <= 0 {
		return 0, ErrDegenerate
	}
	v := inter / union
	// 浮点误差可能略微越界
	switch {
	case v < 0:
		v = 0
	case v > 1:
		v = 1
	}
	return v, nil
}

// Metric：逐对度量；目前只有 IoU
type Metric interface {
	Name() string
	Pair(ref, pred *geom.Geometry) (float64, error)
}

// IoUMetric 交并比
type IoUMetric struct{}

func (IoUMetric) Name() string { return "iou" }

func (IoUMetric) Pair(ref, pred *geom.Geometry) (float64, error) { return IoU(ref, pred) }

// PairStatus：逐对计算结果类别
type PairStatus int

const (
	Scored PairStatus = iota
	Invalid
	Degenerate
)

func (s PairStatus) String() string {
	switch s {
	case Scored:
		return "scored"
	case Invalid:
		return "invalid"
	case Degenerate:
		return "degenerate"
	}
	return fmt.Sprintf("PairStatus(%d)", int(s))
}

// PairResult：一对（参考，候选）的计算结果；Status 非 Scored 时 Value 无意义
type PairResult struct {
	Candidate Candidate
	Status    PairStatus
	Value     float64
	Err       error
}

// Reason：度量无定义的原因
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNoCandidates Reason = "no_candidates"
	ReasonAllInvalid   Reason = "all_invalid"
)

// Measure：单个参考多边形的最终度量
type Measure struct {
	Defined bool
	Value   float64
	Best    *Candidate
	Reason  Reason
	Pairs   []PairResult
}

// Engine：以指定度量计算最佳匹配
type Engine struct {
	Metric Metric
}

// NewEngine：m 为 nil 时使用 IoU
func NewEngine(m Metric) *Engine {
	if m == nil {
		m = IoUMetric{}
	}
	return &Engine{Metric: m}
}

// 文档注释：最佳匹配度量
// 背景：候选逐对计算度量，取最大值作为该参考多边形的结果。
// 约束：
// - 候选为空：无定义，原因 no_candidates；
// - 无效几何与退化对只记录并跳过，不中断；全部被跳过时无定义，原因 all_invalid；
// - 并列最大值保留查询顺序中靠前的候选。
func (e *Engine) Best(ref *geom.Geometry, cands []Candidate) Measure {
	if len(cands) == 0 {
		return Measure{Reason: ReasonNoCandidates}
	}
	m := Measure{Pairs: make([]PairResult, 0, len(cands))}
	for i := range cands {
		c := cands[i]
		v, err := e.Metric.Pair(ref, c.Geom)
		pr := PairResult{Candidate: c, Value: v, Err: err}
		switch {
		case err == nil:
			pr.Status = Scored
		case errors.Is(err, ErrDegenerate):
			pr.Status = Degenerate
			logger.L().Debug("pair_degenerate", "pred_id", c.ID)
		default:
			pr.Status = Invalid
			logger.L().Debug("pair_invalid", "pred_id", c.ID, "err", err)
		}
		m.Pairs = append(m.Pairs, pr)
		if pr.Status != Scored {
			continue
		}
		if !m.Defined || v > m.Value {
			m.Defined = true
			m.Value = v
			m.Best = &m.Pairs[len(m.Pairs)-1].Candidate
		}
	}
	if !m.Defined {
		m.Reason = ReasonAllInvalid
	}
	return m
}

// BestMeasure：IoU 版本的 Engine.Best
func BestMeasure(ref *geom.Geometry, cands []Candidate) Measure {
	return NewEngine(nil).Best(ref, cands)
}
