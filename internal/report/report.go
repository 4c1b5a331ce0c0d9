// 包 report：比对结果的控制台输出（逐多边形明细行、分布统计块、最终汇总行）
package report

import (
	"fmt"
	"io"
	"strings"

	"parcel-iou/internal/assess"
	"parcel-iou/internal/compare"
)

// PolygonLine：参考标识、最佳候选、度量值与每个候选的计算结果
func PolygonLine(p compare.PolygonResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ref=%s", p.RefID)
	m := p.Measure
	if m.Defined {
		best := ""
		if m.Best != nil {
			best = m.Best.ID
		}
		fmt.Fprintf(&b, " best=%s value=%.6f", best, m.Value)
	} else {
		fmt.Fprintf(&b, " value=undefined reason=%s", m.Reason)
	}
	if len(m.Pairs) > 0 {
		parts := make([]string, 0, len(m.Pairs))
		for _, pr := range m.Pairs {
			if pr.Status == assess.Scored {
				parts = append(parts, fmt.Sprintf("%s:scored:%.6f", pr.Candidate.ID, pr.Value))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s:%s", pr.Candidate.ID, pr.Status))
		}
		fmt.Fprintf(&b, " candidates=%s", strings.Join(parts, ","))
	}
	if p.Cached {
		b.WriteString(" cached")
	}
	return b.String()
}

// SummaryLine：度量名、平均值、总和与计数；无定义度量时平均值报告为 undefined
func SummaryLine(s compare.Summary) string {
	avg, err := s.Mean()
	if err != nil {
		return fmt.Sprintf("metric=%s average=undefined (insufficient data) total=%.6f count=%d", s.Metric, s.Total, s.Count)
	}
	return fmt.Sprintf("metric=%s average=%.6f total=%.6f count=%d", s.Metric, avg, s.Total, s.Count)
}

// Write：verbose 时先输出逐多边形行，然后是统计块与汇总行
func Write(w io.Writer, res *compare.Result, verbose bool) error {
	if verbose {
		for _, p := range res.Polygons {
			if _, err := fmt.Fprintln(w, PolygonLine(p)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w, strings.Repeat("-", 50)); err != nil {
			return err
		}
	}
	s := res.Summary
	rows := [][2]string{
		{"references", fmt.Sprint(s.References)},
		{"no_candidates", fmt.Sprint(s.NoCandidates)},
		{"all_invalid", fmt.Sprint(s.AllInvalid)},
		{"invalid_pairs", fmt.Sprint(s.InvalidPairs)},
		{"degenerate_pairs", fmt.Sprint(s.DegeneratePairs)},
	}
	if s.Count > 0 {
		rows = append(rows,
			[2]string{"min", fmt.Sprintf("%.6f", s.Min)},
			[2]string{"median", fmt.Sprintf("%.6f", s.Median)},
			[2]string{"max", fmt.Sprintf("%.6f", s.Max)},
			[2]string{"stddev", fmt.Sprintf("%.6f", s.StdDev)},
		)
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-18s %s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, SummaryLine(s))
	return err
}
