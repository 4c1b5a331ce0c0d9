// 包 assess：参考多边形的候选解析与逐对精度度量（IoU 取最大值）
package assess

import (
	"parcel-iou/internal/dataset"
	"parcel-iou/internal/geom"
	"parcel-iou/internal/logger"
	"parcel-iou/internal/spindex"
)

// Candidate：通过精确相交过滤的预测记录
type Candidate struct {
	Position int
	ID       string
	Geom     *geom.Geometry
}

// 文档注释：候选解析
// 背景：先用参考多边形包围盒查询索引得到粗候选，再逐个回到预测数据集取几何做真实相交判定（与 revgeo 的包围盒预筛 + 精确判定同一思路）。
// 约束：
// - 返回顺序即索引查询顺序，不去重；
// - 空几何、越界序号（过期索引）直接丢弃；
// - 相交判定本身出错（拓扑无效）时保留该候选，由度量阶段记为无效并跳过。
func Resolve(ref *geom.Geometry, preds *dataset.Dataset, idx *spindex.Index) []Candidate {
	if ref == nil || idx == nil {
		return nil
	}
	var out []Candidate
	for _, pos := range idx.Query(ref.Bounds()) {
		rec, ok := preds.At(pos)
		if !ok {
			logger.L().Debug("candidate_out_of_range", "position", pos, "records", preds.Len())
			continue
		}
		if rec.Geom == nil {
			continue
		}
		hit, err := ref.Intersects(rec.Geom)
		if err != nil {
			logger.L().Debug("candidate_predicate_failed", "pred_id", rec.ID, "err", err)
			hit = true
		}
		if hit {
			out = append(out, Candidate{Position: rec.Position, ID: rec.ID, Geom: rec.Geom})
		}
	}
	return out
}
