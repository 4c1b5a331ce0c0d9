// 包 spindex：预测多边形的包围盒索引（flatbush 打包 R-Tree），支持批量构建、范围查询与双文件持久化
package spindex

import (
	"time"

	flatbush "github.com/bmharper/flatbush-go"

	"parcel-iou/internal/dataset"
	"parcel-iou/internal/geom"
)

// Meta：构建索引时数据集的描述，随 .dat 持久化
type Meta struct {
	Fingerprint uint64
	Records     int
	IDField     string
	BuiltAt     time.Time
}

// 文档注释：包围盒索引
// 背景：只保存数据集序号与包围盒，不保存几何；调用方按序号回到原数据集取几何并做精确相交过滤。
// 约束：构建完成后只读，可并发查询；序号只对构建它的那份数据集有意义。
type Index struct {
	fb        *flatbush.Flatbush[float64]
	positions []int
	boxes     []geom.Box
	ids       []string
	Meta      Meta
}

// Build：为每条非空几何插入一项包围盒，键为记录序号；空几何的包围盒不与任何盒相交，直接跳过
func Build(ds *dataset.Dataset) *Index {
	var positions []int
	var boxes []geom.Box
	var ids []string
	for _, r := range ds.Records {
		if r.Geom == nil {
			continue
		}
		b := r.Geom.Bounds()
		if b.Empty() {
			continue
		}
		positions = append(positions, r.Position)
		boxes = append(boxes, b)
		ids = append(ids, r.ID)
	}
	return newIndex(positions, boxes, ids, Meta{
		Fingerprint: ds.Fingerprint,
		Records:     ds.Len(),
		IDField:     ds.IDField,
		BuiltAt:     time.Now().UTC(),
	})
}

func newIndex(positions []int, boxes []geom.Box, ids []string, meta Meta) *Index {
	x := &Index{positions: positions, boxes: boxes, ids: ids, Meta: meta}
	if len(boxes) == 0 {
		return x
	}
	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(boxes))
	for _, b := range boxes {
		fb.Add(b.MinX, b.MinY, b.MaxX, b.MaxY)
	}
	fb.Finish()
	x.fb = fb
	return x
}

// Len：索引项数
func (x *Index) Len() int { return len(x.positions) }

// Query：返回包围盒与 b 相交的数据集序号；顺序不保证，可能包含仅包围盒相交的假阳性
func (x *Index) Query(b geom.Box) []int {
	if x.fb == nil || b.Empty() {
		return nil
	}
	hits := x.fb.Search(b.MinX, b.MinY, b.MaxX, b.MaxY)
	out := make([]int, 0, len(hits))
	for _, h := range hits {
		out = append(out, x.positions[h])
	}
	return out
}

// Matches：索引是否与当前数据集一致（指纹与记录数）
func (x *Index) Matches(ds *dataset.Dataset) bool {
	return x.Meta.Fingerprint == ds.Fingerprint && x.Meta.Records == ds.Len()
}
