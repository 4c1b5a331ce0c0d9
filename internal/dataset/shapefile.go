package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"

	"parcel-iou/internal/logger"
)

// 文档注释：读取 Shapefile（.shp + .dbf）
// 背景：外环顺时针、内环逆时针是 Shapefile 约定；按环方向拆分外环与洞，再组装为 Polygon/MultiPolygon。
// 约束：仅接受面要素（Polygon/PolygonZ/PolygonM），其它类型与 Null 记为空几何；标识字段名大小写不敏感。
func openShapefile(path, idField string) (*Dataset, error) {
	dbf := strings.TrimSuffix(path, filepath.Ext(path)) + ".dbf"
	if _, err := os.Stat(dbf); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, dbf)
	}
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile %s: %w", path, err)
	}
	defer r.Close()

	col := -1
	for i, f := range r.Fields() {
		if strings.EqualFold(strings.TrimSpace(f.String()), idField) {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: %q in %s", ErrIDFieldNotFound, idField, path)
	}

	b := newBuilder(path, idField, path)
	for r.Next() {
		n, shape := r.Shape()
		// DBF 字段按写入方的习惯以空格或 NUL 补齐
		id := strings.Trim(r.Attribute(col), " \x00")
		g := shapeToOrb(shape)
		if g == nil {
			b.add(id, nil)
			continue
		}
		raw, err := wkb.Marshal(g)
		if err != nil {
			logger.L().Warn("shape_encode_error", "source", path, "row", n, "err", err)
			b.add(id, nil)
			continue
		}
		b.add(id, raw)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read shapefile %s: %w", path, err)
	}
	return b.done(), nil
}

func shapeToOrb(s shp.Shape) orb.Geometry {
	switch p := s.(type) {
	case *shp.Polygon:
		return ringsToOrb(p.Parts, p.Points)
	case *shp.PolygonZ:
		return ringsToOrb(p.Parts, p.Points)
	case *shp.PolygonM:
		return ringsToOrb(p.Parts, p.Points)
	}
	return nil
}

// ringsToOrb：按 Parts 切分环；顺时针为外环，逆时针为洞，洞归属到包含其首点且面积最小的外环
func ringsToOrb(parts []int32, pts []shp.Point) orb.Geometry {
	var outers []orb.Polygon
	var holes []orb.Ring
	for i := range parts {
		start := int(parts[i])
		end := len(pts)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if start < 0 || start >= end || end > len(pts) {
			continue
		}
		ring := make(orb.Ring, 0, end-start)
		for _, p := range pts[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		if ring.Orientation() == orb.CW {
			outers = append(outers, orb.Polygon{ring})
		} else {
			holes = append(holes, ring)
		}
	}
	areas := make([]float64, len(outers))
	for i := range outers {
		areas[i] = math.Abs(planar.Area(outers[i][0]))
	}
	for _, h := range holes {
		best := -1
		for i := range outers {
			if len(h) == 0 || !planar.RingContains(outers[i][0], h[0]) {
				continue
			}
			// 嵌套时（洞中岛再有洞）取面积最小的包含外环
			if best < 0 || areas[i] < areas[best] {
				best = i
			}
		}
		if best >= 0 {
			outers[best] = append(outers[best], h)
		} else {
			// 方向写反的数据：孤立的逆时针环按外环处理
			outers = append(outers, orb.Polygon{h})
			areas = append(areas, math.Abs(planar.Area(h)))
		}
	}
	switch len(outers) {
	case 0:
		return nil
	case 1:
		return outers[0]
	}
	return orb.MultiPolygon(outers)
}
