// 包 geom：多边形几何适配层，基于 GEOS 提供包围盒、相交判定、交并面积与拓扑校验
package geom

import (
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/twpayne/go-geos"
)

var (
	// ErrInvalidGeometry 表示几何拓扑无效（自相交等），由 Validate 与交并计算返回
	ErrInvalidGeometry = errors.New("geom: topologically invalid geometry")
	// ErrTopology 表示 GEOS 叠加运算本身失败
	ErrTopology = errors.New("geom: topology operation failed")
	// ErrNotPolygonal 表示输入既不是 Polygon 也不是 MultiPolygon
	ErrNotPolygonal = errors.New("geom: geometry is not polygonal")
)

// Box：轴对齐包围盒（平面坐标）
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

// Intersects：闭区间判定，边界相接也视为相交
func (b Box) Intersects(o Box) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX && b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Empty：MinX > MaxX 的盒子不与任何盒子相交
func (b Box) Empty() bool { return b.MinX > b.MaxX || b.MinY > b.MaxY }

var emptyBox = Box{MinX: 1, MinY: 1, MaxX: -1, MaxY: -1}

// 文档注释：多边形几何句柄
// 背景：比对流程只需要包围盒、相交、交并面积四类查询；统一封装 GEOS，避免上层直接处理 C 句柄与 panic。
// 约束：构造后只读；有效性检查结果缓存一次，可在多个协程间共享读取。
type Geometry struct {
	g      *geos.Geom
	bounds Box

	validOnce sync.Once
	validErr  error
}

// FromWKB：从 WKB 构造多边形几何
func FromWKB(b []byte) (*Geometry, error) {
	g, err := geos.NewGeomFromWKB(b)
	if err != nil {
		return nil, fmt.Errorf("parse wkb: %w", err)
	}
	return wrap(g)
}

// FromWKT：从 WKT 构造多边形几何，主要用于测试与调试
func FromWKT(s string) (*Geometry, error) {
	g, err := geos.NewGeomFromWKT(s)
	if err != nil {
		return nil, fmt.Errorf("parse wkt: %w", err)
	}
	return wrap(g)
}

// FromOrb：经 WKB 桥接 orb 几何（GeoJSON/Shapefile 读取结果）
func FromOrb(o orb.Geometry) (*Geometry, error) {
	switch o.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotPolygonal, o.GeoJSONType())
	}
	b, err := wkb.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode wkb: %w", err)
	}
	return FromWKB(b)
}

func wrap(g *geos.Geom) (*Geometry, error) {
	switch g.TypeID() {
	case geos.TypeIDPolygon, geos.TypeIDMultiPolygon:
	default:
		return nil, fmt.Errorf("%w: type_id=%d", ErrNotPolygonal, g.TypeID())
	}
	out := &Geometry{g: g, bounds: emptyBox}
	if !g.IsEmpty() {
		if err := guard("bounds", func() {
			b := g.Bounds()
			out.bounds = Box{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY}
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Bounds：构造时已计算的包围盒；空几何返回不相交的空盒
func (g *Geometry) Bounds() Box { return g.bounds }

func (g *Geometry) IsEmpty() bool { return g.g.IsEmpty() }

func (g *Geometry) Area() float64 { return g.g.Area() }

// String：WKT 文本，仅用于日志
func (g *Geometry) String() string { return g.g.ToWKT() }

// 文档注释：拓扑有效性校验
// 背景：自相交等无效多边形在叠加运算中结果不可信；在交并计算前显式校验，得到确定的错误而不是依赖 GEOS 抛异常。
// 返回：nil 或包装了 GEOS 原因描述的 ErrInvalidGeometry。
func (g *Geometry) Validate() error {
	g.validOnce.Do(func() {
		var valid bool
		var reason string
		if err := guard("is_valid", func() {
			valid = g.g.IsValid()
			if !valid {
				reason = g.g.IsValidReason()
			}
		}); err != nil {
			g.validErr = fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
			return
		}
		if !valid {
			g.validErr = fmt.Errorf("%w: %s", ErrInvalidGeometry, reason)
		}
	})
	return g.validErr
}

// Intersects：真实几何相交判定（非包围盒）；GEOS 失败时返回 ErrTopology
func (g *Geometry) Intersects(o *Geometry) (bool, error) {
	if !g.bounds.Intersects(o.bounds) {
		return false, nil
	}
	var hit bool
	err := guard("intersects", func() { hit = g.g.Intersects(o.g) })
	return hit, err
}

// IntersectionArea：交集面积；任一几何无效时返回 ErrInvalidGeometry
func (g *Geometry) IntersectionArea(o *Geometry) (float64, error) {
	if err := validatePair(g, o); err != nil {
		return 0, err
	}
	var area float64
	err := guard("intersection", func() {
		inter := g.g.Intersection(o.g)
		area = inter.Area()
		inter.Destroy()
	})
	return area, err
}

// UnionArea：并集面积；任一几何无效时返回 ErrInvalidGeometry
func (g *Geometry) UnionArea(o *Geometry) (float64, error) {
	if err := validatePair(g, o); err != nil {
		return 0, err
	}
	var area float64
	err := guard("union", func() {
		u := g.g.Union(o.g)
		area = u.Area()
		u.Destroy()
	})
	return area, err
}

func validatePair(a, b *Geometry) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return b.Validate()
}

// guard：GEOS 出错时 go-geos 会 panic，这里统一转为 ErrTopology
func guard(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrTopology, op, r)
		}
	}()
	fn()
	return nil
}
