package dataset

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"parcel-iou/internal/logger"
)

// 文档注释：读取 GeoJSON FeatureCollection
// 背景：与 Shapefile 同样产出 (ID, 几何) 记录；标识取自 properties 中的指定字段。
// 约束：非面几何与缺失几何记为空几何；任一要素缺少标识字段视为数据集不满足约定，返回 ErrIDFieldNotFound。
func openGeoJSON(path, idField string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geojson %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson %s: %w", path, err)
	}
	b := newBuilder(path, idField, path)
	for i, f := range fc.Features {
		id, ok := formatID(f.Properties[idField])
		if !ok {
			return nil, fmt.Errorf("%w: %q missing on feature %d of %s", ErrIDFieldNotFound, idField, i, path)
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			if f.Geometry != nil {
				logger.L().Debug("feature_not_polygonal", "source", path, "position", i, "type", f.Geometry.GeoJSONType())
			}
			b.add(id, nil)
			continue
		}
		raw, err := wkb.Marshal(f.Geometry)
		if err != nil {
			logger.L().Warn("feature_encode_error", "source", path, "position", i, "err", err)
			b.add(id, nil)
			continue
		}
		b.add(id, raw)
	}
	return b.done(), nil
}
