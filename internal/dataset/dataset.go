// 包 dataset：多边形数据集读取（Shapefile / GeoJSON / PostGIS），产出带序号、标识与几何的只读记录序列
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"parcel-iou/internal/geom"
	"parcel-iou/internal/logger"
)

var (
	// ErrMissingInput 表示数据集路径不存在或数据表缺失；整次比对应被跳过
	ErrMissingInput = errors.New("dataset: input not found")
	// ErrIDFieldNotFound 表示数据集中不存在指定的标识字段
	ErrIDFieldNotFound = errors.New("dataset: id field not found")
	// ErrUnsupportedSource 表示无法识别的数据源类型
	ErrUnsupportedSource = errors.New("dataset: unsupported source")
)

// Record：一条多边形记录；Geom 为 nil 表示空几何（Null shape 或无法解析）
type Record struct {
	Position int
	ID       string
	Geom     *geom.Geometry
}

// 文档注释：只读数据集
// 背景：参考集与预测集在一次运行中各加载一次，之后仅按序号读取；空间索引只保存序号，几何始终回到这里取。
// 约束：Records 按数据源产出顺序排列，Position 与下标一致；Fingerprint 为 (ID, WKB) 序列的 xxhash64 摘要。
type Dataset struct {
	Source      string
	IDField     string
	Records     []Record
	Fingerprint uint64
	// file 为文件型数据源的路径；PostGIS 为空
	file string
}

func (d *Dataset) Len() int { return len(d.Records) }

// At：按序号取记录；越界返回 false（持久化索引过期时可能出现）
func (d *Dataset) At(pos int) (Record, bool) {
	if pos < 0 || pos >= len(d.Records) {
		return Record{}, false
	}
	return d.Records[pos], true
}

// Geometries：非空几何记录数
func (d *Dataset) Geometries() int {
	n := 0
	for _, r := range d.Records {
		if r.Geom != nil {
			n++
		}
	}
	return n
}

// IndexBase：同目录、同名、去扩展名的路径，作为持久化索引文件的基名；非文件数据源返回空
func (d *Dataset) IndexBase() string {
	if d.file == "" {
		return ""
	}
	return strings.TrimSuffix(d.file, filepath.Ext(d.file))
}

// 文档注释：打开数据集
// 背景：按来源前缀/扩展名分派到具体读取器：postgres:// 与 postgis: 走 PostGIS，.shp 走 Shapefile，.geojson/.json 走 GeoJSON。
// 异常：文件不存在返回 ErrMissingInput；标识字段缺失返回 ErrIDFieldNotFound；单条几何无法解析时记为空几何并告警，不中断读取。
func Open(ctx context.Context, source, idField string) (*Dataset, error) {
	if IsPostGIS(source) {
		return openPostGIS(ctx, source, idField)
	}
	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, source)
		}
		return nil, fmt.Errorf("stat %s: %w", source, err)
	}
	switch strings.ToLower(filepath.Ext(source)) {
	case ".shp":
		return openShapefile(source, idField)
	case ".geojson", ".json":
		return openGeoJSON(source, idField)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
}

// IsPostGIS：来源是否为数据库表
func IsPostGIS(source string) bool {
	for _, p := range []string{"postgres://", "postgresql://", "postgis:"} {
		if strings.HasPrefix(source, p) {
			return true
		}
	}
	return false
}

// builder：各读取器共用的记录累加器，顺带计算指纹
type builder struct {
	ds     *Dataset
	digest *xxhash.Digest
}

func newBuilder(source, idField, file string) *builder {
	return &builder{
		ds:     &Dataset{Source: source, IDField: idField, file: file},
		digest: xxhash.New(),
	}
}

// add：wkb 为空表示空几何
func (b *builder) add(id string, wkb []byte) {
	pos := len(b.ds.Records)
	rec := Record{Position: pos, ID: id}
	if len(wkb) > 0 {
		g, err := geom.FromWKB(wkb)
		if err != nil {
			logger.L().Warn("record_geometry_unreadable", "source", b.ds.Source, "position", pos, "id", id, "err", err)
		} else {
			rec.Geom = g
		}
	}
	_, _ = b.digest.WriteString(id)
	_, _ = b.digest.Write([]byte{0})
	_, _ = b.digest.Write(wkb)
	_, _ = b.digest.Write([]byte{0xff})
	b.ds.Records = append(b.ds.Records, rec)
}

func (b *builder) done() *Dataset {
	b.ds.Fingerprint = b.digest.Sum64()
	logger.L().Debug("dataset_read", "source", b.ds.Source, "records", len(b.ds.Records), "geometries", b.ds.Geometries(), "fingerprint", strconv.FormatUint(b.ds.Fingerprint, 16))
	return b.ds
}

// formatID：属性值统一渲染为文本；整数值的浮点（GeoJSON 数字）去掉小数部分
func formatID(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return fmt.Sprint(x), true
	}
}
