package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/lib/pq"

	"parcel-iou/internal/logger"
	"parcel-iou/internal/utils"
)

const (
	pgUndefinedTable  = "42P01"
	pgUndefinedColumn = "42703"
)

// pgSource：PostGIS 数据源描述
type pgSource struct {
	dsn     string
	table   string
	geomCol string
}

// 文档注释：解析 PostGIS 数据源
// 背景：两种写法：完整 DSN "postgres://u:p@h/db?table=t&geom=g"，或简写 "postgis:schema.table?geom=g"（连接参数取 PG_* 环境变量）。
// 约束：table 必填；geom 默认 "geom"；其余查询参数原样透传给驱动（如 sslmode）。
func parsePGSource(source string) (pgSource, error) {
	var src pgSource
	if rest, ok := strings.CutPrefix(source, "postgis:"); ok {
		table, query, _ := strings.Cut(rest, "?")
		q, err := url.ParseQuery(query)
		if err != nil {
			return src, fmt.Errorf("parse source %q: %w", source, err)
		}
		src.dsn = utils.BuildPostgresDSNFromEnv()
		src.table = table
		src.geomCol = q.Get("geom")
	} else {
		u, err := url.Parse(source)
		if err != nil {
			return src, fmt.Errorf("parse source: %w", err)
		}
		q := u.Query()
		src.table = q.Get("table")
		src.geomCol = q.Get("geom")
		q.Del("table")
		q.Del("geom")
		u.RawQuery = q.Encode()
		src.dsn = u.String()
	}
	if src.table == "" {
		return src, fmt.Errorf("%w: table parameter missing in %q", ErrUnsupportedSource, redact(source))
	}
	if src.geomCol == "" {
		src.geomCol = "geom"
	}
	return src, nil
}

// quoteTable：schema.table 逐段加引号
func quoteTable(t string) string {
	parts := strings.Split(t, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func (s pgSource) query(idField string) string {
	id := pq.QuoteIdentifier(idField)
	return fmt.Sprintf("SELECT %s::text, ST_AsBinary(%s) FROM %s ORDER BY %s",
		id, pq.QuoteIdentifier(s.geomCol), quoteTable(s.table), id)
}

// 文档注释：读取 PostGIS 表
// 背景：几何以 ST_AsBinary 取 WKB，与文件型数据源共用同一构建流程；按标识字段排序，保证多次运行序号稳定。
// 异常：表不存在映射为 ErrMissingInput，列不存在或标识为 NULL 映射为 ErrIDFieldNotFound，其它数据库错误原样包装返回。
func openPostGIS(ctx context.Context, source, idField string) (*Dataset, error) {
	src, err := parsePGSource(source)
	if err != nil {
		return nil, err
	}
	db, err := utils.OpenPostgres(src.dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	name := redact(source)
	logger.L().Debug("postgis_query", "source", name, "table", src.table, "geom", src.geomCol)
	rows, err := db.QueryContext(ctx, src.query(idField))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pgUndefinedTable:
				return nil, fmt.Errorf("%w: table %s", ErrMissingInput, src.table)
			case pgUndefinedColumn:
				return nil, fmt.Errorf("%w: %q in %s (%s)", ErrIDFieldNotFound, idField, src.table, pqErr.Message)
			}
		}
		return nil, fmt.Errorf("query %s: %w", src.table, err)
	}
	defer rows.Close()

	b := newBuilder(name, idField, "")
	if err := readRows(rows, b, src.table, idField); err != nil {
		return nil, err
	}
	return b.done(), nil
}

// pgRows：*sql.Rows 中逐行读取用到的部分
type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// readRows：标识列为 NULL 与 GeoJSON 缺少标识字段同样处理，返回 ErrIDFieldNotFound
func readRows(rows pgRows, b *builder, table, idField string) error {
	for n := 0; rows.Next(); n++ {
		var id sql.NullString
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if !id.Valid {
			return fmt.Errorf("%w: %q is NULL on row %d of %s", ErrIDFieldNotFound, idField, n, table)
		}
		b.add(id.String, raw)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	return nil
}

// redact：日志与报告中隐藏口令
func redact(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.User == nil {
		return source
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
