// 包 config：一次比对运行的参数对象；来源依次为 .env、环境变量、命令行参数
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingParam 表示缺少必填参数
var ErrMissingParam = errors.New("config: missing required parameter")

// 文档注释：运行参数
// 背景：参考/预测两个数据集各自带标识字段；其余为运行期可选项（并发、索引位置与校验、缓存、指标文件）。
// 约束：Validate 通过后才交给比对器；Workers 至少为 1。
type Config struct {
	RefPath     string
	RefIDField  string
	PredPath    string
	PredIDField string
	Verbose     bool

	Workers     int
	IndexPath   string
	IndexVerify bool

	MetricsTextfile string
	CacheEnable     bool
	CacheTTL        time.Duration
}

// LoadDotenv：依次尝试工作目录与 data/env 下的 .env，文件不存在时忽略
func LoadDotenv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("data/env/.env")
}

// FromEnv：读取环境变量，未设置时使用内置默认值
func FromEnv() Config {
	c := Config{
		RefPath:         os.Getenv("REF_PATH"),
		RefIDField:      os.Getenv("REF_ID_FIELD"),
		PredPath:        os.Getenv("PRED_PATH"),
		PredIDField:     os.Getenv("PRED_ID_FIELD"),
		Verbose:         envBool("VERBOSE"),
		Workers:         1,
		IndexPath:       os.Getenv("INDEX_PATH"),
		IndexVerify:     envBool("INDEX_VERIFY"),
		MetricsTextfile: os.Getenv("METRICS_TEXTFILE"),
		CacheEnable:     envBool("CACHE_ENABLE"),
		CacheTTL:        24 * time.Hour,
	}
	if c.RefIDField == "" {
		c.RefIDField = "geoid"
	}
	if c.PredIDField == "" {
		c.PredIDField = "geoid"
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, e := strconv.Atoi(v); e == nil && n > 0 {
			c.Workers = n
		}
	}
	if v := os.Getenv("CACHE_TTL_S"); v != "" {
		if n, e := strconv.Atoi(v); e == nil && n > 0 {
			c.CacheTTL = time.Duration(n) * time.Second
		}
	}
	return c
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Bind：把字段注册为命令行参数，默认值取当前字段值（即环境变量结果），解析后命令行优先
func (c *Config) Bind(fs *flag.FlagSet) {
	fs.StringVar(&c.RefPath, "ref", c.RefPath, "reference dataset (.shp, .geojson or postgres:// / postgis: source)")
	fs.StringVar(&c.RefIDField, "ref-id", c.RefIDField, "identifier field of the reference dataset")
	fs.StringVar(&c.PredPath, "pred", c.PredPath, "predicted dataset")
	fs.StringVar(&c.PredIDField, "pred-id", c.PredIDField, "identifier field of the predicted dataset")
	fs.BoolVar(&c.Verbose, "v", c.Verbose, "print one line per reference polygon")
	fs.IntVar(&c.Workers, "workers", c.Workers, "number of comparison workers")
	fs.StringVar(&c.IndexPath, "index", c.IndexPath, "base path of the persisted index (default: predicted dataset path without extension)")
	fs.BoolVar(&c.IndexVerify, "index-verify", c.IndexVerify, "rebuild the persisted index when it does not match the predicted dataset")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", c.MetricsTextfile, "write run metrics in Prometheus text format to this file")
	fs.BoolVar(&c.CacheEnable, "cache", c.CacheEnable, "cache per-polygon measures in Redis")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "measure cache TTL")
}

// Validate：检查必填参数并规整 Workers
func (c *Config) Validate() error {
	var missing []string
	if c.RefPath == "" {
		missing = append(missing, "REF_PATH")
	}
	if c.PredPath == "" {
		missing = append(missing, "PRED_PATH")
	}
	if c.RefIDField == "" {
		missing = append(missing, "REF_ID_FIELD")
	}
	if c.PredIDField == "" {
		missing = append(missing, "PRED_ID_FIELD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingParam, strings.Join(missing, ", "))
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	return nil
}
