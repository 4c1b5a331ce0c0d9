// 包 utils：Redis 连接工具，统一环境变量读取与可选 DB 选择
package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"parcel-iou/internal/logger"
)

// RedisOptionsFromEnv：REDIS_HOST/REDIS_PORT/REDIS_PASS/REDIS_DB，默认 127.0.0.1:6379 库 0
// 约束：REDIS_DB 解析失败或为负时回退到 0
func RedisOptionsFromEnv() *redis.Options {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, e := strconv.Atoi(v); e == nil && n >= 0 {
			db = n
		}
	}
	return &redis.Options{
		Addr:        host + ":" + port,
		Password:    os.Getenv("REDIS_PASS"),
		DB:          db,
		DialTimeout: 2 * time.Second,
	}
}

// 文档注释：从环境变量打开 Redis 并探活
// 背景：缓存是可选项；连不上时由调用方降级为无缓存运行，因此这里探活失败会关闭客户端并返回错误。
func OpenRedisFromEnv(ctx context.Context) (*redis.Client, error) {
	opts := RedisOptionsFromEnv()
	logger.L().Debug("redis_env", "addr", opts.Addr, "db", opts.DB)
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
