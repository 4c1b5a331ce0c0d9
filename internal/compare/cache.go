package compare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"parcel-iou/internal/assess"
)

// MeasureCache：逐多边形度量缓存；Get 未命中返回 ok=false 且 err=nil
type MeasureCache interface {
	Get(ctx context.Context, key string) (assess.Measure, bool, error)
	Put(ctx context.Context, key string, m assess.Measure) error
}

// CacheKey：度量名 + 两个数据集指纹 + 参考记录序号与标识；任一数据集变化即整体失效
func CacheKey(metric string, refFP, predFP uint64, pos int, refID string) string {
	return fmt.Sprintf("parceliou:%s:%016x:%016x:%d:%s", metric, refFP, predFP, pos, refID)
}

type cachedPair struct {
	Position int               `json:"pos"`
	ID       string            `json:"id"`
	Status   assess.PairStatus `json:"status"`
	Value    float64           `json:"value"`
}

// cachedMeasure：不含几何；Best 以下标指向 Pairs
type cachedMeasure struct {
	Defined bool          `json:"defined"`
	Value   float64       `json:"value"`
	Reason  assess.Reason `json:"reason,omitempty"`
	Best    int           `json:"best"`
	Pairs   []cachedPair  `json:"pairs,omitempty"`
}

func encodeMeasure(m assess.Measure) ([]byte, error) {
	cm := cachedMeasure{Defined: m.Defined, Value: m.Value, Reason: m.Reason, Best: -1}
	for i, p := range m.Pairs {
		cm.Pairs = append(cm.Pairs, cachedPair{Position: p.Candidate.Position, ID: p.Candidate.ID, Status: p.Status, Value: p.Value})
		if m.Best == &m.Pairs[i].Candidate {
			cm.Best = i
		}
	}
	return json.Marshal(cm)
}

func decodeMeasure(b []byte) (assess.Measure, error) {
	var cm cachedMeasure
	if err := json.Unmarshal(b, &cm); err != nil {
		return assess.Measure{}, err
	}
	m := assess.Measure{Defined: cm.Defined, Value: cm.Value, Reason: cm.Reason}
	if len(cm.Pairs) > 0 {
		m.Pairs = make([]assess.PairResult, len(cm.Pairs))
		for i, p := range cm.Pairs {
			m.Pairs[i] = assess.PairResult{
				Candidate: assess.Candidate{Position: p.Position, ID: p.ID},
				Status:    p.Status,
				Value:     p.Value,
			}
		}
	}
	if cm.Best >= 0 && cm.Best < len(m.Pairs) {
		m.Best = &m.Pairs[cm.Best].Candidate
	}
	return m, nil
}

// RedisCache：以 JSON 保存度量，带 TTL
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (assess.Measure, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return assess.Measure{}, false, nil
	}
	if err != nil {
		return assess.Measure{}, false, err
	}
	m, err := decodeMeasure(b)
	if err != nil {
		return assess.Measure{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return m, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, m assess.Measure) error {
	b, err := encodeMeasure(m)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}

// Close 关闭底层客户端
func (c *RedisCache) Close() error { return c.rdb.Close() }
