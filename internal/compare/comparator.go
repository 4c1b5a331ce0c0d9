// 包 compare：数据集比对流程（打开数据集 → 获取索引 → 逐参考多边形解析候选并度量 → 折叠汇总）
package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"parcel-iou/internal/assess"
	"parcel-iou/internal/config"
	"parcel-iou/internal/dataset"
	"parcel-iou/internal/logger"
	"parcel-iou/internal/metrics"
	"parcel-iou/internal/spindex"
)

// State：比对器生命周期
type State int

const (
	StateInit State = iota
	StateIndexReady
	StateIterating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIndexReady:
		return "INDEX_READY"
	case StateIterating:
		return "ITERATING"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PolygonResult：单个参考多边形的比对结果
type PolygonResult struct {
	Position int
	RefID    string
	Measure  assess.Measure
	Cached   bool
}

// Result：一次运行的完整结果；Polygons 按参考数据集顺序排列
type Result struct {
	RunID      string
	Summary    Summary
	Polygons   []PolygonResult
	Provenance spindex.Provenance
	Duration   time.Duration
}

// Option：比对器可选项
type Option func(*Comparator)

func WithLogger(l *slog.Logger) Option { return func(c *Comparator) { c.log = l } }

// WithCache：nil 表示不使用缓存
func WithCache(mc MeasureCache) Option { return func(c *Comparator) { c.cache = mc } }

func WithMetric(m assess.Metric) Option { return func(c *Comparator) { c.engine = assess.NewEngine(m) } }

// WithWorkers：覆盖配置中的并发度；小于 1 视为 1
func WithWorkers(n int) Option { return func(c *Comparator) { c.workers = n } }

// 文档注释：数据集比对器
// 背景：一次运行对应一个比对器；索引在进入逐多边形循环前获取一次，之后索引与两个数据集均只读，可由多个协程共享。
// 约束：
// - 状态只前进 INIT → INDEX_READY → ITERATING → DONE；
// - 任一输入缺失时不计算任何度量，直接返回包装了 dataset.ErrMissingInput 的错误；
// - 缓存读写失败时告警一次并在本次运行内停用缓存；
// - 复用了与预测集不一致的索引时只读缓存，不写入。
type Comparator struct {
	cfg     config.Config
	log     *slog.Logger
	cache   MeasureCache
	engine  *assess.Engine
	workers int

	mu    sync.Mutex
	state State

	cacheOff      atomic.Bool
	cacheReadOnly bool
}

// New：cfg 应已通过 Validate
func New(cfg config.Config, opts ...Option) *Comparator {
	c := &Comparator{cfg: cfg, workers: cfg.Workers}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.L()
	}
	if c.engine == nil {
		c.engine = assess.NewEngine(nil)
	}
	if c.workers < 1 {
		c.workers = 1
	}
	return c
}

// State：当前状态
func (c *Comparator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Comparator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.log.Debug("state_transition", "from", prev.String(), "to", s.String())
}

// Run：执行一次完整比对
func (c *Comparator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := c.log.With("run_id", runID)

	ref, err := c.open(ctx, log, "reference", c.cfg.RefPath, c.cfg.RefIDField)
	if err != nil {
		return nil, err
	}
	pred, err := c.open(ctx, log, "predicted", c.cfg.PredPath, c.cfg.PredIDField)
	if err != nil {
		return nil, err
	}

	idx, prov := spindex.Obtain(pred, spindex.Options{Base: c.cfg.IndexPath, Verify: c.cfg.IndexVerify})
	metrics.IndexObtainedTotal.WithLabelValues(string(prov)).Inc()
	log.Info("index_ready", "provenance", string(prov), "entries", idx.Len())
	// 过期索引得到的度量不能以当前指纹写入缓存
	c.cacheReadOnly = c.cache != nil && !idx.Matches(pred)
	if c.cacheReadOnly {
		log.Warn("cache_writes_skipped", "reason", "stale_index")
	}
	c.setState(StateIndexReady)

	c.setState(StateIterating)
	polys, err := c.iterate(ctx, ref, pred, idx)
	if err != nil {
		return nil, err
	}
	sum := Fold(c.engine.Metric.Name(), polys)
	c.setState(StateDone)

	res := &Result{
		RunID:      runID,
		Summary:    sum,
		Polygons:   polys,
		Provenance: prov,
		Duration:   time.Since(start),
	}
	metrics.RunDurationSeconds.Set(res.Duration.Seconds())
	if avg, err := sum.Mean(); err == nil {
		metrics.AverageMeasure.WithLabelValues(sum.Metric).Set(avg)
	}
	log.Info("run_done",
		"references", sum.References,
		"count", sum.Count,
		"no_candidates", sum.NoCandidates,
		"all_invalid", sum.AllInvalid,
		"invalid_pairs", sum.InvalidPairs,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (c *Comparator) open(ctx context.Context, log *slog.Logger, role, source, idField string) (*dataset.Dataset, error) {
	ds, err := dataset.Open(ctx, source, idField)
	if err != nil {
		if errors.Is(err, dataset.ErrMissingInput) {
			log.Error("input_missing", "role", role, "err", err)
		}
		return nil, fmt.Errorf("open %s dataset: %w", role, err)
	}
	log.Info("dataset_loaded", "role", role, "records", ds.Len(), "geometries", ds.Geometries(), "fingerprint", ds.Fingerprint)
	return ds, nil
}

// 文档注释：逐参考多边形计算
// 背景：沿用通道 + WaitGroup 的工作池；每个协程只写自己负责的结果槽位，结果顺序与参考数据集一致。
// 约束：每个参考多边形开始前检查 ctx；取消后返回 ctx.Err()，不产出部分汇总。
func (c *Comparator) iterate(ctx context.Context, ref, pred *dataset.Dataset, idx *spindex.Index) ([]PolygonResult, error) {
	results := make([]PolygonResult, ref.Len())
	jobs := make(chan int, c.workers*4)
	var wg sync.WaitGroup
	for w := 0; w < c.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				if ctx.Err() != nil {
					continue
				}
				results[pos] = c.measure(ctx, ref, ref.Records[pos], pred, idx)
			}
		}()
	}
feed:
	for pos := range ref.Records {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- pos:
		}
	}
	close(jobs)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Comparator) measure(ctx context.Context, ref *dataset.Dataset, rec dataset.Record, pred *dataset.Dataset, idx *spindex.Index) PolygonResult {
	pr := PolygonResult{Position: rec.Position, RefID: rec.ID}
	if rec.Geom == nil {
		c.log.Debug("reference_null_geometry", "ref_id", rec.ID)
		pr.Measure = assess.Measure{Reason: assess.ReasonNoCandidates}
		observe(pr.Measure, 0)
		return pr
	}

	key := CacheKey(c.engine.Metric.Name(), ref.Fingerprint, pred.Fingerprint, rec.Position, rec.ID)
	if m, ok := c.cacheGet(ctx, key); ok {
		pr.Measure = m
		pr.Cached = true
		observe(m, len(m.Pairs))
		return pr
	}

	cands := assess.Resolve(rec.Geom, pred, idx)
	m := c.engine.Best(rec.Geom, cands)
	if m.Reason == assess.ReasonNoCandidates {
		c.log.Debug("reference_no_candidates", "ref_id", rec.ID)
	}
	pr.Measure = m
	observe(m, len(cands))
	c.cachePut(ctx, key, m)
	return pr
}

func observe(m assess.Measure, candidates int) {
	metrics.CandidatesPerReference.Observe(float64(candidates))
	for _, p := range m.Pairs {
		metrics.PairsTotal.WithLabelValues(p.Status.String()).Inc()
	}
	if m.Defined {
		metrics.ReferencesTotal.WithLabelValues("scored").Inc()
		metrics.BestMeasure.Observe(m.Value)
		return
	}
	metrics.ReferencesTotal.WithLabelValues(string(m.Reason)).Inc()
}

func (c *Comparator) cacheGet(ctx context.Context, key string) (assess.Measure, bool) {
	if c.cache == nil || c.cacheOff.Load() {
		return assess.Measure{}, false
	}
	m, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.disableCache(err)
		return assess.Measure{}, false
	}
	if ok {
		metrics.CacheHitsTotal.Inc()
	} else {
		metrics.CacheMissesTotal.Inc()
	}
	return m, ok
}

func (c *Comparator) cachePut(ctx context.Context, key string, m assess.Measure) {
	if c.cache == nil || c.cacheReadOnly || c.cacheOff.Load() {
		return
	}
	if err := c.cache.Put(ctx, key, m); err != nil {
		c.disableCache(err)
	}
}

func (c *Comparator) disableCache(err error) {
	if c.cacheOff.CompareAndSwap(false, true) {
		c.log.Warn("cache_disabled", "err", err)
	}
}
