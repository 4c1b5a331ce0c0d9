// 包 metrics：一次比对运行的 Prometheus 指标；运行结束后写出为 textfile，供 node-exporter 的 textfile collector 采集
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry：独立注册表，避免混入进程默认的 go_/process_ 指标
var Registry = prometheus.NewRegistry()

var (
	ReferencesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceliou_references_total",
		Help: "Reference polygons processed, by outcome",
	}, []string{"outcome"})
	PairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceliou_pairs_total",
		Help: "Candidate pairs evaluated, by status",
	}, []string{"status"})
	CandidatesPerReference = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parceliou_candidates_per_reference",
		Help:    "Candidates surviving refinement per reference polygon",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})
	BestMeasure = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parceliou_best_measure",
		Help:    "Distribution of per-polygon best measure",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})
	IndexObtainedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceliou_index_obtained_total",
		Help: "Spatial index acquisitions, by provenance",
	}, []string{"provenance"})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parceliou_cache_hits_total",
		Help: "Measure cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parceliou_cache_misses_total",
		Help: "Measure cache misses",
	})
	RunDurationSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parceliou_run_duration_seconds",
		Help: "Wall time of the last comparison run",
	})
	AverageMeasure = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parceliou_average_measure",
		Help: "Average best measure of the last run (absent when undefined)",
	}, []string{"metric"})
)

func init() {
	Registry.MustRegister(ReferencesTotal)
	Registry.MustRegister(PairsTotal)
	Registry.MustRegister(CandidatesPerReference)
	Registry.MustRegister(BestMeasure)
	Registry.MustRegister(IndexObtainedTotal)
	Registry.MustRegister(CacheHitsTotal)
	Registry.MustRegister(CacheMissesTotal)
	Registry.MustRegister(RunDurationSeconds)
	Registry.MustRegister(AverageMeasure)
}

// 文档注释：写出指标文件
// 背景：命令行工具没有常驻的 /metrics 端点；按 textfile collector 约定写到指定路径（内部为临时文件 + 重命名）。
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
