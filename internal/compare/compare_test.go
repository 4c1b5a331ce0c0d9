package compare

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"parcel-iou/internal/assess"
	"parcel-iou/internal/config"
	"parcel-iou/internal/dataset"
	"parcel-iou/internal/spindex"
)

const (
	unitSquare = "[[0,0],[1,0],[1,1],[0,1],[0,0]]"
	shifted    = "[[0.5,0.5],[1.5,0.5],[1.5,1.5],[0.5,1.5],[0.5,0.5]]"
	farSquare  = "[[2,2],[3,2],[3,3],[2,3],[2,2]]"
	bowtie     = "[[0,0],[1,1],[1,0],[0,1],[0,0]]"
)

// square 返回以 (x, y) 为左下角、边长 s 的外环坐标
func square(x, y, s float64) string {
	return fmt.Sprintf("[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]", x, y, x+s, y, x+s, y+s, x, y+s, x, y)
}

// writeParcels 写出 GeoJSON；rings 中的空串表示 null 几何
func writeParcels(t *testing.T, dir, name string, rings ...string) string {
	t.Helper()
	var feats []string
	for i, r := range rings {
		g := "null"
		if r != "" {
			g = fmt.Sprintf(`{"type":"Polygon","coordinates":[%s]}`, r)
		}
		feats = append(feats, fmt.Sprintf(`{"type":"Feature","properties":{"geoid":%d},"geometry":%s}`, i+1, g))
	}
	body := `{"type":"FeatureCollection","features":[` + strings.Join(feats, ",") + `]}`
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runConfig(ref, pred string) config.Config {
	return config.Config{RefPath: ref, RefIDField: "geoid", PredPath: pred, PredIDField: "geoid", Workers: 1}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRunScenarios(t *testing.T) {
	tests := []struct {
		name         string
		refs         []string
		preds        []string
		wantCount    int
		wantAverage  float64
		wantNoCand   int
		wantInvalid  int
		wantAllInval int
	}{
		{"A partial overlap", []string{unitSquare}, []string{shifted}, 1, 0.25 / 1.75, 0, 0, 0},
		{"B identical and disjoint", []string{unitSquare}, []string{unitSquare, farSquare}, 1, 1, 0, 0, 0},
		{"C no candidates", []string{unitSquare}, []string{farSquare}, 0, 0, 1, 0, 0},
		{"D invalid skipped", []string{unitSquare}, []string{bowtie, shifted}, 1, 0.25 / 1.75, 0, 1, 0},
		{"D only invalid", []string{unitSquare}, []string{bowtie}, 0, 0, 0, 1, 1},
		{"null reference", []string{"", unitSquare}, []string{unitSquare}, 1, 1, 1, 0, 0},
		{"average excludes undefined", []string{unitSquare, square(10, 10, 1), square(2, 2, 1)}, []string{shifted, farSquare}, 2, (0.25/1.75 + 1) / 2, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ref := writeParcels(t, dir, "ref.geojson", tt.refs...)
			pred := writeParcels(t, dir, "pred.geojson", tt.preds...)

			c := New(runConfig(ref, pred))
			res, err := c.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if c.State() != StateDone {
				t.Errorf("State() = %s, want DONE", c.State())
			}
			s := res.Summary
			if s.Count != tt.wantCount || s.NoCandidates != tt.wantNoCand || s.InvalidPairs != tt.wantInvalid || s.AllInvalid != tt.wantAllInval {
				t.Errorf("Summary = %+v", s)
			}
			if s.References != len(tt.refs) || len(res.Polygons) != len(tt.refs) {
				t.Errorf("References = %d, polygons = %d, want %d", s.References, len(res.Polygons), len(tt.refs))
			}
			avg, err := s.Mean()
			if tt.wantCount == 0 {
				if !errors.Is(err, ErrInsufficientData) {
					t.Errorf("Mean() error = %v, want ErrInsufficientData", err)
				}
				return
			}
			if err != nil || !near(avg, tt.wantAverage) {
				t.Errorf("Mean() = %v, %v; want %v", avg, err, tt.wantAverage)
			}
			if !near(s.Total/float64(s.Count), avg) {
				t.Errorf("average %v != total/count %v", avg, s.Total/float64(s.Count))
			}
		})
	}
}

func TestRunPersistsAndReusesIndex(t *testing.T) {
	dir := t.TempDir()
	ref := writeParcels(t, dir, "ref.geojson", unitSquare)
	pred := writeParcels(t, dir, "pred.geojson", shifted)

	first, err := New(runConfig(ref, pred)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.Provenance != spindex.Built {
		t.Errorf("first provenance = %s, want built", first.Provenance)
	}
	if !spindex.Exists(filepath.Join(dir, "pred")) {
		t.Fatal("index companion files not written next to the predicted dataset")
	}
	second, err := New(runConfig(ref, pred)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Provenance != spindex.Loaded {
		t.Errorf("second provenance = %s, want loaded", second.Provenance)
	}
	if second.Summary != first.Summary {
		t.Errorf("summary changed with a reused index: %+v vs %+v", second.Summary, first.Summary)
	}
	if first.RunID == "" || first.RunID == second.RunID {
		t.Errorf("run ids %q and %q should be distinct", first.RunID, second.RunID)
	}
}

func TestRunMissingInput(t *testing.T) {
	dir := t.TempDir()
	pred := writeParcels(t, dir, "pred.geojson", shifted)

	c := New(runConfig(filepath.Join(dir, "absent.shp"), pred))
	res, err := c.Run(context.Background())
	if !errors.Is(err, dataset.ErrMissingInput) {
		t.Fatalf("Run() error = %v, want ErrMissingInput", err)
	}
	if res != nil {
		t.Errorf("Run() result = %+v, want nil", res)
	}
	if c.State() != StateInit {
		t.Errorf("State() = %s, want INIT", c.State())
	}
}

func TestRunWorkerCountInvariant(t *testing.T) {
	if testing.Short() {
		t.Skip("grid comparison in short mode")
	}
	dir := t.TempDir()
	var refs, preds []string
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			refs = append(refs, square(float64(i), float64(j), 1))
			preds = append(preds, square(float64(i)+0.1*float64(i%4), float64(j)+0.05*float64(j%3), 0.9+0.02*float64((i+j)%5)))
		}
	}
	refs = append(refs, square(100, 100, 1))
	ref := writeParcels(t, dir, "ref.geojson", refs...)
	pred := writeParcels(t, dir, "pred.geojson", preds...)

	var want Summary
	for _, n := range []int{1, 2, 4, 7} {
		res, err := New(runConfig(ref, pred), WithWorkers(n)).Run(context.Background())
		if err != nil {
			t.Fatalf("workers=%d: %v", n, err)
		}
		if n == 1 {
			want = res.Summary
			if want.Count != 144 || want.NoCandidates != 1 {
				t.Fatalf("baseline summary = %+v", want)
			}
			continue
		}
		if res.Summary != want {
			t.Errorf("workers=%d summary = %+v, want %+v", n, res.Summary, want)
		}
	}
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	ref := writeParcels(t, dir, "ref.geojson", unitSquare)
	pred := writeParcels(t, dir, "pred.geojson", shifted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(runConfig(ref, pred)).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
	puts int
	fail bool
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (m *memCache) Get(_ context.Context, key string) (assess.Measure, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.fail {
		return assess.Measure{}, false, errors.New("connection refused")
	}
	b, ok := m.data[key]
	if !ok {
		return assess.Measure{}, false, nil
	}
	meas, err := decodeMeasure(b)
	return meas, err == nil, err
}

func (m *memCache) Put(_ context.Context, key string, meas assess.Measure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	b, err := encodeMeasure(meas)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func TestRunWithCache(t *testing.T) {
	dir := t.TempDir()
	ref := writeParcels(t, dir, "ref.geojson", unitSquare, farSquare, "")
	pred := writeParcels(t, dir, "pred.geojson", bowtie, shifted)
	cache := newMemCache()

	first, err := New(runConfig(ref, pred), WithCache(cache)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cache.data) != 2 {
		t.Errorf("cached entries = %d, want 2 (null geometry is not cached)", len(cache.data))
	}
	second, err := New(runConfig(ref, pred), WithCache(cache)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Summary != first.Summary {
		t.Errorf("cached summary = %+v, want %+v", second.Summary, first.Summary)
	}
	p := second.Polygons[0]
	if !p.Cached || p.Measure.Best == nil || p.Measure.Best.ID != "2" {
		t.Errorf("cached polygon = %+v, want cached best 2", p)
	}

	t.Run("failing cache degrades", func(t *testing.T) {
		bad := newMemCache()
		bad.fail = true
		res, err := New(runConfig(ref, pred), WithCache(bad)).Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Summary != first.Summary {
			t.Errorf("summary = %+v, want %+v", res.Summary, first.Summary)
		}
		if bad.gets != 1 {
			t.Errorf("cache Get calls = %d, want 1 before disabling", bad.gets)
		}
	})
}

func TestRunStaleIndexSkipsCacheWrites(t *testing.T) {
	dir := t.TempDir()
	ref := writeParcels(t, dir, "ref.geojson", unitSquare, square(5, 5, 1))
	pred := writeParcels(t, dir, "pred.geojson", shifted, square(5, 5, 1))
	ctx := context.Background()

	// 首次运行在 pred 旁写出索引
	if _, err := New(runConfig(ref, pred)).Run(ctx); err != nil {
		t.Fatal(err)
	}
	// 预测集内容变化后，已有索引按默认策略被复用
	writeParcels(t, dir, "pred.geojson", unitSquare, square(5, 5, 1))

	stale := newMemCache()
	res, err := New(runConfig(ref, pred), WithCache(stale)).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provenance != spindex.Loaded {
		t.Fatalf("provenance = %s, want loaded", res.Provenance)
	}
	if stale.gets != 2 || stale.puts != 0 || len(stale.data) != 0 {
		t.Errorf("stale index: gets %d puts %d entries %d; want 2, 0, 0", stale.gets, stale.puts, len(stale.data))
	}

	cfg := runConfig(ref, pred)
	cfg.IndexVerify = true
	fresh := newMemCache()
	res, err = New(cfg, WithCache(fresh)).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provenance != spindex.Rebuilt {
		t.Fatalf("provenance = %s, want rebuilt", res.Provenance)
	}
	if fresh.puts != 2 {
		t.Errorf("rebuilt index: puts = %d, want 2", fresh.puts)
	}
}

func TestCacheKey(t *testing.T) {
	got := CacheKey("iou", 0xab, 0xcd, 3, "p-7")
	if got != "parceliou:iou:00000000000000ab:00000000000000cd:3:p-7" {
		t.Errorf("CacheKey() = %q", got)
	}
}

func TestAccumulatorStats(t *testing.T) {
	var acc Accumulator
	for _, v := range []float64{0.2, 0.8, 0.5, 0.9} {
		acc = acc.Add(assess.Measure{Defined: true, Value: v})
	}
	acc = acc.Add(assess.Measure{Reason: assess.ReasonNoCandidates})
	acc = acc.Add(assess.Measure{Reason: assess.ReasonAllInvalid, Pairs: []assess.PairResult{{Status: assess.Invalid}, {Status: assess.Degenerate}}})

	s := acc.Summary("iou")
	if s.Count != 4 || s.References != 6 || s.NoCandidates != 1 || s.AllInvalid != 1 || s.InvalidPairs != 1 || s.DegeneratePairs != 1 {
		t.Errorf("counts = %+v", s)
	}
	if !near(s.Total, 2.4) || !near(s.Average, 0.6) {
		t.Errorf("Total = %v, Average = %v; want 2.4, 0.6", s.Total, s.Average)
	}
	if s.Min != 0.2 || s.Max != 0.9 || s.Median != 0.5 {
		t.Errorf("Min/Median/Max = %v/%v/%v", s.Min, s.Median, s.Max)
	}
	if s.StdDev <= 0 {
		t.Errorf("StdDev = %v, want > 0", s.StdDev)
	}

	one := Accumulator{}.Add(assess.Measure{Defined: true, Value: 0.7}).Summary("iou")
	if one.StdDev != 0 || one.Median != 0.7 {
		t.Errorf("single value summary = %+v", one)
	}
	if _, err := (Accumulator{}).Summary("iou").Mean(); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("empty Mean() error = %v", err)
	}
}

func TestAccumulatorBranches(t *testing.T) {
	var parent Accumulator
	for _, v := range []float64{0.1, 0.2, 0.3} {
		parent = parent.Add(assess.Measure{Defined: true, Value: v})
	}
	// 追加前先留出容量，旧实现下两个分支会写同一底层数组
	parent.values = append(make([]float64, 0, 8), parent.values...)

	low := parent.Add(assess.Measure{Defined: true, Value: 0.0})
	high := parent.Add(assess.Measure{Defined: true, Value: 1.0})

	if s := low.Summary("iou"); s.Count != 4 || s.Min != 0.0 || s.Max != 0.3 {
		t.Errorf("low branch = count %d min %v max %v; want 4, 0, 0.3", s.Count, s.Min, s.Max)
	}
	if s := high.Summary("iou"); s.Count != 4 || s.Min != 0.1 || s.Max != 1.0 {
		t.Errorf("high branch = count %d min %v max %v; want 4, 0.1, 1", s.Count, s.Min, s.Max)
	}
	if s := parent.Summary("iou"); s.Count != 3 || s.Max != 0.3 {
		t.Errorf("parent = count %d max %v; want 3, 0.3", s.Count, s.Max)
	}
}

func TestStateString(t *testing.T) {
	want := []string{"INIT", "INDEX_READY", "ITERATING", "DONE"}
	for i, w := range want {
		if got := State(i).String(); got != w {
			t.Errorf("State(%d) = %q, want %q", i, got, w)
		}
	}
}
