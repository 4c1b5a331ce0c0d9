package assess

import (
	"errors"
	"math"
	"testing"

	"parcel-iou/internal/dataset"
	"parcel-iou/internal/geom"
	"parcel-iou/internal/spindex"
)

const (
	unitSquare = "POLYGON((0 0, 1 0, 1 1, 0 1, 0 0))"
	shifted    = "POLYGON((0.5 0.5, 1.5 0.5, 1.5 1.5, 0.5 1.5, 0.5 0.5))"
	farSquare  = "POLYGON((2 2, 3 2, 3 3, 2 3, 2 2))"
	bowtie     = "POLYGON((0 0, 1 1, 1 0, 0 1, 0 0))"
	// 包围盒与单位正方形相交，几何本身不相交
	lShape = "POLYGON((1.2 -1, 2 -1, 2 2, -1 2, -1 1.2, 1.2 1.2, 1.2 -1))"
)

func mustGeom(t *testing.T, wkt string) *geom.Geometry {
	t.Helper()
	g, err := geom.FromWKT(wkt)
	if err != nil {
		t.Fatalf("FromWKT(%q): %v", wkt, err)
	}
	return g
}

func predSet(t *testing.T, wkts ...string) (*dataset.Dataset, *spindex.Index) {
	t.Helper()
	ds := &dataset.Dataset{IDField: "pid"}
	for i, w := range wkts {
		rec := dataset.Record{Position: i, ID: string(rune('a' + i))}
		if w != "" {
			rec.Geom = mustGeom(t, w)
		}
		ds.Records = append(ds.Records, rec)
	}
	return ds, spindex.Build(ds)
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestIoU(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		want    float64
		wantErr error
	}{
		{"scenario A", unitSquare, shifted, 0.25 / 1.75, nil},
		{"self match", unitSquare, unitSquare, 1, nil},
		{"disjoint", unitSquare, farSquare, 0, nil},
		{"contained", "POLYGON((0 0, 4 0, 4 4, 0 4, 0 0))", "POLYGON((1 1, 2 1, 2 2, 1 2, 1 1))", 1.0 / 16, nil},
		{"invalid", unitSquare, bowtie, 0, geom.ErrInvalidGeometry},
		{"degenerate", "POLYGON EMPTY", "POLYGON EMPTY", 0, ErrDegenerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := mustGeom(t, tt.a), mustGeom(t, tt.b)
			got, err := IoU(a, b)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("IoU() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("IoU() error = %v", err)
			}
			if !near(got, tt.want) {
				t.Errorf("IoU() = %v, want %v", got, tt.want)
			}
			rev, err := IoU(b, a)
			if err != nil || !near(rev, got) {
				t.Errorf("IoU(b, a) = %v, %v; want %v (symmetry)", rev, err, got)
			}
			if got < 0 || got > 1 {
				t.Errorf("IoU() = %v outside [0,1]", got)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	ref := mustGeom(t, unitSquare)

	t.Run("strict refinement", func(t *testing.T) {
		preds, idx := predSet(t, shifted, farSquare, lShape, "")
		got := Resolve(ref, preds, idx)
		if len(got) != 1 || got[0].ID != "a" {
			t.Fatalf("Resolve() = %+v, want only candidate a", got)
		}
		for _, c := range got {
			hit, err := ref.Intersects(c.Geom)
			if err != nil || !hit {
				t.Errorf("candidate %s does not intersect the reference", c.ID)
			}
		}
	})

	t.Run("invalid candidate kept", func(t *testing.T) {
		preds, idx := predSet(t, bowtie)
		if got := Resolve(ref, preds, idx); len(got) != 1 {
			t.Errorf("Resolve() = %d candidates, want 1", len(got))
		}
	})

	t.Run("stale positions dropped", func(t *testing.T) {
		preds, idx := predSet(t, farSquare, shifted)
		preds.Records = preds.Records[:1]
		if got := Resolve(ref, preds, idx); len(got) != 0 {
			t.Errorf("Resolve() = %+v, want none", got)
		}
	})

	t.Run("nil inputs", func(t *testing.T) {
		preds, idx := predSet(t, shifted)
		if got := Resolve(nil, preds, idx); got != nil {
			t.Errorf("Resolve(nil ref) = %+v", got)
		}
		if got := Resolve(ref, preds, nil); got != nil {
			t.Errorf("Resolve(nil index) = %+v", got)
		}
	})
}

func TestBestMeasure(t *testing.T) {
	ref := mustGeom(t, unitSquare)

	t.Run("scenario B", func(t *testing.T) {
		preds, idx := predSet(t, unitSquare, farSquare)
		cands := Resolve(ref, preds, idx)
		m := BestMeasure(ref, cands)
		if !m.Defined || !near(m.Value, 1) {
			t.Fatalf("BestMeasure() = %+v, want defined 1.0", m)
		}
		if m.Best == nil || m.Best.ID != "a" {
			t.Errorf("Best = %+v, want candidate a", m.Best)
		}
		if len(m.Pairs) != 1 {
			t.Errorf("pairs scored = %d, want 1 (disjoint never scored)", len(m.Pairs))
		}
	})

	t.Run("maximum over candidates", func(t *testing.T) {
		preds, idx := predSet(t, shifted, "POLYGON((0 0, 1 0, 1 0.9, 0 0.9, 0 0))")
		m := BestMeasure(ref, Resolve(ref, preds, idx))
		if !m.Defined || !near(m.Value, 0.9) || m.Best.ID != "b" {
			t.Errorf("BestMeasure() = %v via %+v, want 0.9 via b", m.Value, m.Best)
		}
	})

	t.Run("scenario D fallback", func(t *testing.T) {
		preds, idx := predSet(t, bowtie, shifted)
		m := BestMeasure(ref, Resolve(ref, preds, idx))
		if !m.Defined || !near(m.Value, 0.25/1.75) {
			t.Fatalf("BestMeasure() = %+v, want %v", m, 0.25/1.75)
		}
		var invalid int
		for _, p := range m.Pairs {
			if p.Status == Invalid {
				invalid++
				if !errors.Is(p.Err, geom.ErrInvalidGeometry) {
					t.Errorf("invalid pair err = %v", p.Err)
				}
			}
		}
		if invalid != 1 {
			t.Errorf("invalid pairs = %d, want 1", invalid)
		}
	})

	t.Run("scenario D only candidate", func(t *testing.T) {
		preds, idx := predSet(t, bowtie)
		m := BestMeasure(ref, Resolve(ref, preds, idx))
		if m.Defined || m.Reason != ReasonAllInvalid {
			t.Errorf("BestMeasure() = %+v, want undefined all_invalid", m)
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		m := BestMeasure(ref, nil)
		if m.Defined || m.Reason != ReasonNoCandidates || len(m.Pairs) != 0 {
			t.Errorf("BestMeasure() = %+v, want undefined no_candidates", m)
		}
	})

	t.Run("tie keeps first", func(t *testing.T) {
		cands := []Candidate{
			{Position: 0, ID: "first", Geom: mustGeom(t, unitSquare)},
			{Position: 1, ID: "second", Geom: mustGeom(t, unitSquare)},
		}
		m := BestMeasure(ref, cands)
		if m.Best == nil || m.Best.ID != "first" {
			t.Errorf("Best = %+v, want first", m.Best)
		}
	})
}

type constMetric float64

func (c constMetric) Name() string                            { return "const" }
func (c constMetric) Pair(_, _ *geom.Geometry) (float64, error) { return float64(c), nil }

func TestEngineCustomMetric(t *testing.T) {
	ref := mustGeom(t, unitSquare)
	e := NewEngine(constMetric(0.5))
	m := e.Best(ref, []Candidate{{ID: "x", Geom: mustGeom(t, farSquare)}})
	if !m.Defined || m.Value != 0.5 {
		t.Errorf("Best() = %+v, want 0.5", m)
	}
	if NewEngine(nil).Metric.Name() != "iou" {
		t.Error("default metric should be iou")
	}
}

func TestPairStatusString(t *testing.T) {
	for s, want := range map[PairStatus]string{Scored: "scored", Invalid: "invalid", Degenerate: "degenerate", 9: "PairStatus(9)"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
