package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ReferencesTotal.WithLabelValues("scored"))
	ReferencesTotal.WithLabelValues("scored").Inc()
	ReferencesTotal.WithLabelValues("scored").Inc()
	if got := testutil.ToFloat64(ReferencesTotal.WithLabelValues("scored")); got != before+2 {
		t.Errorf("references_total{scored} = %v, want %v", got, before+2)
	}
}

func TestWriteTextfile(t *testing.T) {
	PairsTotal.WithLabelValues("invalid").Inc()
	RunDurationSeconds.Set(1.5)

	path := filepath.Join(t.TempDir(), "parceliou.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(raw)
	for _, want := range []string{
		`parceliou_pairs_total{status="invalid"}`,
		"parceliou_run_duration_seconds 1.5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "go_goroutines") {
		t.Error("textfile should not contain default process collectors")
	}
}
