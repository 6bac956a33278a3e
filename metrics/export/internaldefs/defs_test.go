package internaldefs

import (
	"strings"
	"testing"

	"github.com/groovybytes/dashauth"
)

func TestCounterDefsUniqueAndPrefixed(t *testing.T) {
	seenID := map[dashauth.MetricID]bool{}
	seenName := map[string]bool{}
	for _, def := range CounterDefs {
		if seenID[def.ID] || seenName[def.Name] {
			t.Fatalf("duplicate counter def %q", def.Name)
		}
		seenID[def.ID] = true
		seenName[def.Name] = true
		if !strings.HasPrefix(def.Name, "dashauth_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("counter %q must be dashauth_*_total", def.Name)
		}
	}
	for _, def := range HistogramDefs {
		if seenID[def.ID] {
			t.Fatalf("histogram %q reuses a counter id", def.Name)
		}
	}
}

func TestBucketTablesAgree(t *testing.T) {
	if len(HistogramBoundSuffix) != len(HistogramUpperBounds)+1 {
		t.Fatalf("suffixes=%d bounds=%d", len(HistogramBoundSuffix), len(HistogramUpperBounds))
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}
