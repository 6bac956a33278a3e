package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/groovybytes/dashauth"
)

type fakeSource struct {
	snapshot dashauth.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() dashauth.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func scrape(t *testing.T, exp *PrometheusExporter) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestCollectEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: dashauth.MetricsSnapshot{
			Counters:   map[dashauth.MetricID]uint64{},
			Histograms: map[dashauth.MetricID][]uint64{},
		},
	})

	if n := testutil.CollectAndCount(exp); n != 0 {
		t.Fatalf("expected no metrics for disabled source, got %d", n)
	}
}

func TestScrapeIncludesCounterAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: dashauth.MetricsSnapshot{
			Counters: map[dashauth.MetricID]uint64{
				dashauth.MetricCompleteSuccess: 7,
			},
			Histograms: map[dashauth.MetricID][]uint64{
				dashauth.MetricExchangeLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := scrape(t, exp)
	for _, want := range []string{
		"dashauth_complete_success_total 7",
		`dashauth_exchange_latency_seconds_bucket{le="0.005"} 1`,
		`dashauth_exchange_latency_seconds_bucket{le="+Inf"} 36`,
		"dashauth_exchange_latency_seconds_count 36",
		"dashauth_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestCollectorLintsClean(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: dashauth.MetricsSnapshot{
			Counters:   map[dashauth.MetricID]uint64{dashauth.MetricLogout: 1},
			Histograms: map[dashauth.MetricID][]uint64{},
		},
	})

	problems, err := testutil.CollectAndLint(exp)
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("lint problems: %v", problems)
	}
}

func BenchmarkCollect(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: dashauth.MetricsSnapshot{
			Counters: map[dashauth.MetricID]uint64{
				dashauth.MetricInitiateSuccess: 1000,
				dashauth.MetricCompleteSuccess: 800,
				dashauth.MetricCompleteFailure: 40,
				dashauth.MetricSessionCreated:  800,
				dashauth.MetricStateExpired:    3,
			},
			Histograms: map[dashauth.MetricID][]uint64{
				dashauth.MetricCompleteLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = testutil.CollectAndCount(exp)
	}
}
