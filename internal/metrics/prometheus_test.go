package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	// Touch some metrics so they appear in the output.
	// Vec metrics only show up after WithLabelValues() is called.
	TierBytes.WithLabelValues("TEST", "memory").Set(0)
	TierItems.WithLabelValues("TEST", "file").Set(0)
	Migrations.WithLabelValues("TEST").Add(0)
	DiskEvictions.WithLabelValues("TEST").Add(0)
	StoreWaits.WithLabelValues("TEST", "memory").Add(0)
	BufferStopped.WithLabelValues("TEST").Set(0)
	VersionPuts.WithLabelValues("ok").Add(0)
	ArchiveUploadDuration.Observe(0)
	ArchiveUploadErrors.WithLabelValues("timeout").Add(0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"tb_tier_bytes",
		"tb_tier_items",
		"tb_migrations_total",
		"tb_disk_evictions_total",
		"tb_store_waits_total",
		"tb_buffer_stopped",
		"tb_version_puts_total",
		"tb_archive_upload_duration_seconds",
		"tb_archive_upload_errors_total",
	}

	for _, name := range expectedMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to contain %q", name)
		}
	}

	// Verify content type includes text/plain (Prometheus exposition format)
	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("expected text/plain or openmetrics content type, got %s", ct)
	}
}
