package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/tiered-buffer/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Buffer tier metrics
	TierBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_tier_bytes",
		Help: "Bytes currently held in each buffer tier",
	}, []string{"buffer", "tier"})

	TierItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_tier_items",
		Help: "Values currently held in each buffer tier",
	}, []string{"buffer", "tier"})

	Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_migrations_total",
		Help: "Values migrated from memory to disk",
	}, []string{"buffer"})

	DiskEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_disk_evictions_total",
		Help: "Values evicted from disk to the pop functor",
	}, []string{"buffer"})

	StoreWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_store_waits_total",
		Help: "Admissions that blocked waiting for tier space",
	}, []string{"buffer", "tier"})

	BufferStopped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tb_buffer_stopped",
		Help: "1 once the buffer has stopped after a fatal error or close",
	}, []string{"buffer"})

	// Version registry metrics
	VersionPuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_version_puts_total",
		Help: "Version tree puts by result",
	}, []string{"result"})

	// Archive metrics
	ArchiveUploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tb_archive_upload_duration_seconds",
		Help:    "S3 upload latency of popped values",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	ArchiveUploadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_archive_upload_errors_total",
		Help: "S3 upload failures of popped values",
	}, []string{"error_type"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
