package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/tiered-buffer/internal/config"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is a dependency that can report its own reachability.
type Pinger interface {
	Ping() error
}

// ContextPinger is a remote dependency probed with a deadline.
type ContextPinger interface {
	Ping(ctx context.Context) error
}

// Runner reports whether a background component is still running.
type Runner interface {
	Running() bool
}

// HealthChecker runs health probes. Nil dependencies are skipped.
type HealthChecker struct {
	meta    Pinger
	archive ContextPinger
	buffer  Runner
}

func NewHealthChecker(metaStore Pinger, archive ContextPinger, buffer Runner) *HealthChecker {
	return &HealthChecker{
		meta:    metaStore,
		archive: archive,
		buffer:  buffer,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.buffer != nil {
		if h.buffer.Running() {
			status.Checks = append(status.Checks, Check{Name: "buffer", Status: "running"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "buffer", Status: "stopped"})
		}
	}

	if h.meta != nil {
		if err := h.meta.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "metadata", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "metadata", Status: "ok",
			})
		}
	}

	if h.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.archive.Ping(ctx); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "s3", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "s3", Status: "ok",
			})
		}
	}

	return status
}

// Handler serves the liveness and readiness endpoints.
func (h *HealthChecker) Handler(cfg config.HealthConfig) http.Handler {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: checker.Handler(cfg),
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
