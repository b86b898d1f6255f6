package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/tiered-buffer/internal/blob"
	"github.com/gftdcojp/tiered-buffer/internal/config"
	"github.com/gftdcojp/tiered-buffer/internal/meta"
	"github.com/gftdcojp/tiered-buffer/internal/metrics"
	"github.com/gftdcojp/tiered-buffer/internal/tier"
	"github.com/gftdcojp/tiered-buffer/internal/versions"
	"github.com/gftdcojp/tiered-buffer/pkg/s3util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tiered-buffer %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize metadata store
	metaStore, err := meta.NewBoltStore(cfg.Metadata, logger)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	registry, err := versions.NewRegistry(metaStore, cfg.Versions, logger)
	if err != nil {
		return fmt.Errorf("creating version registry: %w", err)
	}

	// Values popped from a full disk tier go to S3 when the archive is enabled.
	var archiver *blob.Archiver
	var pop tier.PopFunc
	if cfg.Archive.Enabled {
		s3Client, err := s3util.NewClient(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		archiver = blob.NewArchiver(s3Client, cfg.Archive, logger.Named("archive"))
		pop = archiver.Pop
	}

	buffer, err := tier.New(tier.Config{
		Name:      cfg.Buffer.Name,
		MaxMemory: cfg.Buffer.MaxMemory.Bytes(),
		MaxDisk:   cfg.Buffer.MaxDisk.Bytes(),
		DiskDir:   cfg.Buffer.DiskDir,
		Pop:       pop,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating buffer %s: %w", cfg.Buffer.Name, err)
	}
	defer func() {
		if err := buffer.Close(); err != nil {
			logger.Error("error closing buffer", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return report(gctx, buffer, cfg.Buffer.ReportInterval.Duration(), logger) })

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		var archive metrics.ContextPinger
		if archiver != nil {
			archive = archiver
		}
		healthChecker := metrics.NewHealthChecker(metaStore, archive, buffer)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	keys, err := registry.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing versioned objects: %w", err)
	}

	logger.Info("tiered-buffer started",
		zap.String("version", version),
		zap.String("buffer", cfg.Buffer.Name),
		zap.String("disk_dir", buffer.Dir()),
		zap.Bool("archive", cfg.Archive.Enabled),
		zap.Int("versioned_objects", len(keys)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

// report logs tier usage every interval until ctx is done, and warns once if
// the buffer stops on its own.
func report(ctx context.Context, buffer *tier.Buffer, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := buffer.Stats()
			logger.Info("buffer usage",
				zap.Uint64("memory_bytes", stats.Memory.TotalBytes),
				zap.Uint64("memory_max", stats.Memory.CapacityMax),
				zap.Int64("memory_items", stats.Memory.ItemCount),
				zap.Uint64("disk_bytes", stats.Disk.TotalBytes),
				zap.Uint64("disk_max", stats.Disk.CapacityMax),
				zap.Int64("disk_items", stats.Disk.ItemCount),
			)
			if !stats.Running && !warned {
				logger.Error("buffer has stopped; stores will fail until restart")
				warned = true
			}
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
