package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Buffer: BufferConfig{
			Name:      "default",
			MaxMemory: ByteSize(256 * 1024 * 1024), // 256MB
			MaxDisk:   ByteSize(4 * 1024 * 1024 * 1024),

			ReportInterval: Duration(30 * time.Second),
		},
		Versions: VersionsConfig{
			MaxVersions: 100,
			MaxBranches: 10,
		},
		Archive: ArchiveConfig{
			Region:        "us-east-1",
			Prefix:        "tiered-buffer",
			UploadTimeout: Duration(30 * time.Second),
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/tiered-buffer/meta.db",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
