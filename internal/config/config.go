package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Buffer        BufferConfig        `yaml:"buffer"`
	Versions      VersionsConfig      `yaml:"versions"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type BufferConfig struct {
	Name      string   `yaml:"name"`
	MaxMemory ByteSize `yaml:"max_memory"`
	MaxDisk   ByteSize `yaml:"max_disk"`
	// DiskDir is created if missing. Empty means a temporary directory
	// removed on shutdown.
	DiskDir string `yaml:"disk_dir"`
	// ReportInterval is how often the daemon logs tier usage.
	ReportInterval Duration `yaml:"report_interval"`
}

type VersionsConfig struct {
	MaxVersions uint32 `yaml:"max_versions"`
	MaxBranches uint32 `yaml:"max_branches"`
}

// ArchiveConfig describes the S3-compatible bucket receiving values popped
// from the disk tier.
type ArchiveConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Endpoint        string   `yaml:"endpoint"`
	Region          string   `yaml:"region"`
	Bucket          string   `yaml:"bucket"`
	Prefix          string   `yaml:"prefix"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	ForcePathStyle  bool     `yaml:"force_path_style"`
	StorageClass    string   `yaml:"storage_class"`
	UploadTimeout   Duration `yaml:"upload_timeout"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Buffer.MaxMemory <= 0 {
		return fmt.Errorf("buffer.max_memory must be > 0")
	}
	if c.Buffer.MaxDisk <= 0 {
		return fmt.Errorf("buffer.max_disk must be > 0")
	}
	if c.Buffer.MaxMemory > c.Buffer.MaxDisk {
		return fmt.Errorf("buffer.max_memory (%d) must not exceed buffer.max_disk (%d)", c.Buffer.MaxMemory, c.Buffer.MaxDisk)
	}

	if c.Versions.MaxVersions == 0 {
		return fmt.Errorf("versions.max_versions must be >= 1")
	}
	if c.Versions.MaxBranches == 0 {
		return fmt.Errorf("versions.max_branches must be >= 1")
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return fmt.Errorf("archive requires endpoint")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive requires bucket")
		}
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	switch c.Observability.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("observability.logging.format must be json or console, got %q", c.Observability.Logging.Format)
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

// Bytes returns b as an unsigned count; negative sizes read as zero.
func (b ByteSize) Bytes() uint64 {
	if b < 0 {
		return 0
	}
	return uint64(b)
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
