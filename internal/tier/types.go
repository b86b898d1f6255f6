package tier

import (
	"github.com/gftdcojp/tiered-buffer/internal/types"
)

// Re-export types for convenience.
type Tier = types.Tier
type TierStats = types.TierStats
type Key = types.Key
type PopFunc = types.PopFunc

// Re-export constants.
const (
	TierMemory = types.TierMemory
	TierFile   = types.TierFile
)

// Config holds the limits and collaborators of a Buffer.
type Config struct {
	// Name labels the buffer in logs and metrics.
	Name      string
	MaxMemory uint64
	MaxDisk   uint64
	// DiskDir holds one file per value. Empty means a fresh temporary
	// directory, removed by Close.
	DiskDir string
	// Pop, if set, receives values evicted from a full disk tier. Without it
	// disk admission waits for Delete to free space.
	Pop PopFunc
}

// Stats reports usage of both tiers.
type Stats struct {
	Memory  TierStats
	Disk    TierStats
	Running bool
}
