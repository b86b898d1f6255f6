package tier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gftdcojp/tiered-buffer/internal/file"
	"github.com/gftdcojp/tiered-buffer/internal/memory"
	"github.com/gftdcojp/tiered-buffer/internal/metrics"
	"github.com/gftdcojp/tiered-buffer/internal/types"
	"go.uber.org/zap"
)

var errClosed = errors.New("buffer closed")

// Buffer is a key/value store with a bounded memory tier in front of a
// bounded disk tier. A single background worker migrates values from memory to
// disk oldest first; memory space is reclaimed only from values already on disk.
//
// A filesystem failure stops the buffer for good: every later call fails with
// types.ErrFilesystemIO.
type Buffer struct {
	name    string
	memory  *memory.Store
	disk    *file.Store
	pop     PopFunc
	tempDir string
	logger  *zap.Logger

	mu        sync.Mutex // guards limits, stop state and metric baselines
	stopErr   error
	memWaits  uint64
	diskWaits uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a buffer and starts its migration worker.
func New(cfg Config, logger *zap.Logger) (*Buffer, error) {
	if cfg.MaxMemory > cfg.MaxDisk {
		return nil, fmt.Errorf("%w: max memory %d exceeds max disk %d", types.ErrInvalidParameter, cfg.MaxMemory, cfg.MaxDisk)
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	logger = logger.Named("buffer").With(zap.String("buffer", name))

	dir, tempDir := cfg.DiskDir, ""
	if dir == "" {
		d, err := os.MkdirTemp("", "tiered-buffer-")
		if err != nil {
			return nil, fmt.Errorf("%w: creating temp dir: %v", types.ErrUninitialised, err)
		}
		dir, tempDir = d, d
	}
	disk, err := file.NewStore(dir, cfg.MaxDisk, logger.Named("file"))
	if err != nil {
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer{
		name:    name,
		memory:  memory.NewStore(cfg.MaxMemory, logger.Named("memory")),
		disk:    disk,
		tempDir: tempDir,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if cfg.Pop != nil {
		b.pop = func(key Key, value []byte) {
			metrics.DiskEvictions.WithLabelValues(name).Inc()
			cfg.Pop(key, value)
		}
	}
	metrics.BufferStopped.WithLabelValues(name).Set(0)
	b.publish()

	go b.migrate(ctx)

	logger.Info("buffer started",
		zap.String("dir", dir),
		zap.Uint64("max_memory", cfg.MaxMemory),
		zap.Uint64("max_disk", cfg.MaxDisk),
		zap.Bool("pop", cfg.Pop != nil),
	)
	return b, nil
}

// Store saves value under key, replacing any earlier value. Values larger than
// the memory limit go straight to disk. Store blocks while the tier it needs is
// full.
func (b *Buffer) Store(ctx context.Context, key Key, value []byte) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	if err := b.Delete(key); err != nil && !errors.Is(err, types.ErrNoSuchElement) {
		return err
	}

	if uint64(len(value)) <= b.memory.Max() {
		err := b.memory.Admit(ctx, key, value)
		if err == nil {
			b.publish()
			return nil
		}
		if !errors.Is(err, types.ErrCannotExceedLimit) {
			return b.translate(err)
		}
		// The memory limit shrank while waiting; fall through to disk.
	}
	return b.storeOnDisk(ctx, key, value)
}

func (b *Buffer) storeOnDisk(ctx context.Context, key Key, value []byte) error {
	if _, err := b.disk.Put(ctx, key, value, b.pop); err != nil {
		if errors.Is(err, types.ErrCannotExceedLimit) || errors.Is(err, types.ErrFilesystemIO) {
			b.stop(err)
			return err
		}
		return b.translate(err)
	}
	b.logger.Debug("value stored directly on disk", zap.Stringer("key", key), zap.Int("size", len(value)))
	b.publish()
	return nil
}

// Get returns the value stored under key, looking in memory first. It waits
// while the key's disk write is in flight.
func (b *Buffer) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := b.checkRunning(); err != nil {
		return nil, err
	}
	if value, ok := b.memory.Get(key); ok {
		return value, nil
	}
	value, err := b.disk.Get(ctx, key)
	if err != nil {
		return nil, b.translate(err)
	}
	return value, nil
}

// Delete removes key from both tiers, cancelling an in-flight disk write.
func (b *Buffer) Delete(key Key) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	state, inMemory := b.memory.Remove(key)
	onDisk, err := b.disk.Delete(key)
	if err != nil {
		return err
	}
	if !inMemory && !onDisk {
		return fmt.Errorf("%w: %s", types.ErrNoSuchElement, key)
	}
	b.logger.Debug("value deleted",
		zap.Stringer("key", key),
		zap.Bool("memory", inMemory),
		zap.Stringer("disk_state", state),
		zap.Bool("disk", onDisk),
	)
	b.publish()
	return nil
}

// SetMaxMemoryUsage changes the memory limit. It may not exceed the disk limit.
func (b *Buffer) SetMaxMemoryUsage(maxBytes uint64) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxDisk := b.disk.Max(); maxBytes > maxDisk {
		return fmt.Errorf("%w: memory limit %d exceeds disk limit %d", types.ErrInvalidParameter, maxBytes, maxDisk)
	}
	b.memory.SetMax(maxBytes)
	return nil
}

// SetMaxDiskUsage changes the disk limit. It may not fall below the memory limit.
func (b *Buffer) SetMaxDiskUsage(maxBytes uint64) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxMemory := b.memory.Max(); maxBytes < maxMemory {
		return fmt.Errorf("%w: disk limit %d below memory limit %d", types.ErrInvalidParameter, maxBytes, maxMemory)
	}
	b.disk.SetMax(maxBytes)
	return nil
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Memory:  b.memory.Stats(),
		Disk:    b.disk.Stats(),
		Running: b.Running(),
	}
}

// Running reports whether the buffer still accepts calls.
func (b *Buffer) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopErr == nil
}

// Dir returns the disk tier directory.
func (b *Buffer) Dir() string { return b.disk.Dir() }

// Close stops the worker, wakes blocked callers and removes a temporary disk
// directory. Files in a configured directory are kept for the next New.
func (b *Buffer) Close() error {
	b.stop(errClosed)
	<-b.done
	if b.tempDir != "" {
		if err := os.RemoveAll(b.tempDir); err != nil {
			return fmt.Errorf("removing temp dir: %w", err)
		}
	}
	return nil
}

// migrate moves the oldest memory-only value to disk, forever.
func (b *Buffer) migrate(ctx context.Context) {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			b.stop(fmt.Errorf("%w: migration worker panicked: %v", types.ErrFilesystemIO, r))
		}
	}()

	for {
		elem, err := b.memory.NextPending(ctx)
		if err != nil {
			return
		}
		// The disk copy only becomes readable once memory has recorded it, so
		// a Delete racing the write never leaves a stale file visible.
		entry, err := b.disk.PutCommitted(ctx, elem.Key, elem.Value, b.pop, func() bool {
			return b.memory.MarkStored(elem)
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, file.ErrStopped) {
				return
			}
			b.stop(fmt.Errorf("migrating %s: %w", elem.Key, err))
			return
		}
		if entry == nil {
			// Deleted while being written.
			continue
		}
		metrics.Migrations.WithLabelValues(b.name).Inc()
		b.logger.Debug("value migrated to disk", zap.Stringer("key", elem.Key), zap.Int("size", len(elem.Value)))
		b.publish()
	}
}

func (b *Buffer) stop(cause error) {
	b.mu.Lock()
	if b.stopErr != nil {
		b.mu.Unlock()
		return
	}
	b.stopErr = cause
	b.mu.Unlock()

	b.cancel()
	b.memory.Stop()
	b.disk.Stop()
	metrics.BufferStopped.WithLabelValues(b.name).Set(1)

	if errors.Is(cause, errClosed) {
		b.logger.Info("buffer closed")
	} else {
		b.logger.Error("buffer stopped", zap.Error(cause))
	}
}

func (b *Buffer) checkRunning() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopErr != nil {
		return b.stoppedErr()
	}
	return nil
}

// stoppedErr wraps the stop cause. Callers hold b.mu.
func (b *Buffer) stoppedErr() error {
	return fmt.Errorf("%w: buffer %s stopped: %w", types.ErrFilesystemIO, b.name, b.stopErr)
}

// translate maps a tier's stop signal onto the buffer's stop cause.
func (b *Buffer) translate(err error) error {
	if errors.Is(err, memory.ErrStopped) || errors.Is(err, file.ErrStopped) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.stopErr != nil {
			return b.stoppedErr()
		}
	}
	return err
}

func (b *Buffer) publish() {
	mem, disk := b.memory.Stats(), b.disk.Stats()

	var memDelta, diskDelta uint64
	b.mu.Lock()
	if mem.Waits > b.memWaits {
		memDelta, b.memWaits = mem.Waits-b.memWaits, mem.Waits
	}
	if disk.Waits > b.diskWaits {
		diskDelta, b.diskWaits = disk.Waits-b.diskWaits, disk.Waits
	}
	b.mu.Unlock()

	for _, s := range []struct {
		stats TierStats
		waits uint64
	}{{mem, memDelta}, {disk, diskDelta}} {
		tier := s.stats.Tier.String()
		metrics.TierBytes.WithLabelValues(b.name, tier).Set(float64(s.stats.TotalBytes))
		metrics.TierItems.WithLabelValues(b.name, tier).Set(float64(s.stats.ItemCount))
		if s.waits > 0 {
			metrics.StoreWaits.WithLabelValues(b.name, tier).Add(float64(s.waits))
		}
	}
}
