package tier

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/tiered-buffer/internal/file"
	"github.com/gftdcojp/tiered-buffer/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBuffer(t *testing.T, cfg Config) *Buffer {
	t.Helper()
	if cfg.DiskDir == "" {
		cfg.DiskDir = t.TempDir()
	}
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func key(s string) Key {
	return types.KeyFor(1, []byte(s))
}

func filled(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

func TestBufferRoundTrip(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 1024, MaxDisk: 8192})
	ctx := context.Background()

	small, large := filled(100, 'a'), filled(2000, 'b')
	require.NoError(t, b.Store(ctx, key("small"), small))
	require.NoError(t, b.Store(ctx, key("large"), large))

	got, err := b.Get(ctx, key("small"))
	require.NoError(t, err)
	require.Equal(t, small, got)

	got, err = b.Get(ctx, key("large"))
	require.NoError(t, err)
	require.Equal(t, large, got)

	_, err = b.Get(ctx, key("missing"))
	require.ErrorIs(t, err, types.ErrNoSuchElement)
}

func TestBufferMigratesToDisk(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 1024, MaxDisk: 4096})
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, key("k"), filled(300, 7)))

	path := filepath.Join(b.Dir(), file.FileName(key("k")))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && bytes.Equal(data, filled(300, 7))
	}, 2*time.Second, 5*time.Millisecond)

	stats := b.Stats()
	require.True(t, stats.Running)
	require.Equal(t, uint64(300), stats.Disk.TotalBytes)
}

func TestBufferRestoreReplacesValue(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 1024, MaxDisk: 4096})
	ctx := context.Background()
	k1 := key("k1")

	require.NoError(t, b.Store(ctx, k1, filled(500, 0)))
	require.NoError(t, b.Store(ctx, k1, filled(500, 1)))

	got, err := b.Get(ctx, k1)
	require.NoError(t, err)
	require.Equal(t, filled(500, 1), got)

	path := filepath.Join(b.Dir(), file.FileName(k1))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && bytes.Equal(data, filled(500, 1)) && b.Stats().Disk.ItemCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err = b.Get(ctx, k1)
	require.NoError(t, err)
	require.Equal(t, filled(500, 1), got)
}

func TestBufferRestoreOnDisk(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 10, MaxDisk: 4096})
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, key("k"), filled(100, 1)))
	require.NoError(t, b.Store(ctx, key("k"), filled(200, 2)))

	got, err := b.Get(ctx, key("k"))
	require.NoError(t, err)
	require.Equal(t, filled(200, 2), got)
	require.Equal(t, uint64(200), b.Stats().Disk.TotalBytes)
}

func TestBufferDiskBackpressure(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 10, MaxDisk: 100})
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, key("first"), filled(60, 1)))

	done := make(chan error, 1)
	go func() {
		done <- b.Store(ctx, key("second"), filled(60, 2))
	}()

	select {
	case err := <-done:
		t.Fatalf("second store returned while disk full: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Delete(key("first")))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second store did not resume after delete")
	}

	got, err := b.Get(ctx, key("second"))
	require.NoError(t, err)
	require.Equal(t, filled(60, 2), got)
	_, err = b.Get(ctx, key("first"))
	require.ErrorIs(t, err, types.ErrNoSuchElement)
}

func TestBufferEqualTiersBackpressure(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 100, MaxDisk: 100})
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, key("first"), filled(60, 1)))

	done := make(chan error, 1)
	go func() {
		done <- b.Store(ctx, key("second"), filled(60, 2))
	}()

	require.NoError(t, b.Delete(key("first")))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second store did not complete after delete")
	}

	got, err := b.Get(ctx, key("second"))
	require.NoError(t, err)
	require.Equal(t, filled(60, 2), got)

	require.Eventually(t, func() bool {
		return b.Stats().Disk.ItemCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	got, err = b.Get(ctx, key("second"))
	require.NoError(t, err)
	require.Equal(t, filled(60, 2), got)
}

func TestBufferPopEvictsOldest(t *testing.T) {
	var mu sync.Mutex
	var popped []Key
	b := newTestBuffer(t, Config{
		MaxMemory: 10,
		MaxDisk:   100,
		Pop: func(key Key, value []byte) {
			mu.Lock()
			defer mu.Unlock()
			popped = append(popped, key)
		},
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Store(ctx, key(fmt.Sprint(i)), filled(40, byte(i))))
	}

	mu.Lock()
	require.Equal(t, []Key{key("0"), key("1")}, popped)
	mu.Unlock()

	_, err := b.Get(ctx, key("0"))
	require.ErrorIs(t, err, types.ErrNoSuchElement)
	got, err := b.Get(ctx, key("3"))
	require.NoError(t, err)
	require.Equal(t, filled(40, 3), got)
}

func TestBufferReconstructsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b1, err := New(Config{MaxMemory: 10, MaxDisk: 4096, DiskDir: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b1.Store(ctx, key("persisted"), filled(500, 9)))
	require.NoError(t, b1.Close())

	b2 := newTestBuffer(t, Config{MaxMemory: 10, MaxDisk: 4096, DiskDir: dir})
	require.Equal(t, uint64(500), b2.Stats().Disk.TotalBytes)
	got, err := b2.Get(ctx, key("persisted"))
	require.NoError(t, err)
	require.Equal(t, filled(500, 9), got)
}

func TestBufferReopenWithSmallerDiskLimit(t *testing.T) {
	dir := t.TempDir()
	b1, err := New(Config{MaxMemory: 10, MaxDisk: 4096, DiskDir: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b1.Store(context.Background(), key("persisted"), filled(500, 9)))
	require.NoError(t, b1.Close())

	_, err = New(Config{MaxMemory: 10, MaxDisk: 100, DiskDir: dir}, zap.NewNop())
	require.ErrorIs(t, err, types.ErrUninitialised)
}

func TestBufferRejectsInvertedLimits(t *testing.T) {
	_, err := New(Config{MaxMemory: 100, MaxDisk: 10, DiskDir: t.TempDir()}, zap.NewNop())
	require.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestBufferUnusableDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := New(Config{MaxMemory: 10, MaxDisk: 100, DiskDir: filepath.Join(blocker, "dir")}, zap.NewNop())
	require.ErrorIs(t, err, types.ErrUninitialised)
}

func TestBufferOversizedValueStops(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 10, MaxDisk: 100})
	ctx := context.Background()

	err := b.Store(ctx, key("huge"), filled(200, 1))
	require.ErrorIs(t, err, types.ErrCannotExceedLimit)
	require.False(t, b.Running())

	_, err = b.Get(ctx, key("huge"))
	require.ErrorIs(t, err, types.ErrFilesystemIO)
	require.ErrorIs(t, err, types.ErrCannotExceedLimit)
	require.ErrorIs(t, b.Store(ctx, key("small"), filled(1, 1)), types.ErrFilesystemIO)
	require.ErrorIs(t, b.Delete(key("small")), types.ErrFilesystemIO)
	require.ErrorIs(t, b.SetMaxDiskUsage(1000), types.ErrFilesystemIO)
}

func TestBufferSetLimits(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 100, MaxDisk: 1000})

	require.ErrorIs(t, b.SetMaxMemoryUsage(2000), types.ErrInvalidParameter)
	require.ErrorIs(t, b.SetMaxDiskUsage(50), types.ErrInvalidParameter)
	require.NoError(t, b.SetMaxDiskUsage(500))
	require.NoError(t, b.SetMaxMemoryUsage(500))

	stats := b.Stats()
	require.Equal(t, uint64(500), stats.Memory.CapacityMax)
	require.Equal(t, uint64(500), stats.Disk.CapacityMax)
}

func TestBufferGrowingDiskWakesStore(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 10, MaxDisk: 100})
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, key("first"), filled(60, 1)))

	done := make(chan error, 1)
	go func() {
		done <- b.Store(ctx, key("second"), filled(60, 2))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.SetMaxDiskUsage(200))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("store did not resume after disk limit grew")
	}
}

func TestBufferDelete(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 1024, MaxDisk: 4096})
	ctx := context.Background()

	require.ErrorIs(t, b.Delete(key("nothing")), types.ErrNoSuchElement)

	require.NoError(t, b.Store(ctx, key("k"), filled(10, 1)))
	require.NoError(t, b.Delete(key("k")))
	_, err := b.Get(ctx, key("k"))
	require.ErrorIs(t, err, types.ErrNoSuchElement)

	require.Eventually(t, func() bool {
		s := b.Stats()
		return s.Memory.TotalBytes == 0 && s.Disk.TotalBytes == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBufferGetWaitsForPendingDiskWrite(t *testing.T) {
	for _, tc := range []struct {
		name   string
		delete string
	}{
		{"space freed", "first"},
		{"write cancelled", "second"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBuffer(t, Config{MaxMemory: 10, MaxDisk: 100})
			ctx := context.Background()
			require.NoError(t, b.Store(ctx, key("first"), filled(60, 1)))

			stored := make(chan error, 1)
			go func() {
				stored <- b.Store(ctx, key("second"), filled(60, 2))
			}()
			require.Eventually(t, func() bool {
				return b.Stats().Disk.Waits == 1
			}, 2*time.Second, 5*time.Millisecond)

			type result struct {
				data []byte
				err  error
			}
			got := make(chan result, 1)
			go func() {
				data, err := b.Get(ctx, key("second"))
				got <- result{data, err}
			}()
			select {
			case r := <-got:
				t.Fatalf("Get returned while the write was pending: %v", r.err)
			case <-time.After(50 * time.Millisecond):
			}

			require.NoError(t, b.Delete(key(tc.delete)))

			select {
			case err := <-stored:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("store did not finish")
			}
			select {
			case r := <-got:
				if tc.delete == "second" {
					require.ErrorIs(t, r.err, types.ErrNoSuchElement)
				} else {
					require.NoError(t, r.err)
					require.Equal(t, filled(60, 2), r.data)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Get did not resume")
			}
		})
	}
}

func TestBufferDeleteRacingMigration(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 4096, MaxDisk: 1 << 20})
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		k := key(fmt.Sprintf("k%d", i))
		require.NoError(t, b.Store(ctx, k, filled(32, byte(i))))
		require.NoError(t, b.Delete(k))
		_, err := b.Get(ctx, k)
		require.ErrorIs(t, err, types.ErrNoSuchElement, "key %d readable after delete", i)
	}

	require.Eventually(t, func() bool {
		s := b.Stats()
		entries, err := os.ReadDir(b.Dir())
		return err == nil && len(entries) == 0 &&
			s.Memory.TotalBytes == 0 && s.Disk.TotalBytes == 0 && s.Disk.ItemCount == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBufferStoreHonoursContext(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 10, MaxDisk: 100})
	require.NoError(t, b.Store(context.Background(), key("first"), filled(60, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Store(ctx, key("second"), filled(60, 2))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, b.Running())
}

func TestBufferTempDirRemovedOnClose(t *testing.T) {
	b, err := New(Config{MaxMemory: 10, MaxDisk: 100}, zap.NewNop())
	require.NoError(t, err)
	dir := b.Dir()
	require.DirExists(t, dir)

	require.NoError(t, b.Close())
	require.NoDirExists(t, dir)

	_, err = b.Get(context.Background(), key("k"))
	require.ErrorIs(t, err, types.ErrFilesystemIO)
}

func TestBufferCloseWakesBlockedStore(t *testing.T) {
	b, err := New(Config{MaxMemory: 10, MaxDisk: 100, DiskDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, key("first"), filled(60, 1)))

	done := make(chan error, 1)
	go func() {
		done <- b.Store(ctx, key("second"), filled(60, 2))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, types.ErrFilesystemIO)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked store survived Close")
	}
}

func TestBufferConcurrentStoreGet(t *testing.T) {
	b := newTestBuffer(t, Config{MaxMemory: 4096, MaxDisk: 1 << 20})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := key(fmt.Sprint("concurrent-", i))
			want := filled(100+i, byte(i))
			if err := b.Store(ctx, k, want); err != nil {
				t.Error(err)
				return
			}
			got, err := b.Get(ctx, k)
			if err != nil {
				t.Error(err)
				return
			}
			if !bytes.Equal(got, want) {
				t.Errorf("key %d: wrong value", i)
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return b.Stats().Disk.ItemCount == 50
	}, 5*time.Second, 10*time.Millisecond)
}
