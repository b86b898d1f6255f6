package file

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/tiered-buffer/internal/types"
	"go.uber.org/zap"
)

// ErrStopped is returned by blocking calls once Stop has been called.
var ErrStopped = errors.New("disk tier stopped")

const probeFile = "TestFile"

var nameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// FileName returns the on-disk name of key: the base32 identity, an
// underscore, then the decimal tag.
func FileName(key types.Key) string {
	return nameEncoding.EncodeToString(key.ID[:]) + "_" + strconv.FormatUint(uint64(key.Tag), 10)
}

// ParseFileName recovers the key encoded by FileName.
func ParseFileName(name string) (types.Key, error) {
	var key types.Key
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return key, fmt.Errorf("%w: file name %q has no tag", types.ErrParsing, name)
	}
	raw, err := nameEncoding.DecodeString(name[:i])
	if err != nil {
		return key, fmt.Errorf("%w: file name %q: %v", types.ErrParsing, name, err)
	}
	id, err := types.IdentityFromBytes(raw)
	if err != nil {
		return key, fmt.Errorf("%w: file name %q: %v", types.ErrParsing, name, err)
	}
	tag, err := strconv.ParseUint(name[i+1:], 10, 32)
	if err != nil {
		return key, fmt.Errorf("%w: file name %q: %v", types.ErrParsing, name, err)
	}
	return types.Key{Tag: types.DataTag(tag), ID: id}, nil
}

// Entry is a key reserved, being written, or present on disk.
type Entry struct {
	Key     types.Key
	size    uint64
	state   types.StoringState
	charged bool // size counted in Store.current
}

// Store is the disk tier: one file per key in a single directory, bounded by
// total bytes and evicted oldest first.
type Store struct {
	mu      sync.Mutex
	dir     string
	max     uint64
	current uint64
	entries []*Entry // oldest first
	changed chan struct{}
	stopped bool
	waits   uint64
	logger  *zap.Logger
}

// NewStore opens dir, creating it if needed, checks that it is writable and
// indexes any files already present.
func NewStore(dir string, maxBytes uint64, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating disk dir %s: %v", types.ErrUninitialised, dir, err)
	}
	probe := filepath.Join(dir, probeFile)
	if err := os.WriteFile(probe, []byte(probeFile), 0644); err != nil {
		return nil, fmt.Errorf("%w: disk dir %s not writable: %v", types.ErrUninitialised, dir, err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("%w: removing probe file: %v", types.ErrUninitialised, err)
	}

	s := &Store{
		dir:     dir,
		max:     maxBytes,
		changed: make(chan struct{}),
		logger:  logger,
	}
	if err := s.reconstruct(); err != nil {
		return nil, err
	}
	if s.current > s.max {
		return nil, fmt.Errorf("%w: %d bytes already in %s exceed disk limit %d",
			types.ErrUninitialised, s.current, dir, s.max)
	}
	return s, nil
}

func (s *Store) reconstruct() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: listing %s: %v", types.ErrUninitialised, s.dir, err)
	}

	type found struct {
		entry   *Entry
		modTime time.Time
	}
	var files []found
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		key, err := ParseFileName(de.Name())
		if err != nil {
			s.logger.Warn("skipping unrecognised file in disk dir", zap.String("name", de.Name()), zap.Error(err))
			continue
		}
		info, err := de.Info()
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", types.ErrUninitialised, de.Name(), err)
		}
		size := uint64(info.Size())
		files = append(files, found{
			entry:   &Entry{Key: key, size: size, state: types.Completed, charged: true},
			modTime: info.ModTime(),
		})
	}
	slices.SortStableFunc(files, func(a, b found) int {
		return a.modTime.Compare(b.modTime)
	})
	for _, f := range files {
		s.entries = append(s.entries, f.entry)
		s.current += f.entry.size
	}

	if len(files) > 0 {
		s.logger.Info("disk index reconstructed",
			zap.String("dir", s.dir),
			zap.Int("files", len(files)),
			zap.Uint64("bytes", s.current),
		)
	}
	return nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key types.Key) string {
	return filepath.Join(s.dir, FileName(key))
}

func (s *Store) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) wait(ctx context.Context) error {
	ch := s.changed
	s.mu.Unlock()
	defer s.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fits(current, max, required uint64) bool {
	return required <= max && current <= max-required
}

// Put writes value as the newest file for key, replacing any completed copy.
// When the tier is full and pop is set, the oldest completed file is removed
// and handed to pop; without pop, Put waits for a Delete to free space.
//
// Put returns a nil entry and no error if a Delete cancelled the write.
func (s *Store) Put(ctx context.Context, key types.Key, value []byte, pop types.PopFunc) (*Entry, error) {
	return s.put(ctx, key, value, pop, nil)
}

// PutCommitted is Put for a copy of data owned elsewhere. After the file is
// written, and before the entry becomes readable, commit is called without
// the lock held; if it returns false the file is removed and PutCommitted
// returns a nil entry. Readers of key keep waiting until then.
func (s *Store) PutCommitted(ctx context.Context, key types.Key, value []byte, pop types.PopFunc, commit func() bool) (*Entry, error) {
	return s.put(ctx, key, value, pop, commit)
}

func (s *Store) put(ctx context.Context, key types.Key, value []byte, pop types.PopFunc, commit func() bool) (*Entry, error) {
	size := uint64(len(value))

	s.mu.Lock()
	defer s.mu.Unlock()

	// Only one write per key at a time.
	for {
		if s.stopped {
			return nil, ErrStopped
		}
		i := s.index(key)
		if i < 0 {
			break
		}
		if e := s.entries[i]; e.state == types.Completed {
			if err := s.removeFile(e); err != nil {
				return nil, err
			}
			continue
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}

	entry := &Entry{Key: key, size: size, state: types.Started}
	s.entries = append(s.entries, entry)

	waited := false
	for !fits(s.current, s.max, size) {
		switch {
		case s.stopped:
			s.drop(entry)
			return nil, ErrStopped
		case entry.state == types.Cancelled:
			s.drop(entry)
			return nil, nil
		case size > s.max:
			s.drop(entry)
			return nil, fmt.Errorf("%w: value of %d bytes exceeds disk limit %d", types.ErrCannotExceedLimit, size, s.max)
		}
		if pop != nil {
			if victim := s.oldestCompleted(); victim != nil {
				data, err := os.ReadFile(s.path(victim.Key))
				if err != nil {
					s.drop(entry)
					return nil, fmt.Errorf("%w: reading %s for eviction: %v", types.ErrFilesystemIO, victim.Key, err)
				}
				if err := s.removeFile(victim); err != nil {
					s.drop(entry)
					return nil, err
				}
				s.logger.Debug("evicted value from disk", zap.Stringer("key", victim.Key), zap.Int("size", len(data)))
				s.mu.Unlock()
				func() {
					defer s.mu.Lock()
					pop(victim.Key, data)
				}()
				continue
			}
		}
		if !waited {
			waited = true
			s.waits++
		}
		if err := s.wait(ctx); err != nil {
			s.drop(entry)
			return nil, err
		}
	}
	if entry.state == types.Cancelled {
		s.drop(entry)
		return nil, nil
	}
	entry.charged = true
	s.current += size

	p := s.path(key)
	var err error
	committed := true
	s.mu.Unlock()
	func() {
		defer s.mu.Lock()
		if err = os.WriteFile(p, value, 0644); err == nil && commit != nil {
			committed = commit()
		}
	}()

	if err != nil {
		os.Remove(p)
		s.drop(entry)
		return nil, fmt.Errorf("%w: writing %s: %v", types.ErrFilesystemIO, key, err)
	}
	if !committed || entry.state == types.Cancelled {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.drop(entry)
			return nil, fmt.Errorf("%w: removing cancelled %s: %v", types.ErrFilesystemIO, key, err)
		}
		s.drop(entry)
		return nil, nil
	}
	entry.state = types.Completed
	s.broadcast()

	s.logger.Debug("value stored on disk",
		zap.Stringer("key", key),
		zap.Uint64("size", size),
		zap.Uint64("current", s.current),
	)
	return entry, nil
}

// Get returns the bytes stored for key, waiting while its write is in flight.
func (s *Store) Get(ctx context.Context, key types.Key) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return nil, ErrStopped
		}
		i := s.index(key)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", types.ErrNoSuchElement, key)
		}
		switch s.entries[i].state {
		case types.Cancelled:
			return nil, fmt.Errorf("%w: %s", types.ErrNoSuchElement, key)
		case types.Completed:
			data, err := os.ReadFile(s.path(key))
			if err != nil {
				return nil, fmt.Errorf("%w: reading %s: %v", types.ErrFilesystemIO, key, err)
			}
			return data, nil
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Delete cancels an in-flight write of key or removes its file. It reports
// whether anything was found.
func (s *Store) Delete(key types.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(key)
	if i < 0 {
		return false, nil
	}
	e := s.entries[i]
	switch e.state {
	case types.Started:
		e.state = types.Cancelled
		s.broadcast()
		return true, nil
	case types.Completed:
		if err := s.removeFile(e); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) index(key types.Key) int {
	for i, e := range s.entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func (s *Store) oldestCompleted() *Entry {
	for _, e := range s.entries {
		if e.state == types.Completed {
			return e
		}
	}
	return nil
}

// removeFile deletes the file of a completed entry and frees its bytes.
func (s *Store) removeFile(e *Entry) error {
	if err := os.Remove(s.path(e.Key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %v", types.ErrFilesystemIO, e.Key, err)
	}
	s.drop(e)
	return nil
}

func (s *Store) drop(e *Entry) {
	i := slices.Index(s.entries, e)
	if i < 0 {
		return
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	if e.charged {
		s.current -= e.size
		e.charged = false
	}
	s.broadcast()
}

// SetMax changes the byte limit. Growing it wakes blocked writers.
func (s *Store) SetMax(maxBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = maxBytes
	s.broadcast()
}

func (s *Store) Max() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// Stop fails all current and future blocking calls with ErrStopped.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.broadcast()
}

func (s *Store) Stats() types.TierStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items int64
	for _, e := range s.entries {
		if e.state == types.Completed {
			items++
		}
	}
	return types.TierStats{
		Tier:        types.TierFile,
		ItemCount:   items,
		TotalBytes:  s.current,
		CapacityMax: s.max,
		Waits:       s.waits,
	}
}
