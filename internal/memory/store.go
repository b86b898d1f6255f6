package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gftdcojp/tiered-buffer/internal/types"
	"go.uber.org/zap"
)

// ErrStopped is returned by blocking calls once Stop has been called.
var ErrStopped = errors.New("memory tier stopped")

// Element is one value held in memory together with its progress towards disk.
type Element struct {
	Key   types.Key
	Value []byte

	state   types.StoringState
	removed bool
}

// Store is the memory tier: a byte-bounded, insertion-ordered set of values.
// Values leave memory only once a copy is completed on disk, or by Remove.
type Store struct {
	mu       sync.Mutex
	max      uint64
	current  uint64
	elements []*Element // oldest first
	changed  chan struct{}
	stopped  bool
	waits    uint64
	logger   *zap.Logger
}

func NewStore(maxBytes uint64, logger *zap.Logger) *Store {
	return &Store{
		max:     maxBytes,
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// broadcast wakes every waiter. Callers hold s.mu.
func (s *Store) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait releases s.mu until the next broadcast or until ctx is done.
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

// Admit appends key/value as the newest element. While memory is full it evicts
// the oldest element already completed on disk, or waits for one to complete.
// A value larger than the tier itself fails with ErrCannotExceedLimit.
func (s *Store) Admit(ctx context.Context, key types.Key, value []byte) error {
	size := uint64(len(value))

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.index(key); i >= 0 {
		s.removeAt(i)
	}
	waited := false
	for {
		if s.stopped {
			return ErrStopped
		}
		if size > s.max {
			return fmt.Errorf("%w: value of %d bytes exceeds memory limit %d", types.ErrCannotExceedLimit, size, s.max)
		}
		if fits(s.current, s.max, size) {
			break
		}
		if s.evictCompleted() {
			continue
		}
		if !waited {
			waited = true
			s.waits++
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}

	s.elements = append(s.elements, &Element{Key: key, Value: value})
	s.current += size
	s.broadcast()

	s.logger.Debug("value admitted to memory",
		zap.Stringer("key", key),
		zap.Int("size", len(value)),
		zap.Uint64("current", s.current),
	)
	return nil
}

func (s *Store) evictCompleted() bool {
	for i, e := range s.elements {
		if e.state == types.Completed {
			s.removeAt(i)
			s.logger.Debug("evicted value from memory", zap.Stringer("key", e.Key))
			return true
		}
	}
	return false
}

// NextPending blocks until some element has not started towards disk, marks the
// oldest such element Started and returns it.
func (s *Store) NextPending(ctx context.Context) (*Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return nil, ErrStopped
		}
		for _, e := range s.elements {
			if e.state == types.NotStarted {
				e.state = types.Started
				return e, nil
			}
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// MarkStored records that e has been written to disk. It returns false if e was
// removed from memory in the meantime, in which case the disk copy is stale.
func (s *Store) MarkStored(e *Element) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.removed {
		return false
	}
	e.state = types.Completed
	s.broadcast()
	return true
}

// Get returns the value held for key, if any.
func (s *Store) Get(key types.Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(key); i >= 0 {
		return s.elements[i].Value, true
	}
	return nil, false
}

// Remove drops key from memory and reports the disk state it had reached.
func (s *Store) Remove(key types.Key) (types.StoringState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(key)
	if i < 0 {
		return types.NotStarted, false
	}
	state := s.elements[i].state
	s.removeAt(i)
	return state, true
}

func (s *Store) index(key types.Key) int {
	for i, e := range s.elements {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func (s *Store) removeAt(i int) {
	e := s.elements[i]
	e.removed = true
	s.current -= uint64(len(e.Value))
	s.elements = append(s.elements[:i], s.elements[i+1:]...)
	s.broadcast()
}

// SetMax changes the byte limit. Growing it wakes blocked admitters.
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
	return types.TierStats{
		Tier:        types.TierMemory,
		ItemCount:   int64(len(s.elements)),
		TotalBytes:  s.current,
		CapacityMax: s.max,
		Waits:       s.waits,
	}
}
