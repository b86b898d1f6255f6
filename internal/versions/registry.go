package versions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gftdcojp/tiered-buffer/internal/config"
	"github.com/gftdcojp/tiered-buffer/internal/meta"
	"github.com/gftdcojp/tiered-buffer/internal/metrics"
	"github.com/gftdcojp/tiered-buffer/internal/types"
	"go.uber.org/zap"
)

// Registry keeps one Tree per structured data key and persists every change
// through a meta.Store. All operations are serialised by one mutex.
type Registry struct {
	mu          sync.Mutex
	store       meta.Store
	maxVersions uint32
	maxBranches uint32
	logger      *zap.Logger
}

// NewRegistry returns a registry creating new trees with the limits in cfg.
func NewRegistry(store meta.Store, cfg config.VersionsConfig, logger *zap.Logger) (*Registry, error) {
	if cfg.MaxVersions == 0 || cfg.MaxBranches == 0 {
		return nil, fmt.Errorf("%w: max_versions and max_branches must be >= 1", types.ErrInvalidParameter)
	}
	return &Registry{
		store:       store,
		maxVersions: cfg.MaxVersions,
		maxBranches: cfg.MaxBranches,
		logger:      logger.Named("versions"),
	}, nil
}

// load returns the stored tree for key, or an empty one.
func (r *Registry) load(ctx context.Context, key types.Key) (*Tree, error) {
	data, err := r.store.Load(ctx, key)
	if errors.Is(err, types.ErrNoSuchElement) {
		return newTree(r.maxVersions, r.maxBranches), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading versions of %s: %w", key, err)
	}
	tree, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("decoding versions of %s: %w", key, err)
	}
	return tree, nil
}

func (r *Registry) save(ctx context.Context, key types.Key, tree *Tree) error {
	if tree.Len() == 0 {
		return r.store.Delete(ctx, key)
	}
	if err := r.store.Save(ctx, key, tree.Serialise()); err != nil {
		return fmt.Errorf("saving versions of %s: %w", key, err)
	}
	return nil
}

// Put records newVersion as a child of oldVersion in key's tree.
func (r *Registry) Put(ctx context.Context, key types.Key, oldVersion, newVersion Name) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.load(ctx, key)
	if err != nil {
		metrics.VersionPuts.WithLabelValues("error").Inc()
		return err
	}
	if err := tree.Put(oldVersion, newVersion); err != nil {
		metrics.VersionPuts.WithLabelValues(putResult(err)).Inc()
		r.logger.Debug("version rejected",
			zap.Stringer("key", key),
			zap.Stringer("old", oldVersion),
			zap.Stringer("new", newVersion),
			zap.Error(err),
		)
		return err
	}
	if err := r.save(ctx, key, tree); err != nil {
		metrics.VersionPuts.WithLabelValues("error").Inc()
		return err
	}
	metrics.VersionPuts.WithLabelValues("ok").Inc()
	return nil
}

func putResult(err error) string {
	switch {
	case errors.Is(err, types.ErrCannotExceedLimit):
		return "limit"
	case errors.Is(err, types.ErrInvalidParameter):
		return "invalid"
	default:
		return "error"
	}
}

// Tips returns the branch tips of key's tree; an unknown key has none.
func (r *Registry) Tips(ctx context.Context, key types.Key) ([]Name, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return tree.Get(), nil
}

// Branch returns the versions from tip back to its earliest held ancestor.
func (r *Registry) Branch(ctx context.Context, key types.Key, tip Name) ([]Name, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return tree.GetBranch(tip)
}

// DeleteBranchUntilFork removes tip's branch from key's tree. A tree left
// empty is removed from the store.
func (r *Registry) DeleteBranchUntilFork(ctx context.Context, key types.Key, tip Name) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	if err := tree.DeleteBranchUntilFork(tip); err != nil {
		return err
	}
	return r.save(ctx, key, tree)
}

// Merge applies a serialised forest received from elsewhere to key's tree.
// On error the stored tree is unchanged.
func (r *Registry) Merge(ctx context.Context, key types.Key, serialised []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	if err := tree.ApplySerialised(serialised); err != nil {
		return err
	}
	r.logger.Debug("versions merged", zap.Stringer("key", key), zap.Int("versions", tree.Len()))
	return r.save(ctx, key, tree)
}

// Serialised returns the stored forest of key.
func (r *Registry) Serialised(ctx context.Context, key types.Key) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return tree.Serialise(), nil
}

// Delete drops key's tree entirely.
func (r *Registry) Delete(ctx context.Context, key types.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Delete(ctx, key)
}

// Keys lists every key with stored versions.
func (r *Registry) Keys(ctx context.Context) ([]types.Key, error) {
	return r.store.Keys(ctx)
}
