package meta

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gftdcojp/tiered-buffer/internal/config"
	"github.com/gftdcojp/tiered-buffer/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store provides durable storage for serialised version forests.
type Store interface {
	Save(ctx context.Context, key types.Key, forest []byte) error
	Load(ctx context.Context, key types.Key) ([]byte, error)
	Delete(ctx context.Context, key types.Key) error
	Keys(ctx context.Context) ([]types.Key, error)
	UpdatedAt(ctx context.Context, key types.Key) (time.Time, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(cfg config.MetadataConfig, logger *zap.Logger) (*BoltStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating metadata directory: %w", types.ErrUninitialised, err)
		}
	}
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("%w: opening bolt db: %w", types.ErrUninitialised, err)
	}

	s := &BoltStore{db: db, logger: logger.Named("meta")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketForests); err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			if _, err := tx.CreateBucketIfNotExists(bucketUpdated); err != nil {
				return err
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func (s *BoltStore) Save(_ context.Context, key types.Key, forest []byte) error {
	k := encodeKey(key)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketForests).Put(k, forest); err != nil {
			return err
		}
		return tx.Bucket(bucketUpdated).Put(k, int64ToBytes(time.Now().UnixNano()))
	})
}

// Load returns the stored forest for key, or ErrNoSuchElement.
func (s *BoltStore) Load(_ context.Context, key types.Key) ([]byte, error) {
	var forest []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketForests).Get(encodeKey(key))
		if raw == nil {
			return fmt.Errorf("%w: no versions stored for %s", types.ErrNoSuchElement, key)
		}
		// raw is only valid for the life of the transaction.
		forest = slices.Clone(raw)
		return nil
	})
	return forest, err
}

func (s *BoltStore) Delete(_ context.Context, key types.Key) error {
	k := encodeKey(key)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketForests).Delete(k); err != nil {
			return err
		}
		return tx.Bucket(bucketUpdated).Delete(k)
	})
}

// Keys lists every key with a stored forest in key order.
func (s *BoltStore) Keys(_ context.Context) ([]types.Key, error) {
	var keys []types.Key
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketForests).ForEach(func(k, _ []byte) error {
			key, err := decodeKey(k)
			if err != nil {
				s.logger.Warn("skipping malformed forest key", zap.Binary("key", k), zap.Error(err))
				return nil
			}
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) UpdatedAt(_ context.Context, key types.Key) (time.Time, error) {
	var updated time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketUpdated).Get(encodeKey(key))
		if raw == nil {
			return fmt.Errorf("%w: no versions stored for %s", types.ErrNoSuchElement, key)
		}
		updated = time.Unix(0, bytesToInt64(raw))
		return nil
	})
	return updated, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
