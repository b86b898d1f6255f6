package meta

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
		s.logger.Info("metadata schema migrated", zap.Uint64("from", version), zap.Int("to", 2))
	}

	return nil
}

// migrateV1toV2 adds the update-time index and stamps every existing forest
// with the migration time.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		updated, err := tx.CreateBucketIfNotExists(bucketUpdated)
		if err != nil {
			return err
		}
		now := int64ToBytes(time.Now().UnixNano())
		if forests := tx.Bucket(bucketForests); forests != nil {
			err := forests.ForEach(func(k, _ []byte) error {
				if updated.Get(k) != nil {
					return nil
				}
				return updated.Put(k, now)
			})
			if err != nil {
				return err
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}
