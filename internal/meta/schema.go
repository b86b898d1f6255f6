package meta

import (
	"encoding/binary"
	"fmt"

	"github.com/gftdcojp/tiered-buffer/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketForests    = []byte("forests")
	keySchemaVersion = []byte("schema_version")

	// Schema v2: last update time per forest
	bucketUpdated = []byte("forest_updated")
)

const currentSchemaVersion = 2

// keySize is the encoded length of a types.Key: big-endian tag then identity.
const keySize = 4 + types.IdentitySize

func encodeKey(key types.Key) []byte {
	b := make([]byte, keySize)
	binary.BigEndian.PutUint32(b, uint32(key.Tag))
	copy(b[4:], key.ID[:])
	return b
}

func decodeKey(b []byte) (types.Key, error) {
	if len(b) != keySize {
		return types.Key{}, fmt.Errorf("%w: metadata key has %d bytes", types.ErrParsing, len(b))
	}
	var key types.Key
	key.Tag = types.DataTag(binary.BigEndian.Uint32(b))
	copy(key.ID[:], b[4:])
	return key, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
