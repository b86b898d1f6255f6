package types

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// Tier identifies which storage level a value resides in.
type Tier int

const (
	TierMemory Tier = iota
	TierFile
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierFile:
		return "file"
	default:
		return "unknown"
	}
}

// IdentitySize is the length of a content identity (SHA-512 digest).
const IdentitySize = sha512.Size

// Identity is an opaque content address.
type Identity [IdentitySize]byte

// HashBytes returns the content identity of data.
func HashBytes(data []byte) Identity {
	return Identity(sha512.Sum512(data))
}

// IdentityFromBytes copies raw into an Identity. raw must be exactly IdentitySize bytes.
func IdentityFromBytes(raw []byte) (Identity, error) {
	var id Identity
	if len(raw) != IdentitySize {
		return id, fmt.Errorf("%w: identity must be %d bytes, got %d", ErrInvalidParameter, IdentitySize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// IsZero reports whether id is the uninitialised identity.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

func (id Identity) Compare(other Identity) int {
	return bytes.Compare(id[:], other[:])
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:8])
}

// DataTag distinguishes the kind of value a Key addresses.
type DataTag uint32

// Key addresses a value in the tiered buffer.
type Key struct {
	Tag DataTag
	ID  Identity
}

// KeyFor builds the key of content under the given tag.
func KeyFor(tag DataTag, content []byte) Key {
	return Key{Tag: tag, ID: HashBytes(content)}
}

// Compare orders keys by identity, then by tag.
func (k Key) Compare(other Key) int {
	if c := k.ID.Compare(other.ID); c != 0 {
		return c
	}
	switch {
	case k.Tag < other.Tag:
		return -1
	case k.Tag > other.Tag:
		return 1
	}
	return 0
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.ID, k.Tag)
}

// StoringState tracks the progress of a value towards the disk tier.
type StoringState int

const (
	NotStarted StoringState = iota
	Started
	Cancelled
	Completed
)

func (s StoringState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Started:
		return "started"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// TierStats reports usage for a single tier.
type TierStats struct {
	Tier        Tier
	ItemCount   int64
	TotalBytes  uint64
	CapacityMax uint64
	Waits       uint64 // admissions that had to wait for space
}

// PopFunc receives a value evicted from the disk tier to make room.
type PopFunc func(key Key, value []byte)
