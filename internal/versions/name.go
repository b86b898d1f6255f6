package versions

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/gftdcojp/tiered-buffer/internal/types"
)

// Name identifies one version of a structured data object.
type Name struct {
	Index uint64
	ID    types.Identity
}

// Absent is the name used for an unknown or missing parent.
var Absent = Name{Index: math.MaxUint64}

// NewName returns the version name for index and id.
func NewName(index uint64, id types.Identity) Name {
	return Name{Index: index, ID: id}
}

// IsAbsent reports whether n carries no identity.
func (n Name) IsAbsent() bool {
	return n.ID.IsZero()
}

// Compare orders names by index, then by identity.
func (n Name) Compare(other Name) int {
	if c := cmp.Compare(n.Index, other.Index); c != 0 {
		return c
	}
	return n.ID.Compare(other.ID)
}

func (n Name) String() string {
	if n.IsAbsent() {
		return "absent"
	}
	return fmt.Sprintf("%d:%s", n.Index, n.ID)
}

type nameSet map[Name]struct{}

func (s nameSet) sorted() []Name {
	names := make([]Name, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	slices.SortFunc(names, Name.Compare)
	return names
}
