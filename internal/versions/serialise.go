package versions

import (
	"fmt"
	"math"

	"github.com/gftdcojp/tiered-buffer/internal/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout, protobuf-compatible:
//
//	Forest  { 1: max_versions, 2: max_branches, 3: repeated Branch }
//	Branch  { 1: absent_parent Version, 2: repeated Version, 3: orphan bool }
//	Version { 1: index, 2: id, 3: forking_child_count }
//
// Branches are written depth first. A branch whose last version forks is
// followed by forking_child_count child branches, each of them recursively
// followed by its own children. The root branch, if any, comes first; the
// remaining top-level branches carry orphan=true.
const (
	forestMaxVersions protowire.Number = 1
	forestMaxBranches protowire.Number = 2
	forestBranch      protowire.Number = 3

	branchAbsentParent protowire.Number = 1
	branchVersion      protowire.Number = 2
	branchOrphan       protowire.Number = 3

	versionIndex protowire.Number = 1
	versionID    protowire.Number = 2
	versionForks protowire.Number = 3
)

// Serialise encodes the forest. Two trees holding the same edges encode to the
// same bytes regardless of insertion order.
func (t *Tree) Serialise() []byte {
	var b []byte
	b = protowire.AppendTag(b, forestMaxVersions, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.maxVersions))
	b = protowire.AppendTag(b, forestMaxBranches, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.maxBranches))

	if t.hasRoot {
		b = t.appendBranch(b, t.root, t.versions[t.root].parent, false)
	}
	for _, parent := range t.orphanParents() {
		for _, head := range t.orphans[parent].sorted() {
			b = t.appendBranch(b, head, parent, true)
		}
	}
	return b
}

func (t *Tree) appendBranch(b []byte, start, parent Name, orphan bool) []byte {
	var run []byte
	if !parent.IsAbsent() {
		run = protowire.AppendTag(run, branchAbsentParent, protowire.BytesType)
		run = protowire.AppendBytes(run, appendVersion(nil, parent, 0))
	}
	var forks []Name
	cur := start
	for {
		children := t.versions[cur].children.sorted()
		forking := 0
		if len(children) > 1 {
			forking = len(children)
		}
		run = protowire.AppendTag(run, branchVersion, protowire.BytesType)
		run = protowire.AppendBytes(run, appendVersion(nil, cur, forking))
		if len(children) == 1 {
			cur = children[0]
			continue
		}
		forks = children
		break
	}
	if orphan {
		run = protowire.AppendTag(run, branchOrphan, protowire.VarintType)
		run = protowire.AppendVarint(run, protowire.EncodeBool(true))
	}

	b = protowire.AppendTag(b, forestBranch, protowire.BytesType)
	b = protowire.AppendBytes(b, run)
	for _, child := range forks {
		b = t.appendBranch(b, child, Absent, false)
	}
	return b
}

func appendVersion(b []byte, name Name, forking int) []byte {
	b = protowire.AppendTag(b, versionIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, name.Index)
	b = protowire.AppendTag(b, versionID, protowire.BytesType)
	b = protowire.AppendBytes(b, name.ID[:])
	if forking > 0 {
		b = protowire.AppendTag(b, versionForks, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(forking))
	}
	return b
}

type versionRecord struct {
	name    Name
	forking uint64
}

type branchRecord struct {
	parent   Name
	orphan   bool
	versions []versionRecord
}

// Parse reconstructs a tree from Serialise output.
func Parse(data []byte) (*Tree, error) {
	var (
		maxVersions, maxBranches uint64
		branches                 []branchRecord
	)
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == forestMaxVersions && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			maxVersions = v
			return n, nil
		case num == forestMaxBranches && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			maxBranches = v
			return n, nil
		case num == forestBranch && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			br, err := parseBranch(v)
			if err != nil {
				return 0, err
			}
			branches = append(branches, br)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if maxVersions == 0 || maxBranches == 0 || maxVersions > math.MaxUint32 || maxBranches > math.MaxUint32 {
		return nil, fmt.Errorf("%w: invalid limits %d/%d", types.ErrParsing, maxVersions, maxBranches)
	}

	d := &forestDecoder{t: newTree(uint32(maxVersions), uint32(maxBranches)), branches: branches}
	if err := d.decode(); err != nil {
		return nil, err
	}
	return d.t, nil
}

type forestDecoder struct {
	t        *Tree
	branches []branchRecord
	next     int
}

func (d *forestDecoder) decode() error {
	t := d.t
	for d.next < len(d.branches) {
		br := d.branches[d.next]
		d.next++
		if br.orphan {
			if br.parent.IsAbsent() {
				return fmt.Errorf("%w: orphan branch without parent", types.ErrParsing)
			}
			waiting, ok := t.orphans[br.parent]
			if !ok {
				waiting = make(nameSet)
				t.orphans[br.parent] = waiting
			}
			waiting[br.versions[0].name] = struct{}{}
		} else {
			if t.hasRoot {
				return fmt.Errorf("%w: more than one root branch", types.ErrParsing)
			}
			t.root, t.hasRoot = br.versions[0].name, true
		}
		if err := d.build(br, br.parent); err != nil {
			return err
		}
	}

	if uint32(len(t.versions)) > t.maxVersions {
		return fmt.Errorf("%w: %d versions exceeds max %d", types.ErrParsing, len(t.versions), t.maxVersions)
	}
	if uint32(len(t.tips)) > t.maxBranches {
		return fmt.Errorf("%w: %d branches exceeds max %d", types.ErrParsing, len(t.tips), t.maxBranches)
	}
	if t.hasRoot {
		if _, ok := t.versions[t.versions[t.root].parent]; ok {
			return fmt.Errorf("%w: root parent is held by the tree", types.ErrParsing)
		}
	}
	for parent := range t.orphans {
		if _, ok := t.versions[parent]; ok {
			return fmt.Errorf("%w: orphan parent %s is held by the tree", types.ErrParsing, parent)
		}
	}
	return nil
}

func (d *forestDecoder) build(br branchRecord, parent Name) error {
	t := d.t
	prev := parent
	for i, v := range br.versions {
		if v.name.IsAbsent() {
			return fmt.Errorf("%w: version without identity", types.ErrParsing)
		}
		if _, dup := t.versions[v.name]; dup {
			return fmt.Errorf("%w: duplicate version %s", types.ErrParsing, v.name)
		}
		last := i == len(br.versions)-1
		if v.forking != 0 && (!last || v.forking < 2) {
			return fmt.Errorf("%w: invalid fork count %d on %s", types.ErrParsing, v.forking, v.name)
		}
		t.versions[v.name] = &node{parent: prev, children: make(nameSet)}
		if p, ok := t.versions[prev]; ok {
			p.children[v.name] = struct{}{}
		}
		prev = v.name
	}

	tail := br.versions[len(br.versions)-1]
	if tail.forking == 0 {
		t.tips[tail.name] = struct{}{}
		return nil
	}
	if tail.forking > uint64(len(d.branches)-d.next) {
		return fmt.Errorf("%w: %s forks into %d branches, %d remain", types.ErrParsing, tail.name, tail.forking, len(d.branches)-d.next)
	}
	for range tail.forking {
		child := d.branches[d.next]
		d.next++
		if child.orphan || !child.parent.IsAbsent() {
			return fmt.Errorf("%w: fork branch of %s carries a parent", types.ErrParsing, tail.name)
		}
		if err := d.build(child, tail.name); err != nil {
			return err
		}
	}
	return nil
}

func parseBranch(data []byte) (branchRecord, error) {
	br := branchRecord{parent: Absent}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == branchAbsentParent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			rec, err := parseVersion(v)
			if err != nil {
				return 0, err
			}
			br.parent = rec.name
			return n, nil
		case num == branchVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			rec, err := parseVersion(v)
			if err != nil {
				return 0, err
			}
			br.versions = append(br.versions, rec)
			return n, nil
		case num == branchOrphan && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			br.orphan = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return br, err
	}
	if len(br.versions) == 0 {
		return br, fmt.Errorf("%w: empty branch", types.ErrParsing)
	}
	return br, nil
}

func parseVersion(data []byte) (versionRecord, error) {
	var rec versionRecord
	var haveIndex bool
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == versionIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rec.name.Index = v
			haveIndex = true
			return n, nil
		case num == versionID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := types.IdentityFromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", types.ErrParsing, err)
			}
			rec.name.ID = id
			return n, nil
		case num == versionForks && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rec.forking = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return rec, err
	}
	if !haveIndex {
		return rec, fmt.Errorf("%w: version without index", types.ErrParsing)
	}
	return rec, nil
}

// consumeFields walks the top-level fields of a message. fn returns the number
// of bytes it consumed from b, or a negative protowire error code.
func consumeFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", types.ErrParsing, protowire.ParseError(n))
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", types.ErrParsing, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}
