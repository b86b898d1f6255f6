package versions

import (
	"fmt"

	"github.com/gftdcojp/tiered-buffer/internal/types"
	"golang.org/x/sync/errgroup"
)

type node struct {
	parent   Name // recorded parent; may not be present in the tree
	children nameSet
}

// Tree is a bounded forest of version names. It tracks branching histories of a
// mutable object: one root lineage plus orphan branches whose parent has not
// been seen yet.
//
// Tree is not safe for concurrent use; callers serialize access.
type Tree struct {
	maxVersions uint32
	maxBranches uint32

	versions map[Name]*node
	root     Name
	hasRoot  bool
	tips     nameSet
	orphans  map[Name]nameSet // absent parent -> heads waiting for it
}

// New creates an empty tree holding at most maxVersions names and maxBranches tips.
func New(maxVersions, maxBranches uint32) (*Tree, error) {
	if maxVersions == 0 || maxBranches == 0 {
		return nil, fmt.Errorf("%w: max_versions and max_branches must be >= 1", types.ErrInvalidParameter)
	}
	return newTree(maxVersions, maxBranches), nil
}

func newTree(maxVersions, maxBranches uint32) *Tree {
	return &Tree{
		maxVersions: maxVersions,
		maxBranches: maxBranches,
		versions:    make(map[Name]*node),
		tips:        make(nameSet),
		orphans:     make(map[Name]nameSet),
	}
}

func (t *Tree) MaxVersions() uint32 { return t.maxVersions }
func (t *Tree) MaxBranches() uint32 { return t.maxBranches }

// Len returns the number of versions held.
func (t *Tree) Len() int { return len(t.versions) }

// Root returns the earliest version of the root lineage, if any.
func (t *Tree) Root() (Name, bool) {
	return t.root, t.hasRoot
}

// Contains reports whether name is held by the tree.
func (t *Tree) Contains(name Name) bool {
	_, ok := t.versions[name]
	return ok
}

type placement int

const (
	placeChild placement = iota
	placeRoot
	placeOrphan
)

// Put records newVersion as a successor of oldVersion. An Absent oldVersion marks
// newVersion as a root candidate. Resubmitting a known edge is a no-op.
func (t *Tree) Put(oldVersion, newVersion Name) error {
	if newVersion.IsAbsent() {
		return fmt.Errorf("%w: new version has no identity", types.ErrInvalidParameter)
	}
	if oldVersion.IsAbsent() {
		oldVersion = Absent
	}
	if oldVersion == newVersion {
		return fmt.Errorf("%w: version %s cannot be its own parent", types.ErrInvalidParameter, newVersion)
	}
	if existing, ok := t.versions[newVersion]; ok {
		if existing.parent == oldVersion {
			return nil
		}
		return fmt.Errorf("%w: version %s already recorded with parent %s", types.ErrInvalidParameter, newVersion, existing.parent)
	}

	var parent *node
	parentPresent := false
	if !oldVersion.IsAbsent() {
		parent, parentPresent = t.versions[oldVersion]
	}
	adoptsRoot := t.hasRoot && t.versions[t.root].parent == newVersion

	var where placement
	switch {
	case parentPresent:
		where = placeChild
	case oldVersion.IsAbsent():
		if t.hasRoot && !adoptsRoot {
			return fmt.Errorf("%w: tree already has root %s", types.ErrInvalidParameter, t.root)
		}
		where = placeRoot
	case adoptsRoot || len(t.versions) == 0:
		where = placeRoot
	default:
		where = placeOrphan
	}

	adopted := t.orphans[newVersion].sorted()
	if where == placeChild && (len(adopted) > 0 || adoptsRoot) {
		heads := adopted
		if adoptsRoot {
			heads = append(heads, t.root)
		}
		if err := t.checkNoCycle(heads, oldVersion); err != nil {
			return err
		}
	}

	// Root of the forest once newVersion is wired in.
	var effectiveRoot Name
	hasEffectiveRoot := t.hasRoot
	switch {
	case where == placeRoot:
		effectiveRoot, hasEffectiveRoot = newVersion, true
	case where == placeChild && adoptsRoot:
		effectiveRoot = t.head(oldVersion)
	default:
		effectiveRoot = t.root
	}

	evict := false
	rootChildren := 0
	if uint32(len(t.versions)) >= t.maxVersions {
		if where == placeRoot {
			// newVersion would be the root and therefore the first to go.
			return nil
		}
		if !hasEffectiveRoot {
			return fmt.Errorf("%w: %d versions held and no root to evict", types.ErrCannotExceedLimit, len(t.versions))
		}
		rootChildren = len(t.versions[effectiveRoot].children)
		if where == placeChild && oldVersion == effectiveRoot {
			rootChildren++
		}
		if rootChildren > 1 {
			return fmt.Errorf("%w: %d versions held and root %s forks", types.ErrCannotExceedLimit, len(t.versions), effectiveRoot)
		}
		evict = true
	}

	tips := len(t.tips)
	if len(adopted) == 0 && !adoptsRoot {
		tips++
	}
	if where == placeChild && len(parent.children) == 0 {
		tips--
	}
	if evict && rootChildren == 0 {
		tips--
	}
	if tips > int(t.maxBranches) {
		return fmt.Errorf("%w: %d branches exceeds max %d", types.ErrCannotExceedLimit, tips, t.maxBranches)
	}

	previousRoot := t.root
	n := &node{parent: oldVersion, children: make(nameSet)}
	t.versions[newVersion] = n
	switch where {
	case placeChild:
		if len(parent.children) == 0 {
			delete(t.tips, oldVersion)
		}
		parent.children[newVersion] = struct{}{}
	case placeOrphan:
		waiting, ok := t.orphans[oldVersion]
		if !ok {
			waiting = make(nameSet)
			t.orphans[oldVersion] = waiting
		}
		waiting[newVersion] = struct{}{}
	case placeRoot:
		t.root, t.hasRoot = newVersion, true
	}

	for _, head := range adopted {
		n.children[head] = struct{}{}
	}
	delete(t.orphans, newVersion)
	if adoptsRoot {
		n.children[previousRoot] = struct{}{}
		if where == placeChild {
			head := t.head(newVersion)
			t.removeOrphan(t.versions[head].parent, head)
			t.root = head
		}
	}
	if len(n.children) == 0 {
		t.tips[newVersion] = struct{}{}
	}

	if evict {
		t.evictRoot()
	}
	return nil
}

// checkNoCycle scans each subtree concurrently and fails if target is inside any of them.
func (t *Tree) checkNoCycle(heads []Name, target Name) error {
	var g errgroup.Group
	for _, head := range heads {
		g.Go(func() error {
			if t.subtreeContains(head, target) {
				return fmt.Errorf("%w: %s is a descendant of the version being inserted", types.ErrInvalidParameter, target)
			}
			return nil
		})
	}
	return g.Wait()
}

func (t *Tree) subtreeContains(head, target Name) bool {
	stack := []Name{head}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		for child := range t.versions[cur].children {
			stack = append(stack, child)
		}
	}
	return false
}

// head walks up from name to the earliest ancestor held by the tree.
func (t *Tree) head(name Name) Name {
	for {
		parent := t.versions[name].parent
		if _, ok := t.versions[parent]; !ok {
			return name
		}
		name = parent
	}
}

func (t *Tree) removeOrphan(parent, head Name) {
	waiting, ok := t.orphans[parent]
	if !ok {
		return
	}
	delete(waiting, head)
	if len(waiting) == 0 {
		delete(t.orphans, parent)
	}
}

func (t *Tree) evictRoot() {
	r := t.versions[t.root]
	delete(t.versions, t.root)
	delete(t.tips, t.root)
	t.hasRoot = false
	t.root = Name{}
	for child := range r.children {
		t.root, t.hasRoot = child, true
	}
}

// Get returns the current branch tips in ascending order.
func (t *Tree) Get() []Name {
	return t.tips.sorted()
}

// GetBranch returns the versions from tip back to its earliest held ancestor.
func (t *Tree) GetBranch(tip Name) ([]Name, error) {
	if err := t.checkTip(tip); err != nil {
		return nil, err
	}
	var branch []Name
	cur := tip
	for {
		branch = append(branch, cur)
		parent := t.versions[cur].parent
		if _, ok := t.versions[parent]; !ok {
			return branch, nil
		}
		cur = parent
	}
}

// DeleteBranchUntilFork removes tip and every ancestor left without children,
// stopping at the first ancestor that still has other children.
func (t *Tree) DeleteBranchUntilFork(tip Name) error {
	if err := t.checkTip(tip); err != nil {
		return err
	}
	cur := tip
	for {
		n := t.versions[cur]
		delete(t.versions, cur)
		delete(t.tips, cur)

		parent, ok := t.versions[n.parent]
		if !ok {
			if t.hasRoot && t.root == cur {
				t.root, t.hasRoot = Name{}, false
			} else {
				t.removeOrphan(n.parent, cur)
			}
			return nil
		}
		delete(parent.children, cur)
		if len(parent.children) > 0 {
			return nil
		}
		cur = n.parent
	}
}

func (t *Tree) checkTip(tip Name) error {
	n, ok := t.versions[tip]
	if !ok {
		return fmt.Errorf("%w: version %s", types.ErrNoSuchElement, tip)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: version %s is not a branch tip", types.ErrInvalidParameter, tip)
	}
	return nil
}

// Clone returns a deep copy of t.
func (t *Tree) Clone() *Tree {
	c := newTree(t.maxVersions, t.maxBranches)
	c.root, c.hasRoot = t.root, t.hasRoot
	for name, n := range t.versions {
		children := make(nameSet, len(n.children))
		for child := range n.children {
			children[child] = struct{}{}
		}
		c.versions[name] = &node{parent: n.parent, children: children}
	}
	for tip := range t.tips {
		c.tips[tip] = struct{}{}
	}
	for parent, heads := range t.orphans {
		waiting := make(nameSet, len(heads))
		for head := range heads {
			waiting[head] = struct{}{}
		}
		c.orphans[parent] = waiting
	}
	return c
}

// ApplySerialised merges a serialised forest into t by replaying each of its
// edges through Put. On error t is left unchanged.
func (t *Tree) ApplySerialised(data []byte) error {
	foreign, err := Parse(data)
	if err != nil {
		return err
	}
	scratch := t.Clone()
	for _, e := range foreign.edges() {
		if err := scratch.Put(e.parent, e.child); err != nil {
			return fmt.Errorf("merging %s -> %s: %w", e.parent, e.child, err)
		}
	}
	*t = *scratch
	return nil
}

type edge struct {
	parent, child Name
}

// edges lists every (parent, child) pair with parents ahead of their children.
func (t *Tree) edges() []edge {
	var out []edge
	var walk func(Name)
	walk = func(name Name) {
		out = append(out, edge{parent: t.versions[name].parent, child: name})
		for _, child := range t.versions[name].children.sorted() {
			walk(child)
		}
	}
	if t.hasRoot {
		walk(t.root)
	}
	for _, parent := range t.orphanParents() {
		for _, head := range t.orphans[parent].sorted() {
			walk(head)
		}
	}
	return out
}

func (t *Tree) orphanParents() []Name {
	parents := make(nameSet, len(t.orphans))
	for p := range t.orphans {
		parents[p] = struct{}{}
	}
	return parents.sorted()
}
