package rangetree

import (
	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/cockroachdb/errors"
)

// LockedKeyrange pins the subtree of a Tree that may hold ranges overlapping
// one key range. Operations against the handle are sequential; the handle is
// not shared between goroutines.
//
// Usage:
//
//	var lkr rangetree.LockedKeyrange
//	lkr.Prepare(tree)
//	lkr.Acquire(r)
//	lkr.Iterate(...)
//	lkr.Remove(...)
//	lkr.Insert(...)
//	lkr.Release()
type LockedKeyrange struct {
	tree    *Tree
	rng     keyrange.Keyrange
	subtree *treeNode
}

// Prepare locks the root of tree. Until Acquire is called, the handle
// serializes with every other handle on the tree.
func (lkr *LockedKeyrange) Prepare(tree *Tree) {
	if lkr.tree != nil {
		panic(errors.AssertionFailedf("locked keyrange prepared twice"))
	}
	tree.handles.Add(1)
	tree.root.mu.Lock()
	lkr.tree = tree
	lkr.subtree = &tree.root
}

// Acquire descends to the smallest subtree that contains every range
// overlapping r and keeps only that subtree's root locked. The subtree root
// either overlaps r or has a child on r's side that overlaps r or is missing.
func (lkr *LockedKeyrange) Acquire(r keyrange.Keyrange) {
	root := &lkr.tree.root
	if lkr.subtree != root {
		panic(errors.AssertionFailedf("locked keyrange acquired twice"))
	}
	if !root.isEmpty() && !root.rangeOverlaps(r) {
		lkr.subtree = root.findNodeWithOverlappingChild(r)
	}
	lkr.rng = r
}

// Range returns the range passed to Acquire.
func (lkr *LockedKeyrange) Range() keyrange.Keyrange {
	return lkr.rng
}

// Insert adds a node for holds and returns the range covering them. The keys
// are copied. The cover must not overlap any other node and must lie within
// the locked subtree.
func (lkr *LockedKeyrange) Insert(holds ...Hold) keyrange.Keyrange {
	cover, holds := lkr.tree.prepareHolds(holds)
	if lkr.subtree.isEmpty() {
		lkr.subtree.setHolds(cover, holds)
	} else {
		lkr.subtree.insert(cover, holds)
	}
	return cover
}

// Remove deletes the node whose cover equals r. Removing a node that does not
// exist is a no-op.
func (lkr *LockedKeyrange) Remove(r keyrange.Keyrange) {
	if lkr.subtree.isEmpty() {
		return
	}
	if s := lkr.subtree.remove(r); s != lkr.subtree {
		panic(errors.AssertionFailedf("locked subtree root %s was removed", r))
	}
}

// RemoveAll discards every range of the tree and returns the bytes released.
// The handle must have been acquired on a range overlapping the root, e.g.
// keyrange.Infinite().
func (lkr *LockedKeyrange) RemoveAll() uint64 {
	root := &lkr.tree.root
	if lkr.subtree != root {
		panic(errors.AssertionFailedf("remove all on a locked subtree below the root"))
	}
	if root.isEmpty() {
		return 0
	}
	freed := root.removeAll() + root.memorySize()
	root.clear()
	lkr.tree.charge(-int64(freed))
	return freed
}

// Iterate calls fn in key order for every node of the locked subtree whose
// cover overlaps the acquired range. Acquiring keyrange.Infinite() visits the whole
// tree.
func (lkr *LockedKeyrange) Iterate(fn Visitor) {
	if lkr.subtree.isEmpty() {
		return
	}
	lkr.subtree.traverseOverlaps(lkr.rng, fn)
}

// IterateRange is Iterate restricted to nodes overlapping r, which must lie
// within the acquired range.
func (lkr *LockedKeyrange) IterateRange(r keyrange.Keyrange, fn Visitor) {
	if lkr.subtree.isEmpty() {
		return
	}
	lkr.subtree.traverseOverlaps(r, fn)
}

// Release unlocks the subtree. The handle may be prepared again afterwards.
func (lkr *LockedKeyrange) Release() {
	if lkr.tree == nil {
		panic(errors.AssertionFailedf("releasing a locked keyrange that was never prepared"))
	}
	lkr.subtree.mu.Unlock()
	lkr.tree.handles.Add(-1)
	*lkr = LockedKeyrange{}
}
