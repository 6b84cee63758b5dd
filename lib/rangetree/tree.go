package rangetree

import (
	"slices"
	"sync/atomic"

	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/txnid"
	"github.com/cockroachdb/errors"
)

// Hold is the lock one transaction has on an exact range.
type Hold struct {
	Txn    txnid.TxnID
	Range  keyrange.Keyrange
	Shared bool
}

// Visitor is called for every node visited by an iteration. cover is the
// smallest range covering every hold of the node. holds are sorted by range
// and must not be retained or modified. Returning false stops the iteration.
type Visitor func(cover keyrange.Keyrange, holds []Hold) bool

// Tree is a concurrent, self-balancing binary tree of pairwise non-overlapping
// key ranges. All access goes through a LockedKeyrange.
type Tree struct {
	cmp     *keyrange.Comparator
	root    treeNode
	memUsed atomic.Int64
	handles atomic.Int32
	tracker MemoryTracker
}

// MemoryTracker is told about every change of the bytes charged for ranges.
type MemoryTracker func(delta int64)

// New creates an empty tree ordered by cmp.
func New(cmp *keyrange.Comparator) *Tree {
	t := &Tree{cmp: cmp}
	t.root.tree = t
	t.root.isRoot = true
	t.root.empty = true
	return t
}

// SetMemoryTracker installs fn as the memory tracker. It must be called
// before the tree is used.
func (t *Tree) SetMemoryTracker(fn MemoryTracker) {
	t.tracker = fn
}

func (t *Tree) charge(delta int64) {
	t.memUsed.Add(delta)
	if t.tracker != nil {
		t.tracker(delta)
	}
}

func (t *Tree) newNode(cover keyrange.Keyrange, holds []Hold) *treeNode {
	n := &treeNode{tree: t, rng: cover, holds: holds}
	t.charge(int64(n.memorySize()))
	return n
}

// prepareHolds copies the keys of holds, sorts them by range and returns the
// range covering all of them.
func (t *Tree) prepareHolds(holds []Hold) (keyrange.Keyrange, []Hold) {
	if len(holds) == 0 {
		panic(errors.AssertionFailedf("inserting a node without holds"))
	}
	out := make([]Hold, len(holds))
	for i, h := range holds {
		if h.Txn == txnid.None {
			panic(errors.AssertionFailedf("hold on %s without transaction", h.Range))
		}
		out[i] = Hold{Txn: h.Txn, Range: h.Range.Copy(), Shared: h.Shared}
	}
	SortHolds(t.cmp, out)
	return CoverOf(t.cmp, out), out
}

// SortHolds orders holds by left key, then right key, then transaction.
func SortHolds(cmp *keyrange.Comparator, holds []Hold) {
	slices.SortFunc(holds, func(a, b Hold) int {
		if c := cmp.Compare(a.Range.Left(), b.Range.Left()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Range.Right(), b.Range.Right()); c != 0 {
			return c
		}
		switch {
		case a.Txn < b.Txn:
			return -1
		case a.Txn > b.Txn:
			return 1
		}
		return 0
	})
}

// CoverOf returns the smallest range covering every hold. holds must not be
// empty.
func CoverOf(cmp *keyrange.Comparator, holds []Hold) keyrange.Keyrange {
	cover := holds[0].Range
	for _, h := range holds[1:] {
		cover = cover.Extend(cmp, h.Range)
	}
	return cover
}

// Components splits holds into groups whose ranges are connected by overlap,
// in key order. Every key of a group's cover is locked by one of its holds.
// holds is reordered.
func Components(cmp *keyrange.Comparator, holds []Hold) [][]Hold {
	if len(holds) == 0 {
		return nil
	}
	SortHolds(cmp, holds)
	var out [][]Hold
	start := 0
	right := holds[0].Range.Right()
	for i := 1; i < len(holds); i++ {
		if cmp.Compare(holds[i].Range.Left(), right) > 0 {
			out = append(out, holds[start:i:i])
			start = i
			right = holds[i].Range.Right()
			continue
		}
		if cmp.Compare(holds[i].Range.Right(), right) > 0 {
			right = holds[i].Range.Right()
		}
	}
	return append(out, holds[start:])
}

// Comparator returns the comparator ordering the tree.
func (t *Tree) Comparator() *keyrange.Comparator {
	return t.cmp
}

// IsEmpty reports whether the tree holds no range. It must not be called by a
// goroutine holding a LockedKeyrange on this tree.
func (t *Tree) IsEmpty() bool {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	empty := t.root.isEmpty()
	if empty && (t.root.left.ptr != nil || t.root.right.ptr != nil) {
		panic(errors.AssertionFailedf("empty root has children"))
	}
	return empty
}

// MemorySize returns the bytes charged for all ranges in the tree.
func (t *Tree) MemorySize() uint64 {
	return uint64(t.memUsed.Load())
}

// Destroy discards every range. It panics if a LockedKeyrange is outstanding.
func (t *Tree) Destroy() {
	if n := t.handles.Load(); n != 0 {
		panic(errors.AssertionFailedf("destroying range tree with %d locked keyranges outstanding", n))
	}
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	if !t.root.isEmpty() {
		freed := t.root.removeAll() + t.root.memorySize()
		t.charge(-int64(freed))
		t.root.clear()
	}
}

// --------------------------------------------------------------------------
// Verification (used by tests)
// --------------------------------------------------------------------------

// Verify checks that ranges are ordered and pairwise non-overlapping and
// returns the height of the tree. It locks the whole tree while running.
func (t *Tree) Verify() (int, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	if t.root.isEmpty() {
		if t.root.left.ptr != nil || t.root.right.ptr != nil {
			return 0, errors.New("empty root has children")
		}
		return 0, nil
	}
	var prev *keyrange.Keyrange
	return t.root.verify(&prev)
}

func (n *treeNode) verify(prev **keyrange.Keyrange) (int, error) {
	if n.empty {
		return 0, errors.New("non-root node is empty")
	}
	if err := n.verifyHolds(); err != nil {
		return 0, err
	}

	var lh, rh int
	if l := n.left.getLocked(); l != nil {
		h, err := l.verify(prev)
		l.mu.Unlock()
		if err != nil {
			return 0, err
		}
		lh = h
	}
	if *prev != nil && (*prev).Compare(n.cmp(), n.rng) != keyrange.LessThan {
		return 0, errors.Newf("range %s is not strictly after %s", n.rng, **prev)
	}
	rng := n.rng
	*prev = &rng
	if r := n.right.getLocked(); r != nil {
		h, err := r.verify(prev)
		r.mu.Unlock()
		if err != nil {
			return 0, err
		}
		rh = h
	}
	return max(lh, rh) + 1, nil
}

// verifyHolds checks that the cover is exact and that no exclusive hold
// overlaps a hold of another transaction.
func (n *treeNode) verifyHolds() error {
	if len(n.holds) == 0 {
		return errors.Newf("range %s has no holds", n.rng)
	}
	cmp := n.cmp()
	if c := CoverOf(cmp, n.holds); c.Compare(cmp, n.rng) != keyrange.Equals {
		return errors.Newf("node range %s does not match its holds %s", n.rng, c)
	}
	for i, a := range n.holds {
		for _, b := range n.holds[i+1:] {
			if a.Txn != b.Txn && !(a.Shared && b.Shared) && a.Range.Overlaps(cmp, b.Range) {
				return errors.Newf("txn %s holds %s exclusively against txn %s on %s", a.Txn, a.Range, b.Txn, b.Range)
			}
		}
	}
	return nil
}
