package rangetree

import (
	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/util/syncutil"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Child pointers
// --------------------------------------------------------------------------

// child is an owning pointer plus an estimate of the subtree depth below it.
// The estimate is exact along paths the current holder has just modified and
// may lag elsewhere.
type child struct {
	ptr      *treeNode
	depthEst uint32
}

// set points the child at n and refreshes the depth estimate. n must be nil
// or locked by the caller.
func (c *child) set(n *treeNode) {
	c.ptr = n
	if n == nil {
		c.depthEst = 0
		return
	}
	c.depthEst = n.depthEstimate()
}

// getLocked locks and returns the child, or returns nil.
func (c *child) getLocked() *treeNode {
	if c.ptr != nil {
		c.ptr.mu.Lock()
	}
	return c.ptr
}

// --------------------------------------------------------------------------
// Tree node
// --------------------------------------------------------------------------

// treeNode holds the locks of one group of overlapping ranges. rng covers
// every hold. Every field is guarded by mu. Holding the lock of a node grants exclusive access to the
// node, but nodes below it must still be locked before they are touched
// because another handle may have been acquired on them earlier.
type treeNode struct {
	mu     syncutil.Mutex
	tree   *Tree
	rng    keyrange.Keyrange
	holds  []Hold
	isRoot bool
	empty  bool
	left   child
	right  child
}

func (n *treeNode) cmp() *keyrange.Comparator {
	return n.tree.cmp
}

// memorySize is the number of bytes charged for the node.
func (n *treeNode) memorySize() uint64 {
	var size uint64
	for _, h := range n.holds {
		size += h.Range.MemorySize()
	}
	return size
}

func (n *treeNode) depthEstimate() uint32 {
	return max(n.left.depthEst, n.right.depthEst) + 1
}

// isEmpty is only ever true for the sentinel root.
func (n *treeNode) isEmpty() bool {
	return n.empty
}

func (n *treeNode) rangeOverlaps(r keyrange.Keyrange) bool {
	return n.rng.Overlaps(n.cmp(), r)
}

// setHolds turns the empty root into a node holding holds.
func (n *treeNode) setHolds(cover keyrange.Keyrange, holds []Hold) {
	if !n.isRoot || !n.empty {
		panic(errors.AssertionFailedf("setHolds on a non-empty or non-root node"))
	}
	n.rng = cover
	n.holds = holds
	n.empty = false
	n.tree.charge(int64(n.memorySize()))
}

// clear empties the sentinel root.
func (n *treeNode) clear() {
	n.rng = keyrange.Keyrange{}
	n.holds = nil
	n.empty = true
}

// swapContents exchanges the payload of two nodes, leaving their children and
// identities in place.
func swapContents(a, b *treeNode) {
	a.rng, b.rng = b.rng, a.rng
	a.holds, b.holds = b.holds, a.holds
}

// --------------------------------------------------------------------------
// Rebalancing
// --------------------------------------------------------------------------

// rotateRight makes the left child's payload the payload of n. n and l = n.left
// are locked by the caller and both keep their position relative to the
// caller's locks: n stays the subtree root, l stays a child of n.
//
//	    n(N)              n(L)
//	   /    \            /    \
//	 l(L)    C   ->     A     l(N)
//	 /  \                     /  \
//	A    B                   B    C
func rotateRight(n, l *treeNode) {
	swapContents(n, l)
	a, b, c := l.left, l.right, n.right
	n.left = a
	l.left = b
	l.right = c
	n.right.set(l)
}

// rotateLeft is the mirror image of rotateRight with r = n.right.
func rotateLeft(n, r *treeNode) {
	swapContents(n, r)
	a, b, c := n.left, r.left, r.right
	r.left = a
	r.right = b
	n.right = c
	n.left.set(r)
}

// maybeRebalance performs an AVL single or double rotation at n when the depth
// estimates of its children differ by more than one. n is locked.
func (n *treeNode) maybeRebalance() {
	ld, rd := n.left.depthEst, n.right.depthEst
	switch {
	case ld > rd+1:
		l := n.left.getLocked()
		if l.right.depthEst > l.left.depthEst {
			lr := l.right.getLocked()
			rotateLeft(l, lr)
			lr.mu.Unlock()
		}
		rotateRight(n, l)
		l.mu.Unlock()
	case rd > ld+1:
		r := n.right.getLocked()
		if r.left.depthEst > r.right.depthEst {
			rl := r.left.getLocked()
			rotateRight(r, rl)
			rl.mu.Unlock()
		}
		rotateLeft(n, r)
		r.mu.Unlock()
	}
}

// lockAndRebalanceLeft locks the left child, rebalances its subtree and
// returns it locked, or returns nil.
func (n *treeNode) lockAndRebalanceLeft() *treeNode {
	c := n.left.getLocked()
	if c != nil {
		c.maybeRebalance()
		n.left.set(c)
	}
	return c
}

// lockAndRebalanceRight is the mirror image of lockAndRebalanceLeft.
func (n *treeNode) lockAndRebalanceRight() *treeNode {
	c := n.right.getLocked()
	if c != nil {
		c.maybeRebalance()
		n.right.set(c)
	}
	return c
}

// --------------------------------------------------------------------------
// Search
// --------------------------------------------------------------------------

// findNodeWithOverlappingChild descends from the locked node n, whose range
// does not overlap r, to the deepest node whose child on r's side overlaps r
// or is missing. The returned node is locked, every other node is unlocked.
func (n *treeNode) findNodeWithOverlappingChild(r keyrange.Keyrange) *treeNode {
	cmp := n.cmp()
	c := r.Compare(cmp, n.rng)
	for {
		var next *treeNode
		switch c {
		case keyrange.LessThan:
			next = n.lockAndRebalanceLeft()
		case keyrange.GreaterThan:
			next = n.lockAndRebalanceRight()
		default:
			panic(errors.AssertionFailedf("range %s overlaps search node %s", r, n.rng))
		}
		if next == nil {
			return n
		}
		c = r.Compare(cmp, next.rng)
		if c.Overlapping() {
			next.mu.Unlock()
			return n
		}
		n.mu.Unlock()
		n = next
	}
}

// --------------------------------------------------------------------------
// Insert / remove
// --------------------------------------------------------------------------

// insert adds a node for holds covered by r below the locked node n. Any
// overlap with an existing node is an invariant violation.
func (n *treeNode) insert(r keyrange.Keyrange, holds []Hold) {
	switch c := r.Compare(n.cmp(), n.rng); c {
	case keyrange.LessThan:
		if l := n.lockAndRebalanceLeft(); l != nil {
			l.insert(r, holds)
			n.left.set(l)
			l.mu.Unlock()
		} else {
			n.left.set(n.tree.newNode(r, holds))
		}
	case keyrange.GreaterThan:
		if rc := n.lockAndRebalanceRight(); rc != nil {
			rc.insert(r, holds)
			n.right.set(rc)
			rc.mu.Unlock()
		} else {
			n.right.set(n.tree.newNode(r, holds))
		}
	default:
		panic(errors.AssertionFailedf("inserted range %s %s existing range %s", r, c, n.rng))
	}
}

// remove deletes the node covering exactly r in the subtree of the locked
// node n. It returns the node now rooting the subtree: n itself, or nil when n
// was a leaf that got removed.
func (n *treeNode) remove(r keyrange.Keyrange) *treeNode {
	switch r.Compare(n.cmp(), n.rng) {
	case keyrange.Equals:
		return n.removeRootOfSubtree()
	case keyrange.LessThan:
		if l := n.left.getLocked(); l != nil {
			n.left.set(l.remove(r))
			l.mu.Unlock()
		}
	case keyrange.GreaterThan:
		if rc := n.right.getLocked(); rc != nil {
			n.right.set(rc.remove(r))
			rc.mu.Unlock()
		}
	}
	// a range overlapping n without being equal to it cannot exist anywhere
	return n
}

// removeRootOfSubtree deletes the payload of the locked node n. A leaf is
// unlinked (the sentinel root is cleared instead). Otherwise the in-order
// neighbour is detached and its payload moved into n, so n keeps its identity.
func (n *treeNode) removeRootOfSubtree() *treeNode {
	n.tree.charge(-int64(n.memorySize()))

	if n.left.ptr == nil && n.right.ptr == nil {
		if n.isRoot {
			n.clear()
			return n
		}
		return nil
	}

	var replacement *treeNode
	if n.left.ptr != nil {
		l := n.left.getLocked()
		newLeft, detached := l.detachRightmost()
		n.left = newLeft
		if detached != l {
			l.mu.Unlock()
		}
		replacement = detached
	} else {
		r := n.right.getLocked()
		newRight, detached := r.detachLeftmost()
		n.right = newRight
		if detached != r {
			r.mu.Unlock()
		}
		replacement = detached
	}

	n.rng = replacement.rng
	n.holds = replacement.holds
	replacement.mu.Unlock()
	return n
}

// detachRightmost unlinks the rightmost node below the locked node n. It
// returns the child pointer that replaces n in its parent and the detached
// node, which is still locked.
func (n *treeNode) detachRightmost() (child, *treeNode) {
	if n.right.ptr == nil {
		return n.left, n
	}
	r := n.right.getLocked()
	newRight, detached := r.detachRightmost()
	n.right = newRight
	if detached != r {
		r.mu.Unlock()
	}
	return child{ptr: n, depthEst: n.depthEstimate()}, detached
}

// detachLeftmost is the mirror image of detachRightmost.
func (n *treeNode) detachLeftmost() (child, *treeNode) {
	if n.left.ptr == nil {
		return n.right, n
	}
	l := n.left.getLocked()
	newLeft, detached := l.detachLeftmost()
	n.left = newLeft
	if detached != l {
		l.mu.Unlock()
	}
	return child{ptr: n, depthEst: n.depthEstimate()}, detached
}

// removeAll discards every node below the locked node n and returns the number
// of bytes released, not counting n itself.
func (n *treeNode) removeAll() uint64 {
	var freed uint64
	for _, c := range []*child{&n.left, &n.right} {
		if node := c.getLocked(); node != nil {
			freed += node.removeAll() + node.memorySize()
			node.mu.Unlock()
		}
		c.set(nil)
	}
	return freed
}

// --------------------------------------------------------------------------
// Traversal
// --------------------------------------------------------------------------

// traverseOverlaps calls fn in key order for every node below the locked
// node n (inclusive) whose range overlaps r. It returns false once fn asked to stop.
func (n *treeNode) traverseOverlaps(r keyrange.Keyrange, fn Visitor) bool {
	c := r.Compare(n.cmp(), n.rng)
	switch c {
	case keyrange.Equals, keyrange.ContainedBy:
		// nothing else in the subtree can overlap r
		return fn(n.rng, n.holds)
	}

	if c != keyrange.GreaterThan {
		if l := n.left.getLocked(); l != nil {
			cont := l.traverseOverlaps(r, fn)
			l.mu.Unlock()
			if !cont {
				return false
			}
		}
	}
	if c.Overlapping() && !fn(n.rng, n.holds) {
		return false
	}
	if c != keyrange.LessThan {
		if rc := n.right.getLocked(); rc != nil {
			cont := rc.traverseOverlaps(r, fn)
			rc.mu.Unlock()
			if !cont {
				return false
			}
		}
	}
	return true
}
