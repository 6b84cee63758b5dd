/*
Package rangetree implements the concurrent interval tree backing a locktree.

The tree stores pairwise non-overlapping nodes. A node groups the holds
(transaction, exact inclusive range, shared flag) whose ranges are connected
by overlap, and is ordered by the range covering all of them. Shared holds of
different transactions may overlap inside a node; the tree itself does not
decide who may lock what. Every node carries
its own mutex. A caller never locks the whole tree: it prepares a
LockedKeyrange (locking the root), then acquires the range it cares about,
which walks down hand-over-hand to the smallest subtree able to hold every
range overlapping the request. Disjoint requests therefore proceed in
parallel once their paths diverge.

Balance is kept AVL-style using per-child depth estimates. Rotations happen
on the way down and exchange node payloads instead of relinking the nodes, so
the node pinned by a LockedKeyrange never moves.

Example:

	tree := rangetree.New(keyrange.NewComparator(nil, nil))

	var lkr rangetree.LockedKeyrange
	lkr.Prepare(tree)
	lkr.Acquire(r)
	lkr.Iterate(func(cover keyrange.Keyrange, holds []rangetree.Hold) bool {
		// inspect overlapping nodes
		return true
	})
	lkr.Insert(rangetree.Hold{Txn: 1, Range: r})
	lkr.Release()
*/
package rangetree
