package rangetree

import (
	"math/bits"
	"testing"

	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/txnid"
	"golang.org/x/sync/errgroup"
)

func newTestTree() *Tree {
	return New(keyrange.NewComparator(nil, nil))
}

func rng(l, r uint64) keyrange.Keyrange {
	return keyrange.New(keyrange.Uint64(l), keyrange.Uint64(r))
}

func point(k uint64) keyrange.Keyrange {
	return keyrange.Point(keyrange.Uint64(k))
}

type visited struct {
	rng   keyrange.Keyrange
	holds []Hold
}

func (v visited) txns() []txnid.TxnID {
	out := make([]txnid.TxnID, len(v.holds))
	for i, h := range v.holds {
		out[i] = h.Txn
	}
	return out
}

func hold(id txnid.TxnID, r keyrange.Keyrange, shared bool) Hold {
	return Hold{Txn: id, Range: r, Shared: shared}
}

func collect(t *testing.T, tree *Tree, r keyrange.Keyrange) []visited {
	t.Helper()
	var out []visited
	var lkr LockedKeyrange
	lkr.Prepare(tree)
	lkr.Acquire(r)
	lkr.Iterate(func(r keyrange.Keyrange, holds []Hold) bool {
		out = append(out, visited{rng: r, holds: append([]Hold(nil), holds...)})
		return true
	})
	lkr.Release()
	return out
}

func insert(tree *Tree, r keyrange.Keyrange, id txnid.TxnID, shared bool) {
	insertHolds(tree, hold(id, r, shared))
}

func insertHolds(tree *Tree, holds ...Hold) keyrange.Keyrange {
	cover := CoverOf(tree.Comparator(), holds)
	var lkr LockedKeyrange
	lkr.Prepare(tree)
	lkr.Acquire(cover)
	got := lkr.Insert(holds...)
	lkr.Release()
	return got
}

func remove(tree *Tree, r keyrange.Keyrange) {
	var lkr LockedKeyrange
	lkr.Prepare(tree)
	lkr.Acquire(r)
	lkr.Remove(r)
	lkr.Release()
}

func verify(t *testing.T, tree *Tree) int {
	t.Helper()
	h, err := tree.Verify()
	if err != nil {
		t.Fatalf("tree invariant broken: %v", err)
	}
	return h
}

func TestInsertIterateRemove(t *testing.T) {
	tree := newTestTree()
	if !tree.IsEmpty() {
		t.Fatalf("new tree must be empty")
	}

	insert(tree, rng(10, 20), 1, false)
	insert(tree, rng(30, 40), 2, false)
	insert(tree, point(5), 3, true)
	insert(tree, rng(50, 60), 1, false)
	verify(t, tree)

	got := collect(t, tree, rng(15, 35))
	if len(got) != 2 {
		t.Fatalf("expected 2 overlapping ranges, got %d", len(got))
	}
	cmp := tree.Comparator()
	if got[0].rng.Compare(cmp, rng(10, 20)) != keyrange.Equals || got[1].rng.Compare(cmp, rng(30, 40)) != keyrange.Equals {
		t.Errorf("unexpected ranges %s %s", got[0].rng, got[1].rng)
	}
	if got[0].holds[0].Txn != 1 || got[1].holds[0].Txn != 2 {
		t.Errorf("unexpected owners %v %v", got[0].txns(), got[1].txns())
	}

	all := collect(t, tree, keyrange.Infinite())
	if len(all) != 4 {
		t.Fatalf("expected 4 ranges, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].rng.Compare(cmp, all[i].rng) != keyrange.LessThan {
			t.Errorf("iteration out of order: %s before %s", all[i-1].rng, all[i].rng)
		}
	}
	if !all[0].holds[0].Shared || all[1].holds[0].Shared {
		t.Errorf("shared flags not preserved")
	}

	if got := collect(t, tree, rng(21, 29)); len(got) != 0 {
		t.Errorf("expected no overlap in a gap, got %d", len(got))
	}

	remove(tree, rng(30, 35)) // a range that only overlaps a node is a no-op
	if got := collect(t, tree, rng(30, 40)); len(got) != 1 {
		t.Fatalf("node removed by an overlapping range")
	}
	remove(tree, rng(30, 40))
	remove(tree, rng(30, 40)) // so is a missing range
	if got := collect(t, tree, rng(30, 40)); len(got) != 0 {
		t.Errorf("range still present after remove")
	}
	verify(t, tree)

	remove(tree, rng(10, 20))
	remove(tree, point(5))
	remove(tree, rng(50, 60))
	if !tree.IsEmpty() {
		t.Errorf("tree must be empty after removing every range")
	}
	if tree.MemorySize() != 0 {
		t.Errorf("expected no memory in use, got %d", tree.MemorySize())
	}
}

func TestNodeWithSeveralHolds(t *testing.T) {
	tree := newTestTree()
	cover := insertHolds(tree,
		hold(2, rng(3, 7), true),
		hold(1, rng(1, 5), true),
		hold(3, rng(3, 7), true),
	)
	cmp := tree.Comparator()
	if cover.Compare(cmp, rng(1, 7)) != keyrange.Equals {
		t.Fatalf("expected cover [1, 7], got %s", cover)
	}
	verify(t, tree)

	got := collect(t, tree, point(2))
	if len(got) != 1 || len(got[0].holds) != 3 {
		t.Fatalf("expected one node with 3 holds, got %+v", got)
	}
	// sorted by range, then transaction
	if txns := got[0].txns(); txns[0] != 1 || txns[1] != 2 || txns[2] != 3 {
		t.Errorf("holds not sorted: %v", txns)
	}
	want := rng(1, 5).MemorySize() + 2*rng(3, 7).MemorySize()
	if size := tree.MemorySize(); size != want {
		t.Errorf("expected every hold to be charged, got %d bytes instead of %d", size, want)
	}

	remove(tree, rng(1, 5)) // not a node cover
	if tree.IsEmpty() {
		t.Fatalf("removing a hold range must not remove the node")
	}
	remove(tree, cover)
	if !tree.IsEmpty() || tree.MemorySize() != 0 {
		t.Errorf("node must vanish with its cover")
	}
}

func TestComponents(t *testing.T) {
	cmp := keyrange.NewComparator(nil, nil)
	holds := []Hold{
		hold(1, rng(20, 30), true),
		hold(2, rng(1, 5), true),
		hold(3, rng(5, 8), true),
		hold(1, rng(9, 9), false),
		hold(4, rng(25, 40), true),
	}
	groups := Components(cmp, holds)
	wantCovers := []keyrange.Keyrange{rng(1, 8), rng(9, 9), rng(20, 40)}
	if len(groups) != len(wantCovers) {
		t.Fatalf("expected %d groups, got %d", len(wantCovers), len(groups))
	}
	for i, g := range groups {
		if c := CoverOf(cmp, g); c.Compare(cmp, wantCovers[i]) != keyrange.Equals {
			t.Errorf("group %d: expected cover %s, got %s", i, wantCovers[i], c)
		}
	}
	if Components(cmp, nil) != nil {
		t.Errorf("no holds must give no groups")
	}
}

func TestVerifyRejectsExclusiveOverlap(t *testing.T) {
	tree := newTestTree()
	insertHolds(tree, hold(1, rng(1, 5), false), hold(2, rng(4, 8), true))
	if _, err := tree.Verify(); err == nil {
		t.Errorf("expected an exclusive hold overlapping another transaction to be reported")
	}

	tree = newTestTree()
	insertHolds(tree, hold(1, rng(1, 5), false), hold(1, rng(4, 8), true), hold(2, rng(6, 9), true))
	verify(t, tree)
}

func TestIterateStopsEarly(t *testing.T) {
	tree := newTestTree()
	for i := uint64(0); i < 100; i++ {
		insert(tree, point(i*2), 1, false)
	}
	n := 0
	var lkr LockedKeyrange
	lkr.Prepare(tree)
	lkr.Acquire(keyrange.Infinite())
	lkr.Iterate(func(keyrange.Keyrange, []Hold) bool {
		n++
		return n < 10
	})
	lkr.Release()
	if n != 10 {
		t.Errorf("expected iteration to stop after 10 ranges, got %d", n)
	}
}

func TestInfiniteBounds(t *testing.T) {
	tree := newTestTree()
	insert(tree, keyrange.New(keyrange.NegInf, keyrange.Uint64(10)), 1, false)
	insert(tree, keyrange.New(keyrange.Uint64(100), keyrange.PosInf), 2, false)
	insert(tree, rng(50, 60), 3, false)
	verify(t, tree)

	if got := collect(t, tree, point(0)); len(got) != 1 || got[0].holds[0].Txn != 1 {
		t.Errorf("expected [-inf, 10] to cover 0, got %+v", got)
	}
	if got := collect(t, tree, point(1<<62)); len(got) != 1 || got[0].holds[0].Txn != 2 {
		t.Errorf("expected [100, +inf] to cover a large key, got %+v", got)
	}
	if got := collect(t, tree, keyrange.Infinite()); len(got) != 3 {
		t.Errorf("expected 3 ranges, got %d", len(got))
	}
}

func TestSequentialInsertStaysBalanced(t *testing.T) {
	const n = 1 << 17
	tree := newTestTree()

	var lkr LockedKeyrange
	for i := uint64(0); i < n; i++ {
		lkr.Prepare(tree)
		lkr.Acquire(point(i))
		lkr.Insert(hold(txnid.TxnID(i%7+1), point(i), false))
		lkr.Release()
	}
	h := verify(t, tree)
	bound := 2*bits.Len(uint(n)) + 2
	if h > bound {
		t.Errorf("height %d exceeds %d after %d sequential inserts", h, bound, n)
	}

	for i := uint64(0); i < n; i++ {
		lkr.Prepare(tree)
		lkr.Acquire(point(i))
		lkr.Remove(point(i))
		lkr.Release()
	}
	if !tree.IsEmpty() {
		t.Errorf("expected empty tree after removing every point")
	}
	if tree.MemorySize() != 0 {
		t.Errorf("expected no memory in use, got %d", tree.MemorySize())
	}
}

func TestReverseInsertAndInterleavedRemove(t *testing.T) {
	const n = 4096
	tree := newTestTree()
	for i := uint64(n); i > 0; i-- {
		insert(tree, rng(i*10, i*10+5), 1, false)
	}
	verify(t, tree)
	// remove every other range, mixing leaves and inner nodes
	for i := uint64(1); i <= n; i += 2 {
		remove(tree, rng(i*10, i*10+5))
	}
	verify(t, tree)
	if got := collect(t, tree, keyrange.Infinite()); len(got) != n/2 {
		t.Fatalf("expected %d ranges left, got %d", n/2, len(got))
	}
	for i := uint64(2); i <= n; i += 2 {
		remove(tree, rng(i*10, i*10+5))
	}
	if !tree.IsEmpty() {
		t.Errorf("expected empty tree")
	}
}

func TestRemoveAll(t *testing.T) {
	for size := 0; size <= 20; size++ {
		tree := newTestTree()
		for i := 0; i < size; i++ {
			insert(tree, point(uint64(i)), txnid.TxnID(i+1), false)
		}
		before := tree.MemorySize()

		var lkr LockedKeyrange
		lkr.Prepare(tree)
		lkr.Acquire(keyrange.Infinite())
		freed := lkr.RemoveAll()
		lkr.Release()

		if freed != before {
			t.Errorf("size %d: freed %d bytes, expected %d", size, freed, before)
		}
		if tree.MemorySize() != 0 {
			t.Errorf("size %d: expected no memory in use, got %d", size, tree.MemorySize())
		}
		if !tree.IsEmpty() {
			t.Errorf("size %d: expected empty tree", size)
		}
		// the tree is reusable
		insert(tree, point(1), 1, false)
		verify(t, tree)
		tree.Destroy()
		if tree.MemorySize() != 0 {
			t.Errorf("size %d: destroy left %d bytes", size, tree.MemorySize())
		}
	}
}

func TestConcurrentDisjointRanges(t *testing.T) {
	const (
		workers = 8
		rounds  = 2000
	)
	tree := newTestTree()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		id := txnid.TxnID(w + 1)
		base := uint64(w) << 32
		g.Go(func() error {
			var lkr LockedKeyrange
			for i := uint64(0); i < rounds; i++ {
				r := rng(base+i*4, base+i*4+2)
				lkr.Prepare(tree)
				lkr.Acquire(r)
				lkr.Insert(hold(id, r, false))
				lkr.Release()

				if i%3 == 0 {
					lkr.Prepare(tree)
					lkr.Acquire(r)
					lkr.Remove(r)
					lkr.Release()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	verify(t, tree)

	removed := (rounds + 2) / 3
	got := collect(t, tree, keyrange.Infinite())
	if len(got) != workers*(rounds-removed) {
		t.Fatalf("expected %d ranges, got %d", workers*(rounds-removed), len(got))
	}
	for _, v := range got {
		if len(v.holds) != 1 {
			t.Fatalf("range %s has holds %v", v.rng, v.holds)
		}
	}
}

func TestDestroyWithOutstandingHandlePanics(t *testing.T) {
	tree := newTestTree()
	var lkr LockedKeyrange
	lkr.Prepare(tree)
	lkr.Acquire(point(1))
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("expected destroy to panic")
			}
		}()
		tree.Destroy()
	}()
	lkr.Release()
	tree.Destroy()
}
