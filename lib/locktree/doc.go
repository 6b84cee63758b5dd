/*
Package locktree implements range locking for transactions on top of the
concurrent range tree in lib/rangetree.

A Locktree guards the keys of one dictionary. Transactions take read locks
(shared) and write locks (exclusive) on inclusive key ranges, where either
bound may be keyrange.NegInf or keyrange.PosInf. An attempt never blocks: it
is granted at once or fails with ErrLockNotGranted, reporting the
transactions in the way.

Overlapping locks of one transaction are merged into a single lock spanning
their union. While a single transaction holds every lock of a locktree, its
ranges are kept in a side buffer instead of the tree; the second transaction
to show up moves them into the tree for good.

LockRequest turns the non-blocking attempt into a blocking one. Start tries
once and, if that failed, registers the request as pending after checking the
wait-for graph of pending requests for a deadlock. Wait then blocks until a
release retries the request successfully, the timeout passes or the context is
done. Every release of locks retries the pending requests of its locktree.

A Manager hands out locktrees by dictionary id with reference counting, keeps
a memory budget shared by all of them and escalates locks when the budget is
exhausted: runs of adjacent locks held by one transaction alone are replaced
by a single lock covering the run.

Example:

	mgr := locktree.NewManager(locktree.ManagerOptions{})
	lt, err := mgr.GetLT(1, nil, keyrange.BytewiseComparator, nil)
	if err != nil {
		return err
	}
	defer mgr.ReleaseLT(lt)

	req := locktree.NewLockRequest()
	req.Set(lt, txn, keyrange.FromString("a"), keyrange.FromString("k"), locktree.WriteLock, true)
	err = req.Start()
	if errors.Is(err, locktree.ErrLockNotGranted) {
		err = req.Wait(mgr.GetLockWaitTime())
	}
	req.Destroy()
	if err != nil {
		return err
	}

	// ... later, when txn ends
	ranges := rangebuffer.New()
	ranges.Append(keyrange.FromString("a"), keyrange.FromString("k"))
	lt.ReleaseLocks(txn, ranges)
*/
package locktree
