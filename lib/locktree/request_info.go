package locktree

import (
	"sync/atomic"

	"github.com/ValentinKolb/locktree/lib/txnid"
	"github.com/ValentinKolb/locktree/lib/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// pendingTreeDegree is the degree of the btree holding pending requests.
const pendingTreeDegree = 8

// lockRequestInfo is the set of pending lock requests of one locktree, at
// most one per transaction, ordered by transaction id.
//
// mu serializes registering a request with retrying the pending ones, so a
// release can never slip between a failed attempt and its registration.
type lockRequestInfo struct {
	mu      syncutil.Mutex
	pending *btree.BTree

	// read without mu to skip retries when nothing can be pending
	numPending atomic.Int64
	starting   atomic.Int64
}

func (info *lockRequestInfo) init() {
	info.pending = btree.New(pendingTreeDegree)
}

// pendingKey looks up a pending request by transaction id.
type pendingKey txnid.TxnID

func (k pendingKey) Less(than btree.Item) bool {
	return txnid.TxnID(k) < pendingKeyOf(than)
}

func pendingKeyOf(it btree.Item) txnid.TxnID {
	switch v := it.(type) {
	case *LockRequest:
		return v.txnid
	case pendingKey:
		return txnid.TxnID(v)
	}
	panic(errors.AssertionFailedf("unexpected item %T in pending request set", it))
}

// insert registers r. mu is held.
func (info *lockRequestInfo) insert(r *LockRequest) {
	info.mu.AssertHeld()
	if prev := info.pending.ReplaceOrInsert(r); prev != nil {
		panic(errors.AssertionFailedf("txn %s already has a pending lock request", r.txnid))
	}
	info.numPending.Add(1)
}

// remove de-registers r. mu is held.
func (info *lockRequestInfo) remove(r *LockRequest) {
	info.mu.AssertHeld()
	if info.pending.Delete(r) == nil {
		panic(errors.AssertionFailedf("lock request of txn %s is not pending", r.txnid))
	}
	info.numPending.Add(-1)
}

// find returns the pending request of id, or nil. mu is held.
func (info *lockRequestInfo) find(id txnid.TxnID) *LockRequest {
	if it := info.pending.Get(pendingKey(id)); it != nil {
		return it.(*LockRequest)
	}
	return nil
}

// snapshot returns the pending requests in txnid order. mu is held.
func (info *lockRequestInfo) snapshot() []*LockRequest {
	out := make([]*LockRequest, 0, info.pending.Len())
	info.pending.Ascend(func(it btree.Item) bool {
		out = append(out, it.(*LockRequest))
		return true
	})
	return out
}

func (info *lockRequestInfo) pendingCount() int64 {
	return info.numPending.Load()
}

// shouldRetry reports whether a retry pass may find something to do. A
// request counts from before its first attempt until it is registered.
func (info *lockRequestInfo) shouldRetry() bool {
	return info.numPending.Load() > 0 || info.starting.Load() > 0
}
