package locktree

import (
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/rangebuffer"
	"github.com/ValentinKolb/locktree/lib/rangetree"
	"github.com/ValentinKolb/locktree/lib/txnid"
	"github.com/ValentinKolb/locktree/lib/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("locktree")

// DictionaryID identifies the table or index a locktree governs.
type DictionaryID uint64

// LockVisitor is called for every lock visited by Locktree.Iterate: a range
// and the transactions holding exactly that range in the same mode. owners
// must not be retained or modified. Returning false stops the iteration.
type LockVisitor func(r keyrange.Keyrange, owners *txnid.Set, shared bool) bool

// --------------------------------------------------------------------------
// Single-txnid fast path
// --------------------------------------------------------------------------

// stoMode is the state of the single-txnid fast path: stoEmpty until the
// first lock, *stoSingleOwner while one transaction holds every lock, and
// stoMixed for the rest of the locktree's life. The mode never moves back.
type stoMode interface {
	isStoMode()
}

type stoEmpty struct{}

// stoSingleOwner keeps the ranges of its only transaction in a side buffer
// instead of the tree. The tree is empty in this mode.
type stoSingleOwner struct {
	txnid txnid.TxnID
	buf   rangebuffer.Buffer
}

type stoMixed struct{}

func (stoEmpty) isStoMode()        {}
func (*stoSingleOwner) isStoMode() {}
func (stoMixed) isStoMode()        {}

// --------------------------------------------------------------------------
// Locktree
// --------------------------------------------------------------------------

// Locktree grants read and write locks on key ranges of one dictionary to
// transactions.
//
// Thread-safety: all methods are safe for concurrent use.
type Locktree struct {
	mgr    *Manager
	dictID DictionaryID
	cmp    *keyrange.Comparator
	tree   *rangetree.Tree
	stats  *counters

	refs atomic.Int64

	// guarded by the root lock of tree, taken by LockedKeyrange.Prepare
	sto         stoMode
	stoEligible atomic.Bool

	userdataMu syncutil.Mutex
	userdata   any

	reqs lockRequestInfo
}

// Create builds a locktree for dictID ordered by cmp. mgr may be nil, in which
// case the locktree has no memory budget and keeps its own counters. The
// locktree starts without references.
func Create(mgr *Manager, dictID DictionaryID, cmp *keyrange.Comparator) *Locktree {
	lt := &Locktree{
		mgr:    mgr,
		dictID: dictID,
		cmp:    cmp,
		tree:   rangetree.New(cmp),
		sto:    stoEmpty{},
	}
	if mgr != nil {
		lt.stats = mgr.stats
		lt.tree.SetMemoryTracker(mgr.noteMemory)
	} else {
		lt.stats = newCounters()
	}
	lt.reqs.init()
	return lt
}

// Destroy releases every lock and the memory charged for it. It panics if
// references remain or lock requests are pending.
func (lt *Locktree) Destroy() {
	if n := lt.refs.Load(); n != 0 {
		panic(errors.AssertionFailedf("destroying locktree %d with %d references", lt.dictID, n))
	}
	if n := lt.reqs.pendingCount(); n != 0 {
		panic(errors.AssertionFailedf("destroying locktree %d with %d pending lock requests", lt.dictID, n))
	}

	var lkr rangetree.LockedKeyrange
	lkr.Prepare(lt.tree)
	if m, ok := lt.sto.(*stoSingleOwner); ok {
		lt.noteMemory(-int64(m.buf.TotalMemorySize()))
		m.buf.Destroy()
	}
	lt.sto = stoMixed{}
	lt.stoEligible.Store(false)
	lkr.Acquire(keyrange.Infinite())
	lkr.RemoveAll()
	lkr.Release()

	lt.tree.Destroy()
}

// DictID returns the dictionary id the locktree was created for.
func (lt *Locktree) DictID() DictionaryID {
	return lt.dictID
}

// Comparator returns the comparator ordering the keys of the locktree.
func (lt *Locktree) Comparator() *keyrange.Comparator {
	return lt.cmp
}

// AddReference takes a reference on the locktree.
func (lt *Locktree) AddReference() {
	lt.refs.Add(1)
}

// ReleaseReference drops a reference and returns how many remain.
func (lt *Locktree) ReleaseReference() int64 {
	n := lt.refs.Add(-1)
	if n < 0 {
		panic(errors.AssertionFailedf("locktree %d released more often than referenced", lt.dictID))
	}
	return n
}

// References returns the current reference count.
func (lt *Locktree) References() int64 {
	return lt.refs.Load()
}

// SetUserdata stores an opaque value for the embedding engine.
func (lt *Locktree) SetUserdata(v any) {
	lt.userdataMu.Lock()
	defer lt.userdataMu.Unlock()
	lt.userdata = v
}

// GetUserdata returns the value stored by SetUserdata.
func (lt *Locktree) GetUserdata() any {
	lt.userdataMu.Lock()
	defer lt.userdataMu.Unlock()
	return lt.userdata
}

// SetDescriptor swaps the descriptor handed to the key comparator. It must not
// race with an operation comparing keys.
func (lt *Locktree) SetDescriptor(desc *keyrange.Descriptor) {
	lt.cmp.SetDescriptor(desc)
}

// MemorySize returns the bytes charged for the locks of this locktree.
func (lt *Locktree) MemorySize() uint64 {
	var lkr rangetree.LockedKeyrange
	lkr.Prepare(lt.tree)
	defer lkr.Release()
	size := lt.tree.MemorySize()
	if m, ok := lt.sto.(*stoSingleOwner); ok {
		size += m.buf.TotalMemorySize()
	}
	return size
}

func (lt *Locktree) noteMemory(delta int64) {
	if lt.mgr != nil && delta != 0 {
		lt.mgr.noteMemory(delta)
	}
}

// --------------------------------------------------------------------------
// Acquire
// --------------------------------------------------------------------------

// AcquireReadLock locks [left, right] in shared mode for id. Read locks of
// different transactions never conflict. On ErrLockNotGranted the
// transactions holding conflicting locks are added to conflicts, if not nil.
// bigTxn marks transactions that may only use half of the memory budget.
func (lt *Locktree) AcquireReadLock(id txnid.TxnID, left, right keyrange.Key, conflicts *txnid.Set, bigTxn bool) error {
	_, err := lt.acquireLock(false, id, left, right, conflicts, bigTxn)
	return err
}

// AcquireWriteLock locks [left, right] exclusively for id. Any lock of another
// transaction overlapping the range conflicts. Locks id already holds on the
// range are upgraded.
func (lt *Locktree) AcquireWriteLock(id txnid.TxnID, left, right keyrange.Key, conflicts *txnid.Set, bigTxn bool) error {
	_, err := lt.acquireLock(true, id, left, right, conflicts, bigTxn)
	return err
}

// acquireLock also returns the first conflicting transaction in key order.
func (lt *Locktree) acquireLock(isWrite bool, id txnid.TxnID, left, right keyrange.Key, conflicts *txnid.Set, bigTxn bool) (txnid.TxnID, error) {
	if id == txnid.None {
		return txnid.None, errors.Wrapf(ErrInvalidArgument, "locktree %d: transaction id must not be zero", lt.dictID)
	}
	if lt.cmp.Compare(left, right) > 0 {
		return txnid.None, errors.Wrapf(ErrInvalidArgument, "locktree %d: left key %s is after right key %s", lt.dictID, left, right)
	}
	if lt.mgr != nil {
		if err := lt.mgr.checkCurrentLockConstraints(bigTxn); err != nil {
			return txnid.None, err
		}
	}
	return lt.tryAcquireLock(isWrite, id, keyrange.New(left, right), conflicts)
}

func (lt *Locktree) tryAcquireLock(isWrite bool, id txnid.TxnID, r keyrange.Keyrange, conflicts *txnid.Set) (txnid.TxnID, error) {
	var lkr rangetree.LockedKeyrange
	lkr.Prepare(lt.tree)
	defer lkr.Release()

	if handled, first, err := lt.stoTryAcquire(&lkr, id, r, isWrite, conflicts); handled {
		return first, err
	}
	lkr.Acquire(r)
	return lt.acquireConsolidated(&lkr, id, r, isWrite, conflicts)
}

// acquireConsolidated grants r to id unless a conflicting lock overlaps it.
// The new lock absorbs the locks id already holds overlapping it, so a
// transaction never holds two overlapping ranges of the same mode. Locks of
// other transactions keep their exact ranges. lkr must be acquired on r.
func (lt *Locktree) acquireConsolidated(lkr *rangetree.LockedKeyrange, id txnid.TxnID, r keyrange.Keyrange, isWrite bool, conflicts *txnid.Set) (txnid.TxnID, error) {
	nodes := collectRowLocks(lkr, r)
	if first, found := determineConflicts(lt.cmp, nodes, id, r, isWrite, conflicts); found {
		return first, ErrLockNotGranted
	}
	if isDominated(lt.cmp, nodes, id, r, isWrite) {
		return txnid.None, nil
	}

	var own, rest []rangetree.Hold
	for i := range nodes {
		lkr.Remove(nodes[i].cover)
		for _, h := range nodes[i].holds {
			if h.Txn == id {
				own = append(own, h)
			} else {
				rest = append(rest, h)
			}
		}
	}
	rest = append(rest, consolidate(lt.cmp, id, r, isWrite, own, rest)...)
	for _, group := range rangetree.Components(lt.cmp, rest) {
		lkr.Insert(group...)
	}
	return txnid.None, nil
}

// consolidate returns the holds of id after it locked r: one hold for the
// union of r and every own hold reachable from it by overlap, plus the own
// holds that stay apart. The union is exclusive if the request or an absorbed
// hold is. Should an exclusive union cover keys another transaction holds
// shared, only holds of the requested mode are absorbed instead.
func consolidate(cmp *keyrange.Comparator, id txnid.TxnID, r keyrange.Keyrange, isWrite bool, own, others []rangetree.Hold) []rangetree.Hold {
	union, absorbed := absorb(cmp, r, own, func(rangetree.Hold) bool { return true })
	shared := !isWrite
	for i, h := range own {
		if absorbed[i] {
			shared = shared && h.Shared
		}
	}
	if shared || !overlapsAny(cmp, union, others) {
		return keepUnabsorbed(id, union, shared, own, absorbed, nil)
	}

	union, absorbed = absorb(cmp, r, own, func(h rangetree.Hold) bool { return h.Shared != isWrite })
	if !isWrite {
		return keepUnabsorbed(id, union, true, own, absorbed, nil)
	}
	// own shared holds inside the exclusive union add nothing
	return keepUnabsorbed(id, union, false, own, absorbed, func(h rangetree.Hold) bool {
		return h.Shared && union.Contains(cmp, h.Range)
	})
}

// absorb extends r by every hold accepted by ok that overlaps r or an
// already absorbed hold.
func absorb(cmp *keyrange.Comparator, r keyrange.Keyrange, own []rangetree.Hold, ok func(rangetree.Hold) bool) (keyrange.Keyrange, []bool) {
	absorbed := make([]bool, len(own))
	for changed := true; changed; {
		changed = false
		for i, h := range own {
			if !absorbed[i] && ok(h) && h.Range.Overlaps(cmp, r) {
				r = r.Extend(cmp, h.Range)
				absorbed[i] = true
				changed = true
			}
		}
	}
	return r, absorbed
}

func keepUnabsorbed(id txnid.TxnID, union keyrange.Keyrange, shared bool, own []rangetree.Hold, absorbed []bool, drop func(rangetree.Hold) bool) []rangetree.Hold {
	out := []rangetree.Hold{{Txn: id, Range: union, Shared: shared}}
	for i, h := range own {
		if !absorbed[i] && (drop == nil || !drop(h)) {
			out = append(out, h)
		}
	}
	return out
}

func overlapsAny(cmp *keyrange.Comparator, r keyrange.Keyrange, holds []rangetree.Hold) bool {
	for _, h := range holds {
		if h.Range.Overlaps(cmp, r) {
			return true
		}
	}
	return false
}

// GetConflicts adds to conflicts every transaction whose lock would make the
// given request fail. Nothing is locked.
func (lt *Locktree) GetConflicts(isWrite bool, id txnid.TxnID, left, right keyrange.Key, conflicts *txnid.Set) {
	r := keyrange.New(left, right)
	var lkr rangetree.LockedKeyrange
	lkr.Prepare(lt.tree)
	defer lkr.Release()

	if m, ok := lt.sto.(*stoSingleOwner); ok {
		lt.stoConflicts(m, id, r, isWrite, conflicts)
		return
	}
	lkr.Acquire(r)
	determineConflicts(lt.cmp, collectRowLocks(&lkr, r), id, r, isWrite, conflicts)
}

// --------------------------------------------------------------------------
// Release
// --------------------------------------------------------------------------

// RemoveOverlappingLocksForTxnid drops id from every lock overlapping
// [left, right] and retries pending lock requests. Locks are removed whole:
// a lock extending past the range is released entirely. Removing where id
// holds nothing is a no-op.
func (lt *Locktree) RemoveOverlappingLocksForTxnid(id txnid.TxnID, left, right keyrange.Key) {
	r := keyrange.New(left, right)
	var lkr rangetree.LockedKeyrange
	lkr.Prepare(lt.tree)
	switch m := lt.sto.(type) {
	case stoEmpty:
		lkr.Release()
		return
	case *stoSingleOwner:
		if m.txnid != id {
			lkr.Release()
			return
		}
		lt.stoEndEarly(&lkr, m)
	}
	lkr.Acquire(r)
	lt.removeOverlapping(&lkr, id, r)
	lkr.Release()

	RetryAllLockRequests(lt)
}

// ReleaseLocks drops id from every lock overlapping a range of ranges, in one
// pass over the tree, and retries pending lock requests.
func (lt *Locktree) ReleaseLocks(id txnid.TxnID, ranges *rangebuffer.Buffer) {
	lt.releaseLocks(id, ranges)
	RetryAllLockRequests(lt)
}

func (lt *Locktree) releaseLocks(id txnid.TxnID, ranges *rangebuffer.Buffer) {
	if ranges == nil || ranges.IsEmpty() {
		return
	}
	spans := mergedSpans(lt.cmp, ranges)

	var lkr rangetree.LockedKeyrange
	lkr.Prepare(lt.tree)
	defer lkr.Release()

	switch m := lt.sto.(type) {
	case stoEmpty:
		return
	case *stoSingleOwner:
		if m.txnid == id {
			lt.stoRelease(m, spans)
		}
		return
	}

	lkr.Acquire(keyrange.New(spans[0].Left(), spans[len(spans)-1].Right()))
	for _, r := range spans {
		lt.removeOverlapping(&lkr, id, r)
	}
}

// Iterate calls fn for every lock until fn returns false. Locks are visited
// in key order, except while a single transaction holds every lock, when they
// are visited in acquisition order. fn must not call into the locktree.
func (lt *Locktree) Iterate(fn LockVisitor) {
	var lkr rangetree.LockedKeyrange
	lkr.Prepare(lt.tree)
	defer lkr.Release()

	if m, ok := lt.sto.(*stoSingleOwner); ok {
		owners := txnid.Of(m.txnid)
		for it := m.buf.Iterator(); ; it.Next() {
			rec, ok := it.Current()
			if !ok || !fn(rec.Range(), &owners, rec.Shared()) {
				return
			}
		}
	}
	lkr.Acquire(keyrange.Infinite())
	lkr.Iterate(func(_ keyrange.Keyrange, holds []rangetree.Hold) bool {
		// holds are sorted by range, so equal ranges are adjacent
		for i := 0; i < len(holds); {
			var owners txnid.Set
			j := i
			for ; j < len(holds) && holds[j].Range.Compare(lt.cmp, holds[i].Range) == keyrange.Equals; j++ {
				owners.Add(holds[j].Txn)
			}
			if !fn(holds[i].Range, &owners, holds[i].Shared) {
				return false
			}
			i = j
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Escalation
// --------------------------------------------------------------------------

// escalate replaces every run of lock groups held by one transaction alone
// and adjacent in key order by a single lock spanning the run. Groups shared
// by several transactions are kept as they are. onEscalate is called for every
// transaction with the ranges it holds afterwards; the buffer is only valid
// during the call.
func (lt *Locktree) escalate(onEscalate func(id txnid.TxnID, lt *Locktree, ranges *rangebuffer.Buffer)) {
	var lkr rangetree.LockedKeyrange
	lkr.Prepare(lt.tree)
	defer lkr.Release()

	if m, ok := lt.sto.(*stoSingleOwner); ok {
		lt.stoEnd(&lkr, m)
	}
	lkr.Acquire(keyrange.Infinite())
	nodes := collectRowLocks(&lkr, keyrange.Infinite())
	if len(nodes) == 0 {
		return
	}
	lkr.RemoveAll()

	buffers := make(map[txnid.TxnID]*rangebuffer.Buffer)
	record := func(h rangetree.Hold) {
		buf, ok := buffers[h.Txn]
		if !ok {
			buf = rangebuffer.New()
			buffers[h.Txn] = buf
		}
		if h.Shared {
			buf.AppendShared(h.Range.Left(), h.Range.Right())
		} else {
			buf.Append(h.Range.Left(), h.Range.Right())
		}
	}

	for i := 0; i < len(nodes); {
		n := &nodes[i]
		id, single := n.singleOwner()
		if !single {
			lkr.Insert(n.holds...)
			for _, h := range n.holds {
				record(h)
			}
			i++
			continue
		}
		shared := n.allShared()
		j := i + 1
		for ; j < len(nodes); j++ {
			if o, ok := nodes[j].singleOwner(); !ok || o != id {
				break
			}
			shared = shared && nodes[j].allShared()
		}
		h := rangetree.Hold{Txn: id, Range: keyrange.New(n.cover.Left(), nodes[j-1].cover.Right()), Shared: shared}
		lkr.Insert(h)
		record(h)
		i = j
	}

	ids := make([]txnid.TxnID, 0, len(buffers))
	for id := range buffers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if onEscalate != nil {
			onEscalate(id, lt, buffers[id])
		}
		buffers[id].Destroy()
	}
}

// --------------------------------------------------------------------------
// Single-txnid fast path helper
// --------------------------------------------------------------------------

// stoTryAcquire serves the request from the fast path if possible. It returns
// handled=false when the request must go through the tree, after the fast
// path was ended if needed. lkr is prepared but not acquired.
func (lt *Locktree) stoTryAcquire(lkr *rangetree.LockedKeyrange, id txnid.TxnID, r keyrange.Keyrange, isWrite bool, conflicts *txnid.Set) (handled bool, first txnid.TxnID, err error) {
	switch m := lt.sto.(type) {
	case stoEmpty:
		s := &stoSingleOwner{txnid: id}
		lt.sto = s
		lt.stoEligible.Store(true)
		lt.stoAppend(s, r, isWrite)
		return true, txnid.None, nil
	case *stoSingleOwner:
		if m.txnid == id {
			lt.stoAppend(m, r, isWrite)
			return true, txnid.None, nil
		}
		if first, found := lt.stoConflicts(m, id, r, isWrite, conflicts); found {
			return true, first, ErrLockNotGranted
		}
		lt.stoEnd(lkr, m)
	}
	return false, txnid.None, nil
}

func (lt *Locktree) stoAppend(m *stoSingleOwner, r keyrange.Keyrange, isWrite bool) {
	before := m.buf.TotalMemorySize()
	if isWrite {
		m.buf.Append(r.Left(), r.Right())
	} else {
		m.buf.AppendShared(r.Left(), r.Right())
	}
	lt.noteMemory(int64(m.buf.TotalMemorySize() - before))
}

// stoConflicts reports whether a request by id conflicts with a range of the
// single owner.
func (lt *Locktree) stoConflicts(m *stoSingleOwner, id txnid.TxnID, r keyrange.Keyrange, isWrite bool, conflicts *txnid.Set) (txnid.TxnID, bool) {
	if m.txnid == id {
		return txnid.None, false
	}
	for it := m.buf.Iterator(); ; it.Next() {
		rec, ok := it.Current()
		if !ok {
			return txnid.None, false
		}
		if (isWrite || !rec.Shared()) && rec.Range().Overlaps(lt.cmp, r) {
			if conflicts != nil {
				conflicts.Add(m.txnid)
			}
			return m.txnid, true
		}
	}
}

// stoEnd moves the ranges of the single owner into the tree and leaves the
// fast path for good. lkr is prepared.
func (lt *Locktree) stoEnd(lkr *rangetree.LockedKeyrange, m *stoSingleOwner) {
	lt.stoMigrate(lkr, m)
	lt.noteMemory(-int64(m.buf.TotalMemorySize()))
	m.buf.Destroy()
	lt.sto = stoMixed{}
	lt.stoEligible.Store(false)
	Logger.Debugf("locktree %d: single-txnid fast path ended by txn %s", lt.dictID, m.txnid)
}

func (lt *Locktree) stoEndEarly(lkr *rangetree.LockedKeyrange, m *stoSingleOwner) {
	start := time.Now()
	lt.stoEnd(lkr, m)
	lt.stats.noteStoEndEarly(time.Since(start))
}

// stoMigrate consolidates the buffered ranges in a scratch tree first, since
// the buffer may hold overlapping ranges, then inserts the result.
func (lt *Locktree) stoMigrate(lkr *rangetree.LockedKeyrange, m *stoSingleOwner) {
	if m.buf.IsEmpty() {
		return
	}
	scratch := rangetree.New(lt.cmp)
	var slkr rangetree.LockedKeyrange
	for it := m.buf.Iterator(); ; it.Next() {
		rec, ok := it.Current()
		if !ok {
			break
		}
		slkr.Prepare(scratch)
		slkr.Acquire(rec.Range())
		if _, err := lt.acquireConsolidated(&slkr, m.txnid, rec.Range(), !rec.Shared(), nil); err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "single owner %s conflicts with itself", m.txnid))
		}
		slkr.Release()
	}

	slkr.Prepare(scratch)
	slkr.Acquire(keyrange.Infinite())
	slkr.Iterate(func(_ keyrange.Keyrange, holds []rangetree.Hold) bool {
		lkr.Insert(holds...)
		return true
	})
	slkr.Release()
	scratch.Destroy()
}

// stoRelease drops every buffered range overlapping spans.
func (lt *Locktree) stoRelease(m *stoSingleOwner, spans spanList) {
	before := m.buf.TotalMemorySize()
	var kept rangebuffer.Buffer
	for it := m.buf.Iterator(); ; it.Next() {
		rec, ok := it.Current()
		if !ok {
			break
		}
		if spans.overlaps(lt.cmp, rec.Range()) {
			continue
		}
		if rec.Shared() {
			kept.AppendShared(rec.Left(), rec.Right())
		} else {
			kept.Append(rec.Left(), rec.Right())
		}
	}
	m.buf.Destroy()
	m.buf = kept
	lt.noteMemory(int64(m.buf.TotalMemorySize()) - int64(before))
}

// --------------------------------------------------------------------------
// Row locks
// --------------------------------------------------------------------------

// rowLock is a snapshot of one tree node. The keys are views into the tree
// and stay valid after the node is removed.
type rowLock struct {
	cover keyrange.Keyrange
	holds []rangetree.Hold
}

func (l *rowLock) singleOwner() (txnid.TxnID, bool) {
	id := l.holds[0].Txn
	for _, h := range l.holds[1:] {
		if h.Txn != id {
			return txnid.None, false
		}
	}
	return id, true
}

func (l *rowLock) allShared() bool {
	for _, h := range l.holds {
		if !h.Shared {
			return false
		}
	}
	return true
}

// collectRowLocks copies out the nodes overlapping r in key order.
func collectRowLocks(lkr *rangetree.LockedKeyrange, r keyrange.Keyrange) []rowLock {
	var out []rowLock
	lkr.IterateRange(r, func(cover keyrange.Keyrange, holds []rangetree.Hold) bool {
		out = append(out, rowLock{cover: cover, holds: slices.Clone(holds)})
		return true
	})
	return out
}

// determineConflicts decides whether a request by id on r conflicts with the
// holds of nodes and adds the conflicting transactions to conflicts. Only
// holds overlapping r count: a write conflicts with any of them, a read only
// with exclusive ones.
func determineConflicts(cmp *keyrange.Comparator, nodes []rowLock, id txnid.TxnID, r keyrange.Keyrange, isWrite bool, conflicts *txnid.Set) (first txnid.TxnID, found bool) {
	for i := range nodes {
		for _, h := range nodes[i].holds {
			if h.Txn == id || (!isWrite && h.Shared) || !h.Range.Overlaps(cmp, r) {
				continue
			}
			if conflicts != nil {
				conflicts.Add(h.Txn)
			}
			if !found {
				first, found = h.Txn, true
			}
		}
	}
	return first, found
}

// isDominated reports whether id already holds a lock covering r that is
// strong enough for the request.
func isDominated(cmp *keyrange.Comparator, nodes []rowLock, id txnid.TxnID, r keyrange.Keyrange, isWrite bool) bool {
	for i := range nodes {
		for _, h := range nodes[i].holds {
			if h.Txn == id && (!isWrite || !h.Shared) && h.Range.Contains(cmp, r) {
				return true
			}
		}
	}
	return false
}

// removeOverlapping drops every hold of id overlapping r. A node that loses
// holds is replaced by the groups its remaining holds form.
func (lt *Locktree) removeOverlapping(lkr *rangetree.LockedKeyrange, id txnid.TxnID, r keyrange.Keyrange) {
	for _, l := range collectRowLocks(lkr, r) {
		rest := l.holds[:0]
		for _, h := range l.holds {
			if h.Txn != id || !h.Range.Overlaps(lt.cmp, r) {
				rest = append(rest, h)
			}
		}
		if len(rest) == len(l.holds) {
			continue
		}
		lkr.Remove(l.cover)
		for _, group := range rangetree.Components(lt.cmp, rest) {
			lkr.Insert(group...)
		}
	}
}

// --------------------------------------------------------------------------
// Span lists
// --------------------------------------------------------------------------

// spanList is a sorted list of disjoint ranges.
type spanList []keyrange.Keyrange

// mergedSpans sorts the ranges of b and merges the overlapping ones. Keys are
// views into b.
func mergedSpans(cmp *keyrange.Comparator, b *rangebuffer.Buffer) spanList {
	spans := make(spanList, 0, b.NumRanges())
	b.Each(func(r keyrange.Keyrange) bool {
		spans = append(spans, r)
		return true
	})
	slices.SortFunc(spans, func(x, y keyrange.Keyrange) int {
		return cmp.Compare(x.Left(), y.Left())
	})
	out := spans[:0]
	for _, r := range spans {
		if n := len(out); n > 0 && cmp.Compare(r.Left(), out[n-1].Right()) <= 0 {
			if cmp.Compare(r.Right(), out[n-1].Right()) > 0 {
				out[n-1] = keyrange.New(out[n-1].Left(), r.Right())
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s spanList) overlaps(cmp *keyrange.Comparator, r keyrange.Keyrange) bool {
	i := sort.Search(len(s), func(i int) bool {
		return cmp.Compare(s[i].Right(), r.Left()) >= 0
	})
	return i < len(s) && cmp.Compare(s[i].Left(), r.Right()) <= 0
}
