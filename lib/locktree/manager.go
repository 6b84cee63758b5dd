package locktree

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/rangebuffer"
	"github.com/ValentinKolb/locktree/lib/txnid"
	"github.com/ValentinKolb/locktree/lib/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// DefaultMaxLockMemory is the lock memory budget of a new manager.
	DefaultMaxLockMemory uint64 = 64 << 20
	// DefaultLockWaitTimeMs is the lock wait time of a new manager.
	DefaultLockWaitTimeMs uint64 = 4000
)

// LifecycleObserver is told about locktrees being created, destroyed and
// escalated by a Manager.
type LifecycleObserver interface {
	// OnCreate is called for every new locktree with the extra value passed to
	// GetLT. An error aborts GetLT.
	OnCreate(lt *Locktree, extra any) error
	// OnDestroy is called right before a locktree is destroyed.
	OnDestroy(lt *Locktree)
	// OnEscalate is called after escalation for every transaction holding
	// locks in lt, with the ranges it now holds. ranges is only valid during
	// the call.
	OnEscalate(id txnid.TxnID, lt *Locktree, ranges *rangebuffer.Buffer, extra any)
}

// ManagerOptions configures a Manager. Zero values select the defaults.
type ManagerOptions struct {
	Observer       LifecycleObserver
	EscalateExtra  any
	MaxLockMemory  uint64
	LockWaitTimeMs uint64
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager owns the locktrees of all dictionaries, shares one lock memory
// budget between them and keeps the counters reported by GetStatus.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu            syncutil.Mutex // serializes GetLT and ReleaseLT
	locktrees     *xsync.MapOf[DictionaryID, *Locktree]
	observer      LifecycleObserver
	escalateExtra any

	maxLockMemory  atomic.Uint64
	curLockMemory  *xsync.Counter
	lockWaitTimeMs atomic.Uint64

	escalationMu syncutil.Mutex
	stats        *counters
}

// NewManager creates a manager without locktrees.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		locktrees:     xsync.NewMapOf[DictionaryID, *Locktree](),
		observer:      opts.Observer,
		escalateExtra: opts.EscalateExtra,
		curLockMemory: xsync.NewCounter(),
		stats:         newCounters(),
	}
	if opts.MaxLockMemory == 0 {
		opts.MaxLockMemory = DefaultMaxLockMemory
	}
	if opts.LockWaitTimeMs == 0 {
		opts.LockWaitTimeMs = DefaultLockWaitTimeMs
	}
	m.maxLockMemory.Store(opts.MaxLockMemory)
	m.lockWaitTimeMs.Store(opts.LockWaitTimeMs)

	m.stats.addGauge("locktree_size_current_bytes", func() float64 { return float64(m.currentLockMemory()) })
	m.stats.addGauge("locktree_size_limit_bytes", func() float64 { return float64(m.GetMaxLockMemory()) })
	m.stats.addGauge("locktree_num_locktrees", func() float64 { return float64(m.locktrees.Size()) })
	m.stats.addGauge("locktree_lock_requests_pending", func() float64 { return float64(m.pendingRequests()) })
	m.stats.addGauge("locktree_sto_num_eligible", func() float64 { return float64(m.stoEligible()) })
	return m
}

// Destroy checks that every locktree was released. The manager must not be
// used afterwards.
func (m *Manager) Destroy() {
	if n := m.locktrees.Size(); n != 0 {
		panic(errors.AssertionFailedf("destroying lock manager with %d live locktrees", n))
	}
	if cur := m.currentLockMemory(); cur != 0 {
		panic(errors.AssertionFailedf("destroying lock manager with %d bytes of locks", cur))
	}
}

// GetLT returns the locktree of dictID with a new reference, creating it if
// needed. A new locktree orders keys with keys and desc and is announced to
// the observer with extra.
func (m *Manager) GetLT(dictID DictionaryID, desc *keyrange.Descriptor, keys keyrange.KeyComparator, extra any) (*Locktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lt, ok := m.locktrees.Load(dictID); ok {
		lt.AddReference()
		return lt, nil
	}

	lt := Create(m, dictID, keyrange.NewComparator(keys, desc))
	if m.observer != nil {
		if err := m.observer.OnCreate(lt, extra); err != nil {
			lt.Destroy()
			return nil, errors.Mark(errors.Wrapf(err, "creating locktree %d", dictID), ErrCreateAborted)
		}
	}
	lt.AddReference()
	m.locktrees.Store(dictID, lt)
	Logger.Debugf("created locktree %d", dictID)
	return lt, nil
}

// ReferenceLT takes another reference on lt. The caller must already hold one.
func (m *Manager) ReferenceLT(lt *Locktree) {
	lt.AddReference()
}

// ReleaseLT drops a reference on lt and destroys it with the last one.
func (m *Manager) ReleaseLT(lt *Locktree) {
	m.mu.Lock()
	if lt.ReleaseReference() > 0 {
		m.mu.Unlock()
		return
	}
	m.locktrees.Delete(lt.dictID)
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.OnDestroy(lt)
	}
	lt.Destroy()
	Logger.Debugf("destroyed locktree %d", lt.dictID)
}

// GetMaxLockMemory returns the lock memory budget in bytes.
func (m *Manager) GetMaxLockMemory() uint64 {
	return m.maxLockMemory.Load()
}

// SetMaxLockMemory changes the lock memory budget. A budget below the memory
// currently used is rejected with ErrBudgetBelowUsage.
func (m *Manager) SetMaxLockMemory(bytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.currentLockMemory(); cur > bytes {
		Logger.Debugf("rejected lock memory budget %s below usage %s", humanize.IBytes(bytes), humanize.IBytes(cur))
		return errors.Wrapf(ErrBudgetBelowUsage, "budget %s, in use %s", humanize.IBytes(bytes), humanize.IBytes(cur))
	}
	m.maxLockMemory.Store(bytes)
	return nil
}

// GetLockWaitTime returns the default lock wait time in milliseconds.
func (m *Manager) GetLockWaitTime() uint64 {
	return m.lockWaitTimeMs.Load()
}

// SetLockWaitTime changes the default lock wait time for requests made from
// now on.
func (m *Manager) SetLockWaitTime(ms uint64) {
	m.lockWaitTimeMs.Store(ms)
}

// WritePrometheus writes the manager counters in Prometheus text format.
func (m *Manager) WritePrometheus(w io.Writer) {
	m.stats.writePrometheus(w)
}

// LockWaitPercentile returns the p-th percentile (0..1) of recent lock wait
// times.
func (m *Manager) LockWaitPercentile(p float64) time.Duration {
	return time.Duration(m.stats.waitPercentile(p)) * time.Microsecond
}

// --------------------------------------------------------------------------
// Memory budget and escalation
// --------------------------------------------------------------------------

func (m *Manager) noteMemory(delta int64) {
	m.curLockMemory.Add(delta)
}

func (m *Manager) currentLockMemory() uint64 {
	if v := m.curLockMemory.Value(); v > 0 {
		return uint64(v)
	}
	return 0
}

func (m *Manager) outOfLocks() bool {
	return m.currentLockMemory() >= m.GetMaxLockMemory()
}

func (m *Manager) overBigThreshold() bool {
	return m.currentLockMemory() >= m.GetMaxLockMemory()/2
}

// checkCurrentLockConstraints escalates when the budget is exhausted and
// fails with ErrOutOfLocks if that did not free enough memory. Big
// transactions are held to half the budget.
func (m *Manager) checkCurrentLockConstraints(bigTxn bool) error {
	if bigTxn && m.overBigThreshold() {
		m.runEscalation()
		if m.overBigThreshold() {
			return errors.Wrapf(ErrOutOfLocks, "big transaction over half of the %s budget", humanize.IBytes(m.GetMaxLockMemory()))
		}
	}
	if m.outOfLocks() {
		m.runEscalation()
		if m.outOfLocks() {
			return errors.Wrapf(ErrOutOfLocks, "%s budget exhausted", humanize.IBytes(m.GetMaxLockMemory()))
		}
	}
	return nil
}

// runEscalation escalates every locktree of the manager. Concurrent callers
// run one after another.
func (m *Manager) runEscalation() {
	m.escalationMu.Lock()
	defer m.escalationMu.Unlock()

	start := time.Now()
	before := m.currentLockMemory()

	m.mu.Lock()
	var lts []*Locktree
	m.locktrees.Range(func(_ DictionaryID, lt *Locktree) bool {
		lt.AddReference()
		lts = append(lts, lt)
		return true
	})
	m.mu.Unlock()

	for _, lt := range lts {
		lt.escalate(m.onEscalate)
	}
	for _, lt := range lts {
		m.ReleaseLT(lt)
	}

	after := m.currentLockMemory()
	m.stats.noteEscalation(time.Since(start), after)
	Logger.Debugf("escalated %d locktrees from %s to %s in %s",
		len(lts), humanize.IBytes(before), humanize.IBytes(after), time.Since(start))
}

func (m *Manager) onEscalate(id txnid.TxnID, lt *Locktree, ranges *rangebuffer.Buffer) {
	if m.observer != nil {
		m.observer.OnEscalate(id, lt, ranges, m.escalateExtra)
	}
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

func (m *Manager) pendingRequests() int64 {
	var n int64
	m.locktrees.Range(func(_ DictionaryID, lt *Locktree) bool {
		n += lt.reqs.pendingCount()
		return true
	})
	return n
}

func (m *Manager) stoEligible() int {
	n := 0
	m.locktrees.Range(func(_ DictionaryID, lt *Locktree) bool {
		if lt.stoEligible.Load() {
			n++
		}
		return true
	})
	return n
}

// GetStatus returns a snapshot of the manager counters. Counters are
// monotone and survive the destruction of locktrees.
func (m *Manager) GetStatus() Status {
	s := m.stats
	return Status{
		{StatusSizeCurrent, m.currentLockMemory(), "bytes of lock memory in use"},
		{StatusSizeLimit, m.GetMaxLockMemory(), "lock memory budget"},
		{StatusEscalationCount, s.escalationCount.Get(), "escalation runs"},
		{StatusEscalationTime, s.escalationTime.Get(), "time spent escalating"},
		{StatusEscalationLatest, s.escalationLatest.Get(), "lock memory after the latest escalation"},
		{StatusNumLocktrees, uint64(m.locktrees.Size()), "live locktrees"},
		{StatusLockRequestsPending, uint64(m.pendingRequests()), "pending lock requests"},
		{StatusStoNumEligible, uint64(m.stoEligible()), "locktrees on the single-txnid fast path"},
		{StatusStoEndEarlyCount, s.stoEndEarlyCount.Get(), "fast paths ended by a partial release"},
		{StatusStoEndEarlyTime, s.stoEndEarlyTime.Get(), "time spent ending fast paths early"},
		{StatusWaitCount, s.waitCount.Get(), "lock requests that had to wait"},
		{StatusWaitTime, s.waitTime.Get(), "time spent waiting for locks"},
		{StatusLongWaitCount, s.longWaitCount.Get(), "lock waits of at least one second"},
		{StatusLongWaitTime, s.longWaitTime.Get(), "time spent in long lock waits"},
		{StatusTimeoutCount, s.timeoutCount.Get(), "lock waits that timed out"},
		{StatusDeadlockCount, s.deadlockCount.Get(), "lock requests refused for deadlock"},
	}
}
