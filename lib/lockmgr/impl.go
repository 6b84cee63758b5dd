package lockmgr

import (
	"bytes"
	"sync/atomic"

	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/locktree"
	"github.com/ValentinKolb/locktree/lib/rangebuffer"
	"github.com/ValentinKolb/locktree/lib/txnid"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("lockmgr")

// holder is the owner of one key lock.
type holder struct {
	txn     txnid.TxnID
	ownerID []byte
}

type lockMgrImpl struct {
	lt      *locktree.Locktree
	holders *xsync.MapOf[string, holder]
	nextTxn *atomic.Uint64
}

// NewLockManager creates a lock manager whose locks live in lt. Every
// acquisition runs as its own transaction. Lock managers created with
// WithTxnIDSource on the same source may share a locktree.
func NewLockManager(lt *locktree.Locktree, opts ...Option) ILockManager {
	lm := &lockMgrImpl{
		lt:      lt,
		holders: xsync.NewMapOf[string, holder](),
		nextTxn: new(atomic.Uint64),
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Option configures a lock manager.
type Option func(*lockMgrImpl)

// WithTxnIDSource draws transaction ids from src instead of a private counter.
func WithTxnIDSource(src *atomic.Uint64) Option {
	return func(lm *lockMgrImpl) {
		lm.nextTxn = src
	}
}

func (lm *lockMgrImpl) AcquireLock(key string, timeout uint64) (bool, []byte, error) {
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}
	id := txnid.TxnID(lm.nextTxn.Add(1))

	req := locktree.NewLockRequest()
	defer req.Destroy()
	req.Set(lm.lt, id, keyrange.FromString(key), keyrange.FromString(key), locktree.WriteLock, true)

	err = req.Start()
	if errors.Is(err, locktree.ErrLockNotGranted) {
		// a zero timeout withdraws the pending request at once
		err = req.Wait(timeout)
	}
	switch {
	case err == nil:
	case errors.Is(err, locktree.ErrLockNotGranted), errors.Is(err, locktree.ErrDeadlock):
		// held by someone else
		return false, nil, nil
	default:
		Logger.Warningf("acquiring lock %q failed: %v", key, err)
		return false, nil, err
	}

	lm.holders.Store(key, holder{txn: id, ownerID: ownerID})
	return true, ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	var h holder
	found, owned := false, false
	lm.holders.Compute(key, func(cur holder, loaded bool) (holder, bool) {
		if !loaded {
			return cur, true
		}
		found = true
		if !bytes.Equal(cur.ownerID, ownerID) {
			return cur, false
		}
		h, owned = cur, true
		return cur, true
	})
	if !found {
		return true, nil
	}
	if !owned {
		return false, nil
	}

	ranges := rangebuffer.New()
	defer ranges.Destroy()
	ranges.Append(keyrange.FromString(key), keyrange.FromString(key))
	lm.lt.ReleaseLocks(h.txn, ranges)
	return true, nil
}
