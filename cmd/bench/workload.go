package bench

import (
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/locktree/lib/common"
	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/lockmgr"
	"github.com/ValentinKolb/locktree/lib/locktree"
	"github.com/ValentinKolb/locktree/lib/rangebuffer"
	"github.com/ValentinKolb/locktree/lib/txnid"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// workload runs the benchmarks against one manager. Every benchmark gets
// its own locktree.
type workload struct {
	mgr    *locktree.Manager
	conf   common.BenchConfig
	waitMs uint64

	nextDict atomic.Uint64
	nextTxn  atomic.Uint64
	failed   atomic.Int64
}

type benchmark struct {
	name string
	run  func() (testing.BenchmarkResult, error)
}

func (w *workload) benchmarks() []benchmark {
	return []benchmark{
		{"read", w.parallel(func(lt *locktree.Locktree, rnd *rand.Rand) error {
			k := w.key(rnd)
			return w.lockAndRelease(lt, k, k, locktree.ReadLock)
		})},
		{"write", w.parallel(func(lt *locktree.Locktree, rnd *rand.Rand) error {
			k := w.key(rnd)
			return w.lockAndRelease(lt, k, k, locktree.WriteLock)
		})},
		{"range", w.parallel(func(lt *locktree.Locktree, rnd *rand.Rand) error {
			left := uint64(rnd.IntN(w.conf.Keys))
			right := left + uint64(w.conf.RangeWidth) - 1
			return w.lockAndRelease(lt, keyrange.Uint64(left), keyrange.Uint64(right), locktree.WriteLock)
		})},
		{"mixed", w.parallel(func(lt *locktree.Locktree, rnd *rand.Rand) error {
			k := w.key(rnd)
			typ := locktree.ReadLock
			if rnd.IntN(4) == 0 {
				typ = locktree.WriteLock
			}
			return w.lockAndRelease(lt, k, k, typ)
		})},
		{"keylock", w.keylock},
		{"txn", w.transactions},
	}
}

// parallel runs op with testing.Benchmark on all threads.
func (w *workload) parallel(op func(lt *locktree.Locktree, rnd *rand.Rand) error) func() (testing.BenchmarkResult, error) {
	return func() (testing.BenchmarkResult, error) {
		lt, err := w.locktree()
		if err != nil {
			return testing.BenchmarkResult{}, err
		}
		defer w.mgr.ReleaseLT(lt)

		var seed atomic.Uint64
		result := testing.Benchmark(func(b *testing.B) {
			b.SetParallelism(w.conf.Threads)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				rnd := rand.New(rand.NewPCG(seed.Add(1), uint64(time.Now().UnixNano())))
				for pb.Next() {
					if err := op(lt, rnd); err != nil {
						w.fail(err)
					}
				}
			})
		})
		return result, nil
	}
}

// keylock measures the lockmgr facade on the same key spread.
func (w *workload) keylock() (testing.BenchmarkResult, error) {
	lt, err := w.locktree()
	if err != nil {
		return testing.BenchmarkResult{}, err
	}
	defer w.mgr.ReleaseLT(lt)
	locks := lockmgr.NewLockManager(lt, lockmgr.WithTxnIDSource(&w.nextTxn))

	keys := make([]string, w.conf.Keys)
	for i := range keys {
		keys[i] = "__bench-" + strconv.Itoa(i)
	}

	var seed atomic.Uint64
	result := testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(w.conf.Threads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			rnd := rand.New(rand.NewPCG(seed.Add(1), 42))
			for pb.Next() {
				key := keys[rnd.IntN(len(keys))]
				ok, owner, err := locks.AcquireLock(key, w.waitMs)
				if err != nil || !ok {
					w.fail(err)
					continue
				}
				if _, err := locks.ReleaseLock(key, owner); err != nil {
					w.fail(err)
				}
			}
		})
	})
	return result, nil
}

// transactions runs multi-lock transactions on all threads. Transactions
// lock keys in random order, so some of them deadlock and are aborted.
func (w *workload) transactions() (testing.BenchmarkResult, error) {
	lt, err := w.locktree()
	if err != nil {
		return testing.BenchmarkResult{}, err
	}
	defer w.mgr.ReleaseLT(lt)

	const txnsPerThread = 200
	start := time.Now()
	var g errgroup.Group
	for t := 0; t < w.conf.Threads; t++ {
		g.Go(func() error {
			rnd := rand.New(rand.NewPCG(uint64(t), 7))
			for i := 0; i < txnsPerThread; i++ {
				if err := w.transaction(lt, rnd); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return testing.BenchmarkResult{}, err
	}
	return testing.BenchmarkResult{N: w.conf.Threads * txnsPerThread, T: time.Since(start)}, nil
}

func (w *workload) transaction(lt *locktree.Locktree, rnd *rand.Rand) error {
	id := txnid.TxnID(w.nextTxn.Add(1))
	held := rangebuffer.New()
	defer func() {
		lt.ReleaseLocks(id, held)
		held.Destroy()
	}()

	for i := 0; i < w.conf.LocksPerTxn; i++ {
		k := w.key(rnd)
		err := w.lock(lt, id, k, k, locktree.WriteLock)
		switch {
		case err == nil:
			held.Append(k, k)
		case errors.Is(err, locktree.ErrDeadlock), errors.Is(err, locktree.ErrLockNotGranted),
			errors.Is(err, locktree.ErrOutOfLocks):
			w.failed.Add(1)
			return nil
		default:
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (w *workload) locktree() (*locktree.Locktree, error) {
	dict := locktree.DictionaryID(w.nextDict.Add(1))
	return w.mgr.GetLT(dict, nil, keyrange.BytewiseComparator, nil)
}

func (w *workload) key(rnd *rand.Rand) keyrange.Key {
	return w.keyAt(rnd.IntN(w.conf.Keys))
}

func (w *workload) keyAt(i int) keyrange.Key {
	return keyrange.Uint64(uint64(i))
}

// lock takes one lock, waiting up to the configured lock wait time.
func (w *workload) lock(lt *locktree.Locktree, id txnid.TxnID, left, right keyrange.Key, typ locktree.LockType) error {
	req := locktree.NewLockRequest()
	defer req.Destroy()
	req.Set(lt, id, left, right, typ, false)
	err := req.Start()
	if errors.Is(err, locktree.ErrLockNotGranted) {
		err = req.Wait(w.waitMs)
	}
	return err
}

// lockAndRelease runs a transaction holding a single lock.
func (w *workload) lockAndRelease(lt *locktree.Locktree, left, right keyrange.Key, typ locktree.LockType) error {
	id := txnid.TxnID(w.nextTxn.Add(1))
	if err := w.lock(lt, id, left, right, typ); err != nil {
		return err
	}
	ranges := rangebuffer.New()
	ranges.Append(left, right)
	lt.ReleaseLocks(id, ranges)
	ranges.Destroy()
	return nil
}

func (w *workload) fail(err error) {
	w.failed.Add(1)
	if err != nil && !errors.Is(err, locktree.ErrLockNotGranted) {
		Logger.Warningf("lock request failed: %v", err)
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, mgrConf *common.ManagerConfig, conf *common.BenchConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec",
		"MaxLockMemory", "LockWaitTimeMs",
		"Threads", "Keys", "RangeWidth", "LocksPerTxn",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		nsPerOp := math.Max(float64(result.NsPerOp()), 1)
		opsPerSec := 1.0 / (nsPerOp / 1e9)

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			strconv.FormatUint(mgrConf.MaxLockMemory, 10),
			strconv.FormatUint(mgrConf.LockWaitTimeMs, 10),
			strconv.Itoa(conf.Threads),
			strconv.Itoa(conf.Keys),
			strconv.Itoa(conf.RangeWidth),
			strconv.Itoa(conf.LocksPerTxn),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
