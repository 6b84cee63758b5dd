package locktree

import (
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// longWaitThreshold separates ordinary lock waits from long ones.
const longWaitThreshold = time.Second

// Status row names.
const (
	StatusSizeCurrent         = "LTM_SIZE_CURRENT"
	StatusSizeLimit           = "LTM_SIZE_LIMIT"
	StatusEscalationCount     = "LTM_ESCALATION_COUNT"
	StatusEscalationTime      = "LTM_ESCALATION_TIME"
	StatusEscalationLatest    = "LTM_ESCALATION_LATEST_RESULT"
	StatusNumLocktrees        = "LTM_NUM_LOCKTREES"
	StatusLockRequestsPending = "LTM_LOCK_REQUESTS_PENDING"
	StatusStoNumEligible      = "LTM_STO_NUM_ELIGIBLE"
	StatusStoEndEarlyCount    = "LTM_STO_END_EARLY_COUNT"
	StatusStoEndEarlyTime     = "LTM_STO_END_EARLY_TIME"
	StatusWaitCount           = "LTM_WAIT_COUNT"
	StatusWaitTime            = "LTM_WAIT_TIME"
	StatusLongWaitCount       = "LTM_LONG_WAIT_COUNT"
	StatusLongWaitTime        = "LTM_LONG_WAIT_TIME"
	StatusTimeoutCount        = "LTM_TIMEOUT_COUNT"
	StatusDeadlockCount       = "LTM_DEADLOCK_COUNT"
)

// StatusRow is one named value of a status snapshot. Times are in
// microseconds, sizes in bytes.
type StatusRow struct {
	Name  string
	Value uint64
	Help  string
}

// Status is a flat snapshot of the manager counters.
type Status []StatusRow

// Get returns the value of the row called name.
func (s Status) Get(name string) (uint64, bool) {
	for _, row := range s {
		if row.Name == name {
			return row.Value, true
		}
	}
	return 0, false
}

// --------------------------------------------------------------------------
// Counters
// --------------------------------------------------------------------------

// counters holds the monotone event counters of a manager. They outlive every
// locktree of the manager. Counters live in a private metrics.Set so several
// managers in one process do not collide; distributions go to a private
// go-metrics registry.
type counters struct {
	set *metrics.Set

	waitCount        *metrics.Counter
	waitTime         *metrics.Counter
	longWaitCount    *metrics.Counter
	longWaitTime     *metrics.Counter
	timeoutCount     *metrics.Counter
	deadlockCount    *metrics.Counter
	stoEndEarlyCount *metrics.Counter
	stoEndEarlyTime  *metrics.Counter
	escalationCount  *metrics.Counter
	escalationTime   *metrics.Counter
	escalationLatest *metrics.Counter

	registry       gometrics.Registry
	waitHist       gometrics.Histogram
	escalationHist gometrics.Histogram
}

func newCounters() *counters {
	set := metrics.NewSet()
	registry := gometrics.NewRegistry()
	return &counters{
		set:              set,
		waitCount:        set.NewCounter("locktree_wait_count"),
		waitTime:         set.NewCounter("locktree_wait_time_microseconds"),
		longWaitCount:    set.NewCounter("locktree_long_wait_count"),
		longWaitTime:     set.NewCounter("locktree_long_wait_time_microseconds"),
		timeoutCount:     set.NewCounter("locktree_timeout_count"),
		deadlockCount:    set.NewCounter("locktree_deadlock_count"),
		stoEndEarlyCount: set.NewCounter("locktree_sto_end_early_count"),
		stoEndEarlyTime:  set.NewCounter("locktree_sto_end_early_time_microseconds"),
		escalationCount:  set.NewCounter("locktree_escalation_count"),
		escalationTime:   set.NewCounter("locktree_escalation_time_microseconds"),
		escalationLatest: set.NewCounter("locktree_escalation_latest_result_bytes"),
		registry:         registry,
		waitHist:         gometrics.NewRegisteredHistogram("lock_wait_us", registry, gometrics.NewUniformSample(1028)),
		escalationHist:   gometrics.NewRegisteredHistogram("escalation_us", registry, gometrics.NewUniformSample(1028)),
	}
}

// addGauge exposes fn on the Prometheus output.
func (c *counters) addGauge(name string, fn func() float64) {
	c.set.NewGauge(name, fn)
}

func (c *counters) noteWait(d time.Duration) {
	us := uint64(d.Microseconds())
	c.waitTime.Add(int(us))
	c.waitHist.Update(int64(us))
	if d >= longWaitThreshold {
		c.longWaitCount.Inc()
		c.longWaitTime.Add(int(us))
	}
}

func (c *counters) noteStoEndEarly(d time.Duration) {
	c.stoEndEarlyCount.Inc()
	c.stoEndEarlyTime.Add(int(d.Microseconds()))
}

func (c *counters) noteEscalation(d time.Duration, sizeAfter uint64) {
	c.escalationCount.Inc()
	c.escalationTime.Add(int(d.Microseconds()))
	c.escalationHist.Update(d.Microseconds())
	c.escalationLatest.Set(sizeAfter)
}

// waitPercentile returns the p-th percentile (0..1) of lock wait times in
// microseconds, over a uniform sample of recent waits.
func (c *counters) waitPercentile(p float64) float64 {
	return c.waitHist.Percentile(p)
}

func (c *counters) writePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}
