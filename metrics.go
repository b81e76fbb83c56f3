package idemgate

import "sync/atomic"

// Metrics counts the outcomes the layer produces. All methods are safe
// for concurrent use.
type Metrics struct {
	newExecutions         int64
	replays               int64
	conflicts             int64
	inProgressRejections  int64
	waitTimeouts          int64
	handlerFailures       int64
	storeFaults           int64
	cleanupPasses         int64
	cleanupRecordsRemoved int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	NewExecutions         int64 `json:"new_executions"`
	Replays               int64 `json:"replays"`
	Conflicts             int64 `json:"conflicts"`
	InProgressRejections  int64 `json:"in_progress_rejections"`
	WaitTimeouts          int64 `json:"wait_timeouts"`
	HandlerFailures       int64 `json:"handler_failures"`
	StoreFaults           int64 `json:"store_faults"`
	CleanupPasses         int64 `json:"cleanup_passes"`
	CleanupRecordsRemoved int64 `json:"cleanup_records_removed"`
}

// NewMetrics creates a zeroed metrics sink.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) incrNewExecution()        { atomic.AddInt64(&m.newExecutions, 1) }
func (m *Metrics) incrReplay()              { atomic.AddInt64(&m.replays, 1) }
func (m *Metrics) incrConflict()            { atomic.AddInt64(&m.conflicts, 1) }
func (m *Metrics) incrInProgressRejection() { atomic.AddInt64(&m.inProgressRejections, 1) }
func (m *Metrics) incrWaitTimeout()         { atomic.AddInt64(&m.waitTimeouts, 1) }
func (m *Metrics) incrHandlerFailure()      { atomic.AddInt64(&m.handlerFailures, 1) }
func (m *Metrics) incrStoreFault()          { atomic.AddInt64(&m.storeFaults, 1) }

func (m *Metrics) recordCleanup(removed int) {
	atomic.AddInt64(&m.cleanupPasses, 1)
	atomic.AddInt64(&m.cleanupRecordsRemoved, int64(removed))
}

// Snapshot returns a consistent-enough copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		NewExecutions:         atomic.LoadInt64(&m.newExecutions),
		Replays:               atomic.LoadInt64(&m.replays),
		Conflicts:             atomic.LoadInt64(&m.conflicts),
		InProgressRejections:  atomic.LoadInt64(&m.inProgressRejections),
		WaitTimeouts:          atomic.LoadInt64(&m.waitTimeouts),
		HandlerFailures:       atomic.LoadInt64(&m.handlerFailures),
		StoreFaults:           atomic.LoadInt64(&m.storeFaults),
		CleanupPasses:         atomic.LoadInt64(&m.cleanupPasses),
		CleanupRecordsRemoved: atomic.LoadInt64(&m.cleanupRecordsRemoved),
	}
}
