package obs

import (
	"sync/atomic"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/risk"
)

const (
	maxEventKind  = int(model.OrderEventFilled)
	maxRiskReason = int(risk.ReasonPriceBand)
)

// Metrics collects lightweight counters and latency stats for the
// execution path. All methods are safe on a nil receiver so callers
// can leave metrics unset.
type Metrics struct {
	eventCounts      [maxEventKind + 1]uint64
	riskReasonCounts [maxRiskReason + 1]uint64
	queueDrops       uint64
	reconCycles      uint64
	reconFailures    uint64

	eventLatency LatencyStats
	reconLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts      map[model.OrderEventKind]uint64
	RiskReasonCounts map[risk.Reason]uint64
	QueueDrops       uint64
	ReconCycles      uint64
	ReconFailures    uint64
	EventLatency     LatencySnapshot
	ReconLatency     LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveOrderEvent increments the per-kind counter and tracks
// event latency when both timestamps are present.
func (m *Metrics) ObserveOrderEvent(ev model.OrderEvent) {
	if m == nil {
		return
	}
	idx := int(ev.Kind)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
	if ev.TsEvent > 0 && ev.TsInit > 0 {
		if delta := ev.TsInit - ev.TsEvent; delta >= 0 {
			m.eventLatency.Observe(time.Duration(delta))
		}
	}
}

// IncRiskReason increments the denial counter for a risk reason.
func (m *Metrics) IncRiskReason(reason risk.Reason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.riskReasonCounts) {
		atomic.AddUint64(&m.riskReasonCounts[idx], 1)
	}
}

// IncQueueDrop records an inbound event dropped by the bounded queue.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// ObserveReconCycle records a completed reconciliation cycle.
func (m *Metrics) ObserveReconCycle(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.reconCycles, 1)
	if failed {
		atomic.AddUint64(&m.reconFailures, 1)
	}
	m.reconLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[model.OrderEventKind]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[model.OrderEventKind(i)] = v
		}
	}
	riskCounts := make(map[risk.Reason]uint64)
	for i := range m.riskReasonCounts {
		if v := atomic.LoadUint64(&m.riskReasonCounts[i]); v > 0 {
			riskCounts[risk.Reason(i)] = v
		}
	}
	return Snapshot{
		EventCounts:      eventCounts,
		RiskReasonCounts: riskCounts,
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		ReconCycles:      atomic.LoadUint64(&m.reconCycles),
		ReconFailures:    atomic.LoadUint64(&m.reconFailures),
		EventLatency:     m.eventLatency.Snapshot(),
		ReconLatency:     m.reconLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
