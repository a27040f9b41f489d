package obs

import (
	"testing"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/risk"
)

func TestMetricsCountsAndLatency(t *testing.T) {
	m := NewMetrics()

	m.ObserveOrderEvent(model.OrderEvent{Kind: model.OrderEventFilled, TsEvent: 100, TsInit: 400})
	m.ObserveOrderEvent(model.OrderEvent{Kind: model.OrderEventFilled, TsEvent: 100, TsInit: 200})
	m.ObserveOrderEvent(model.OrderEvent{Kind: model.OrderEventAccepted})
	m.IncRiskReason(risk.ReasonMaxQty)
	m.IncQueueDrop()
	m.ObserveReconCycle(50*time.Millisecond, false)
	m.ObserveReconCycle(80*time.Millisecond, true)

	s := m.Snapshot()
	if s.EventCounts[model.OrderEventFilled] != 2 {
		t.Fatalf("filled count: %d", s.EventCounts[model.OrderEventFilled])
	}
	if s.EventCounts[model.OrderEventAccepted] != 1 {
		t.Fatalf("accepted count: %d", s.EventCounts[model.OrderEventAccepted])
	}
	if s.RiskReasonCounts[risk.ReasonMaxQty] != 1 {
		t.Fatalf("risk count: %d", s.RiskReasonCounts[risk.ReasonMaxQty])
	}
	if s.QueueDrops != 1 {
		t.Fatalf("queue drops: %d", s.QueueDrops)
	}
	if s.ReconCycles != 2 || s.ReconFailures != 1 {
		t.Fatalf("recon cycles: %d failures: %d", s.ReconCycles, s.ReconFailures)
	}
	if s.EventLatency.Count != 2 || s.EventLatency.Min != 100 || s.EventLatency.Max != 300 || s.EventLatency.Avg != 200 {
		t.Fatalf("event latency: %+v", s.EventLatency)
	}
	if s.ReconLatency.Min != 50*time.Millisecond || s.ReconLatency.Max != 80*time.Millisecond {
		t.Fatalf("recon latency: %+v", s.ReconLatency)
	}
}

func TestMetricsNilReceiverSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOrderEvent(model.OrderEvent{Kind: model.OrderEventFilled})
	m.IncRiskReason(risk.ReasonKillSwitch)
	m.IncQueueDrop()
	m.ObserveReconCycle(time.Millisecond, true)
	if s := m.Snapshot(); s.QueueDrops != 0 {
		t.Fatalf("nil snapshot: %+v", s)
	}
}
