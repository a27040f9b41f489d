package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/cache"
	"tradecore/internal/model"
)

// seedAccepted places an order in the cache in ACCEPTED state, bypassing
// the dispatch path.
func seedAccepted(t *testing.T, c *cache.Cache, id model.ClientOrderID, vid model.VenueOrderID, qty string) {
	t.Helper()
	o := model.NewOrder(id, "S-1", simInstrument(),
		model.OrderSideBuy, model.OrderTypeLimit, model.TimeInForceGTC,
		decimal.RequireFromString(qty), decimal.RequireFromString("100"),
		decimal.Zero, 1)
	if err := c.AddOrder(o); err != nil {
		t.Fatalf("add order: %v", err)
	}
	if err := c.UpdateOrder(model.OrderEvent{
		Kind: model.OrderEventSubmitted, EventID: "sub-" + string(id),
		ClientOrderID: id, TsEvent: 1,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.UpdateOrder(model.OrderEvent{
		Kind: model.OrderEventAccepted, EventID: "acc-" + string(id),
		ClientOrderID: id, VenueOrderID: vid, TsEvent: 2,
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestReconcileRepairsAcceptedToFilled(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	seedAccepted(t, c, "O-1", "V-1", "2")
	f.reports = []OrderStatusReport{{
		ClientOrderID: "O-1",
		VenueOrderID:  "V-1",
		InstrumentID:  simInstrument(),
		Side:          model.OrderSideBuy,
		Status:        model.OrderStatusFilled,
		Quantity:      decimal.RequireFromString("2"),
		FilledQty:     decimal.RequireFromString("2"),
		AvgPx:         decimal.RequireFromString("101"),
		TsAccepted:    2,
		TsLast:        5,
		Fills: []FillReport{
			{TradeID: "T-2", Side: model.OrderSideBuy, LastQty: decimal.RequireFromString("1"), LastPx: decimal.RequireFromString("102"), TsEvent: 5},
			{TradeID: "T-1", Side: model.OrderSideBuy, LastQty: decimal.RequireFromString("1"), LastPx: decimal.RequireFromString("100"), TsEvent: 4},
		},
	}}

	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, _ := c.Order("O-1")
	if o.Status != model.OrderStatusFilled {
		t.Fatalf("status: %s", o.Status)
	}
	if !o.FilledQty.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("filled qty: %s", o.FilledQty)
	}
	if !o.AvgPx.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("avg px: %s", o.AvgPx)
	}

	p, ok := c.PositionForInstrument(simInstrument())
	if !ok || !p.Quantity.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("position: ok=%v %+v", ok, p)
	}

	// A second cycle replays the same report; trade-id dedup keeps the
	// cache unchanged.
	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	o2, _ := c.Order("O-1")
	if !o2.FilledQty.Equal(o.FilledQty) {
		t.Fatalf("replayed fills accumulated: %s", o2.FilledQty)
	}
}

func TestReconcileRestoresLostCancelAck(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	seedAccepted(t, c, "O-1", "V-1", "1")
	if err := c.UpdateOrder(model.OrderEvent{
		Kind: model.OrderEventPendingCancel, EventID: "pc-1",
		ClientOrderID: "O-1", TsEvent: 3,
	}); err != nil {
		t.Fatalf("pending cancel: %v", err)
	}

	// The cancel request never reached the venue; it still reports the
	// order working.
	f.reports = []OrderStatusReport{{
		ClientOrderID: "O-1",
		VenueOrderID:  "V-1",
		InstrumentID:  simInstrument(),
		Side:          model.OrderSideBuy,
		Status:        model.OrderStatusAccepted,
		Quantity:      decimal.RequireFromString("1"),
		TsAccepted:    2,
		TsLast:        5,
	}}

	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, _ := c.Order("O-1")
	if o.Status != model.OrderStatusAccepted {
		t.Fatalf("status: got %s want ACCEPTED", o.Status)
	}
}

func TestReconcileRestoresLostModifyAck(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	seedAccepted(t, c, "O-1", "V-1", "2")
	if err := c.UpdateOrder(model.OrderEvent{
		Kind: model.OrderEventPendingUpdate, EventID: "pu-1",
		ClientOrderID: "O-1", TsEvent: 3,
	}); err != nil {
		t.Fatalf("pending update: %v", err)
	}

	f.reports = []OrderStatusReport{{
		ClientOrderID: "O-1",
		VenueOrderID:  "V-1",
		InstrumentID:  simInstrument(),
		Side:          model.OrderSideBuy,
		Status:        model.OrderStatusPartiallyFilled,
		Quantity:      decimal.RequireFromString("2"),
		FilledQty:     decimal.RequireFromString("1"),
		AvgPx:         decimal.RequireFromString("100"),
		TsAccepted:    2,
		TsLast:        5,
		Fills: []FillReport{
			{TradeID: "T-1", Side: model.OrderSideBuy, LastQty: decimal.RequireFromString("1"), LastPx: decimal.RequireFromString("100"), TsEvent: 4},
		},
	}}

	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, _ := c.Order("O-1")
	if o.Status != model.OrderStatusPartiallyFilled {
		t.Fatalf("status: got %s want PARTIALLY_FILLED", o.Status)
	}
	if !o.FilledQty.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("filled qty: %s", o.FilledQty)
	}
}

func TestReconcileTerminalDivergenceLeftAlone(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	seedAccepted(t, c, "O-1", "V-1", "1")
	if err := c.UpdateOrder(model.OrderEvent{
		Kind: model.OrderEventCanceled, EventID: "can-1",
		ClientOrderID: "O-1", TsEvent: 3,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.reports = []OrderStatusReport{{
		ClientOrderID: "O-1",
		VenueOrderID:  "V-1",
		InstrumentID:  simInstrument(),
		Side:          model.OrderSideBuy,
		Status:        model.OrderStatusFilled,
		Quantity:      decimal.RequireFromString("1"),
		FilledQty:     decimal.RequireFromString("1"),
		AvgPx:         decimal.RequireFromString("100"),
		TsLast:        5,
	}}

	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	o, _ := c.Order("O-1")
	if o.Status != model.OrderStatusCanceled {
		t.Fatalf("terminal order rewritten: %s", o.Status)
	}
	if !o.FilledQty.IsZero() {
		t.Fatalf("terminal order accumulated fills: %s", o.FilledQty)
	}
}

func TestReconcileSynthesizesUnknownVenueOrder(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	f.reports = []OrderStatusReport{{
		VenueOrderID: "V-77",
		InstrumentID: simInstrument(),
		Side:         model.OrderSideSell,
		Type:         model.OrderTypeLimit,
		TimeInForce:  model.TimeInForceGTC,
		Status:       model.OrderStatusPartiallyFilled,
		Quantity:     decimal.RequireFromString("3"),
		FilledQty:    decimal.RequireFromString("1"),
		AvgPx:        decimal.RequireFromString("105"),
		Price:        decimal.RequireFromString("105"),
		TsAccepted:   2,
		TsLast:       4,
	}}

	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, ok := c.Order("EXT-V-77")
	if !ok {
		t.Fatal("synthesized order missing")
	}
	if o.Status != model.OrderStatusPartiallyFilled {
		t.Fatalf("status: %s", o.Status)
	}
	if !o.FilledQty.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("filled qty: %s", o.FilledQty)
	}
	if o.VenueOrderID != "V-77" {
		t.Fatalf("venue order id: %s", o.VenueOrderID)
	}

	p, ok := c.PositionForInstrument(simInstrument())
	if !ok || !p.Quantity.Equal(decimal.RequireFromString("-1")) {
		t.Fatalf("position from synthesized sell: ok=%v %+v", ok, p)
	}
}

func TestReconcileSynthesizesRejectedOrder(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	f.reports = []OrderStatusReport{{
		VenueOrderID: "V-88",
		InstrumentID: simInstrument(),
		Side:         model.OrderSideBuy,
		Type:         model.OrderTypeLimit,
		Status:       model.OrderStatusRejected,
		Quantity:     decimal.RequireFromString("1"),
		Reason:       "margin exceeded",
		TsLast:       3,
	}}

	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	o, ok := c.Order("EXT-V-88")
	if !ok || o.Status != model.OrderStatusRejected {
		t.Fatalf("synthesized rejected order: ok=%v status=%s", ok, o.Status)
	}
}

func TestReconcileAdoptsVenueQuantity(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	seedAccepted(t, c, "O-1", "V-1", "2")
	f.reports = []OrderStatusReport{{
		ClientOrderID: "O-1",
		VenueOrderID:  "V-1",
		InstrumentID:  simInstrument(),
		Side:          model.OrderSideBuy,
		Status:        model.OrderStatusAccepted,
		Quantity:      decimal.RequireFromString("3"),
		Price:         decimal.RequireFromString("100"),
		TsLast:        4,
	}}

	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	o, _ := c.Order("O-1")
	if !o.Quantity.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("venue quantity not adopted: %s", o.Quantity)
	}
	if o.Status != model.OrderStatusAccepted {
		t.Fatalf("status: %s", o.Status)
	}
}

func TestReconcileCancelConvergence(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	seedAccepted(t, c, "O-1", "V-1", "1")
	f.reports = []OrderStatusReport{{
		ClientOrderID: "O-1",
		VenueOrderID:  "V-1",
		InstrumentID:  simInstrument(),
		Side:          model.OrderSideBuy,
		Status:        model.OrderStatusCanceled,
		Quantity:      decimal.RequireFromString("1"),
		TsLast:        4,
	}}

	if err := e.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	o, _ := c.Order("O-1")
	if o.Status != model.OrderStatusCanceled {
		t.Fatalf("status: %s", o.Status)
	}
}

func TestReconcileAbandonedOnVenueError(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	f.reportErr = errVenueDown
	e.RegisterClient(f, 0)

	seedAccepted(t, c, "O-1", "V-1", "1")
	if err := e.ReconcileAll(context.Background()); !errors.Is(err, errVenueDown) {
		t.Fatalf("expected venue error, got %v", err)
	}
	o, _ := c.Order("O-1")
	if o.Status != model.OrderStatusAccepted {
		t.Fatalf("failed cycle mutated state: %s", o.Status)
	}
}

func TestReconcileOrderTargeted(t *testing.T) {
	e, c, _ := newTestEngine(t, Config{ReconEnabled: true}, nil)
	f := newFakeClient("SIM")
	e.RegisterClient(f, 0)

	seedAccepted(t, c, "O-1", "V-1", "1")
	f.reports = []OrderStatusReport{{
		ClientOrderID: "O-1",
		VenueOrderID:  "V-1",
		InstrumentID:  simInstrument(),
		Side:          model.OrderSideBuy,
		Status:        model.OrderStatusFilled,
		Quantity:      decimal.RequireFromString("1"),
		FilledQty:     decimal.RequireFromString("1"),
		AvgPx:         decimal.RequireFromString("100"),
		TsLast:        5,
	}}

	err := e.ReconcileOrder(context.Background(), "SIM", OrderQuery{
		InstrumentID:  simInstrument(),
		ClientOrderID: "O-1",
	})
	if err != nil {
		t.Fatalf("targeted reconcile: %v", err)
	}
	o, _ := c.Order("O-1")
	if o.Status != model.OrderStatusFilled {
		t.Fatalf("status: %s", o.Status)
	}
}
