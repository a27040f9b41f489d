package execution

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"go.uber.org/zap"

	"tradecore/internal/cache"
	"tradecore/internal/model"
)

// ReconcileAll aligns the cache with venue-reported truth for every
// registered client: order history first, then positions rebuilt by
// replaying fills in fill-time order. Any failure abandons the attempt
// and leaves the previous state authoritative; the next scheduled or
// triggered attempt retries independently.
func (e *Engine) ReconcileAll(ctx context.Context) error {
	for _, client := range e.Clients() {
		if err := e.reconcileVenue(ctx, client); err != nil {
			return errors.Wrapf(err, "reconcile %s", client.Venue())
		}
	}
	return nil
}

// ReconcileOrder repairs a single order from a targeted venue query,
// used after an invalid transition or a command with unknown outcome.
func (e *Engine) ReconcileOrder(ctx context.Context, venue model.Venue, q OrderQuery) error {
	client, ok := e.client(venue)
	if !ok {
		return errors.Wrap(ErrNoClient, string(venue))
	}
	report, err := client.OrderStatusReport(ctx, q)
	if err != nil {
		return errors.Wrap(err, "query order status")
	}
	if e.reconcileReport(report) {
		e.c.RebuildPosition(report.InstrumentID)
	}
	return nil
}

func (e *Engine) reconcileVenue(ctx context.Context, client Client) error {
	reports, err := client.OrderStatusReports(ctx, e.cfg.ReconLookback)
	if err != nil {
		return errors.Wrap(err, "fetch order history")
	}

	affected := make(map[model.InstrumentID]struct{})
	for _, r := range reports {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.reconcileReport(r) {
			affected[r.InstrumentID] = struct{}{}
		}
	}

	for id := range affected {
		e.c.RebuildPosition(id)
	}

	positions, err := client.PositionReports(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch position reports")
	}
	for _, pr := range positions {
		local, _ := e.c.PositionForInstrument(pr.InstrumentID)
		if !local.Quantity.Equal(pr.Quantity) {
			e.log.Warn("position quantity diverges from venue snapshot",
				zap.String("instrument", pr.InstrumentID.String()),
				zap.String("local", local.Quantity.String()),
				zap.String("venue", pr.Quantity.String()))
		}
	}
	return nil
}

// reconcileReport converges one order onto the venue-reported state,
// returning whether the cache changed. Venue status is ground truth,
// with one exception: a locally terminal order is never rewritten; a
// conflicting report is a consistency fault, logged and left alone.
func (e *Engine) reconcileReport(r OrderStatusReport) bool {
	local, ok := e.lookupReport(r)
	if !ok {
		return e.synthesizeOrder(r)
	}

	if local.Status.IsTerminal() {
		if local.Status != r.Status {
			e.log.Error("consistency fault: terminal order diverges from venue",
				zap.String("client_order_id", string(local.ClientOrderID)),
				zap.String("local_status", local.Status.String()),
				zap.String("venue_status", r.Status.String()))
		}
		return false
	}

	changed := false

	if local.Status == model.OrderStatusInitialized {
		changed = e.applyReconEvent(e.reconEvent(model.OrderEventSubmitted, r, r.TsAccepted)) || changed
	}
	if needsAccept(local.Status, r.Status) {
		changed = e.applyReconEvent(e.reconEvent(model.OrderEventAccepted, r, r.TsAccepted)) || changed
	}

	// Open question resolved: when both sides report non-terminal but
	// differing quantities, the venue quantity wins, with an audit entry.
	if !r.Quantity.IsZero() && !r.Status.IsTerminal() && !local.Quantity.Equal(r.Quantity) {
		e.log.Warn("order quantity diverges, adopting venue quantity",
			zap.String("client_order_id", string(local.ClientOrderID)),
			zap.String("local", local.Quantity.String()),
			zap.String("venue", r.Quantity.String()))
		ev := e.reconEvent(model.OrderEventUpdated, r, r.TsLast)
		ev.Quantity = r.Quantity
		ev.Price = r.Price
		changed = e.applyReconEvent(ev) || changed
	}

	// A lost cancel or modify ack leaves the cache pending while the
	// venue keeps the order working. Restore the prior working state
	// so the remaining events can apply.
	if !r.Status.IsTerminal() &&
		r.Status != model.OrderStatusPendingUpdate && r.Status != model.OrderStatusPendingCancel {
		switch local.Status {
		case model.OrderStatusPendingCancel:
			changed = e.applyReconEvent(e.reconEvent(model.OrderEventCancelRejected, r, r.TsLast)) || changed
		case model.OrderStatusPendingUpdate:
			changed = e.applyReconEvent(e.reconEvent(model.OrderEventUpdateRejected, r, r.TsLast)) || changed
		}
	}

	changed = e.reconcileFills(local, r) || changed

	switch r.Status {
	case model.OrderStatusRejected:
		changed = e.applyReconEvent(e.reconEvent(model.OrderEventRejected, r, r.TsLast)) || changed
	case model.OrderStatusTriggered:
		changed = e.applyReconEvent(e.reconEvent(model.OrderEventTriggered, r, r.TsLast)) || changed
	case model.OrderStatusCanceled:
		changed = e.applyReconEvent(e.reconEvent(model.OrderEventCanceled, r, r.TsLast)) || changed
	case model.OrderStatusExpired:
		changed = e.applyReconEvent(e.reconEvent(model.OrderEventExpired, r, r.TsLast)) || changed
	}
	return changed
}

func (e *Engine) lookupReport(r OrderStatusReport) (model.Order, bool) {
	if r.ClientOrderID != "" {
		if o, ok := e.c.Order(r.ClientOrderID); ok {
			return o, true
		}
	}
	if r.VenueOrderID != "" {
		if o, ok := e.c.OrderForVenueID(r.VenueOrderID); ok {
			return o, true
		}
	}
	return model.Order{}, false
}

// needsAccept reports whether an ACCEPTED event must be interposed so the
// order never skips an intermediate state downstream consumers depend on.
func needsAccept(local, venue model.OrderStatus) bool {
	if local != model.OrderStatusInitialized && local != model.OrderStatusSubmitted {
		return false
	}
	switch venue {
	case model.OrderStatusInitialized, model.OrderStatusSubmitted, model.OrderStatusRejected:
		return false
	default:
		return true
	}
}

// reconcileFills applies the venue's missing fills: itemized fills when
// the report carries them (deduplicated by trade id), otherwise one
// synthesized fill of the outstanding delta at the reported average price.
func (e *Engine) reconcileFills(local model.Order, r OrderStatusReport) bool {
	delta := r.FilledQty.Sub(local.FilledQty)
	if delta.Sign() <= 0 {
		return false
	}

	changed := false
	if len(r.Fills) > 0 {
		fills := append([]FillReport(nil), r.Fills...)
		sort.SliceStable(fills, func(i, j int) bool { return fills[i].TsEvent < fills[j].TsEvent })
		for _, f := range fills {
			ev := e.reconEvent(model.OrderEventFilled, r, f.TsEvent)
			ev.EventID = "trade-" + string(f.TradeID)
			ev.TradeID = f.TradeID
			ev.LastQty = f.LastQty
			ev.LastPx = f.LastPx
			ev.Commission = f.Commission
			ev.FillSide = f.Side
			changed = e.applyReconEvent(ev) || changed
		}
		return changed
	}

	px := r.AvgPx
	if px.IsZero() {
		px = r.Price
	}
	ev := e.reconEvent(model.OrderEventFilled, r, r.TsLast)
	ev.LastQty = delta
	ev.LastPx = px
	ev.FillSide = r.Side
	return e.applyReconEvent(ev)
}

// synthesizeOrder creates a cache order for a venue order we have no
// record of, replaying its full lifecycle so no intermediate state is
// skipped. Returns whether anything was written.
func (e *Engine) synthesizeOrder(r OrderStatusReport) bool {
	clientOrderID := r.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = model.ClientOrderID("EXT-" + string(r.VenueOrderID))
		r.ClientOrderID = clientOrderID
	}
	e.log.Warn("venue order missing from cache, synthesizing lifecycle",
		zap.String("client_order_id", string(clientOrderID)),
		zap.String("venue_order_id", string(r.VenueOrderID)),
		zap.String("status", r.Status.String()))

	o := model.NewOrder(clientOrderID, "", r.InstrumentID,
		r.Side, r.Type, r.TimeInForce, r.Quantity, r.Price, decimal.Zero, r.TsAccepted)
	if err := e.c.AddOrder(o); err != nil {
		e.log.Error("synthesized order rejected by cache",
			zap.String("client_order_id", string(clientOrderID)), zap.Error(err))
		return false
	}

	e.applyReconEvent(e.reconEvent(model.OrderEventSubmitted, r, r.TsAccepted))
	if r.Status == model.OrderStatusRejected {
		e.applyReconEvent(e.reconEvent(model.OrderEventRejected, r, r.TsLast))
		return true
	}
	e.applyReconEvent(e.reconEvent(model.OrderEventAccepted, r, r.TsAccepted))
	if r.Status == model.OrderStatusTriggered {
		e.applyReconEvent(e.reconEvent(model.OrderEventTriggered, r, r.TsLast))
	}

	e.reconcileFills(*o, r)

	switch r.Status {
	case model.OrderStatusCanceled:
		e.applyReconEvent(e.reconEvent(model.OrderEventCanceled, r, r.TsLast))
	case model.OrderStatusExpired:
		e.applyReconEvent(e.reconEvent(model.OrderEventExpired, r, r.TsLast))
	}
	return true
}

// applyReconEvent applies a synthesized event, tolerating duplicates and
// transitions the order has already moved past.
func (e *Engine) applyReconEvent(ev model.OrderEvent) bool {
	err := e.c.UpdateOrder(ev)
	switch {
	case err == nil:
		e.bus.Publish(TopicOrderEvents, ev)
		return true
	case errors.Is(err, cache.ErrDuplicateEvent):
		return false
	default:
		e.log.Debug("reconciliation event skipped",
			zap.String("client_order_id", string(ev.ClientOrderID)),
			zap.String("kind", ev.Kind.String()),
			zap.Error(err))
		return false
	}
}

func (e *Engine) reconEvent(kind model.OrderEventKind, r OrderStatusReport, ts int64) model.OrderEvent {
	if ts == 0 {
		ts = r.TsLast
	}
	return model.OrderEvent{
		Kind:          kind,
		EventID:       uuid.NewString(),
		ClientOrderID: r.ClientOrderID,
		VenueOrderID:  r.VenueOrderID,
		InstrumentID:  r.InstrumentID,
		Reason:        r.Reason,
		Reconciled:    true,
		TsEvent:       ts,
		TsInit:        e.now(),
	}
}
