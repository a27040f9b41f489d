package model

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("fill exceeds order quantity")
)

// Order holds the session's view of a single order. Once submitted it is
// owned by the cache and mutated only through Apply; strategies read it,
// never assign to it.
type Order struct {
	ClientOrderID ClientOrderID
	VenueOrderID  VenueOrderID
	InstrumentID  InstrumentID
	StrategyID    StrategyID
	AccountID     AccountID

	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	Quantity    decimal.Decimal
	// Price is zero for market orders.
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal

	Status OrderStatus
	// PriorStatus is the working state to restore when a pending
	// update/cancel resolves without completing.
	PriorStatus OrderStatus

	FilledQty decimal.Decimal
	LeavesQty decimal.Decimal
	AvgPx     decimal.Decimal
	Reason    string

	TsInit int64
	TsLast int64
}

// NewOrder creates an order in INITIALIZED state.
func NewOrder(clientOrderID ClientOrderID, strategyID StrategyID, instrumentID InstrumentID,
	side OrderSide, typ OrderType, tif TimeInForce,
	qty, price, trigger decimal.Decimal, tsInit int64,
) *Order {
	return &Order{
		ClientOrderID: clientOrderID,
		StrategyID:    strategyID,
		InstrumentID:  instrumentID,
		Side:          side,
		Type:          typ,
		TimeInForce:   tif,
		Quantity:      qty,
		Price:         price,
		TriggerPrice:  trigger,
		Status:        OrderStatusInitialized,
		LeavesQty:     qty,
		TsInit:        tsInit,
		TsLast:        tsInit,
	}
}

// orderTransitions maps current status to the statuses reachable by each
// event kind. Fill events and pending-state restores are resolved in Apply
// because their target depends on order fields, not the table alone.
var orderTransitions = map[OrderStatus]map[OrderEventKind]OrderStatus{
	OrderStatusInitialized: {
		OrderEventSubmitted: OrderStatusSubmitted,
		OrderEventDenied:    OrderStatusDenied,
	},
	OrderStatusSubmitted: {
		OrderEventAccepted:      OrderStatusAccepted,
		OrderEventRejected:      OrderStatusRejected,
		OrderEventCanceled:      OrderStatusCanceled,
		OrderEventExpired:       OrderStatusExpired,
		OrderEventPendingUpdate: OrderStatusPendingUpdate,
		OrderEventPendingCancel: OrderStatusPendingCancel,
	},
	OrderStatusAccepted: {
		OrderEventTriggered:     OrderStatusTriggered,
		OrderEventCanceled:      OrderStatusCanceled,
		OrderEventExpired:       OrderStatusExpired,
		OrderEventUpdated:       OrderStatusAccepted,
		OrderEventPendingUpdate: OrderStatusPendingUpdate,
		OrderEventPendingCancel: OrderStatusPendingCancel,
	},
	OrderStatusTriggered: {
		OrderEventCanceled:      OrderStatusCanceled,
		OrderEventExpired:       OrderStatusExpired,
		OrderEventUpdated:       OrderStatusTriggered,
		OrderEventPendingUpdate: OrderStatusPendingUpdate,
		OrderEventPendingCancel: OrderStatusPendingCancel,
	},
	OrderStatusPartiallyFilled: {
		OrderEventCanceled:      OrderStatusCanceled,
		OrderEventExpired:       OrderStatusExpired,
		OrderEventUpdated:       OrderStatusPartiallyFilled,
		OrderEventPendingUpdate: OrderStatusPendingUpdate,
		OrderEventPendingCancel: OrderStatusPendingCancel,
	},
	OrderStatusPendingUpdate: {
		OrderEventCanceled:      OrderStatusCanceled,
		OrderEventExpired:       OrderStatusExpired,
		OrderEventTriggered:     OrderStatusTriggered,
		OrderEventPendingCancel: OrderStatusPendingCancel,
	},
	OrderStatusPendingCancel: {
		OrderEventCanceled: OrderStatusCanceled,
		OrderEventExpired:  OrderStatusExpired,
	},
}

// fillable reports whether a fill may be applied in the given status.
// Fills can race ahead of acks, so pending states still accept them.
func fillable(s OrderStatus) bool {
	switch s {
	case OrderStatusSubmitted, OrderStatusAccepted, OrderStatusTriggered,
		OrderStatusPartiallyFilled, OrderStatusPendingUpdate, OrderStatusPendingCancel:
		return true
	default:
		return false
	}
}

// CanApply reports whether the event kind is a legal transition from the
// order's current status, without mutating the order.
func (o *Order) CanApply(kind OrderEventKind) bool {
	if o.Status.IsTerminal() {
		return false
	}
	if kind == OrderEventFilled {
		return fillable(o.Status)
	}
	switch kind {
	case OrderEventUpdateRejected:
		return o.Status == OrderStatusPendingUpdate
	case OrderEventCancelRejected:
		return o.Status == OrderStatusPendingCancel
	case OrderEventUpdated:
		if o.Status == OrderStatusPendingUpdate {
			return true
		}
	}
	next, ok := orderTransitions[o.Status]
	if !ok {
		return false
	}
	_, ok = next[kind]
	return ok
}

// Apply advances the order state machine by one event. An event naming a
// transition not in the table is rejected with ErrInvalidTransition and
// leaves the order untouched.
func (o *Order) Apply(ev OrderEvent) error {
	if !o.CanApply(ev.Kind) {
		return errors.Wrapf(ErrInvalidTransition, "%s --%s-->", o.Status, ev.Kind)
	}

	switch ev.Kind {
	case OrderEventFilled:
		return o.applyFill(ev)
	case OrderEventUpdated:
		o.applyUpdate(ev)
	case OrderEventUpdateRejected, OrderEventCancelRejected:
		o.Status = o.PriorStatus
		o.PriorStatus = OrderStatusUnknown
		o.Reason = ev.Reason
	case OrderEventPendingUpdate, OrderEventPendingCancel:
		// A cancel superseding a pending modify keeps the original
		// working state as the restore target.
		if o.Status != OrderStatusPendingUpdate {
			o.PriorStatus = o.Status
		}
		o.Status = orderTransitions[o.Status][ev.Kind]
	default:
		o.Status = orderTransitions[o.Status][ev.Kind]
		if ev.Kind == OrderEventAccepted {
			if ev.VenueOrderID != "" {
				o.VenueOrderID = ev.VenueOrderID
			}
			if ev.AccountID != "" {
				o.AccountID = ev.AccountID
			}
		}
		if ev.Reason != "" {
			o.Reason = ev.Reason
		}
	}

	o.TsLast = ev.TsEvent
	return nil
}

func (o *Order) applyUpdate(ev OrderEvent) {
	if o.Status == OrderStatusPendingUpdate {
		o.Status = o.PriorStatus
		o.PriorStatus = OrderStatusUnknown
	}
	if !ev.Quantity.IsZero() {
		o.Quantity = ev.Quantity
	}
	if !ev.Price.IsZero() {
		o.Price = ev.Price
	}
	o.LeavesQty = o.Quantity.Sub(o.FilledQty)
}

func (o *Order) applyFill(ev OrderEvent) error {
	if ev.LastQty.Sign() <= 0 {
		return errors.Wrap(ErrInvalidFill, "non-positive fill quantity")
	}
	filled := o.FilledQty.Add(ev.LastQty)
	if filled.GreaterThan(o.Quantity) {
		return errors.Wrapf(ErrInvalidFill, "filled %s of %s", filled, o.Quantity)
	}
	if o.FilledQty.IsZero() {
		o.AvgPx = ev.LastPx
	} else {
		notional := o.AvgPx.Mul(o.FilledQty).Add(ev.LastPx.Mul(ev.LastQty))
		o.AvgPx = notional.Div(filled)
	}
	o.FilledQty = filled
	o.LeavesQty = o.Quantity.Sub(filled)
	if o.LeavesQty.IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.PriorStatus = OrderStatusUnknown
	if ev.VenueOrderID != "" && o.VenueOrderID == "" {
		o.VenueOrderID = ev.VenueOrderID
	}
	return nil
}

// IsOpen reports whether the order is working at the venue.
func (o *Order) IsOpen() bool { return o.Status.IsOpen() }

// IsClosed reports whether the order reached a terminal status.
func (o *Order) IsClosed() bool { return o.Status.IsTerminal() }
