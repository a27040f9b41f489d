package model

import (
	"github.com/shopspring/decimal"
)

// OrderEventKind discriminates order lifecycle events.
type OrderEventKind uint16

const (
	OrderEventUnknown OrderEventKind = iota
	OrderEventSubmitted
	OrderEventDenied
	OrderEventAccepted
	OrderEventRejected
	OrderEventTriggered
	OrderEventPendingUpdate
	OrderEventUpdated
	OrderEventUpdateRejected
	OrderEventPendingCancel
	OrderEventCancelRejected
	OrderEventCanceled
	OrderEventExpired
	OrderEventFilled
)

func (k OrderEventKind) String() string {
	switch k {
	case OrderEventSubmitted:
		return "SUBMITTED"
	case OrderEventDenied:
		return "DENIED"
	case OrderEventAccepted:
		return "ACCEPTED"
	case OrderEventRejected:
		return "REJECTED"
	case OrderEventTriggered:
		return "TRIGGERED"
	case OrderEventPendingUpdate:
		return "PENDING_UPDATE"
	case OrderEventUpdated:
		return "UPDATED"
	case OrderEventUpdateRejected:
		return "UPDATE_REJECTED"
	case OrderEventPendingCancel:
		return "PENDING_CANCEL"
	case OrderEventCancelRejected:
		return "CANCEL_REJECTED"
	case OrderEventCanceled:
		return "CANCELED"
	case OrderEventExpired:
		return "EXPIRED"
	case OrderEventFilled:
		return "FILLED"
	default:
		return "UNKNOWN"
	}
}

// OrderEvent is an immutable fact about one order, reported by a venue
// or synthesized during reconciliation. TsEvent is the venue timestamp,
// TsInit the local receipt timestamp; they may diverge and both are kept.
type OrderEvent struct {
	Kind          OrderEventKind
	EventID       string
	ClientOrderID ClientOrderID
	VenueOrderID  VenueOrderID
	InstrumentID  InstrumentID
	StrategyID    StrategyID
	AccountID     AccountID

	// Updated events carry the amended working values.
	Price    decimal.Decimal
	Quantity decimal.Decimal

	// Filled events carry the execution slice.
	TradeID    TradeID
	PositionID PositionID
	FillSide   OrderSide
	LastQty    decimal.Decimal
	LastPx     decimal.Decimal
	Commission decimal.Decimal

	Reason string

	// Reconciled marks events synthesized while repairing local state.
	Reconciled bool

	TsEvent int64
	TsInit  int64
}

// DedupKey identifies an event for replay rejection: order id + event id.
func (e OrderEvent) DedupKey() string {
	return string(e.ClientOrderID) + ":" + e.EventID
}

// Balance is a per-currency account balance.
type Balance struct {
	Currency string
	Total    decimal.Decimal
	Locked   decimal.Decimal
	Free     decimal.Decimal
}

// MarginBalance is a per-instrument margin requirement.
type MarginBalance struct {
	InstrumentID InstrumentID
	Initial      decimal.Decimal
	Maintenance  decimal.Decimal
	Currency     string
}

// AccountState is a venue-reported snapshot of account balances and margin.
type AccountState struct {
	EventID     string
	AccountID   AccountID
	Venue       Venue
	AccountType AccountType
	Balances    []Balance
	Margins     []MarginBalance
	TsEvent     int64
	TsInit      int64
}

// QuoteTick is the canonical top-of-book quote.
type QuoteTick struct {
	InstrumentID InstrumentID
	BidPrice     decimal.Decimal
	AskPrice     decimal.Decimal
	BidSize      decimal.Decimal
	AskSize      decimal.Decimal
	TsEvent      int64
	TsInit       int64
}

// TradeTick is a canonical public trade print.
type TradeTick struct {
	InstrumentID InstrumentID
	Price        decimal.Decimal
	Size         decimal.Decimal
	Aggressor    OrderSide
	TradeID      TradeID
	TsEvent      int64
	TsInit       int64
}

// Bar is a canonical OHLCV aggregate.
type Bar struct {
	InstrumentID InstrumentID
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       decimal.Decimal
	TsEvent      int64
	TsInit       int64
}

// BookAction discriminates order book delta operations.
type BookAction uint16

const (
	BookActionAdd BookAction = iota
	BookActionUpdate
	BookActionDelete
	BookActionClear
)

// OrderBookDelta is a canonical incremental book update.
type OrderBookDelta struct {
	InstrumentID InstrumentID
	Action       BookAction
	Side         OrderSide
	Price        decimal.Decimal
	Size         decimal.Decimal
	TsEvent      int64
	TsInit       int64
}
