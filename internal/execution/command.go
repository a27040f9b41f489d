package execution

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/model"
)

// SubmitOrder is a strategy's intent to place a new order. Immutable once
// created; the engine stamps ClientOrderID when empty, and retries use the
// same id so delivery to the venue is idempotent per attempt.
type SubmitOrder struct {
	ClientOrderID model.ClientOrderID
	StrategyID    model.StrategyID
	InstrumentID  model.InstrumentID
	Side          model.OrderSide
	Type          model.OrderType
	TimeInForce   model.TimeInForce
	Quantity      decimal.Decimal
	// Price is zero for market orders.
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	TsInit       int64
}

// ModifyOrder amends the working price and/or quantity of an open order.
// Zero fields are left unchanged.
type ModifyOrder struct {
	ClientOrderID model.ClientOrderID
	VenueOrderID  model.VenueOrderID
	InstrumentID  model.InstrumentID
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TsInit        int64
}

// CancelOrder requests cancellation of an open order.
type CancelOrder struct {
	ClientOrderID model.ClientOrderID
	VenueOrderID  model.VenueOrderID
	InstrumentID  model.InstrumentID
	TsInit        int64
}

// CommandFailed reports a command whose venue delivery failed after all
// retries. The order's true state at the venue is unknown until the next
// reconciliation pass resolves it; it is never silently dropped.
type CommandFailed struct {
	ClientOrderID model.ClientOrderID
	InstrumentID  model.InstrumentID
	Op            string
	Reason        string
	TsInit        int64
}
