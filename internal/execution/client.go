package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/model"
)

// Client is the execution capability a venue adapter must provide.
// Commands are delivered at most once per attempt; asynchronous order and
// account events are published onto the event bus under
// "exec.<venue>.order" and "exec.<venue>.account". Query methods back the
// reconciliation procedure and are never called by strategies.
type Client interface {
	Venue() model.Venue
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SubmitOrder(ctx context.Context, cmd SubmitOrder) error
	ModifyOrder(ctx context.Context, cmd ModifyOrder) error
	CancelOrder(ctx context.Context, cmd CancelOrder) error

	// OrderStatusReport fetches the venue's view of a single order.
	OrderStatusReport(ctx context.Context, q OrderQuery) (OrderStatusReport, error)
	// OrderStatusReports fetches the venue's order history for the
	// lookback window, including open orders.
	OrderStatusReports(ctx context.Context, lookback time.Duration) ([]OrderStatusReport, error)
	// PositionReports fetches the venue's current position snapshots.
	PositionReports(ctx context.Context) ([]PositionReport, error)
}

// OrderQuery identifies one order for a targeted status query. Either id
// may be empty, not both.
type OrderQuery struct {
	InstrumentID  model.InstrumentID
	ClientOrderID model.ClientOrderID
	VenueOrderID  model.VenueOrderID
}

// OrderStatusReport is the venue-reported truth for one order.
type OrderStatusReport struct {
	ClientOrderID model.ClientOrderID
	VenueOrderID  model.VenueOrderID
	InstrumentID  model.InstrumentID
	Side          model.OrderSide
	Type          model.OrderType
	TimeInForce   model.TimeInForce
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPx         decimal.Decimal
	Status        model.OrderStatus
	Reason        string
	TsAccepted    int64
	TsLast        int64
	Fills         []FillReport
}

// FillReport is one venue-reported execution.
type FillReport struct {
	TradeID      model.TradeID
	VenueOrderID model.VenueOrderID
	InstrumentID model.InstrumentID
	Side         model.OrderSide
	LastQty      decimal.Decimal
	LastPx       decimal.Decimal
	Commission   decimal.Decimal
	TsEvent      int64
}

// PositionReport is a venue-reported position snapshot.
type PositionReport struct {
	InstrumentID model.InstrumentID
	PositionID   model.PositionID
	// Quantity is signed: positive long, negative short.
	Quantity decimal.Decimal
	TsLast   int64
}
