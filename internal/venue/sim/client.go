package sim

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"go.uber.org/zap"

	"tradecore/internal/bus"
	"tradecore/internal/data"
	"tradecore/internal/execution"
	"tradecore/internal/model"
)

var (
	ErrDisconnected = errors.New("sim venue disconnected")
	ErrOrderUnknown = errors.New("sim venue: order not found")
)

// Config controls the simulated venue.
type Config struct {
	Venue     model.Venue
	AccountID model.AccountID
	// RejectAll makes every submit come back rejected, for failure tests.
	RejectAll bool
}

// Client is an in-process venue implementing both the execution and data
// capability contracts. Market orders fill against the last fed quote;
// limit orders rest and fill when a fed quote crosses them. It keeps its
// own venue-side book so reconciliation can query it as ground truth.
type Client struct {
	cfg Config
	log *zap.Logger
	bus *bus.Bus

	mu        sync.Mutex
	connected bool
	seq       uint64
	orders    map[model.VenueOrderID]*simOrder
	byClient  map[model.ClientOrderID]model.VenueOrderID
	last      map[model.InstrumentID]model.QuoteTick
	subs      map[data.Subscription]struct{}
	positions map[model.InstrumentID]decimal.Decimal

	now func() int64
}

type simOrder struct {
	report execution.OrderStatusReport
}

// New creates a simulated venue client.
func New(log *zap.Logger, b *bus.Bus, cfg Config) *Client {
	if cfg.Venue == "" {
		cfg.Venue = "SIM"
	}
	if cfg.AccountID == "" {
		cfg.AccountID = model.AccountID(string(cfg.Venue) + "-001")
	}
	return &Client{
		cfg:       cfg,
		log:       log,
		bus:       b,
		orders:    make(map[model.VenueOrderID]*simOrder),
		byClient:  make(map[model.ClientOrderID]model.VenueOrderID),
		last:      make(map[model.InstrumentID]model.QuoteTick),
		subs:      make(map[data.Subscription]struct{}),
		positions: make(map[model.InstrumentID]decimal.Decimal),
		now:       func() int64 { return time.Now().UTC().UnixNano() },
	}
}

func (c *Client) Venue() model.Venue { return c.cfg.Venue }

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Client) nextID(prefix string) string {
	c.seq++
	return prefix + "-" + strconv.FormatUint(c.seq, 10)
}

// SubmitOrder accepts (or rejects) the order and fills market orders
// against the last quote immediately.
func (c *Client) SubmitOrder(_ context.Context, cmd execution.SubmitOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	now := c.now()

	if c.cfg.RejectAll {
		c.publishOrder(model.OrderEvent{
			Kind:          model.OrderEventRejected,
			EventID:       c.nextID("ev"),
			ClientOrderID: cmd.ClientOrderID,
			InstrumentID:  cmd.InstrumentID,
			Reason:        "rejected by venue",
			TsEvent:       now,
		})
		return nil
	}

	venueOrderID := model.VenueOrderID(c.nextID("SIM"))
	o := &simOrder{report: execution.OrderStatusReport{
		ClientOrderID: cmd.ClientOrderID,
		VenueOrderID:  venueOrderID,
		InstrumentID:  cmd.InstrumentID,
		Side:          cmd.Side,
		Type:          cmd.Type,
		TimeInForce:   cmd.TimeInForce,
		Price:         cmd.Price,
		Quantity:      cmd.Quantity,
		Status:        model.OrderStatusAccepted,
		TsAccepted:    now,
		TsLast:        now,
	}}
	c.orders[venueOrderID] = o
	c.byClient[cmd.ClientOrderID] = venueOrderID

	c.publishOrder(model.OrderEvent{
		Kind:          model.OrderEventAccepted,
		EventID:       c.nextID("ev"),
		ClientOrderID: cmd.ClientOrderID,
		VenueOrderID:  venueOrderID,
		InstrumentID:  cmd.InstrumentID,
		TsEvent:       now,
	})

	if cmd.Type == model.OrderTypeMarket {
		px := c.marketPxLocked(cmd.InstrumentID, cmd.Side)
		if px.IsZero() {
			px = cmd.Price
		}
		c.fillLocked(o, o.report.Quantity, px)
	} else if quote, ok := c.last[cmd.InstrumentID]; ok {
		c.maybeFillLocked(o, quote)
	}
	return nil
}

// ModifyOrder amends a working order's price/quantity.
func (c *Client) ModifyOrder(_ context.Context, cmd execution.ModifyOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	o, err := c.lookupLocked(cmd.ClientOrderID, cmd.VenueOrderID)
	if err != nil {
		return err
	}
	if !cmd.Quantity.IsZero() {
		o.report.Quantity = cmd.Quantity
	}
	if !cmd.Price.IsZero() {
		o.report.Price = cmd.Price
	}
	o.report.TsLast = c.now()

	c.publishOrder(model.OrderEvent{
		Kind:          model.OrderEventUpdated,
		EventID:       c.nextID("ev"),
		ClientOrderID: o.report.ClientOrderID,
		VenueOrderID:  o.report.VenueOrderID,
		InstrumentID:  o.report.InstrumentID,
		Quantity:      o.report.Quantity,
		Price:         o.report.Price,
		TsEvent:       o.report.TsLast,
	})
	return nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(_ context.Context, cmd execution.CancelOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	o, err := c.lookupLocked(cmd.ClientOrderID, cmd.VenueOrderID)
	if err != nil {
		return err
	}
	if o.report.Status.IsTerminal() {
		return nil
	}
	o.report.Status = model.OrderStatusCanceled
	o.report.TsLast = c.now()

	c.publishOrder(model.OrderEvent{
		Kind:          model.OrderEventCanceled,
		EventID:       c.nextID("ev"),
		ClientOrderID: o.report.ClientOrderID,
		VenueOrderID:  o.report.VenueOrderID,
		InstrumentID:  o.report.InstrumentID,
		TsEvent:       o.report.TsLast,
	})
	return nil
}

// OrderStatusReport returns the venue's view of one order.
func (c *Client) OrderStatusReport(_ context.Context, q execution.OrderQuery) (execution.OrderStatusReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, err := c.lookupLocked(q.ClientOrderID, q.VenueOrderID)
	if err != nil {
		return execution.OrderStatusReport{}, err
	}
	return o.report, nil
}

// OrderStatusReports returns the venue's order history for the window.
func (c *Client) OrderStatusReports(_ context.Context, lookback time.Duration) ([]execution.OrderStatusReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now() - int64(lookback)
	out := make([]execution.OrderStatusReport, 0, len(c.orders))
	for _, o := range c.orders {
		if lookback > 0 && o.report.TsLast < cutoff {
			continue
		}
		out = append(out, o.report)
	}
	return out, nil
}

// PositionReports returns the venue's net position per instrument.
func (c *Client) PositionReports(context.Context) ([]execution.PositionReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]execution.PositionReport, 0, len(c.positions))
	for id, qty := range c.positions {
		out = append(out, execution.PositionReport{
			InstrumentID: id,
			PositionID:   model.PositionID(id.String()),
			Quantity:     qty,
			TsLast:       c.now(),
		})
	}
	return out, nil
}

// Subscribe registers interest in a stream.
func (c *Client) Subscribe(_ context.Context, sub data.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrDisconnected
	}
	c.subs[sub] = struct{}{}
	return nil
}

// Unsubscribe releases a stream.
func (c *Client) Unsubscribe(_ context.Context, sub data.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
	return nil
}

// Subscribed reports whether the venue stream is active.
func (c *Client) Subscribed(sub data.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sub]
	return ok
}

// FeedQuote injects a quote: it is delivered to subscribed data streams
// and drives resting limit orders.
func (c *Client) FeedQuote(q model.QuoteTick) {
	c.mu.Lock()
	c.last[q.InstrumentID] = q
	for _, o := range c.orders {
		if o.report.InstrumentID == q.InstrumentID {
			c.maybeFillLocked(o, q)
		}
	}
	subscribed := false
	if _, ok := c.subs[data.Subscription{InstrumentID: q.InstrumentID, Kind: data.KindQuote}]; ok {
		subscribed = true
	}
	c.mu.Unlock()

	if subscribed {
		c.bus.Publish(data.InboundTopic(c.cfg.Venue), q)
	}
}

func (c *Client) lookupLocked(cid model.ClientOrderID, vid model.VenueOrderID) (*simOrder, error) {
	if vid == "" {
		vid = c.byClient[cid]
	}
	o, ok := c.orders[vid]
	if !ok {
		return nil, errors.Wrap(ErrOrderUnknown, string(cid))
	}
	return o, nil
}

func (c *Client) marketPxLocked(id model.InstrumentID, side model.OrderSide) decimal.Decimal {
	q, ok := c.last[id]
	if !ok {
		return decimal.Zero
	}
	if side == model.OrderSideBuy {
		return q.AskPrice
	}
	return q.BidPrice
}

// maybeFillLocked fills a resting limit order when the quote crosses it.
func (c *Client) maybeFillLocked(o *simOrder, q model.QuoteTick) {
	r := &o.report
	if r.Status.IsTerminal() || r.Type != model.OrderTypeLimit {
		return
	}
	switch r.Side {
	case model.OrderSideBuy:
		if q.AskPrice.Sign() > 0 && q.AskPrice.LessThanOrEqual(r.Price) {
			c.fillLocked(o, r.Quantity.Sub(r.FilledQty), q.AskPrice)
		}
	case model.OrderSideSell:
		if q.BidPrice.Sign() > 0 && q.BidPrice.GreaterThanOrEqual(r.Price) {
			c.fillLocked(o, r.Quantity.Sub(r.FilledQty), q.BidPrice)
		}
	}
}

func (c *Client) fillLocked(o *simOrder, qty, px decimal.Decimal) {
	if qty.Sign() <= 0 {
		return
	}
	r := &o.report
	now := c.now()
	tradeID := model.TradeID(c.nextID("T"))

	r.FilledQty = r.FilledQty.Add(qty)
	r.AvgPx = px
	r.TsLast = now
	if r.FilledQty.GreaterThanOrEqual(r.Quantity) {
		r.Status = model.OrderStatusFilled
	} else {
		r.Status = model.OrderStatusPartiallyFilled
	}
	r.Fills = append(r.Fills, execution.FillReport{
		TradeID:      tradeID,
		VenueOrderID: r.VenueOrderID,
		InstrumentID: r.InstrumentID,
		Side:         r.Side,
		LastQty:      qty,
		LastPx:       px,
		TsEvent:      now,
	})

	signed := qty
	if r.Side == model.OrderSideSell {
		signed = signed.Neg()
	}
	c.positions[r.InstrumentID] = c.positions[r.InstrumentID].Add(signed)

	c.publishOrder(model.OrderEvent{
		Kind:          model.OrderEventFilled,
		EventID:       "trade-" + string(tradeID),
		ClientOrderID: r.ClientOrderID,
		VenueOrderID:  r.VenueOrderID,
		InstrumentID:  r.InstrumentID,
		TradeID:       tradeID,
		FillSide:      r.Side,
		LastQty:       qty,
		LastPx:        px,
		TsEvent:       now,
	})
}

func (c *Client) publishOrder(ev model.OrderEvent) {
	c.bus.Publish(execution.OrderTopic(c.cfg.Venue), ev)
}

// PublishAccountState emits an account snapshot for the sim account.
func (c *Client) PublishAccountState(balances []model.Balance) {
	c.bus.Publish(execution.AccountTopic(c.cfg.Venue), model.AccountState{
		EventID:     c.nextID("acc"),
		AccountID:   c.cfg.AccountID,
		Venue:       c.cfg.Venue,
		AccountType: model.AccountTypeMargin,
		Balances:    balances,
		TsEvent:     c.now(),
	})
}
