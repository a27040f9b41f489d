package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"go.uber.org/zap"

	"tradecore/internal/model"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrDuplicateEvent    = errors.New("event already applied")
	ErrUnknownOrder      = errors.New("order not found")
	ErrDuplicatePosition = errors.New("position already exists")
)

// Config controls cache behavior.
type Config struct {
	// FlushInterval batches write-through flushes. Zero flushes on every
	// mutation (still best-effort).
	FlushInterval time.Duration
}

// Cache is the authoritative in-memory store of instruments, orders,
// positions, and accounts for one trading session. It is the single
// source of truth read by strategies; venue state is reconciled into it.
// All mutations are atomic with respect to a single logical update.
type Cache struct {
	mu  sync.RWMutex
	log *zap.Logger
	cfg Config

	store   Store
	pending []Entry

	orders     map[model.ClientOrderID]*model.Order
	venueIndex map[model.VenueOrderID]model.ClientOrderID
	open       map[model.InstrumentID]map[model.ClientOrderID]struct{}

	positions map[model.PositionID]*model.Position
	posIndex  map[model.InstrumentID]model.PositionID

	accounts    map[model.AccountID]*model.Account
	instruments map[model.InstrumentID]*model.Instrument

	// fills retains applied fill events per instrument so positions can be
	// rebuilt in fill-time order after reconciliation.
	fills map[model.InstrumentID][]model.OrderEvent

	applied map[string]struct{}
}

// New creates an empty cache. A nil store disables persistence.
func New(log *zap.Logger, store Store, cfg Config) *Cache {
	if store == nil {
		store = NopStore{}
	}
	return &Cache{
		log:         log,
		cfg:         cfg,
		store:       store,
		orders:      make(map[model.ClientOrderID]*model.Order),
		venueIndex:  make(map[model.VenueOrderID]model.ClientOrderID),
		open:        make(map[model.InstrumentID]map[model.ClientOrderID]struct{}),
		positions:   make(map[model.PositionID]*model.Position),
		posIndex:    make(map[model.InstrumentID]model.PositionID),
		accounts:    make(map[model.AccountID]*model.Account),
		instruments: make(map[model.InstrumentID]*model.Instrument),
		fills:       make(map[model.InstrumentID][]model.OrderEvent),
		applied:     make(map[string]struct{}),
	}
}

// AddOrder registers a freshly initialized order.
func (c *Cache) AddOrder(o *model.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.orders[o.ClientOrderID]; ok {
		return errors.Wrap(ErrDuplicateOrder, string(o.ClientOrderID))
	}
	cp := *o
	c.orders[o.ClientOrderID] = &cp
	c.reindexLocked(&cp)
	c.writeThroughOrderLocked(&cp)
	return nil
}

// UpdateOrder applies one order event. Replays (same dedup key) are
// rejected with ErrDuplicateEvent; unknown orders with ErrUnknownOrder;
// transitions outside the table with model.ErrInvalidTransition. Fills
// additionally update the instrument's position.
func (c *Cache) UpdateOrder(ev model.OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.EventID != "" {
		if _, dup := c.applied[ev.DedupKey()]; dup {
			return errors.Wrap(ErrDuplicateEvent, ev.EventID)
		}
	}

	o, ok := c.lookupLocked(ev.ClientOrderID, ev.VenueOrderID)
	if !ok {
		return errors.Wrap(ErrUnknownOrder, string(ev.ClientOrderID))
	}

	if err := o.Apply(ev); err != nil {
		return err
	}

	if ev.EventID != "" {
		c.applied[ev.DedupKey()] = struct{}{}
	}
	if o.VenueOrderID != "" {
		c.venueIndex[o.VenueOrderID] = o.ClientOrderID
	}
	c.reindexLocked(o)

	if ev.Kind == model.OrderEventFilled {
		fill := ev
		if fill.FillSide == model.OrderSideUnknown {
			fill.FillSide = o.Side
		}
		if fill.InstrumentID.IsZero() {
			fill.InstrumentID = o.InstrumentID
		}
		c.fills[o.InstrumentID] = append(c.fills[o.InstrumentID], fill)
		c.applyFillLocked(o, fill)
	}

	c.writeThroughOrderLocked(o)
	return nil
}

func (c *Cache) lookupLocked(cid model.ClientOrderID, vid model.VenueOrderID) (*model.Order, bool) {
	if cid != "" {
		if o, ok := c.orders[cid]; ok {
			return o, true
		}
	}
	if vid != "" {
		if mapped, ok := c.venueIndex[vid]; ok {
			if o, ok := c.orders[mapped]; ok {
				return o, true
			}
		}
	}
	return nil, false
}

func (c *Cache) reindexLocked(o *model.Order) {
	set, ok := c.open[o.InstrumentID]
	if o.IsOpen() || o.Status == model.OrderStatusSubmitted {
		if !ok {
			set = make(map[model.ClientOrderID]struct{})
			c.open[o.InstrumentID] = set
		}
		set[o.ClientOrderID] = struct{}{}
		return
	}
	if ok {
		delete(set, o.ClientOrderID)
		if len(set) == 0 {
			delete(c.open, o.InstrumentID)
		}
	}
}

func (c *Cache) applyFillLocked(o *model.Order, fill model.OrderEvent) {
	id := fill.PositionID
	if id == "" {
		if mapped, ok := c.posIndex[o.InstrumentID]; ok {
			id = mapped
		} else {
			id = model.PositionID(o.InstrumentID.String())
		}
	}
	p, ok := c.positions[id]
	if !ok {
		p = model.NewPosition(id, o.InstrumentID, o.AccountID, fill.TsEvent)
		c.positions[id] = p
		c.posIndex[o.InstrumentID] = id
	}
	p.ApplyFill(fill)
	c.writeThroughPositionLocked(p)
}

// Order returns a copy of the order, reporting whether it exists.
func (c *Cache) Order(id model.ClientOrderID) (model.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// OrderForVenueID resolves a venue order id to the order, if known.
func (c *Cache) OrderForVenueID(id model.VenueOrderID) (model.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.lookupLocked("", id)
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// Orders returns copies of all cached orders.
func (c *Cache) Orders() []model.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, *o)
	}
	return out
}

// OrdersOpen returns open orders, optionally filtered by instrument.
func (c *Cache) OrdersOpen(instrumentID *model.InstrumentID) []model.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []model.Order
	appendSet := func(set map[model.ClientOrderID]struct{}) {
		for cid := range set {
			if o, ok := c.orders[cid]; ok {
				out = append(out, *o)
			}
		}
	}
	if instrumentID != nil {
		appendSet(c.open[*instrumentID])
	} else {
		for _, set := range c.open {
			appendSet(set)
		}
	}
	return out
}

// AddPosition registers a position, typically from a reconciled snapshot.
func (c *Cache) AddPosition(p *model.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.positions[p.ID]; ok {
		return errors.Wrap(ErrDuplicatePosition, string(p.ID))
	}
	cp := *p
	c.positions[p.ID] = &cp
	c.posIndex[p.InstrumentID] = p.ID
	c.writeThroughPositionLocked(&cp)
	return nil
}

// Position returns a copy of the position for the key, if present.
func (c *Cache) Position(id model.PositionID) (model.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.positions[id]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// PositionForInstrument returns the netted position for an instrument.
func (c *Cache) PositionForInstrument(id model.InstrumentID) (model.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pid, ok := c.posIndex[id]
	if !ok {
		return model.Position{}, false
	}
	p, ok := c.positions[pid]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Positions returns copies of all cached positions.
func (c *Cache) Positions() []model.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	return out
}

// Fills returns the applied fill events for an instrument, sorted by
// venue fill time.
func (c *Cache) Fills(id model.InstrumentID) []model.OrderEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := append([]model.OrderEvent(nil), c.fills[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TsEvent < out[j].TsEvent })
	return out
}

// RebuildPosition replays all fills for an instrument in fill-time order
// and replaces the derived position. The result is independent of the
// order the fills originally arrived in.
func (c *Cache) RebuildPosition(id model.InstrumentID) model.Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	fills := append([]model.OrderEvent(nil), c.fills[id]...)
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].TsEvent < fills[j].TsEvent })

	pid, ok := c.posIndex[id]
	if !ok {
		pid = model.PositionID(id.String())
		c.posIndex[id] = pid
	}
	var accountID model.AccountID
	var tsOpened int64
	if len(fills) > 0 {
		tsOpened = fills[0].TsEvent
		if o, ok := c.lookupLocked(fills[0].ClientOrderID, fills[0].VenueOrderID); ok {
			accountID = o.AccountID
		}
	}
	p := model.NewPosition(pid, id, accountID, tsOpened)
	for _, f := range fills {
		p.ApplyFill(f)
	}
	c.positions[pid] = p
	c.writeThroughPositionLocked(p)
	return *p
}

// ApplyAccountState folds a venue account snapshot into the account.
func (c *Cache) ApplyAccountState(state model.AccountState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.accounts[state.AccountID]
	if !ok {
		a = model.NewAccount(state.AccountID, state.Venue, state.AccountType)
		c.accounts[state.AccountID] = a
	}
	a.Apply(state)
	c.writeThroughAccountLocked(a, state)
}

// Account returns the account, if known. The returned value is shared and
// must be treated as read-only.
func (c *Cache) Account(id model.AccountID) (*model.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.accounts[id]
	return a, ok
}

// AccountForVenue returns the first account registered for a venue.
func (c *Cache) AccountForVenue(venue model.Venue) (*model.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, a := range c.accounts {
		if a.Venue == venue {
			return a, true
		}
	}
	return nil, false
}

// AddInstrument registers or replaces an instrument definition.
func (c *Cache) AddInstrument(ins *model.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *ins
	c.instruments[ins.ID] = &cp
	if payload, err := json.Marshal(&cp); err == nil {
		c.stageLocked(Entry{Kind: EntryInstrument, Key: cp.ID.String(), Payload: payload})
	}
}

// Instrument returns the instrument definition, if known.
func (c *Cache) Instrument(id model.InstrumentID) (model.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ins, ok := c.instruments[id]
	if !ok {
		return model.Instrument{}, false
	}
	return *ins, true
}

// Instruments returns all known instrument ids.
func (c *Cache) Instruments() []model.InstrumentID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.InstrumentID, 0, len(c.instruments))
	for id := range c.instruments {
		out = append(out, id)
	}
	return out
}
