package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/model"
)

// accountRecord is the persisted shape of an account: the last applied
// snapshot rather than the live aggregate.
type accountRecord struct {
	ID          model.AccountID
	Venue       model.Venue
	AccountType model.AccountType
	Balances    []model.Balance
	Margins     []model.MarginBalance
	TsLast      int64
}

func (c *Cache) writeThroughOrderLocked(o *model.Order) {
	payload, err := json.Marshal(o)
	if err != nil {
		c.log.Warn("order write-through marshal failed",
			zap.String("client_order_id", string(o.ClientOrderID)), zap.Error(err))
		return
	}
	c.stageLocked(Entry{Kind: EntryOrder, Key: string(o.ClientOrderID), Payload: payload})
}

func (c *Cache) writeThroughPositionLocked(p *model.Position) {
	payload, err := json.Marshal(p)
	if err != nil {
		c.log.Warn("position write-through marshal failed",
			zap.String("position_id", string(p.ID)), zap.Error(err))
		return
	}
	c.stageLocked(Entry{Kind: EntryPosition, Key: string(p.ID), Payload: payload})
}

func (c *Cache) writeThroughAccountLocked(a *model.Account, state model.AccountState) {
	rec := accountRecord{
		ID:          a.ID,
		Venue:       a.Venue,
		AccountType: a.AccountType,
		Balances:    state.Balances,
		Margins:     state.Margins,
		TsLast:      a.TsLast,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		c.log.Warn("account write-through marshal failed",
			zap.String("account_id", string(a.ID)), zap.Error(err))
		return
	}
	c.stageLocked(Entry{Kind: EntryAccount, Key: string(a.ID), Payload: payload})
}

// stageLocked appends an entry to the pending flush batch. With no flush
// interval configured the batch is handed to the store immediately, in a
// goroutine so a slow store never blocks the in-memory update.
func (c *Cache) stageLocked(e Entry) {
	if _, nop := c.store.(NopStore); nop {
		return
	}
	c.pending = append(c.pending, e)
	if c.cfg.FlushInterval <= 0 {
		batch := c.pending
		c.pending = nil
		go c.flush(context.Background(), batch)
	}
}

func (c *Cache) flush(ctx context.Context, batch []Entry) {
	if len(batch) == 0 {
		return
	}
	if err := c.store.Flush(ctx, batch); err != nil {
		c.log.Warn("cache store flush failed, durability degraded",
			zap.Int("batch", len(batch)), zap.Error(err))
	}
}

// Run drains the pending batch on the configured interval until the
// context is done, then performs a final flush.
func (c *Cache) Run(ctx context.Context) {
	if c.cfg.FlushInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.FlushNow(context.Background())
			return
		case <-ticker.C:
			c.FlushNow(ctx)
		}
	}
}

// FlushNow synchronously flushes the pending batch, best-effort.
func (c *Cache) FlushNow(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.flush(ctx, batch)
}

// Load warms the cache from the store. Malformed entries are logged and
// skipped; a store error leaves the cache empty but usable.
func (c *Cache) Load(ctx context.Context) error {
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		switch e.Kind {
		case EntryOrder:
			var o model.Order
			if err := json.Unmarshal(e.Payload, &o); err != nil {
				c.log.Warn("skipping malformed order entry", zap.String("key", e.Key), zap.Error(err))
				continue
			}
			c.orders[o.ClientOrderID] = &o
			if o.VenueOrderID != "" {
				c.venueIndex[o.VenueOrderID] = o.ClientOrderID
			}
			c.reindexLocked(&o)
		case EntryPosition:
			var p model.Position
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				c.log.Warn("skipping malformed position entry", zap.String("key", e.Key), zap.Error(err))
				continue
			}
			c.positions[p.ID] = &p
			c.posIndex[p.InstrumentID] = p.ID
		case EntryAccount:
			var rec accountRecord
			if err := json.Unmarshal(e.Payload, &rec); err != nil {
				c.log.Warn("skipping malformed account entry", zap.String("key", e.Key), zap.Error(err))
				continue
			}
			a := model.NewAccount(rec.ID, rec.Venue, rec.AccountType)
			a.Apply(model.AccountState{
				AccountID:   rec.ID,
				Venue:       rec.Venue,
				AccountType: rec.AccountType,
				Balances:    rec.Balances,
				Margins:     rec.Margins,
				TsEvent:     rec.TsLast,
			})
			c.accounts[rec.ID] = a
		case EntryInstrument:
			var ins model.Instrument
			if err := json.Unmarshal(e.Payload, &ins); err != nil {
				c.log.Warn("skipping malformed instrument entry", zap.String("key", e.Key), zap.Error(err))
				continue
			}
			c.instruments[ins.ID] = &ins
		}
	}
	c.log.Info("cache warmed from store", zap.Int("entries", len(entries)))
	return nil
}
