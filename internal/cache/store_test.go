package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/model"
)

func newBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreFlushAndLoad(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	batch := []Entry{
		{Kind: EntryOrder, Key: "O-1", Payload: []byte(`{"a":1}`)},
		{Kind: EntryPosition, Key: "P-1", Payload: []byte(`{"b":2}`)},
		{Kind: EntryOrder, Key: "O-1", Payload: []byte(`{"a":3}`)},
	}
	if err := s.Flush(ctx, batch); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}
	byKey := make(map[string]Entry)
	for _, e := range entries {
		byKey[string(e.Kind)+"/"+e.Key] = e
	}
	// Later writes for the same key win.
	if string(byKey["order/O-1"].Payload) != `{"a":3}` {
		t.Fatalf("order payload: %s", byKey["order/O-1"].Payload)
	}
	if string(byKey["position/P-1"].Payload) != `{"b":2}` {
		t.Fatalf("position payload: %s", byKey["position/P-1"].Payload)
	}
}

func TestCacheWarmsFromStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")
	ctx := context.Background()

	// First session: mutate and flush.
	s1, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	c1 := New(zap.NewNop(), s1, Config{FlushInterval: time.Hour})
	seedOrder(t, c1, "O-1", "2")
	if err := c1.UpdateOrder(orderEv(model.OrderEventSubmitted, "O-1", "ev-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	acc := orderEv(model.OrderEventAccepted, "O-1", "ev-2")
	acc.VenueOrderID = "V-1"
	if err := c1.UpdateOrder(acc); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := c1.UpdateOrder(fill("O-1", "ev-3", "1", "100", 3)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	c1.ApplyAccountState(model.AccountState{
		EventID:   "as-1",
		AccountID: "ACC-1",
		Venue:     "SIM",
		Balances: []model.Balance{
			{Currency: "USDT", Total: decimal.New(1000, 0), Free: decimal.New(1000, 0)},
		},
		TsEvent: 4,
	})
	c1.AddInstrument(&model.Instrument{ID: btc(), PricePrecision: 2})
	c1.FlushNow(ctx)
	if err := s1.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Second session: warm from the same file.
	s2, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()
	c2 := New(zap.NewNop(), s2, Config{FlushInterval: time.Hour})
	if err := c2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	o, ok := c2.Order("O-1")
	if !ok {
		t.Fatal("order not restored")
	}
	if o.Status != model.OrderStatusPartiallyFilled {
		t.Fatalf("restored status: %s", o.Status)
	}
	if !o.FilledQty.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("restored filled qty: %s", o.FilledQty)
	}
	if _, ok := c2.OrderForVenueID("V-1"); !ok {
		t.Fatal("venue index not restored")
	}

	p, ok := c2.PositionForInstrument(btc())
	if !ok || !p.Quantity.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("restored position: ok=%v %+v", ok, p)
	}

	a, ok := c2.Account("ACC-1")
	if !ok {
		t.Fatal("account not restored")
	}
	if b, ok := a.Balance("USDT"); !ok || !b.Total.Equal(decimal.New(1000, 0)) {
		t.Fatalf("restored balance: ok=%v %+v", ok, b)
	}

	if _, ok := c2.Instrument(btc()); !ok {
		t.Fatal("instrument not restored")
	}

	// Restored open orders stay queryable.
	id := btc()
	if got := len(c2.OrdersOpen(&id)); got != 1 {
		t.Fatalf("restored open orders: %d", got)
	}
}

func TestLoadSkipsMalformedEntries(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()
	if err := s.Flush(ctx, []Entry{
		{Kind: EntryOrder, Key: "bad", Payload: []byte("{not json")},
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}

	c := New(zap.NewNop(), s, Config{})
	if err := c.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Orders()) != 0 {
		t.Fatal("malformed entry restored")
	}
}
