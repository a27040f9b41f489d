package data

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"go.uber.org/zap"

	"tradecore/internal/bus"
	"tradecore/internal/model"
)

type fakeDataClient struct {
	mu     sync.Mutex
	venue  model.Venue
	subs   []Subscription
	unsubs []Subscription

	subErr error
}

func (f *fakeDataClient) Venue() model.Venue               { return f.venue }
func (f *fakeDataClient) Connect(context.Context) error    { return nil }
func (f *fakeDataClient) Disconnect(context.Context) error { return nil }

func (f *fakeDataClient) Subscribe(_ context.Context, sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeDataClient) Unsubscribe(_ context.Context, sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, sub)
	return nil
}

func quoteSub() Subscription {
	return Subscription{
		InstrumentID: model.InstrumentID{Symbol: "BTCUSDT", Venue: "SIM"},
		Kind:         KindQuote,
	}
}

func TestSubscribeRefCounts(t *testing.T) {
	b := bus.New(zap.NewNop())
	e := NewEngine(zap.NewNop(), Config{}, b)
	f := &fakeDataClient{venue: "SIM"}
	e.RegisterClient(f)

	ctx := context.Background()
	sub := quoteSub()

	if err := e.Subscribe(ctx, sub); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := e.Subscribe(ctx, sub); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if e.RefCount(sub) != 2 {
		t.Fatalf("refcount: %d", e.RefCount(sub))
	}
	f.mu.Lock()
	venueSubs := len(f.subs)
	f.mu.Unlock()
	if venueSubs != 1 {
		t.Fatalf("venue subscribed %d times", venueSubs)
	}

	if err := e.Unsubscribe(ctx, sub); err != nil {
		t.Fatalf("first unsubscribe: %v", err)
	}
	f.mu.Lock()
	venueUnsubs := len(f.unsubs)
	f.mu.Unlock()
	if venueUnsubs != 0 {
		t.Fatal("venue stream released while references remain")
	}

	if err := e.Unsubscribe(ctx, sub); err != nil {
		t.Fatalf("last unsubscribe: %v", err)
	}
	f.mu.Lock()
	venueUnsubs = len(f.unsubs)
	f.mu.Unlock()
	if venueUnsubs != 1 {
		t.Fatalf("venue unsubscribed %d times", venueUnsubs)
	}
	if e.RefCount(sub) != 0 {
		t.Fatalf("refcount after release: %d", e.RefCount(sub))
	}
}

func TestSubscribeNoClient(t *testing.T) {
	e := NewEngine(zap.NewNop(), Config{}, bus.New(zap.NewNop()))
	if err := e.Subscribe(context.Background(), quoteSub()); !errors.Is(err, ErrNoClient) {
		t.Fatalf("expected ErrNoClient, got %v", err)
	}
}

func TestSubscribeVenueErrorRollsBackRef(t *testing.T) {
	e := NewEngine(zap.NewNop(), Config{}, bus.New(zap.NewNop()))
	f := &fakeDataClient{venue: "SIM", subErr: errors.New("stream unavailable")}
	e.RegisterClient(f)

	sub := quoteSub()
	if err := e.Subscribe(context.Background(), sub); err == nil {
		t.Fatal("expected subscribe error")
	}
	if e.RefCount(sub) != 0 {
		t.Fatalf("refcount after failed subscribe: %d", e.RefCount(sub))
	}
}

func TestUnsubscribeWithoutSubscription(t *testing.T) {
	e := NewEngine(zap.NewNop(), Config{}, bus.New(zap.NewNop()))
	if err := e.Unsubscribe(context.Background(), quoteSub()); !errors.Is(err, ErrNotSubbed) {
		t.Fatalf("expected ErrNotSubbed, got %v", err)
	}
}

func TestNormalizeRepublishesCanonicalTopics(t *testing.T) {
	b := bus.New(zap.NewNop())
	e := NewEngine(zap.NewNop(), Config{}, b)

	id := model.InstrumentID{Symbol: "BTCUSDT", Venue: "SIM"}
	quotes := make(chan model.QuoteTick, 1)
	trades := make(chan model.TradeTick, 1)
	b.Subscribe(Topic(KindQuote, id), func(ev bus.Event) {
		quotes <- ev.Payload.(model.QuoteTick)
	})
	b.Subscribe(Topic(KindTrade, id), func(ev bus.Event) {
		trades <- ev.Payload.(model.TradeTick)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop(context.Background())

	b.Publish(InboundTopic("SIM"), model.QuoteTick{
		InstrumentID: id,
		BidPrice:     decimal.RequireFromString("99"),
		AskPrice:     decimal.RequireFromString("101"),
		TsEvent:      5,
	})
	b.Publish(InboundTopic("SIM"), model.TradeTick{
		InstrumentID: id,
		Price:        decimal.RequireFromString("100"),
		Size:         decimal.RequireFromString("1"),
		TsEvent:      6,
	})

	select {
	case q := <-quotes:
		if q.TsInit == 0 {
			t.Fatal("receipt timestamp not stamped")
		}
		if q.TsEvent != 5 {
			t.Fatalf("venue timestamp rewritten: %d", q.TsEvent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("quote not republished")
	}
	select {
	case <-trades:
	case <-time.After(2 * time.Second):
		t.Fatal("trade not republished")
	}
}
