package data

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"go.uber.org/zap"

	"tradecore/internal/bus"
	"tradecore/internal/model"
)

var (
	ErrNoClient  = errors.New("no data client registered for venue")
	ErrNotSubbed = errors.New("not subscribed")
)

// Kind selects a market data stream flavor.
type Kind uint16

const (
	KindQuote Kind = iota
	KindTrade
	KindBar
	KindBook
)

func (k Kind) String() string {
	switch k {
	case KindQuote:
		return "quotes"
	case KindTrade:
		return "trades"
	case KindBar:
		return "bars"
	case KindBook:
		return "book"
	default:
		return "unknown"
	}
}

// Subscription identifies one stream: an instrument and a kind.
type Subscription struct {
	InstrumentID model.InstrumentID
	Kind         Kind
}

// Topic is the canonical bus topic the engine republishes a stream on.
func Topic(kind Kind, id model.InstrumentID) string {
	return "data." + kind.String() + "." + id.String()
}

// InboundTopic is where a venue data client publishes its events.
func InboundTopic(v model.Venue) string { return "md." + string(v) }

// Client is the market data capability a venue adapter must provide.
// Events are published onto the bus under InboundTopic(venue); the engine
// normalizes and republishes them on canonical topics.
type Client interface {
	Venue() model.Venue
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, sub Subscription) error
	Unsubscribe(ctx context.Context, sub Subscription) error
}

// Config controls data engine behavior.
type Config struct {
	QueueCapacity int
}

// Engine normalizes venue market data into canonical events and manages
// reference-counted stream subscriptions: duplicate subscribes are
// idempotent beyond the count, and the last unsubscribe releases the
// underlying venue stream.
type Engine struct {
	log *zap.Logger
	bus *bus.Bus

	mu      sync.Mutex
	clients map[model.Venue]Client
	refs    map[Subscription]int

	queue *bus.Queue
	unsub []func()
	wg    sync.WaitGroup

	now func() int64
}

// NewEngine creates a data engine.
func NewEngine(log *zap.Logger, cfg Config, b *bus.Bus) *Engine {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 4096
	}
	return &Engine{
		log:     log,
		bus:     b,
		clients: make(map[model.Venue]Client),
		refs:    make(map[Subscription]int),
		queue:   bus.NewQueue(capacity),
		now:     func() int64 { return time.Now().UTC().UnixNano() },
	}
}

// RegisterClient adds a venue data client.
func (e *Engine) RegisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[c.Venue()] = c
}

// Clients returns the registered clients.
func (e *Engine) Clients() []Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Client, 0, len(e.clients))
	for _, c := range e.clients {
		out = append(out, c)
	}
	return out
}

// Subscribe adds a reference to the stream, subscribing at the venue on
// the first reference only.
func (e *Engine) Subscribe(ctx context.Context, sub Subscription) error {
	e.mu.Lock()
	client, ok := e.clients[sub.InstrumentID.Venue]
	if !ok {
		e.mu.Unlock()
		return errors.Wrap(ErrNoClient, string(sub.InstrumentID.Venue))
	}
	e.refs[sub]++
	first := e.refs[sub] == 1
	e.mu.Unlock()

	if !first {
		return nil
	}
	if err := client.Subscribe(ctx, sub); err != nil {
		e.mu.Lock()
		e.refs[sub]--
		if e.refs[sub] <= 0 {
			delete(e.refs, sub)
		}
		e.mu.Unlock()
		return errors.Wrap(err, "venue subscribe")
	}
	e.log.Info("stream subscribed",
		zap.String("instrument", sub.InstrumentID.String()),
		zap.String("kind", sub.Kind.String()))
	return nil
}

// Unsubscribe drops a reference, releasing the venue stream when the last
// reference goes away.
func (e *Engine) Unsubscribe(ctx context.Context, sub Subscription) error {
	e.mu.Lock()
	n, ok := e.refs[sub]
	if !ok {
		e.mu.Unlock()
		return errors.Wrap(ErrNotSubbed, sub.InstrumentID.String())
	}
	n--
	if n > 0 {
		e.refs[sub] = n
		e.mu.Unlock()
		return nil
	}
	delete(e.refs, sub)
	client := e.clients[sub.InstrumentID.Venue]
	e.mu.Unlock()

	if client != nil {
		if err := client.Unsubscribe(ctx, sub); err != nil {
			return errors.Wrap(err, "venue unsubscribe")
		}
	}
	e.log.Info("stream released",
		zap.String("instrument", sub.InstrumentID.String()),
		zap.String("kind", sub.Kind.String()))
	return nil
}

// RefCount returns the current reference count for a stream.
func (e *Engine) RefCount(sub Subscription) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs[sub]
}

// Start consumes inbound venue data until the context is done.
func (e *Engine) Start(ctx context.Context) {
	e.unsub = append(e.unsub, e.bus.Subscribe("md.*", func(ev bus.Event) {
		if err := e.queue.TryPublish(ev); err != nil {
			e.log.Warn("market data dropped", zap.String("topic", ev.Topic), zap.Error(err))
		}
	}))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.queue.Run(ctx, e.normalize)
	}()
}

// Stop unsubscribes and drains.
func (e *Engine) Stop(ctx context.Context) {
	for _, u := range e.unsub {
		u()
	}
	e.unsub = nil
	e.queue.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("data engine stop timed out")
	}
}

// normalize stamps the local receipt timestamp and republishes the event
// on its canonical topic. The venue timestamp is kept as-is; the two may
// diverge and downstream consumers choose which they need.
func (e *Engine) normalize(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case model.QuoteTick:
		if p.TsInit == 0 {
			p.TsInit = e.now()
		}
		e.bus.Publish(Topic(KindQuote, p.InstrumentID), p)
	case model.TradeTick:
		if p.TsInit == 0 {
			p.TsInit = e.now()
		}
		e.bus.Publish(Topic(KindTrade, p.InstrumentID), p)
	case model.Bar:
		if p.TsInit == 0 {
			p.TsInit = e.now()
		}
		e.bus.Publish(Topic(KindBar, p.InstrumentID), p)
	case model.OrderBookDelta:
		if p.TsInit == 0 {
			p.TsInit = e.now()
		}
		e.bus.Publish(Topic(KindBook, p.InstrumentID), p)
	default:
		e.log.Warn("unrecognized market data payload", zap.String("topic", ev.Topic))
	}
}
