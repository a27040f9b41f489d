package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tradecore/internal/bus"
	"tradecore/internal/cache"
	"tradecore/internal/model"
	"tradecore/internal/obs"
	"tradecore/internal/risk"
)

var (
	ErrNoClient     = errors.New("no execution client registered for venue")
	ErrUnknownOrder = errors.New("order not found")
)

// Bus topics. Venue clients publish inbound under the exec prefix; the
// engine republishes applied events under the events prefix for strategies.
const (
	TopicInbound         = "exec.*"
	TopicOrderEvents     = "events.orders"
	TopicPositionEvents  = "events.positions"
	TopicAccountEvents   = "events.account"
	TopicCommandFailures = "events.failures"
)

// OrderTopic is the inbound topic a venue client publishes order events on.
func OrderTopic(v model.Venue) string { return "exec." + string(v) + ".order" }

// AccountTopic is the inbound topic for account state snapshots.
func AccountTopic(v model.Venue) string { return "exec." + string(v) + ".account" }

// Config controls engine behavior.
type Config struct {
	Retry         RetryPolicy
	QueueCapacity int
	// ReconEnabled allows targeted reconciliation after invalid
	// transitions and failed commands.
	ReconEnabled bool
	// ReconLookback is the order history window fetched from venues.
	ReconLookback time.Duration
	// ReconTimeout bounds a single reconciliation attempt.
	ReconTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.ReconLookback <= 0 {
		c.ReconLookback = 24 * time.Hour
	}
	if c.ReconTimeout <= 0 {
		c.ReconTimeout = 10 * time.Second
	}
	return c
}

// Engine routes trading commands to venue clients and applies venue
// events to the cache. Venue workers publish concurrently; a single
// consumer path drains the queue so cache mutation is serialized in
// arrival order without a global lock around strategy reads.
type Engine struct {
	log  *zap.Logger
	cfg  Config
	c    *cache.Cache
	bus  *bus.Bus
	risk *risk.Engine

	mu       sync.RWMutex
	clients  map[model.Venue]Client
	limiters map[model.Venue]*rate.Limiter

	queue    *bus.Queue
	metrics  *obs.Metrics
	degraded atomic.Bool
	unsub    []func()
	wg       sync.WaitGroup

	now func() int64
}

// NewEngine creates an execution engine. A nil risk engine disables
// pre-trade checks.
func NewEngine(log *zap.Logger, cfg Config, c *cache.Cache, b *bus.Bus, r *risk.Engine) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		log:      log,
		cfg:      cfg,
		c:        c,
		bus:      b,
		risk:     r,
		clients:  make(map[model.Venue]Client),
		limiters: make(map[model.Venue]*rate.Limiter),
		queue:    bus.NewQueue(cfg.QueueCapacity),
		metrics:  obs.NewMetrics(),
		now:      func() int64 { return time.Now().UTC().UnixNano() },
	}
}

// Metrics exposes the engine's counters and latency stats.
func (e *Engine) Metrics() *obs.Metrics { return e.metrics }

// RegisterClient adds a venue client. ratePerSec <= 0 disables outbound
// rate limiting for the venue.
func (e *Engine) RegisterClient(c Client, ratePerSec float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clients[c.Venue()] = c
	if ratePerSec > 0 {
		e.limiters[c.Venue()] = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
}

func (e *Engine) client(v model.Venue) (Client, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clients[v]
	return c, ok
}

// Clients returns the registered clients.
func (e *Engine) Clients() []Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Client, 0, len(e.clients))
	for _, c := range e.clients {
		out = append(out, c)
	}
	return out
}

// Start subscribes to inbound venue events and runs the apply loop until
// the context is done.
func (e *Engine) Start(ctx context.Context) {
	e.unsub = append(e.unsub, e.bus.Subscribe(TopicInbound, func(ev bus.Event) {
		if err := e.queue.TryPublish(ev); err != nil {
			e.metrics.IncQueueDrop()
			e.log.Warn("inbound event dropped",
				zap.String("topic", ev.Topic), zap.Error(err))
		}
	}))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.queue.Run(ctx, e.apply)
	}()
}

// Stop unsubscribes, closes the queue, and waits for in-flight work up to
// the context deadline.
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
		e.log.Warn("engine stop timed out with in-flight work")
	}
}

// Degraded reports whether state is flagged unreconciled.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// SetDegraded flags or clears the unreconciled state.
func (e *Engine) SetDegraded(v bool) {
	if e.degraded.Swap(v) != v {
		e.log.Warn("engine degraded state changed", zap.Bool("degraded", v))
	}
}

// Submit places a new order. It fails fast with ErrNoClient when the
// instrument's venue has no registered client; a risk deny produces a
// terminal DENIED order without touching the venue. Returns the client
// order id assigned to the command.
func (e *Engine) Submit(ctx context.Context, cmd SubmitOrder) (model.ClientOrderID, error) {
	client, ok := e.client(cmd.InstrumentID.Venue)
	if !ok {
		return "", errors.Wrap(ErrNoClient, string(cmd.InstrumentID.Venue))
	}
	if cmd.ClientOrderID == "" {
		cmd.ClientOrderID = model.ClientOrderID("O-" + uuid.NewString())
	}
	if cmd.TsInit == 0 {
		cmd.TsInit = e.now()
	}

	o := model.NewOrder(cmd.ClientOrderID, cmd.StrategyID, cmd.InstrumentID,
		cmd.Side, cmd.Type, cmd.TimeInForce,
		cmd.Quantity, cmd.Price, cmd.TriggerPrice, cmd.TsInit)
	if err := e.c.AddOrder(o); err != nil {
		return "", err
	}

	if e.risk != nil {
		view := risk.View{}
		if p, ok := e.c.PositionForInstrument(cmd.InstrumentID); ok {
			view.Position = p.Quantity
		}
		if d := e.risk.Evaluate(o, view); d.Denied() {
			e.metrics.IncRiskReason(d.Reason)
			e.log.Warn("order denied by risk engine",
				zap.String("client_order_id", string(cmd.ClientOrderID)),
				zap.String("reason", d.Reason.String()))
			e.applyOrderEvent(e.localEvent(model.OrderEventDenied, o, d.Reason.String()))
			return cmd.ClientOrderID, nil
		}
	}

	e.applyOrderEvent(e.localEvent(model.OrderEventSubmitted, o, ""))
	e.dispatch(ctx, cmd.InstrumentID, cmd.ClientOrderID, "submit", func(ctx context.Context) error {
		return client.SubmitOrder(ctx, cmd)
	})
	return cmd.ClientOrderID, nil
}

// Modify amends an open order: the order moves to PENDING_UPDATE locally
// and the request is dispatched to the venue.
func (e *Engine) Modify(ctx context.Context, cmd ModifyOrder) error {
	o, ok := e.c.Order(cmd.ClientOrderID)
	if !ok {
		return errors.Wrap(ErrUnknownOrder, string(cmd.ClientOrderID))
	}
	client, ok := e.client(o.InstrumentID.Venue)
	if !ok {
		return errors.Wrap(ErrNoClient, string(o.InstrumentID.Venue))
	}
	if cmd.TsInit == 0 {
		cmd.TsInit = e.now()
	}
	cmd.VenueOrderID = o.VenueOrderID
	cmd.InstrumentID = o.InstrumentID

	ev := e.localEvent(model.OrderEventPendingUpdate, &o, "")
	if err := e.c.UpdateOrder(ev); err != nil {
		return err
	}
	e.bus.Publish(TopicOrderEvents, ev)

	e.dispatch(ctx, o.InstrumentID, cmd.ClientOrderID, "modify", func(ctx context.Context) error {
		return client.ModifyOrder(ctx, cmd)
	})
	return nil
}

// Cancel requests cancellation: the order moves to PENDING_CANCEL locally
// and the request is dispatched to the venue.
func (e *Engine) Cancel(ctx context.Context, cmd CancelOrder) error {
	o, ok := e.c.Order(cmd.ClientOrderID)
	if !ok {
		return errors.Wrap(ErrUnknownOrder, string(cmd.ClientOrderID))
	}
	client, ok := e.client(o.InstrumentID.Venue)
	if !ok {
		return errors.Wrap(ErrNoClient, string(o.InstrumentID.Venue))
	}
	if cmd.TsInit == 0 {
		cmd.TsInit = e.now()
	}
	cmd.VenueOrderID = o.VenueOrderID
	cmd.InstrumentID = o.InstrumentID

	ev := e.localEvent(model.OrderEventPendingCancel, &o, "")
	if err := e.c.UpdateOrder(ev); err != nil {
		return err
	}
	e.bus.Publish(TopicOrderEvents, ev)

	e.dispatch(ctx, o.InstrumentID, cmd.ClientOrderID, "cancel", func(ctx context.Context) error {
		return client.CancelOrder(ctx, cmd)
	})
	return nil
}

func (e *Engine) localEvent(kind model.OrderEventKind, o *model.Order, reason string) model.OrderEvent {
	now := e.now()
	return model.OrderEvent{
		Kind:          kind,
		EventID:       uuid.NewString(),
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  o.VenueOrderID,
		InstrumentID:  o.InstrumentID,
		StrategyID:    o.StrategyID,
		Reason:        reason,
		TsEvent:       now,
		TsInit:        now,
	}
}

// dispatch delivers a command asynchronously with retry. Exhausted retries
// surface as a CommandFailed event and a targeted reconciliation query,
// never a crash: the order's outcome at the venue is unknown until
// reconciled.
func (e *Engine) dispatch(ctx context.Context, instrumentID model.InstrumentID,
	clientOrderID model.ClientOrderID, op string, fn func(context.Context) error,
) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.withRetry(ctx, instrumentID.Venue, fn); err != nil {
			e.log.Error("command delivery failed",
				zap.String("op", op),
				zap.String("client_order_id", string(clientOrderID)),
				zap.Error(err))
			e.bus.Publish(TopicCommandFailures, CommandFailed{
				ClientOrderID: clientOrderID,
				InstrumentID:  instrumentID,
				Op:            op,
				Reason:        err.Error(),
				TsInit:        e.now(),
			})
			e.requestReconcileOrder(instrumentID, OrderQuery{
				InstrumentID:  instrumentID,
				ClientOrderID: clientOrderID,
			})
		}
	}()
}

// apply is the single consumer path: every inbound venue event mutates the
// cache here, in arrival order.
func (e *Engine) apply(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case model.OrderEvent:
		if p.TsInit == 0 {
			p.TsInit = e.now()
		}
		e.applyOrderEvent(p)
	case model.AccountState:
		if p.TsInit == 0 {
			p.TsInit = e.now()
		}
		e.c.ApplyAccountState(p)
		e.bus.Publish(TopicAccountEvents, p)
	default:
		e.log.Warn("unrecognized inbound payload", zap.String("topic", ev.Topic))
	}
}

func (e *Engine) applyOrderEvent(ev model.OrderEvent) {
	err := e.c.UpdateOrder(ev)
	switch {
	case err == nil:
		e.metrics.ObserveOrderEvent(ev)
		e.bus.Publish(TopicOrderEvents, ev)
		if ev.Kind == model.OrderEventFilled && !ev.InstrumentID.IsZero() {
			if p, ok := e.c.PositionForInstrument(ev.InstrumentID); ok {
				e.bus.Publish(TopicPositionEvents, p)
			}
		}
	case errors.Is(err, cache.ErrDuplicateEvent):
		e.log.Debug("replayed event ignored",
			zap.String("client_order_id", string(ev.ClientOrderID)),
			zap.String("event_id", ev.EventID))
	case errors.Is(err, cache.ErrUnknownOrder), errors.Is(err, model.ErrInvalidTransition):
		e.log.Warn("event not applicable, scheduling targeted reconciliation",
			zap.String("client_order_id", string(ev.ClientOrderID)),
			zap.String("kind", ev.Kind.String()),
			zap.Error(err))
		e.requestReconcileOrder(ev.InstrumentID, OrderQuery{
			InstrumentID:  ev.InstrumentID,
			ClientOrderID: ev.ClientOrderID,
			VenueOrderID:  ev.VenueOrderID,
		})
	default:
		// An overfill or other application failure means the local and
		// venue views diverge; repair from venue truth.
		e.log.Error("event application failed, scheduling targeted reconciliation",
			zap.String("client_order_id", string(ev.ClientOrderID)),
			zap.String("kind", ev.Kind.String()),
			zap.Error(err))
		e.requestReconcileOrder(ev.InstrumentID, OrderQuery{
			InstrumentID:  ev.InstrumentID,
			ClientOrderID: ev.ClientOrderID,
			VenueOrderID:  ev.VenueOrderID,
		})
	}
}

func (e *Engine) requestReconcileOrder(instrumentID model.InstrumentID, q OrderQuery) {
	if !e.cfg.ReconEnabled || instrumentID.IsZero() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ReconTimeout)
		defer cancel()
		if err := e.ReconcileOrder(ctx, instrumentID.Venue, q); err != nil {
			e.log.Warn("targeted reconciliation failed",
				zap.String("client_order_id", string(q.ClientOrderID)),
				zap.Error(err))
		}
	}()
}

// ReconcileLoop runs periodic reconciliation until the context is done.
func (e *Engine) ReconcileLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 || !e.cfg.ReconEnabled {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, e.cfg.ReconTimeout)
			started := time.Now()
			err := e.ReconcileAll(rctx)
			cancel()
			e.metrics.ObserveReconCycle(time.Since(started), err != nil)
			if err != nil {
				e.log.Error("periodic reconciliation failed, previous state remains authoritative",
					zap.Error(err))
				e.SetDegraded(true)
				continue
			}
			e.SetDegraded(false)
		}
	}
}
