package trader

import (
	"context"
	"sync"

	"github.com/yanun0323/errors"
	"go.uber.org/zap"

	"tradecore/internal/bus"
	"tradecore/internal/model"
)

var (
	ErrDuplicateStrategy = errors.New("strategy already registered")
	ErrUnknownStrategy   = errors.New("strategy not registered")
	ErrTraderRunning     = errors.New("trader is running")
)

// Strategy is the capability contract user strategies implement. A
// strategy issues commands through the execution engine's command API and
// reads state through the cache query API only; it receives events here.
type Strategy interface {
	ID() model.StrategyID
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	OnReset() error
	OnEvent(ev bus.Event)
}

// Trader hosts zero or more strategies: a registry keyed by strategy id,
// dispatched by iteration, with per-strategy panic isolation. Strategies
// can be added at runtime.
type Trader struct {
	log *zap.Logger
	bus *bus.Bus

	mu         sync.RWMutex
	strategies map[model.StrategyID]Strategy
	order      []model.StrategyID
	running    bool
	unsub      []func()
}

// New creates an empty trader.
func New(log *zap.Logger, b *bus.Bus) *Trader {
	return &Trader{
		log:        log,
		bus:        b,
		strategies: make(map[model.StrategyID]Strategy),
	}
}

// AddStrategy registers a strategy. When the trader is already running the
// strategy is started immediately.
func (t *Trader) AddStrategy(ctx context.Context, s Strategy) error {
	t.mu.Lock()
	if _, dup := t.strategies[s.ID()]; dup {
		t.mu.Unlock()
		return errors.Wrap(ErrDuplicateStrategy, string(s.ID()))
	}
	t.strategies[s.ID()] = s
	t.order = append(t.order, s.ID())
	running := t.running
	t.mu.Unlock()

	if running {
		if err := s.OnStart(ctx); err != nil {
			t.log.Error("strategy start failed",
				zap.String("strategy", string(s.ID())), zap.Error(err))
		}
	}
	return nil
}

// RemoveStrategy stops and unregisters a strategy.
func (t *Trader) RemoveStrategy(ctx context.Context, id model.StrategyID) error {
	t.mu.Lock()
	s, ok := t.strategies[id]
	if !ok {
		t.mu.Unlock()
		return errors.Wrap(ErrUnknownStrategy, string(id))
	}
	delete(t.strategies, id)
	for i, sid := range t.order {
		if sid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	running := t.running
	t.mu.Unlock()

	if running {
		if err := s.OnStop(ctx); err != nil {
			t.log.Error("strategy stop failed",
				zap.String("strategy", string(id)), zap.Error(err))
		}
	}
	return nil
}

// StrategyIDs returns the registered ids in registration order.
func (t *Trader) StrategyIDs() []model.StrategyID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]model.StrategyID(nil), t.order...)
}

// Start subscribes to data and execution events and starts every
// registered strategy. A failing strategy is logged and skipped; it does
// not prevent the others from starting.
func (t *Trader) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	t.unsub = append(t.unsub,
		t.bus.Subscribe("data.*", t.dispatch),
		t.bus.Subscribe("events.*", t.dispatch),
	)

	for _, s := range t.snapshot() {
		if err := s.OnStart(ctx); err != nil {
			t.log.Error("strategy start failed",
				zap.String("strategy", string(s.ID())), zap.Error(err))
		}
	}
	t.log.Info("trader started", zap.Int("strategies", len(t.order)))
}

// Stop stops every strategy and unsubscribes from the bus.
func (t *Trader) Stop(ctx context.Context) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	for _, u := range t.unsub {
		u()
	}
	t.unsub = nil

	for _, s := range t.snapshot() {
		if err := s.OnStop(ctx); err != nil {
			t.log.Error("strategy stop failed",
				zap.String("strategy", string(s.ID())), zap.Error(err))
		}
	}
	t.log.Info("trader stopped")
}

// Reset resets every strategy. Only legal while stopped.
func (t *Trader) Reset() error {
	t.mu.RLock()
	if t.running {
		t.mu.RUnlock()
		return ErrTraderRunning
	}
	t.mu.RUnlock()

	for _, s := range t.snapshot() {
		if err := s.OnReset(); err != nil {
			t.log.Error("strategy reset failed",
				zap.String("strategy", string(s.ID())), zap.Error(err))
		}
	}
	return nil
}

func (t *Trader) snapshot() []Strategy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Strategy, 0, len(t.order))
	for _, id := range t.order {
		if s, ok := t.strategies[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// dispatch fans one event out to every strategy in registration order. A
// panicking strategy is isolated from the rest.
func (t *Trader) dispatch(ev bus.Event) {
	for _, s := range t.snapshot() {
		t.deliver(s, ev)
	}
}

func (t *Trader) deliver(s Strategy, ev bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("strategy panic",
				zap.String("strategy", string(s.ID())),
				zap.String("topic", ev.Topic),
				zap.Any("panic", r))
		}
	}()
	s.OnEvent(ev)
}
