package node

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"go.uber.org/zap"

	"tradecore/internal/bus"
	"tradecore/internal/cache"
	"tradecore/internal/config"
	"tradecore/internal/data"
	"tradecore/internal/execution"
	"tradecore/internal/model"
	"tradecore/internal/risk"
	"tradecore/internal/trader"
)

// Node is the top-level live process context: it owns the bus, cache,
// engines, and trader, and drives the connection lifecycle across all
// clients with independently bounded phases. It is constructed at startup
// and torn down at disposal; components receive it at construction rather
// than reaching for globals.
type Node struct {
	cfg config.Config
	log *zap.Logger

	bus    *bus.Bus
	cache  *cache.Cache
	store  cache.Store
	exec   *execution.Engine
	data   *data.Engine
	trader *trader.Trader

	rates map[model.Venue]float64
}

// New builds a node from configuration. Configuration errors (bad store
// settings, bad venue entries) are returned and are fatal: the process
// should exit with the diagnostic.
func New(log *zap.Logger, cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Cache)
	if err != nil {
		return nil, errors.Wrap(err, "open cache store")
	}

	b := bus.New(log.Named("bus"))
	c := cache.New(log.Named("cache"), store, cache.Config{
		FlushInterval: cfg.Cache.FlushInterval(),
	})
	riskEngine := risk.NewEngine(cfg.Risk)
	exec := execution.NewEngine(log.Named("exec"), execution.Config{
		Retry: execution.RetryPolicy{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff(),
			MaxBackoff:     cfg.Retry.MaxBackoff(),
		},
		QueueCapacity: cfg.Queue.Capacity,
		ReconEnabled:  cfg.Reconciliation.IsEnabled(),
		ReconLookback: cfg.Reconciliation.Lookback(),
		ReconTimeout:  cfg.Timeouts.Reconciliation(),
	}, c, b, riskEngine)
	dataEngine := data.NewEngine(log.Named("data"), data.Config{
		QueueCapacity: cfg.Queue.Capacity,
	}, b)

	rates := make(map[model.Venue]float64, len(cfg.Venues))
	for _, v := range cfg.Venues {
		rates[v.Venue()] = v.RatePerSec
	}

	return &Node{
		cfg:    cfg,
		log:    log,
		bus:    b,
		cache:  c,
		store:  store,
		exec:   exec,
		data:   dataEngine,
		trader: trader.New(log.Named("trader"), b),
		rates:  rates,
	}, nil
}

func openStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return cache.NopStore{}, nil
	case "bolt":
		return cache.NewBoltStore(cfg.Path)
	case "postgres":
		return cache.NewPgStore(cfg.DSN)
	default:
		return nil, errors.Wrapf(config.ErrInvalidConfig, "unknown cache backend %q", cfg.Backend)
	}
}

// Bus returns the event bus.
func (n *Node) Bus() *bus.Bus { return n.bus }

// Cache returns the state cache.
func (n *Node) Cache() *cache.Cache { return n.cache }

// Execution returns the execution engine.
func (n *Node) Execution() *execution.Engine { return n.exec }

// Data returns the data engine.
func (n *Node) Data() *data.Engine { return n.data }

// Trader returns the strategy host.
func (n *Node) Trader() *trader.Trader { return n.trader }

// RegisterExecutionClient wires a venue execution client, applying the
// venue's configured outbound rate limit.
func (n *Node) RegisterExecutionClient(c execution.Client) {
	n.exec.RegisterClient(c, n.rates[c.Venue()])
}

// RegisterDataClient wires a venue data client.
func (n *Node) RegisterDataClient(c data.Client) {
	n.data.RegisterClient(c)
}

// phase runs fn bounded by its own timeout. Exceeding the bound aborts
// the phase, logs it, and the sequence proceeds; it never hangs startup
// or shutdown.
func (n *Node) phase(parent context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	ctx := parent
	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		n.log.Info("phase complete", zap.String("phase", name), zap.Duration("elapsed", elapsed))
	case errors.Is(err, context.DeadlineExceeded):
		n.log.Warn("phase timed out, proceeding",
			zap.String("phase", name), zap.Duration("timeout", timeout))
	default:
		n.log.Error("phase failed, proceeding",
			zap.String("phase", name), zap.Error(err))
	}
	return err
}

// Run drives the node lifecycle: connect, warm portfolio state, reconcile,
// run until the context is canceled, then disconnect and flush. Only
// configuration errors terminate the process abnormally; every other
// failure degrades and keeps running.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("node starting", zap.String("trader_id", n.cfg.TraderID))

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	n.phase(ctx, "connect", n.cfg.Timeouts.Connection(), n.connectAll)

	go n.cache.Run(runCtx)
	n.exec.Start(runCtx)
	n.data.Start(runCtx)

	n.phase(ctx, "portfolio", n.cfg.Timeouts.Portfolio(), n.cache.Load)

	if n.cfg.Reconciliation.IsEnabled() {
		if err := n.phase(ctx, "reconcile", n.cfg.Timeouts.Reconciliation(), n.exec.ReconcileAll); err != nil {
			n.exec.SetDegraded(true)
			n.log.Warn("running with unreconciled state")
		}
		go n.exec.ReconcileLoop(runCtx, n.cfg.Reconciliation.Interval())
	}

	n.trader.Start(runCtx)
	n.log.Info("node running", zap.Bool("degraded", n.exec.Degraded()))

	<-ctx.Done()
	n.log.Info("shutdown signal received")

	n.shutdown()
	stop()
	return nil
}

func (n *Node) connectAll(ctx context.Context) error {
	var firstErr error
	for _, c := range n.exec.Clients() {
		if err := c.Connect(ctx); err != nil {
			n.log.Error("execution client connect failed",
				zap.String("venue", string(c.Venue())), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, c := range n.data.Clients() {
		if err := c.Connect(ctx); err != nil {
			n.log.Error("data client connect failed",
				zap.String("venue", string(c.Venue())), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *Node) shutdown() {
	background := context.Background()

	n.phase(background, "stop", n.cfg.Timeouts.Disconnection(), func(ctx context.Context) error {
		n.trader.Stop(ctx)
		n.exec.Stop(ctx)
		n.data.Stop(ctx)
		return nil
	})

	n.phase(background, "disconnect", n.cfg.Timeouts.Disconnection(), func(ctx context.Context) error {
		var firstErr error
		for _, c := range n.exec.Clients() {
			if err := c.Disconnect(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, c := range n.data.Clients() {
			if err := c.Disconnect(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	n.phase(background, "post-stop", n.cfg.Timeouts.PostStop(), func(ctx context.Context) error {
		n.cache.FlushNow(ctx)
		return n.store.Close()
	})

	n.log.Info("node disposed")
}
