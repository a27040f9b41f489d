package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/model"
)

// Config defines pre-trade risk limits. Zero limits are disabled.
type Config struct {
	KillSwitch           bool            `yaml:"kill_switch"`
	MaxOrderQty          decimal.Decimal `yaml:"max_order_qty"`
	MaxOrderNotional     decimal.Decimal `yaml:"max_order_notional"`
	MaxPosition          decimal.Decimal `yaml:"max_position"`
	MaxPriceDeviationBps int64           `yaml:"max_price_deviation_bps"`
	OrderRateLimit       int             `yaml:"order_rate_limit"`
	OrderRateWindowSecs  int             `yaml:"order_rate_window_secs"`
}

func (c Config) rateWindow() time.Duration {
	return time.Duration(c.OrderRateWindowSecs) * time.Second
}

// Action is the outcome of a risk evaluation.
type Action uint16

const (
	ActionAllow Action = iota
	ActionDeny
)

// Reason explains a deny.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonRateLimit
	ReasonMaxQty
	ReasonMaxNotional
	ReasonPositionLimit
	ReasonPriceBand
)

func (r Reason) String() string {
	switch r {
	case ReasonKillSwitch:
		return "kill switch engaged"
	case ReasonRateLimit:
		return "order rate limit exceeded"
	case ReasonMaxQty:
		return "max order quantity exceeded"
	case ReasonMaxNotional:
		return "max order notional exceeded"
	case ReasonPositionLimit:
		return "position limit exceeded"
	case ReasonPriceBand:
		return "price outside deviation band"
	default:
		return "none"
	}
}

// Decision is the result of evaluating one order.
type Decision struct {
	Action Action
	Reason Reason
}

// Denied reports whether the order must not go to the venue.
func (d Decision) Denied() bool { return d.Action == ActionDeny }

// View provides the current state the checks run against.
type View struct {
	// Position is the signed net quantity for the order's instrument.
	Position decimal.Decimal
	// ReferencePrice anchors the price band check; zero skips it.
	ReferencePrice decimal.Decimal
	// Now overrides the wall clock for the rate window, for tests.
	Now int64
}

// Engine evaluates pre-trade checks. A deny becomes an OrderDenied event;
// the order never reaches the venue.
type Engine struct {
	cfg Config

	mu              sync.Mutex
	rateWindowStart int64
	rateCount       int
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// admit counts one order against the rate window. Evaluate is called
// from concurrent strategy goroutines, so the window state is guarded.
func (e *Engine) admit(now int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := int64(e.cfg.rateWindow())
	if e.rateWindowStart == 0 || now-e.rateWindowStart >= window {
		e.rateWindowStart = now
		e.rateCount = 0
	}
	e.rateCount++
	return e.rateCount <= e.cfg.OrderRateLimit
}

// Evaluate applies the configured checks to an initialized order.
func (e *Engine) Evaluate(o *model.Order, view View) Decision {
	if e.cfg.KillSwitch {
		return Decision{Action: ActionDeny, Reason: ReasonKillSwitch}
	}

	now := view.Now
	if now == 0 {
		now = time.Now().UTC().UnixNano()
	}
	if e.cfg.OrderRateLimit > 0 && e.cfg.rateWindow() > 0 {
		if !e.admit(now) {
			return Decision{Action: ActionDeny, Reason: ReasonRateLimit}
		}
	}

	if e.cfg.MaxOrderQty.Sign() > 0 && o.Quantity.GreaterThan(e.cfg.MaxOrderQty) {
		return Decision{Action: ActionDeny, Reason: ReasonMaxQty}
	}

	if e.cfg.MaxOrderNotional.Sign() > 0 && o.Price.Sign() > 0 {
		notional := o.Price.Mul(o.Quantity)
		if notional.GreaterThan(e.cfg.MaxOrderNotional) {
			return Decision{Action: ActionDeny, Reason: ReasonMaxNotional}
		}
	}

	if e.cfg.MaxPosition.Sign() > 0 {
		next := view.Position
		switch o.Side {
		case model.OrderSideBuy:
			next = next.Add(o.Quantity)
		case model.OrderSideSell:
			next = next.Sub(o.Quantity)
		}
		if next.Abs().GreaterThan(e.cfg.MaxPosition) {
			return Decision{Action: ActionDeny, Reason: ReasonPositionLimit}
		}
	}

	if e.cfg.MaxPriceDeviationBps > 0 && o.Type == model.OrderTypeLimit &&
		o.Price.Sign() > 0 && view.ReferencePrice.Sign() > 0 {
		diff := o.Price.Sub(view.ReferencePrice).Abs()
		limit := view.ReferencePrice.
			Mul(decimal.NewFromInt(e.cfg.MaxPriceDeviationBps)).
			Div(decimal.NewFromInt(10000))
		if diff.GreaterThan(limit) {
			return Decision{Action: ActionDeny, Reason: ReasonPriceBand}
		}
	}

	return Decision{Action: ActionAllow, Reason: ReasonNone}
}
