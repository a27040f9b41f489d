package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func posFill(side OrderSide, qty, px string, ts int64) OrderEvent {
	return OrderEvent{
		Kind:     OrderEventFilled,
		FillSide: side,
		LastQty:  decimal.RequireFromString(qty),
		LastPx:   decimal.RequireFromString(px),
		TsEvent:  ts,
	}
}

func TestPositionOpenAndAverageUp(t *testing.T) {
	p := NewPosition("P-1", testInstrument(), "ACC-1", 1)
	p.ApplyFill(posFill(OrderSideBuy, "1", "100", 2))
	p.ApplyFill(posFill(OrderSideBuy, "1", "110", 3))

	assert.Equal(t, PositionSideLong, p.Side())
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("2")), "qty %s", p.Quantity)
	assert.True(t, p.AvgPxOpen.Equal(decimal.RequireFromString("105")), "avg %s", p.AvgPxOpen)
	assert.True(t, p.RealizedPnL.IsZero(), "pnl %s", p.RealizedPnL)
}

func TestPositionCloseRealizesPnL(t *testing.T) {
	p := NewPosition("P-1", testInstrument(), "ACC-1", 1)
	p.ApplyFill(posFill(OrderSideBuy, "2", "100", 2))
	p.ApplyFill(posFill(OrderSideSell, "2", "110", 3))

	assert.True(t, p.IsFlat())
	assert.True(t, p.RealizedPnL.Equal(decimal.RequireFromString("20")), "pnl %s", p.RealizedPnL)
	assert.True(t, p.AvgPxOpen.IsZero(), "avg reset on flat, got %s", p.AvgPxOpen)
}

func TestPositionShortCloseRealizesPnL(t *testing.T) {
	p := NewPosition("P-1", testInstrument(), "ACC-1", 1)
	p.ApplyFill(posFill(OrderSideSell, "3", "100", 2))
	p.ApplyFill(posFill(OrderSideBuy, "3", "90", 3))

	assert.True(t, p.IsFlat())
	assert.True(t, p.RealizedPnL.Equal(decimal.RequireFromString("30")), "pnl %s", p.RealizedPnL)
}

func TestPositionFlipThroughFlat(t *testing.T) {
	p := NewPosition("P-1", testInstrument(), "ACC-1", 1)
	p.ApplyFill(posFill(OrderSideBuy, "1", "100", 2))
	p.ApplyFill(posFill(OrderSideSell, "3", "110", 3))

	assert.Equal(t, PositionSideShort, p.Side())
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("-2")), "qty %s", p.Quantity)
	// The closed unit realizes 10; the remaining 2 open short at the fill price.
	assert.True(t, p.RealizedPnL.Equal(decimal.RequireFromString("10")), "pnl %s", p.RealizedPnL)
	assert.True(t, p.AvgPxOpen.Equal(decimal.RequireFromString("110")), "avg %s", p.AvgPxOpen)
}

func TestPositionCommissionReducesRealized(t *testing.T) {
	p := NewPosition("P-1", testInstrument(), "ACC-1", 1)
	open := posFill(OrderSideBuy, "1", "100", 2)
	open.Commission = decimal.RequireFromString("0.5")
	p.ApplyFill(open)

	closing := posFill(OrderSideSell, "1", "110", 3)
	closing.Commission = decimal.RequireFromString("0.5")
	p.ApplyFill(closing)

	assert.True(t, p.RealizedPnL.Equal(decimal.RequireFromString("9")), "pnl %s", p.RealizedPnL)
}

func TestPositionUnrealizedPnL(t *testing.T) {
	p := NewPosition("P-1", testInstrument(), "ACC-1", 1)
	p.ApplyFill(posFill(OrderSideSell, "2", "100", 2))

	u := p.UnrealizedPnL(decimal.RequireFromString("95"))
	assert.True(t, u.Equal(decimal.RequireFromString("10")), "unrealized %s", u)
}

// The same set of fills must produce the same final quantity and realized
// PnL total regardless of interleaving, as long as per-order sequence is
// preserved; here fills from two orders are merged in two different ways.
func TestPositionFillOrderIndependentQuantity(t *testing.T) {
	fills := []OrderEvent{
		posFill(OrderSideBuy, "2", "100", 2),
		posFill(OrderSideSell, "1", "105", 3),
		posFill(OrderSideBuy, "1", "102", 4),
		posFill(OrderSideSell, "2", "103", 5),
	}

	a := NewPosition("P-1", testInstrument(), "ACC-1", 1)
	for _, f := range fills {
		a.ApplyFill(f)
	}

	b := NewPosition("P-1", testInstrument(), "ACC-1", 1)
	reordered := []OrderEvent{fills[0], fills[2], fills[1], fills[3]}
	for _, f := range reordered {
		b.ApplyFill(f)
	}

	assert.True(t, a.Quantity.Equal(b.Quantity), "qty %s vs %s", a.Quantity, b.Quantity)
	assert.True(t, a.IsFlat())
}
