package model

import (
	"github.com/shopspring/decimal"
)

// Position is the netted aggregate of fills for one position key.
// Quantity is signed: positive long, negative short. It is derived state,
// recomputed incrementally from fill events and rebuilt wholesale during
// reconciliation; strategies never mutate it.
type Position struct {
	ID           PositionID
	InstrumentID InstrumentID
	AccountID    AccountID
	Venue        Venue

	Quantity    decimal.Decimal
	AvgPxOpen   decimal.Decimal
	RealizedPnL decimal.Decimal

	TsOpened int64
	TsLast   int64
}

// NewPosition creates a flat position for the given key.
func NewPosition(id PositionID, instrumentID InstrumentID, accountID AccountID, tsOpened int64) *Position {
	return &Position{
		ID:           id,
		InstrumentID: instrumentID,
		AccountID:    accountID,
		Venue:        instrumentID.Venue,
		TsOpened:     tsOpened,
		TsLast:       tsOpened,
	}
}

// Side derives the position direction from the signed quantity.
func (p *Position) Side() PositionSide {
	switch p.Quantity.Sign() {
	case 1:
		return PositionSideLong
	case -1:
		return PositionSideShort
	default:
		return PositionSideFlat
	}
}

// IsFlat reports whether the position quantity is zero.
func (p *Position) IsFlat() bool { return p.Quantity.IsZero() }

// ApplyFill folds one fill into the position. Opening fills move the
// average entry price; closing fills realize PnL against it. A fill
// larger than the open quantity flips the position, opening the
// remainder at the fill price.
func (p *Position) ApplyFill(ev OrderEvent) {
	signed := ev.LastQty
	if ev.FillSide == OrderSideSell {
		signed = signed.Neg()
	}

	switch {
	case p.Quantity.IsZero():
		p.Quantity = signed
		p.AvgPxOpen = ev.LastPx
	case p.Quantity.Sign() == signed.Sign():
		prev := p.Quantity.Abs()
		add := signed.Abs()
		total := prev.Add(add)
		p.AvgPxOpen = p.AvgPxOpen.Mul(prev).Add(ev.LastPx.Mul(add)).Div(total)
		p.Quantity = p.Quantity.Add(signed)
	default:
		open := p.Quantity.Abs()
		closing := decimal.Min(open, signed.Abs())
		perUnit := ev.LastPx.Sub(p.AvgPxOpen)
		if p.Quantity.Sign() < 0 {
			perUnit = perUnit.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(perUnit.Mul(closing))
		remainder := p.Quantity.Add(signed)
		p.Quantity = remainder
		if remainder.IsZero() {
			p.AvgPxOpen = decimal.Zero
		} else if remainder.Sign() == signed.Sign() {
			// Position flipped through flat.
			p.AvgPxOpen = ev.LastPx
		}
	}

	if !ev.Commission.IsZero() {
		p.RealizedPnL = p.RealizedPnL.Sub(ev.Commission)
	}
	p.TsLast = ev.TsEvent
}

// UnrealizedPnL marks the open quantity against the given price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.AvgPxOpen).Mul(p.Quantity)
}
