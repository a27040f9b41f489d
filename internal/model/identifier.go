package model

import (
	"strings"

	"github.com/yanun0323/errors"
)

var ErrBadInstrumentID = errors.New("malformed instrument id")

// Venue names an exchange or trading counterparty.
type Venue string

// InstrumentID is the globally unique key for a tradable instrument:
// a symbol scoped to the venue that lists it.
type InstrumentID struct {
	Symbol string
	Venue  Venue
}

// NewInstrumentID builds an instrument id from its parts.
func NewInstrumentID(symbol string, venue Venue) InstrumentID {
	return InstrumentID{Symbol: symbol, Venue: venue}
}

// ParseInstrumentID parses the "SYMBOL.VENUE" form. The symbol itself
// may contain dots; the venue is everything after the last one.
func ParseInstrumentID(s string) (InstrumentID, error) {
	idx := strings.LastIndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return InstrumentID{}, errors.Wrap(ErrBadInstrumentID, s)
	}
	return InstrumentID{Symbol: s[:idx], Venue: Venue(s[idx+1:])}, nil
}

func (id InstrumentID) String() string {
	return id.Symbol + "." + string(id.Venue)
}

// IsZero reports whether the id is unset.
func (id InstrumentID) IsZero() bool {
	return id.Symbol == "" && id.Venue == ""
}

// ClientOrderID is the locally generated identifier used for idempotent
// command correlation. Unique for the lifetime of a trading session.
type ClientOrderID string

// VenueOrderID is the identifier the venue assigns once an order is accepted.
type VenueOrderID string

// AccountID is a venue-scoped account identifier, e.g. "SIM-001".
type AccountID string

// StrategyID identifies the strategy that originated a command.
type StrategyID string

// PositionID keys a position: the venue netting id when the venue nets,
// or a per-order id under a hedging model.
type PositionID string

// TradeID is the venue-assigned identifier of a single fill.
type TradeID string
