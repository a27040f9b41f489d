package model

import (
	"github.com/shopspring/decimal"
)

// Account is the venue-scoped balance and margin state. It is updated
// only from AccountState events reported by the venue.
type Account struct {
	ID          AccountID
	Venue       Venue
	AccountType AccountType

	balances map[string]Balance
	margins  map[InstrumentID]MarginBalance

	TsLast int64
}

// NewAccount creates an empty account.
func NewAccount(id AccountID, venue Venue, typ AccountType) *Account {
	return &Account{
		ID:          id,
		Venue:       venue,
		AccountType: typ,
		balances:    make(map[string]Balance),
		margins:     make(map[InstrumentID]MarginBalance),
	}
}

// Apply replaces balances and margins from a venue snapshot.
func (a *Account) Apply(state AccountState) {
	for _, b := range state.Balances {
		a.balances[b.Currency] = b
	}
	for _, m := range state.Margins {
		a.margins[m.InstrumentID] = m
	}
	a.TsLast = state.TsEvent
}

// Balance returns the balance for a currency, if held.
func (a *Account) Balance(currency string) (Balance, bool) {
	b, ok := a.balances[currency]
	return b, ok
}

// Balances returns all currency balances.
func (a *Account) Balances() []Balance {
	out := make([]Balance, 0, len(a.balances))
	for _, b := range a.balances {
		out = append(out, b)
	}
	return out
}

// Margin returns the margin requirement for an instrument, if reported.
func (a *Account) Margin(id InstrumentID) (MarginBalance, bool) {
	m, ok := a.margins[id]
	return m, ok
}

// FreeBalance returns the free amount for a currency, zero if not held.
func (a *Account) FreeBalance(currency string) decimal.Decimal {
	return a.balances[currency].Free
}
