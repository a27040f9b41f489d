package model

import (
	"github.com/shopspring/decimal"
)

// Instrument describes a tradable listing on a venue.
type Instrument struct {
	ID             InstrumentID
	BaseCurrency   string
	QuoteCurrency  string
	PricePrecision int32
	SizePrecision  int32
	PriceIncrement decimal.Decimal
	SizeIncrement  decimal.Decimal
	MinQuantity    decimal.Decimal
	MaxQuantity    decimal.Decimal
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal

	TsInit int64
}

// RoundPrice quantizes a price to the instrument's precision.
func (i *Instrument) RoundPrice(px decimal.Decimal) decimal.Decimal {
	return px.Round(i.PricePrecision)
}

// RoundSize quantizes a quantity to the instrument's precision.
func (i *Instrument) RoundSize(qty decimal.Decimal) decimal.Decimal {
	return qty.Round(i.SizePrecision)
}
