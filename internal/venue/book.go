package venue

import (
	"github.com/shopspring/decimal"

	"github.com/predictops/bookwatch/internal/schema"
)

// BestBid returns the highest-priced bid level, or nil for an empty side.
func BestBid(bids []schema.PriceLevel) *schema.PriceLevel {
	var best *schema.PriceLevel
	for i := range bids {
		if best == nil || bids[i].Price.GreaterThan(best.Price) {
			best = &bids[i]
		}
	}
	if best == nil {
		return nil
	}
	lvl := *best
	return &lvl
}

// BestAsk returns the lowest-priced ask level, or nil for an empty side.
func BestAsk(asks []schema.PriceLevel) *schema.PriceLevel {
	var best *schema.PriceLevel
	for i := range asks {
		if best == nil || asks[i].Price.LessThan(best.Price) {
			best = &asks[i]
		}
	}
	if best == nil {
		return nil
	}
	lvl := *best
	return &lvl
}

// MidAndSpread derives mid and spread when both sides of the book exist.
func MidAndSpread(bestBid, bestAsk *schema.PriceLevel) (*decimal.Decimal, *decimal.Decimal) {
	if bestBid == nil || bestAsk == nil {
		return nil, nil
	}
	two := decimal.NewFromInt(2)
	mid := bestBid.Price.Add(bestAsk.Price).Div(two)
	spread := bestAsk.Price.Sub(bestBid.Price)
	return &mid, &spread
}

// TopOfBook reduces a side to its best level only.
func TopOfBook(best *schema.PriceLevel) []schema.PriceLevel {
	if best == nil {
		return nil
	}
	return []schema.PriceLevel{*best}
}
