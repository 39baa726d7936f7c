package limitless

import (
	"github.com/shopspring/decimal"

	json "github.com/goccy/go-json"

	"github.com/predictops/bookwatch/errs"
	"github.com/predictops/bookwatch/internal/schema"
	"github.com/predictops/bookwatch/internal/venue"
)

type bookPayload struct {
	Bids             []schema.PriceLevel `json:"bids"`
	Asks             []schema.PriceLevel `json:"asks"`
	TokenID          string              `json:"tokenId"`
	AdjustedMidpoint *decimal.Decimal    `json:"adjustedMidpoint"`
	LastTradePrice   *decimal.Decimal    `json:"lastTradePrice"`
	MinSize          *decimal.Decimal    `json:"minSize"`
	MaxSpread        *decimal.Decimal    `json:"maxSpread"`
}

// NewNormalizer returns the Limitless orderbook normalizer. With
// fullOrderbook false only top-of-book levels are kept.
func NewNormalizer(fullOrderbook bool) venue.Normalizer {
	return func(raw []byte, inst schema.Instrument, tsMS, obTsMS int64) (schema.OrderbookRecord, error) {
		var book bookPayload
		if err := json.Unmarshal(raw, &book); err != nil {
			return schema.OrderbookRecord{}, errs.New(VenueName, errs.CodeParse,
				errs.WithInstrument(inst.Key()), errs.WithMessage("decode orderbook"), errs.WithCause(err))
		}

		bestBid := venue.BestBid(book.Bids)
		bestAsk := venue.BestAsk(book.Asks)
		mid, spread := venue.MidAndSpread(bestBid, bestAsk)

		bids, asks := book.Bids, book.Asks
		if !fullOrderbook {
			bids = venue.TopOfBook(bestBid)
			asks = venue.TopOfBook(bestAsk)
		}

		rec := schema.OrderbookRecord{
			RecordType:    schema.RecordTypeOrderbook,
			SchemaVersion: schema.SchemaVersion,
			Venue:         VenueName,
			PollKey:       inst.PollKey,
			InstrumentID:  inst.Key(),
			TsMS:          tsMS,
			ObTsMS:        obTsMS,
			Bids:          bids,
			Asks:          asks,
			BestBid:       bestBid,
			BestAsk:       bestAsk,
			Mid:           mid,
			Spread:        spread,
		}

		// Venue-specific passthrough fields preserved for downstream readers.
		passthrough := map[string]any{}
		if book.TokenID != "" {
			passthrough["tokenId"] = book.TokenID
		}
		if book.AdjustedMidpoint != nil {
			passthrough["adjustedMidpoint"] = book.AdjustedMidpoint.String()
		}
		if book.LastTradePrice != nil {
			passthrough["lastTradePrice"] = book.LastTradePrice.String()
		}
		if book.MinSize != nil {
			passthrough["minSize"] = book.MinSize.String()
		}
		if book.MaxSpread != nil {
			passthrough["maxSpread"] = book.MaxSpread.String()
		}
		if len(passthrough) > 0 {
			rec.Raw = passthrough
		}
		return rec, nil
	}
}
