package polymarket

import (
	json "github.com/goccy/go-json"

	"github.com/predictops/bookwatch/errs"
	"github.com/predictops/bookwatch/internal/schema"
	"github.com/predictops/bookwatch/internal/venue"
)

type bookPayload struct {
	Market  string              `json:"market"`
	AssetID string              `json:"asset_id"`
	Bids    []schema.PriceLevel `json:"bids"`
	Asks    []schema.PriceLevel `json:"asks"`
}

// NewNormalizer returns the Polymarket orderbook normalizer. With
// fullOrderbook false only top-of-book levels are kept.
func NewNormalizer(fullOrderbook bool) venue.Normalizer {
	return func(raw []byte, inst schema.Instrument, tsMS, obTsMS int64) (schema.OrderbookRecord, error) {
		var book bookPayload
		if err := json.Unmarshal(raw, &book); err != nil {
			return schema.OrderbookRecord{}, errs.New(VenueName, errs.CodeParse,
				errs.WithInstrument(inst.Key()), errs.WithMessage("decode book"), errs.WithCause(err))
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
		if book.Market != "" || book.AssetID != "" {
			rec.Raw = map[string]any{}
			if book.Market != "" {
				rec.Raw["market"] = book.Market
			}
			if book.AssetID != "" {
				rec.Raw["asset_id"] = book.AssetID
			}
		}
		return rec, nil
	}
}
