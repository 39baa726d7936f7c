package schema

import (
	"github.com/shopspring/decimal"
)

// SchemaVersion is the current wire schema version for emitted records.
// Readers must ignore unknown fields and treat a missing schema_version as 0.
const SchemaVersion = 1

// Record type discriminators.
const (
	RecordTypeOrderbook = "orderbook"
	RecordTypeMarket    = "market"
	RecordTypePollStats = "poll_stats"
	RecordTypePollError = "poll_error"
)

// PriceLevel is one rung of an order-book ladder.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderbookRecord is one captured order-book snapshot (schema version 1).
// TsMS is the collector's wall clock at fetch start; ObTsMS is the venue's
// own as-of time when it provides one.
type OrderbookRecord struct {
	RecordType    string           `json:"record_type"`
	SchemaVersion int              `json:"schema_version"`
	Venue         string           `json:"venue"`
	PollKey       string           `json:"poll_key"`
	InstrumentID  string           `json:"instrument_id"`
	TsMS          int64            `json:"ts_ms"`
	ObTsMS        int64            `json:"ob_ts_ms,omitempty"`
	Bids          []PriceLevel     `json:"bids,omitempty"`
	Asks          []PriceLevel     `json:"asks,omitempty"`
	BestBid       *PriceLevel      `json:"best_bid,omitempty"`
	BestAsk       *PriceLevel      `json:"best_ask,omitempty"`
	Mid           *decimal.Decimal `json:"mid,omitempty"`
	Spread        *decimal.Decimal `json:"spread,omitempty"`
	Raw           map[string]any   `json:"raw,omitempty"`
}

// MarketRecord is emitted to the markets log whenever discovery observes a
// new or modified instrument (schema version 1).
type MarketRecord struct {
	RecordType    string         `json:"record_type"`
	SchemaVersion int            `json:"schema_version"`
	Venue         string         `json:"venue"`
	PollKey       string         `json:"poll_key"`
	InstrumentID  string         `json:"instrument_id"`
	MarketID      string         `json:"market_id"`
	ExpirationMS  int64          `json:"expiration_ms"`
	TsMS          int64          `json:"ts_ms"`
	Slug          string         `json:"slug,omitempty"`
	Title         string         `json:"title,omitempty"`
	Outcome       string         `json:"outcome,omitempty"`
	Underlying    string         `json:"underlying,omitempty"`
	Rule          string         `json:"rule,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// NewMarketRecord builds the market record for an instrument at tsMS.
func NewMarketRecord(inst Instrument, tsMS int64) MarketRecord {
	return MarketRecord{
		RecordType:    RecordTypeMarket,
		SchemaVersion: SchemaVersion,
		Venue:         inst.Venue,
		PollKey:       inst.PollKey,
		InstrumentID:  inst.Key(),
		MarketID:      inst.MarketID,
		ExpirationMS:  inst.ExpirationMS,
		TsMS:          tsMS,
		Slug:          inst.Slug,
		Title:         inst.Title,
		Outcome:       inst.Outcome,
		Underlying:    inst.Underlying,
		Rule:          inst.Rule,
		Extra:         inst.Extra,
	}
}

// PollStats is the periodic per-venue telemetry record. Counters are deltas
// since the previous emission.
type PollStats struct {
	RecordType         string `json:"record_type"`
	SchemaVersion      int    `json:"schema_version"`
	Venue              string `json:"venue"`
	RunID              string `json:"run_id"`
	TsMS               int64  `json:"ts_ms"`
	ActiveCount        int    `json:"active_count"`
	Submitted          int64  `json:"submitted"`
	Succeeded          int64  `json:"succeeded"`
	Failed             int64  `json:"failed"`
	HTTP4xx            int64  `json:"http_4xx"`
	HTTP5xx            int64  `json:"http_5xx"`
	HTTP429            int64  `json:"http_429"`
	Timeouts           int64  `json:"timeouts"`
	P50LatencyMS       int64  `json:"p50_latency_ms"`
	P95LatencyMS       int64  `json:"p95_latency_ms"`
	CooldownRemainingMS int64 `json:"cooldown_remaining_ms"`
	InflightLimit      int    `json:"inflight_limit"`
	MaxWorkers         int    `json:"max_workers"`
}

// PollError is a sampled diagnostic record for a single failed fetch.
type PollError struct {
	RecordType    string `json:"record_type"`
	SchemaVersion int    `json:"schema_version"`
	Venue         string `json:"venue"`
	RunID         string `json:"run_id"`
	TsMS          int64  `json:"ts_ms"`
	InstrumentKey string `json:"instrument_key"`
	MarketID      string `json:"market_id,omitempty"`
	Slug          string `json:"slug,omitempty"`
	HTTPStatus    int    `json:"http_status,omitempty"`
	LatencyMS     int64  `json:"latency_ms"`
	ErrorKind     string `json:"error_kind"`
	Message       string `json:"message,omitempty"`
}
