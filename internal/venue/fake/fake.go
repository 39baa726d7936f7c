// Package fake provides a scripted in-memory venue for exercising the
// scheduler, AIMD control and end-to-end flows in tests.
package fake

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/predictops/bookwatch/errs"
	"github.com/predictops/bookwatch/internal/schema"
	"github.com/predictops/bookwatch/internal/venue"
)

// Outcome scripts one fetch result for a poll key.
type Outcome struct {
	Raw     []byte
	ObTsMS  int64
	Err     error
	Latency time.Duration
}

// Client is a scripted venue. All sessions share the script state; the client
// tracks per-key concurrency so tests can assert the no-duplicate-inflight
// property.
type Client struct {
	name string

	mu             sync.Mutex
	instruments    []schema.Instrument
	discoverErr    error
	outcomes       map[string][]Outcome
	fallback       Outcome
	calls          map[string]int
	inflight       map[string]int
	maxKeyInflight int
	totalInflight  int
	maxInflight    int
}

// New constructs a fake venue with the given name.
func New(name string) *Client {
	return &Client{
		name:     name,
		outcomes: make(map[string][]Outcome),
		fallback: Outcome{Raw: []byte(`{"bids":[{"price":"0.5","size":"10"}],"asks":[{"price":"0.6","size":"8"}]}`)},
		calls:    make(map[string]int),
		inflight: make(map[string]int),
	}
}

// Venue implements venue.Client.
func (c *Client) Venue() string { return c.name }

// SetInstruments scripts the next Discover result.
func (c *Client) SetInstruments(instruments ...schema.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments = append([]schema.Instrument(nil), instruments...)
	c.discoverErr = nil
}

// SetDiscoverError scripts a discovery failure.
func (c *Client) SetDiscoverError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverErr = err
}

// Script queues fetch outcomes for a poll key; once exhausted the fallback
// outcome applies.
func (c *Client) Script(pollKey string, outcomes ...Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[pollKey] = append(c.outcomes[pollKey], outcomes...)
}

// Discover implements venue.Client.
func (c *Client) Discover(context.Context) ([]schema.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	return append([]schema.Instrument(nil), c.instruments...), nil
}

// NewSession implements venue.Client.
func (c *Client) NewSession() venue.Session {
	return &session{client: c}
}

// Calls reports how many fetches completed for a poll key.
func (c *Client) Calls(pollKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[pollKey]
}

// TotalCalls reports fetches completed across all keys.
func (c *Client) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// MaxKeyInflight reports the highest concurrent fetch count observed for any
// single poll key.
func (c *Client) MaxKeyInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxKeyInflight
}

// MaxInflight reports the highest total concurrent fetch count observed.
func (c *Client) MaxInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight
}

type session struct {
	client *Client
}

func (s *session) GetOrderbook(ctx context.Context, pollKey string) (venue.Orderbook, error) {
	c := s.client

	c.mu.Lock()
	c.inflight[pollKey]++
	c.totalInflight++
	if c.inflight[pollKey] > c.maxKeyInflight {
		c.maxKeyInflight = c.inflight[pollKey]
	}
	if c.totalInflight > c.maxInflight {
		c.maxInflight = c.totalInflight
	}
	var outcome Outcome
	if queue := c.outcomes[pollKey]; len(queue) > 0 {
		outcome = queue[0]
		c.outcomes[pollKey] = queue[1:]
	} else {
		outcome = c.fallback
	}
	c.mu.Unlock()

	if outcome.Latency > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(outcome.Latency):
		}
	}

	c.mu.Lock()
	c.inflight[pollKey]--
	c.totalInflight--
	c.calls[pollKey]++
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return venue.Orderbook{}, errs.New(c.name, errs.CodeTimeout, errs.WithCause(err))
	}
	if outcome.Err != nil {
		return venue.Orderbook{}, outcome.Err
	}
	return venue.Orderbook{Raw: outcome.Raw, ObTsMS: outcome.ObTsMS}, nil
}

type bookPayload struct {
	Bids []schema.PriceLevel `json:"bids"`
	Asks []schema.PriceLevel `json:"asks"`
}

// Normalizer decodes the fake's simple {bids,asks} payloads.
func Normalizer(raw []byte, inst schema.Instrument, tsMS, obTsMS int64) (schema.OrderbookRecord, error) {
	var book bookPayload
	if err := json.Unmarshal(raw, &book); err != nil {
		return schema.OrderbookRecord{}, errs.New(inst.Venue, errs.CodeParse, errs.WithInstrument(inst.Key()), errs.WithCause(err))
	}
	bestBid := venue.BestBid(book.Bids)
	bestAsk := venue.BestAsk(book.Asks)
	mid, spread := venue.MidAndSpread(bestBid, bestAsk)
	return schema.OrderbookRecord{
		RecordType:    schema.RecordTypeOrderbook,
		SchemaVersion: schema.SchemaVersion,
		Venue:         inst.Venue,
		PollKey:       inst.PollKey,
		InstrumentID:  inst.Key(),
		TsMS:          tsMS,
		ObTsMS:        obTsMS,
		Bids:          book.Bids,
		Asks:          book.Asks,
		BestBid:       bestBid,
		BestAsk:       bestAsk,
		Mid:           mid,
		Spread:        spread,
	}, nil
}
