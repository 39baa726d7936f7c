// Package venue declares the pluggable seams between the data plane and the
// venue-specific code: discovery, orderbook fetch and normalization.
package venue

import (
	"context"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/internal/schema"
)

// Orderbook is a raw fetch result: the venue payload plus the venue's own
// as-of time when it provides one (0 otherwise).
type Orderbook struct {
	Raw    []byte
	ObTsMS int64
}

// Session performs orderbook fetches over a dedicated connection pool. Each
// worker in the fetch pool owns exactly one session, so sessions need not be
// safe for concurrent use.
type Session interface {
	GetOrderbook(ctx context.Context, pollKey string) (Orderbook, error)
}

// Client is the per-venue capability set resolved at startup.
type Client interface {
	// Venue returns the short venue identifier.
	Venue() string
	// Discover returns the venue's current loggable instruments. Filter
	// rules come from configuration the client consumed at construction.
	Discover(ctx context.Context) ([]schema.Instrument, error)
	// NewSession creates a fetch session with an isolated connection pool.
	NewSession() Session
}

// Normalizer converts a raw orderbook payload into the wire record. It must
// be pure; failures are treated as fetch failures by the scheduler.
type Normalizer func(raw []byte, inst schema.Instrument, tsMS, obTsMS int64) (schema.OrderbookRecord, error)

// Runtime bundles one venue's capabilities with its configuration.
type Runtime struct {
	Client     Client
	Normalizer Normalizer
	Config     config.VenueConfig
}

// Name returns the venue identifier for logging convenience.
func (r Runtime) Name() string {
	return r.Client.Venue()
}
