// Package telemetry defines the harvester's metric instruments.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments recorded by the discovery and polling
// loops. All methods are safe for concurrent use and never fail at call
// sites; instrument creation errors surface once, at construction.
type Metrics struct {
	fetchAttempts metric.Int64Counter
	fetchOutcomes metric.Int64Counter
	rateLimited   metric.Int64Counter
	inflightLimit metric.Int64Gauge
	activeCount   metric.Int64Gauge
	discoverRuns  metric.Int64Counter
}

// New creates the instrument set on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.fetchAttempts, err = meter.Int64Counter("bookwatch.fetch.attempts",
		metric.WithDescription("Orderbook fetches dispatched")); err != nil {
		return nil, err
	}
	if m.fetchOutcomes, err = meter.Int64Counter("bookwatch.fetch.outcomes",
		metric.WithDescription("Orderbook fetch completions by outcome")); err != nil {
		return nil, err
	}
	if m.rateLimited, err = meter.Int64Counter("bookwatch.fetch.rate_limited",
		metric.WithDescription("Fetches rejected with HTTP 429")); err != nil {
		return nil, err
	}
	if m.inflightLimit, err = meter.Int64Gauge("bookwatch.poller.inflight_limit",
		metric.WithDescription("Current adaptive inflight limit")); err != nil {
		return nil, err
	}
	if m.activeCount, err = meter.Int64Gauge("bookwatch.discovery.active_instruments",
		metric.WithDescription("Instruments in the latest active set")); err != nil {
		return nil, err
	}
	if m.discoverRuns, err = meter.Int64Counter("bookwatch.discovery.runs",
		metric.WithDescription("Discovery cycles by outcome")); err != nil {
		return nil, err
	}
	return m, nil
}

// FetchDispatched counts a dispatched fetch.
func (m *Metrics) FetchDispatched(ctx context.Context, venue string) {
	if m == nil {
		return
	}
	m.fetchAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

// FetchCompleted counts a completed fetch with its outcome label
// (ok, rate_limited, http_4xx, http_5xx, timeout, network, parse, write).
func (m *Metrics) FetchCompleted(ctx context.Context, venue, outcome string) {
	if m == nil {
		return
	}
	m.fetchOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", venue),
		attribute.String("outcome", outcome),
	))
}

// RateLimited counts an HTTP 429 response.
func (m *Metrics) RateLimited(ctx context.Context, venue string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

// InflightLimit records the venue's current inflight limit.
func (m *Metrics) InflightLimit(ctx context.Context, venue string, limit int) {
	if m == nil {
		return
	}
	m.inflightLimit.Record(ctx, int64(limit), metric.WithAttributes(attribute.String("venue", venue)))
}

// ActiveInstruments records the instrument count of the latest active set.
func (m *Metrics) ActiveInstruments(ctx context.Context, venue string, count int) {
	if m == nil {
		return
	}
	m.activeCount.Record(ctx, int64(count), metric.WithAttributes(attribute.String("venue", venue)))
}

// DiscoveryRun counts a discovery cycle with its outcome label (ok, error).
func (m *Metrics) DiscoveryRun(ctx context.Context, venue, outcome string) {
	if m == nil {
		return
	}
	m.discoverRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", venue),
		attribute.String("outcome", outcome),
	))
}
