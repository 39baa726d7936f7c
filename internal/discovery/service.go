// Package discovery implements the discovery process: periodic venue scans
// that publish the active instrument set for the pollers and journal market
// metadata changes.
package discovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/errs"
	"github.com/predictops/bookwatch/internal/journal"
	"github.com/predictops/bookwatch/internal/schema"
	"github.com/predictops/bookwatch/internal/snapshot"
	"github.com/predictops/bookwatch/internal/telemetry"
	"github.com/predictops/bookwatch/internal/venue"
)

// Service runs discovery for one venue: scan, filter, diff against the
// previously published set, journal changes and atomically replace the
// snapshot. Every cycle rewrites the snapshot even when nothing changed, so
// its freshness doubles as a liveness signal.
type Service struct {
	rt       venue.Runtime
	root     string
	interval time.Duration
	log      zerolog.Logger
	metrics  *telemetry.Metrics

	markets *journal.Writer
	seq     uint64
	last    map[string]schema.Instrument

	now func() time.Time
}

// NewService wires discovery for one venue under the output root.
func NewService(root string, rt venue.Runtime, cfg config.DiscoveryConfig, pcfg config.PollerConfig, log zerolog.Logger, metrics *telemetry.Metrics) *Service {
	name := rt.Name()
	return &Service{
		rt:       rt,
		root:     root,
		interval: cfg.Interval.Std(),
		log:      log.With().Str("venue", name).Logger(),
		metrics:  metrics,
		markets: journal.NewWriter(root, name, "markets", "markets", journal.Options{
			FsyncInterval: pcfg.FsyncInterval.Std(),
			FsyncEvery:    pcfg.FsyncEvery,
		}),
		last: make(map[string]schema.Instrument),
		now:  time.Now,
	}
}

// Run executes discovery cycles until ctx is cancelled. Cycle failures are
// logged and retried at the next interval; the previous snapshot stays in
// place for the pollers.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("discovery started")
	defer func() {
		if err := s.markets.Close(); err != nil {
			s.log.Error().Err(err).Msg("markets journal close failed")
		}
		s.log.Info().Msg("discovery stopped")
	}()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn().Err(err).Msg("discovery cycle failed")
			s.metrics.DiscoveryRun(ctx, s.rt.Name(), "error")
		} else {
			s.metrics.DiscoveryRun(ctx, s.rt.Name(), "ok")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// RunOnce performs a single discovery cycle.
func (s *Service) RunOnce(ctx context.Context) error {
	now := s.now()
	discovered, err := s.rt.Client.Discover(ctx)
	if err != nil {
		return errs.New(s.rt.Name(), errs.CodeDiscovery, errs.WithMessage("scan venue"), errs.WithCause(err))
	}

	instruments := s.buildSet(discovered, now)
	added, changed, removed := s.diff(instruments)

	tsMS := now.UnixMilli()
	for _, inst := range added {
		if err := s.markets.Write(schema.NewMarketRecord(inst, tsMS), tsMS); err != nil {
			s.log.Error().Err(err).Str("instrument", inst.Key()).Msg("markets journal write failed")
		}
	}
	for _, inst := range changed {
		if err := s.markets.Write(schema.NewMarketRecord(inst, tsMS), tsMS); err != nil {
			s.log.Error().Err(err).Str("instrument", inst.Key()).Msg("markets journal write failed")
		}
	}

	s.seq++
	set := schema.ActiveSet{
		AsOfUTC:     now.UTC().Format(time.RFC3339Nano),
		Seq:         s.seq,
		Venue:       s.rt.Name(),
		Count:       len(instruments),
		Instruments: instruments,
	}
	if err := snapshot.Write(s.root, set); err != nil {
		return err
	}
	s.last = instruments
	s.metrics.ActiveInstruments(ctx, s.rt.Name(), len(instruments))

	event := s.log.Debug()
	if len(added)+len(changed)+len(removed) > 0 {
		event = s.log.Info()
	}
	event.
		Uint64("seq", set.Seq).
		Int("active", len(instruments)).
		Int("added", len(added)).
		Int("changed", len(changed)).
		Int("removed", len(removed)).
		Msg("active set published")
	return nil
}

// buildSet drops invalid and already-expired instruments and collapses
// duplicate keys, keeping the instrument expiring later.
func (s *Service) buildSet(discovered []schema.Instrument, now time.Time) map[string]schema.Instrument {
	nowMS := now.UnixMilli()
	set := make(map[string]schema.Instrument, len(discovered))
	for _, inst := range discovered {
		if err := inst.Validate(); err != nil {
			s.log.Warn().Err(err).Msg("discovered instrument rejected")
			continue
		}
		if inst.ExpirationMS <= nowMS {
			continue
		}
		key := inst.Key()
		if existing, dup := set[key]; dup && existing.ExpirationMS >= inst.ExpirationMS {
			continue
		}
		set[key] = inst
	}
	return set
}

func (s *Service) diff(current map[string]schema.Instrument) (added, changed []schema.Instrument, removed []string) {
	for key, inst := range current {
		prev, ok := s.last[key]
		switch {
		case !ok:
			added = append(added, inst)
		case !prev.Equal(inst):
			changed = append(changed, inst)
		}
	}
	for key := range s.last {
		if _, ok := current[key]; !ok {
			removed = append(removed, key)
		}
	}
	return added, changed, removed
}
