// Package poller implements the polling process: per-venue schedulers that
// fan fetches out to a bounded worker pool under adaptive inflight control,
// normalize the responses and append them to the orderbook journals.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/errs"
	"github.com/predictops/bookwatch/internal/journal"
	"github.com/predictops/bookwatch/internal/schema"
	"github.com/predictops/bookwatch/internal/snapshot"
	"github.com/predictops/bookwatch/internal/telemetry"
	"github.com/predictops/bookwatch/internal/venue"
	"github.com/predictops/bookwatch/lib/async"
)

// maxErrorMessage bounds the message field of sampled poll_error records.
const maxErrorMessage = 256

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type fetchResult struct {
	key       string
	inst      schema.Instrument
	ob        venue.Orderbook
	err       error
	tsMS      int64
	latencyMS int64
}

type statsAgg struct {
	submitted int64
	succeeded int64
	failed    int64
	http4xx   int64
	http5xx   int64
	http429   int64
	timeouts  int64
}

// Scheduler owns all polling state for one venue. A single goroutine runs the
// tick loop and is the only writer of that state; workers communicate results
// back over a channel sized so they never block on it.
type Scheduler struct {
	rt      venue.Runtime
	pcfg    config.PollerConfig
	runID   string
	log     zerolog.Logger
	metrics *telemetry.Metrics

	reader  *snapshot.Reader
	pool    *async.Pool[venue.Session]
	results chan fetchResult

	books   *journal.Writer
	stats   *journal.Writer
	errlog  *journal.Writer
	sampler *rate.Limiter

	active   schema.ActiveSet
	haveSet  bool
	inflight map[string]struct{}
	backoff  *backoffTable
	aimd     *aimdController
	latency  *latencyWindow
	cursor   int

	lastSnapshotLoad time.Time
	lastStats        time.Time
	agg              statsAgg
	tick             tickOutcome
	writeFailures    int

	now func() time.Time
}

// NewScheduler wires a scheduler for one venue under the output root.
func NewScheduler(root string, rt venue.Runtime, pcfg config.PollerConfig, runID string, log zerolog.Logger, metrics *telemetry.Metrics) (*Scheduler, error) {
	name := rt.Name()
	pool, err := async.NewPool(rt.Config.MaxWorkers, rt.Config.MaxWorkers, rt.Client.NewSession)
	if err != nil {
		return nil, err
	}

	journalOpts := journal.Options{
		FsyncInterval: pcfg.FsyncInterval.Std(),
		FsyncEvery:    pcfg.FsyncEvery,
	}
	burst := int(pcfg.ErrorSamplePerSec)
	if burst < 1 {
		burst = 1
	}
	now := time.Now()
	return &Scheduler{
		rt:       rt,
		pcfg:     pcfg,
		runID:    runID,
		log:      log.With().Str("venue", name).Logger(),
		metrics:  metrics,
		reader:   snapshot.NewReader(root, name),
		pool:     pool,
		results:  make(chan fetchResult, rt.Config.MaxWorkers),
		books:    journal.NewWriter(root, name, "orderbooks", "orderbooks", journalOpts),
		stats:    journal.NewWriter(root, name, "poll_stats", "poll_stats", journalOpts),
		errlog:   journal.NewWriter(root, name, "poll_errors", "poll_errors", journalOpts),
		sampler:  rate.NewLimiter(rate.Limit(pcfg.ErrorSamplePerSec), burst),
		inflight: make(map[string]struct{}),
		backoff:  newBackoffTable(rt.Config.Backoff),
		aimd:     newAIMDController(rt.Config.AIMD, now),
		latency:  newLatencyWindow(128),
		now:      time.Now,
	}, nil
}

// Run executes the tick loop until ctx is cancelled, then drains in-flight
// fetches within the shutdown grace and flushes the journals. The returned
// error is non-nil only for unrecoverable conditions such as sustained
// journal write failure.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Str("run_id", s.runID).
		Int("max_workers", s.rt.Config.MaxWorkers).
		Int("inflight_limit", s.aimd.Limit()).
		Msg("poller started")

	interval := s.pcfg.PollInterval.Std()
	for {
		start := s.now()
		if err := s.step(ctx, start); err != nil {
			s.shutdown()
			return err
		}

		sleep := interval - s.now().Sub(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-time.After(sleep):
		}
	}
}

// step runs one scheduling tick: refresh the active set, dispatch eligible
// instruments up to the inflight limit, drain completed fetches, feed the
// controller and emit periodic stats.
func (s *Scheduler) step(ctx context.Context, now time.Time) error {
	s.refreshSnapshot(now)

	if !s.aimd.InCooldown(now) {
		s.dispatch(ctx, now)
	}

	if err := s.drain(ctx, now); err != nil {
		return err
	}

	if s.tick.Attempts > 0 {
		s.tick.P95MS = s.latency.Percentile(0.95)
	}
	delta := s.aimd.Observe(now, s.tick)
	if delta != 0 {
		s.log.Info().
			Int("inflight_limit", s.aimd.Limit()).
			Int("delta", delta).
			Dur("cooldown", s.aimd.CooldownRemaining(now)).
			Msg("inflight limit adjusted")
		s.metrics.InflightLimit(ctx, s.rt.Name(), s.aimd.Limit())
	}
	s.tick = tickOutcome{}

	if s.lastStats.IsZero() {
		s.lastStats = now
	}
	if now.Sub(s.lastStats) >= s.pcfg.StatsInterval.Std() {
		if err := s.emitStats(now); err != nil {
			return err
		}
		s.lastStats = now
	}
	return nil
}

func (s *Scheduler) refreshSnapshot(now time.Time) {
	if s.haveSet && now.Sub(s.lastSnapshotLoad) < s.pcfg.SnapshotRefresh.Std() {
		return
	}
	s.lastSnapshotLoad = now

	set, unchanged, err := s.reader.Load()
	if err != nil {
		// keep polling the last known set; discovery may simply not have
		// written yet
		event := s.log.Warn()
		if errs.CodeOf(err) == errs.CodeSnapshotMissing {
			event = s.log.Debug()
		}
		event.Err(err).Msg("snapshot unavailable")
		return
	}
	if unchanged {
		return
	}

	s.active = set
	s.haveSet = true
	s.backoff.GC(set.Instruments)
	s.log.Info().
		Uint64("seq", set.Seq).
		Int("instruments", len(set.Instruments)).
		Msg("active set loaded")
}

func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	if !s.haveSet || len(s.active.Instruments) == 0 {
		return
	}

	keys := s.active.Keys()
	limit := s.aimd.Limit()
	// rotate the starting key each tick so a small limit does not starve the
	// tail of the sorted key list
	offset := s.cursor % len(keys)
	s.cursor++

	for i := 0; i < len(keys) && len(s.inflight) < limit; i++ {
		key := keys[(offset+i)%len(keys)]
		if _, busy := s.inflight[key]; busy {
			continue
		}
		if !s.backoff.Eligible(key, now) {
			continue
		}

		inst := s.active.Instruments[key]
		s.inflight[key] = struct{}{}
		s.agg.submitted++
		s.metrics.FetchDispatched(ctx, s.rt.Name())

		tsMS := now.UnixMilli()
		timeout := s.rt.Config.RequestTimeout.Std()
		venueName := s.rt.Name()
		err := s.pool.Submit(ctx, func(taskCtx context.Context, session venue.Session) {
			start := time.Now()
			result := fetchResult{key: key, inst: inst, tsMS: tsMS}
			// the deferred send guarantees the scheduler gets a result even
			// when the fetch panics; a silently lost result would park the
			// instrument in the inflight set forever
			defer func() {
				if r := recover(); r != nil {
					result.err = errs.New(venueName, errs.CodeNetwork,
						errs.WithInstrument(key),
						errs.WithMessage(fmt.Sprintf("fetch panic: %v", r)))
				}
				result.latencyMS = time.Since(start).Milliseconds()
				s.results <- result
			}()
			reqCtx, cancel := context.WithTimeout(taskCtx, timeout)
			defer cancel()
			result.ob, result.err = session.GetOrderbook(reqCtx, inst.PollKey)
		})
		if err != nil {
			// the queue matches the worker count, so this only happens when
			// the pool is shutting down
			delete(s.inflight, key)
			s.agg.submitted--
			return
		}
	}
}

// drain processes every completed fetch without blocking.
func (s *Scheduler) drain(ctx context.Context, now time.Time) error {
	for {
		select {
		case result := <-s.results:
			if err := s.handleResult(ctx, now, result); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Scheduler) handleResult(ctx context.Context, now time.Time, result fetchResult) error {
	delete(s.inflight, result.key)
	s.tick.Attempts++
	s.latency.Add(result.latencyMS)

	err := result.err
	if err == nil {
		rec, normErr := s.rt.Normalizer(result.ob.Raw, result.inst, result.tsMS, result.ob.ObTsMS)
		if normErr != nil {
			err = normErr
		} else {
			if werr := s.journalWrite(s.books, rec, rec.TsMS); werr != nil {
				return werr
			}
			s.backoff.Clear(result.key)
			s.agg.succeeded++
			s.metrics.FetchCompleted(ctx, s.rt.Name(), "ok")
			return nil
		}
	}

	code := errs.CodeOf(err)
	s.tick.Failures++
	s.agg.failed++
	switch code {
	case errs.CodeRateLimited:
		s.tick.RateLimited++
		s.agg.http429++
		s.metrics.RateLimited(ctx, s.rt.Name())
	case errs.CodeHTTP4xx:
		s.agg.http4xx++
	case errs.CodeHTTP5xx:
		s.agg.http5xx++
	case errs.CodeTimeout:
		s.agg.timeouts++
	}
	s.metrics.FetchCompleted(ctx, s.rt.Name(), string(code))

	failures, delay := s.backoff.Fail(result.key, now)
	s.log.Debug().
		Str("instrument", result.key).
		Str("code", string(code)).
		Int("failures", failures).
		Dur("backoff", delay).
		Err(err).
		Msg("fetch failed")

	if s.sampler.Allow() {
		rec := schema.PollError{
			RecordType:    schema.RecordTypePollError,
			SchemaVersion: schema.SchemaVersion,
			Venue:         s.rt.Name(),
			RunID:         s.runID,
			TsMS:          now.UnixMilli(),
			InstrumentKey: result.key,
			MarketID:      result.inst.MarketID,
			Slug:          result.inst.Slug,
			HTTPStatus:    errs.HTTPStatus(err),
			LatencyMS:     result.latencyMS,
			ErrorKind:     string(code),
			Message:       truncate(err.Error(), maxErrorMessage),
		}
		if werr := s.journalWrite(s.errlog, rec, rec.TsMS); werr != nil {
			return werr
		}
	}
	return nil
}

func (s *Scheduler) emitStats(now time.Time) error {
	rec := schema.PollStats{
		RecordType:          schema.RecordTypePollStats,
		SchemaVersion:       schema.SchemaVersion,
		Venue:               s.rt.Name(),
		RunID:               s.runID,
		TsMS:                now.UnixMilli(),
		ActiveCount:         len(s.active.Instruments),
		Submitted:           s.agg.submitted,
		Succeeded:           s.agg.succeeded,
		Failed:              s.agg.failed,
		HTTP4xx:             s.agg.http4xx,
		HTTP5xx:             s.agg.http5xx,
		HTTP429:             s.agg.http429,
		Timeouts:            s.agg.timeouts,
		P50LatencyMS:        s.latency.Percentile(0.50),
		P95LatencyMS:        s.latency.Percentile(0.95),
		CooldownRemainingMS: s.aimd.CooldownRemaining(now).Milliseconds(),
		InflightLimit:       s.aimd.Limit(),
		MaxWorkers:          s.rt.Config.MaxWorkers,
	}
	if err := s.journalWrite(s.stats, rec, rec.TsMS); err != nil {
		return err
	}
	s.agg = statsAgg{}
	return nil
}

// journalWrite tolerates transient write failures and escalates after the
// configured streak of consecutive ones.
func (s *Scheduler) journalWrite(w *journal.Writer, rec any, tsMS int64) error {
	if err := w.Write(rec, tsMS); err != nil {
		s.writeFailures++
		s.log.Error().Err(err).Int("consecutive", s.writeFailures).Msg("journal write failed")
		if s.writeFailures >= s.pcfg.WriteFailureLimit {
			return err
		}
		return nil
	}
	s.writeFailures = 0
	return nil
}

// shutdown waits for in-flight fetches within the grace period, records their
// results and flushes all journals.
func (s *Scheduler) shutdown() {
	graceCtx, cancel := context.WithTimeout(context.Background(), s.pcfg.ShutdownGrace.Std())
	defer cancel()
	if err := s.pool.Shutdown(graceCtx); err != nil {
		s.log.Warn().Err(err).Msg("worker pool did not drain before grace expired")
	}

	now := s.now()
	for done := false; !done; {
		select {
		case result := <-s.results:
			if err := s.handleResult(graceCtx, now, result); err != nil {
				done = true
			}
		default:
			done = true
		}
	}

	for _, w := range []*journal.Writer{s.books, s.stats, s.errlog} {
		if err := w.Close(); err != nil {
			s.log.Error().Err(err).Msg("journal close failed")
		}
	}
	s.log.Info().Str("run_id", s.runID).Msg("poller stopped")
}
