package poller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/errs"
	"github.com/predictops/bookwatch/internal/journal"
	"github.com/predictops/bookwatch/internal/schema"
	"github.com/predictops/bookwatch/internal/snapshot"
	"github.com/predictops/bookwatch/internal/venue"
	"github.com/predictops/bookwatch/internal/venue/fake"
)

func testVenueConfig(name string) config.VenueConfig {
	return config.VenueConfig{
		Name:           name,
		MaxWorkers:     8,
		RequestTimeout: config.Duration(time.Second),
		Backoff:        testBackoffConfig(),
		AIMD:           testAIMDConfig(),
	}
}

func testPollerConfig() config.PollerConfig {
	return config.PollerConfig{
		PollInterval:      config.Duration(10 * time.Millisecond),
		SnapshotRefresh:   0,
		StatsInterval:     config.Duration(time.Hour),
		ShutdownGrace:     config.Duration(time.Second),
		ErrorSamplePerSec: 50,
		WriteFailureLimit: 3,
		FullOrderbook:     true,
	}
}

func newTestScheduler(t *testing.T, root string, client *fake.Client, pcfg config.PollerConfig) *Scheduler {
	t.Helper()
	rt := venue.Runtime{
		Client:     client,
		Normalizer: fake.Normalizer,
		Config:     testVenueConfig(client.Venue()),
	}
	s, err := NewScheduler(root, rt, pcfg, "run-test", zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(s.shutdown)
	return s
}

func writeActiveSet(t *testing.T, root, venueName string, seq uint64, pollKeys ...string) {
	t.Helper()
	instruments := make(map[string]schema.Instrument, len(pollKeys))
	for _, key := range pollKeys {
		inst := schema.Instrument{
			Venue:        venueName,
			PollKey:      key,
			MarketID:     "m-" + key,
			ExpirationMS: time.Now().Add(24 * time.Hour).UnixMilli(),
			Slug:         key,
		}
		instruments[inst.Key()] = inst
	}
	set := schema.ActiveSet{
		AsOfUTC:     time.Now().UTC().Format(time.RFC3339Nano),
		Seq:         seq,
		Venue:       venueName,
		Count:       len(instruments),
		Instruments: instruments,
	}
	if err := snapshot.Write(root, set); err != nil {
		t.Fatalf("snapshot.Write: %v", err)
	}
}

// readJournal flushes the writer and decodes every record across part files.
func readJournal[T any](t *testing.T, w *journal.Writer, root, venueName, stream, prefix string) []T {
	t.Helper()
	if err := w.Sync(); err != nil {
		t.Fatalf("sync %s: %v", stream, err)
	}
	paths, err := filepath.Glob(filepath.Join(root, venueName, stream, "date=*", prefix+".part-*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	var records []T
	for _, path := range paths {
		part, err := journal.ReadAll[T](path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		records = append(records, part...)
	}
	return records
}

// stepUntil keeps ticking the scheduler at a fixed logical time until the
// condition holds or the wall-clock deadline expires.
func stepUntil(t *testing.T, s *Scheduler, at time.Time, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := s.step(context.Background(), at); err != nil {
			t.Fatalf("step: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestSchedulerWritesOrderbookRecords(t *testing.T) {
	root := t.TempDir()
	client := fake.New("limitless")
	s := newTestScheduler(t, root, client, testPollerConfig())
	writeActiveSet(t, root, "limitless", 1, "btc-up", "eth-up")

	now := time.Now()
	var records []schema.OrderbookRecord
	stepUntil(t, s, now, func() bool {
		records = readJournal[schema.OrderbookRecord](t, s.books, root, "limitless", "orderbooks", "orderbooks")
		return len(records) >= 2
	})

	seen := map[string]bool{}
	for _, rec := range records {
		if rec.RecordType != schema.RecordTypeOrderbook || rec.SchemaVersion != schema.SchemaVersion {
			t.Errorf("unexpected record header: %+v", rec)
		}
		if rec.Venue != "limitless" || rec.TsMS == 0 {
			t.Errorf("unexpected record fields: %+v", rec)
		}
		if rec.BestBid == nil || rec.BestAsk == nil || rec.Mid == nil {
			t.Errorf("derived fields missing: %+v", rec)
		}
		seen[rec.PollKey] = true
	}
	if !seen["btc-up"] || !seen["eth-up"] {
		t.Errorf("poll keys covered = %v", seen)
	}
	if client.MaxInflight() > s.aimd.Limit() {
		t.Errorf("observed inflight %d above limit %d", client.MaxInflight(), s.aimd.Limit())
	}
}

func TestRateLimitHalvesAndSuspendsDispatch(t *testing.T) {
	root := t.TempDir()
	client := fake.New("limitless")
	client.Script("btc-up", fake.Outcome{
		Err: errs.New("limitless", errs.CodeRateLimited, errs.WithHTTP(429)),
	})
	s := newTestScheduler(t, root, client, testPollerConfig())
	writeActiveSet(t, root, "limitless", 1, "btc-up")

	base := time.Now()
	stepUntil(t, s, base, func() bool { return s.aimd.Limit() == 2 })
	if !s.aimd.InCooldown(base.Add(10 * time.Second)) {
		t.Fatal("expected cooldown after 429")
	}

	// inside the cooldown nothing new is dispatched even though backoff for
	// the instrument has long expired
	calls := client.TotalCalls()
	for i := 0; i < 5; i++ {
		if err := s.step(context.Background(), base.Add(10*time.Second)); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if client.TotalCalls() != calls {
		t.Errorf("calls grew from %d to %d during cooldown", calls, client.TotalCalls())
	}

	// past the cooldown dispatch resumes
	resume := base.Add(31 * time.Second)
	stepUntil(t, s, resume, func() bool { return client.TotalCalls() > calls })
}

func TestNoDuplicateInflightFetches(t *testing.T) {
	root := t.TempDir()
	client := fake.New("limitless")
	client.Script("btc-up", fake.Outcome{
		Raw:     []byte(`{"bids":[{"price":"0.4","size":"1"}],"asks":[]}`),
		Latency: 100 * time.Millisecond,
	})
	s := newTestScheduler(t, root, client, testPollerConfig())
	writeActiveSet(t, root, "limitless", 1, "btc-up")

	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.step(context.Background(), now.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("step: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := client.MaxKeyInflight(); got > 1 {
		t.Errorf("max inflight per key = %d, want 1", got)
	}

	stepUntil(t, s, now.Add(200*time.Millisecond), func() bool { return client.Calls("btc-up") >= 1 })
	if got := client.MaxKeyInflight(); got != 1 {
		t.Errorf("max inflight per key = %d, want exactly 1", got)
	}
}

func TestBackoffDefersFailedInstrument(t *testing.T) {
	root := t.TempDir()
	client := fake.New("limitless")
	client.Script("btc-up", fake.Outcome{
		Err: errs.New("limitless", errs.CodeHTTP5xx, errs.WithHTTP(503)),
	})
	s := newTestScheduler(t, root, client, testPollerConfig())
	writeActiveSet(t, root, "limitless", 1, "btc-up")

	base := time.Now()
	stepUntil(t, s, base, func() bool { return s.backoff.Len() == 1 })
	if client.TotalCalls() != 1 {
		t.Fatalf("calls = %d, want 1", client.TotalCalls())
	}

	// before the backoff delay elapses the instrument stays parked
	for i := 0; i < 5; i++ {
		if err := s.step(context.Background(), base.Add(100*time.Millisecond)); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if client.TotalCalls() != 1 {
		t.Errorf("calls = %d during backoff, want 1", client.TotalCalls())
	}

	// a sampled diagnostic record lands in the errors stream
	errRecords := readJournal[schema.PollError](t, s.errlog, root, "limitless", "poll_errors", "poll_errors")
	if len(errRecords) != 1 {
		t.Fatalf("error records = %d, want 1", len(errRecords))
	}
	if errRecords[0].ErrorKind != string(errs.CodeHTTP5xx) || errRecords[0].HTTPStatus != 503 {
		t.Errorf("unexpected error record: %+v", errRecords[0])
	}

	// past the delay the instrument is retried and the success clears it
	retry := base.Add(2 * time.Second)
	stepUntil(t, s, retry, func() bool { return s.backoff.Len() == 0 && client.TotalCalls() >= 2 })
}

func TestStatsRecordEmitted(t *testing.T) {
	root := t.TempDir()
	client := fake.New("limitless")
	pcfg := testPollerConfig()
	pcfg.StatsInterval = config.Duration(50 * time.Millisecond)
	s := newTestScheduler(t, root, client, pcfg)
	writeActiveSet(t, root, "limitless", 1, "btc-up")

	base := time.Now()
	stepUntil(t, s, base, func() bool { return client.TotalCalls() >= 1 })

	var stats []schema.PollStats
	stepUntil(t, s, base.Add(60*time.Millisecond), func() bool {
		stats = readJournal[schema.PollStats](t, s.stats, root, "limitless", "poll_stats", "poll_stats")
		return len(stats) >= 1
	})

	rec := stats[0]
	if rec.RecordType != schema.RecordTypePollStats || rec.Venue != "limitless" || rec.RunID != "run-test" {
		t.Errorf("unexpected stats header: %+v", rec)
	}
	if rec.ActiveCount != 1 || rec.Submitted < 1 || rec.MaxWorkers != 8 {
		t.Errorf("unexpected stats counters: %+v", rec)
	}
	if rec.InflightLimit < 1 {
		t.Errorf("inflight limit = %d", rec.InflightLimit)
	}
}

// On-disk layout contract: stream directory and part-file prefix share the
// stream name, e.g. <venue>/orderbooks/date=<d>/orderbooks.part-0000.jsonl.
func TestJournalStreamLayout(t *testing.T) {
	root := t.TempDir()
	client := fake.New("limitless")
	client.Script("btc-up", fake.Outcome{
		Err: errs.New("limitless", errs.CodeHTTP5xx, errs.WithHTTP(500)),
	})
	pcfg := testPollerConfig()
	pcfg.StatsInterval = config.Duration(time.Millisecond)
	s := newTestScheduler(t, root, client, pcfg)
	writeActiveSet(t, root, "limitless", 1, "btc-up")

	base := time.Now()
	stepUntil(t, s, base, func() bool { return s.backoff.Len() == 1 })
	stepUntil(t, s, base.Add(2*time.Second), func() bool { return client.TotalCalls() >= 2 })
	stepUntil(t, s, base.Add(3*time.Second), func() bool { return s.backoff.Len() == 0 })
	for _, w := range []*journal.Writer{s.books, s.stats, s.errlog} {
		if err := w.Sync(); err != nil {
			t.Fatalf("sync: %v", err)
		}
	}

	day := time.UnixMilli(base.UnixMilli()).UTC().Format("2006-01-02")
	for _, stream := range []string{"orderbooks", "poll_stats", "poll_errors"} {
		path := filepath.Join(root, "limitless", stream, "date="+day, stream+".part-0000.jsonl")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("stream %s not at contract path: %v", stream, err)
		}
	}
}

// A fetch still in flight when shutdown starts is awaited within the grace
// period and its record reaches the orderbook journal.
func TestShutdownAwaitsInflightFetch(t *testing.T) {
	root := t.TempDir()
	client := fake.New("limitless")
	client.Script("btc-up", fake.Outcome{
		Raw:     []byte(`{"bids":[{"price":"0.4","size":"1"}],"asks":[{"price":"0.6","size":"2"}]}`),
		Latency: 150 * time.Millisecond,
	})
	s := newTestScheduler(t, root, client, testPollerConfig())
	writeActiveSet(t, root, "limitless", 1, "btc-up")

	now := time.Now()
	if err := s.step(context.Background(), now); err != nil {
		t.Fatalf("step: %v", err)
	}
	if client.Calls("btc-up") != 0 {
		t.Fatal("fetch completed before shutdown; scripted latency too short")
	}

	start := time.Now()
	s.shutdown()
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("shutdown returned after %v without awaiting the fetch", elapsed)
	}
	if client.Calls("btc-up") != 1 {
		t.Fatalf("calls = %d, want the in-flight fetch to complete", client.Calls("btc-up"))
	}

	records := readJournal[schema.OrderbookRecord](t, s.books, root, "limitless", "orderbooks", "orderbooks")
	if len(records) != 1 {
		t.Fatalf("orderbook records after shutdown = %d, want 1", len(records))
	}
	if records[0].BestBid == nil || records[0].BestBid.Price.String() != "0.4" {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

// panicClient blows up on the first fetch and recovers on retries.
type panicClient struct {
	*fake.Client
	panics int
}

func (c *panicClient) NewSession() venue.Session {
	return &panicSession{client: c, inner: c.Client.NewSession()}
}

type panicSession struct {
	client *panicClient
	inner  venue.Session
}

func (s *panicSession) GetOrderbook(ctx context.Context, pollKey string) (venue.Orderbook, error) {
	if s.client.panics > 0 {
		s.client.panics--
		panic("corrupt response buffer")
	}
	return s.inner.GetOrderbook(ctx, pollKey)
}

func TestPanickedFetchFreesInflightSlot(t *testing.T) {
	root := t.TempDir()
	client := &panicClient{Client: fake.New("limitless"), panics: 1}
	rt := venue.Runtime{
		Client:     client,
		Normalizer: fake.Normalizer,
		Config:     testVenueConfig("limitless"),
	}
	s, err := NewScheduler(root, rt, testPollerConfig(), "run-test", zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(s.shutdown)
	writeActiveSet(t, root, "limitless", 1, "btc-up")

	// the panicking fetch must surface as a failure, freeing the slot
	base := time.Now()
	stepUntil(t, s, base, func() bool { return s.backoff.Len() == 1 })
	if len(s.inflight) != 0 {
		t.Fatalf("inflight = %d after panicked fetch, want 0", len(s.inflight))
	}

	// once backoff expires the instrument is retried and succeeds
	stepUntil(t, s, base.Add(2*time.Second), func() bool { return client.Calls("btc-up") >= 1 })
}

// A 429 cooldown on one venue must not slow another venue's dispatch.
func TestVenueCooldownIsIsolated(t *testing.T) {
	root := t.TempDir()
	throttled := fake.New("limitless")
	throttled.Script("btc-up", fake.Outcome{
		Err: errs.New("limitless", errs.CodeRateLimited, errs.WithHTTP(429)),
	})
	healthy := fake.New("polymarket")

	sa := newTestScheduler(t, root, throttled, testPollerConfig())
	sb := newTestScheduler(t, root, healthy, testPollerConfig())
	writeActiveSet(t, root, "limitless", 1, "btc-up")
	writeActiveSet(t, root, "polymarket", 1, "tok-1")

	base := time.Now()
	stepUntil(t, sa, base, func() bool { return sa.aimd.Limit() == 2 })
	if !sa.aimd.InCooldown(base.Add(10 * time.Second)) {
		t.Fatal("throttled venue not in cooldown")
	}

	// while the throttled venue sits in cooldown, the healthy one keeps
	// polling at full rate on every tick
	before := healthy.TotalCalls()
	for i := 0; i < 5; i++ {
		at := base.Add(10*time.Second + time.Duration(i)*time.Second)
		if err := sa.step(context.Background(), at); err != nil {
			t.Fatalf("throttled step: %v", err)
		}
		stepUntil(t, sb, at, func() bool { return healthy.TotalCalls() > before+i })
	}
	if throttled.TotalCalls() != 1 {
		t.Errorf("throttled venue calls = %d during cooldown, want 1", throttled.TotalCalls())
	}
	if healthy.TotalCalls() < before+5 {
		t.Errorf("healthy venue calls = %d, want at least %d", healthy.TotalCalls(), before+5)
	}
	if sb.aimd.Limit() != testAIMDConfig().Initial {
		t.Errorf("healthy venue limit = %d, want untouched %d", sb.aimd.Limit(), testAIMDConfig().Initial)
	}
}

func TestRemovedInstrumentStopsPolling(t *testing.T) {
	root := t.TempDir()
	client := fake.New("limitless")
	s := newTestScheduler(t, root, client, testPollerConfig())
	writeActiveSet(t, root, "limitless", 1, "btc-up")

	now := time.Now()
	stepUntil(t, s, now, func() bool { return client.Calls("btc-up") >= 1 })

	writeActiveSet(t, root, "limitless", 2, "eth-up")
	later := now.Add(time.Second)
	stepUntil(t, s, later, func() bool { return client.Calls("eth-up") >= 1 })

	// drain anything in flight for the removed key, then confirm it is idle
	stepUntil(t, s, later, func() bool {
		_, busy := s.inflight["limitless:btc-up"]
		return !busy
	})
	calls := client.Calls("btc-up")
	for i := 0; i < 5; i++ {
		if err := s.step(context.Background(), later.Add(time.Duration(i+1)*time.Second)); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if client.Calls("btc-up") != calls {
		t.Errorf("removed instrument polled again: %d -> %d", calls, client.Calls("btc-up"))
	}
}
