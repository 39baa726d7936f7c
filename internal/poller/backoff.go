package poller

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/internal/schema"
)

type backoffEntry struct {
	bo       *backoff.ExponentialBackOff
	failures int
	next     time.Time
}

// backoffTable tracks per-instrument retry state. An instrument with no entry
// is always eligible; consecutive failures push its next-eligible time out
// exponentially with jitter, and the first success clears the entry.
type backoffTable struct {
	cfg     config.BackoffConfig
	entries map[string]*backoffEntry
}

func newBackoffTable(cfg config.BackoffConfig) *backoffTable {
	return &backoffTable{cfg: cfg, entries: make(map[string]*backoffEntry)}
}

// Eligible reports whether the instrument may be dispatched at now.
func (t *backoffTable) Eligible(key string, now time.Time) bool {
	entry, ok := t.entries[key]
	if !ok {
		return true
	}
	return !now.Before(entry.next)
}

// Fail records a failed fetch and returns the consecutive failure count and
// the delay before the next attempt.
func (t *backoffTable) Fail(key string, now time.Time) (int, time.Duration) {
	entry, ok := t.entries[key]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = t.cfg.Base.Std()
		bo.MaxInterval = t.cfg.Cap.Std()
		bo.RandomizationFactor = t.cfg.JitterFrac
		bo.Multiplier = 2
		entry = &backoffEntry{bo: bo}
		t.entries[key] = entry
	}
	entry.failures++
	delay := entry.bo.NextBackOff()
	if ceiling := t.cfg.Cap.Std(); delay > ceiling {
		delay = ceiling
	}
	entry.next = now.Add(delay)
	return entry.failures, delay
}

// Clear drops the instrument's backoff state after a successful fetch.
func (t *backoffTable) Clear(key string) {
	delete(t.entries, key)
}

// GC removes entries for instruments no longer in the active set.
func (t *backoffTable) GC(active map[string]schema.Instrument) {
	for key := range t.entries {
		if _, ok := active[key]; !ok {
			delete(t.entries, key)
		}
	}
}

func (t *backoffTable) Len() int { return len(t.entries) }
