package poller

import (
	"time"

	"github.com/predictops/bookwatch/config"
)

// tickOutcome aggregates the fetch results observed during one scheduler tick.
type tickOutcome struct {
	Attempts    int
	Failures    int
	RateLimited int
	P95MS       int64
}

// aimdController adjusts the venue's inflight limit: multiplicative decrease
// on rate limiting, single-step decrease on sustained failure or latency, and
// additive increase only after a full stable period.
type aimdController struct {
	cfg config.AIMDConfig

	limit         int
	cooldownUntil time.Time
	lastAdjust    time.Time
	stableSince   time.Time

	windowAttempts int
	windowFailures int
}

func newAIMDController(cfg config.AIMDConfig, now time.Time) *aimdController {
	limit := cfg.Initial
	if limit < 1 {
		limit = 1
	}
	if limit > cfg.Ceiling {
		limit = cfg.Ceiling
	}
	return &aimdController{
		cfg:         cfg,
		limit:       limit,
		lastAdjust:  now,
		stableSince: now,
	}
}

// Limit returns the current inflight limit.
func (c *aimdController) Limit() int { return c.limit }

// InCooldown reports whether dispatch is suspended at now.
func (c *aimdController) InCooldown(now time.Time) bool {
	return now.Before(c.cooldownUntil)
}

// CooldownRemaining returns the time left in the current cooldown, or zero.
func (c *aimdController) CooldownRemaining(now time.Time) time.Duration {
	if remaining := c.cooldownUntil.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// Observe feeds one tick's results into the controller and applies at most
// one limit adjustment. It returns the change in limit (negative, zero or
// positive).
func (c *aimdController) Observe(now time.Time, tick tickOutcome) int {
	c.windowAttempts += tick.Attempts
	c.windowFailures += tick.Failures

	if tick.RateLimited > 0 {
		before := c.limit
		c.limit /= 2
		if c.limit < 1 {
			c.limit = 1
		}
		c.cooldownUntil = now.Add(c.cfg.CooldownOn429.Std())
		c.resetWindow(now)
		return c.limit - before
	}

	failRate := 0.0
	if c.windowAttempts > 0 {
		failRate = float64(c.windowFailures) / float64(c.windowAttempts)
	}

	if c.windowAttempts > 0 && failRate >= c.cfg.HighFailRate {
		return c.decrement(now)
	}
	if tick.P95MS > 0 && tick.P95MS >= c.cfg.HighLatencyMS {
		return c.decrement(now)
	}

	// increases need evidence: at least one observed attempt in the window
	if c.limit < c.cfg.Ceiling &&
		c.windowAttempts > 0 &&
		now.Sub(c.stableSince) >= c.cfg.StablePeriod.Std() &&
		now.Sub(c.lastAdjust) >= c.cfg.MinAdjustInterval.Std() &&
		failRate < c.cfg.HighFailRate/2 &&
		(tick.P95MS == 0 || tick.P95MS < c.cfg.LowLatencyMS) {
		c.limit++
		c.lastAdjust = now
		c.windowAttempts = 0
		c.windowFailures = 0
		return 1
	}
	return 0
}

func (c *aimdController) decrement(now time.Time) int {
	if c.limit > 1 {
		c.limit--
		c.resetWindow(now)
		return -1
	}
	c.resetWindow(now)
	return 0
}

func (c *aimdController) resetWindow(now time.Time) {
	c.stableSince = now
	c.lastAdjust = now
	c.windowAttempts = 0
	c.windowFailures = 0
}
