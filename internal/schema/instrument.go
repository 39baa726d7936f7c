// Package schema defines the wire records and in-memory sets shared by the
// discovery and polling processes.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/predictops/bookwatch/errs"
)

// Instrument describes a single pollable order-book stream at a venue.
type Instrument struct {
	Venue        string         `json:"venue"`
	PollKey      string         `json:"poll_key"`
	MarketID     string         `json:"market_id"`
	ExpirationMS int64          `json:"expiration_ms"`
	Slug         string         `json:"slug,omitempty"`
	Title        string         `json:"title,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	Underlying   string         `json:"underlying,omitempty"`
	Rule         string         `json:"rule,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Key returns the globally unique instrument key.
func (i Instrument) Key() string {
	return i.Venue + ":" + i.PollKey
}

// Validate ensures the instrument carries its required identity fields.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Venue) == "" {
		return errs.New(i.Venue, errs.CodeInvalid, errs.WithMessage("venue required"))
	}
	if strings.TrimSpace(i.PollKey) == "" {
		return errs.New(i.Venue, errs.CodeInvalid, errs.WithMessage("poll_key required"))
	}
	if strings.TrimSpace(i.MarketID) == "" {
		return errs.New(i.Venue, errs.CodeInvalid, errs.WithMessage("market_id required"))
	}
	if i.ExpirationMS <= 0 {
		return errs.New(i.Venue, errs.CodeInvalid, errs.WithMessage("expiration_ms required"), errs.WithInstrument(i.Key()))
	}
	return nil
}

// Equal reports whether two instruments carry identical attributes. Extra is
// compared shallowly by key and rendered value.
func (i Instrument) Equal(other Instrument) bool {
	if i.Venue != other.Venue ||
		i.PollKey != other.PollKey ||
		i.MarketID != other.MarketID ||
		i.ExpirationMS != other.ExpirationMS ||
		i.Slug != other.Slug ||
		i.Title != other.Title ||
		i.Outcome != other.Outcome ||
		i.Underlying != other.Underlying ||
		i.Rule != other.Rule {
		return false
	}
	if len(i.Extra) != len(other.Extra) {
		return false
	}
	for k, v := range i.Extra {
		ov, ok := other.Extra[k]
		// rendered comparison: Extra values may be non-comparable after a
		// JSON round-trip (nested maps, slices)
		if !ok || fmt.Sprint(v) != fmt.Sprint(ov) {
			return false
		}
	}
	return true
}

// ActiveSet is the venue's current set of instruments to poll, produced by a
// single discovery run and totally replaced on the next.
type ActiveSet struct {
	AsOfUTC     string                `json:"asof_ts_utc"`
	Seq         uint64                `json:"seq"`
	Venue       string                `json:"venue"`
	Count       int                   `json:"count"`
	Instruments map[string]Instrument `json:"instruments"`
}

// Keys returns the instrument keys in sorted order, giving the scheduler a
// deterministic dispatch order for a stable snapshot.
func (s ActiveSet) Keys() []string {
	keys := make([]string, 0, len(s.Instruments))
	for k := range s.Instruments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
