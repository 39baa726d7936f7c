// Package polymarket implements the Polymarket venue: a dual-book CLOB where
// each market carries separate YES and NO orderbooks keyed by token ID.
package polymarket

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/errs"
	"github.com/predictops/bookwatch/internal/schema"
	"github.com/predictops/bookwatch/internal/venue"
)

// VenueName is the short venue identifier.
const VenueName = "polymarket"

// Client discovers Polymarket markets through the gamma API and opens CLOB
// fetch sessions.
type Client struct {
	cfg       config.VenueConfig
	discovery *http.Client
	now       func() time.Time
}

// New constructs the Polymarket client. Discovery rules come from the venue
// configuration and are consumed opaquely here.
func New(cfg config.VenueConfig) *Client {
	return &Client{
		cfg:       cfg,
		discovery: venue.NewHTTPClient(cfg.RequestTimeout.Std()),
		now:       time.Now,
	}
}

// Venue implements venue.Client.
func (c *Client) Venue() string { return VenueName }

type searchResponse struct {
	Events []struct {
		Markets []struct {
			Slug string `json:"slug"`
		} `json:"markets"`
	} `json:"events"`
}

type marketDetails struct {
	ID           json.RawMessage `json:"id"`
	Question     string          `json:"question"`
	Title        string          `json:"title"`
	Slug         string          `json:"slug"`
	Active       bool            `json:"active"`
	Closed       bool            `json:"closed"`
	EndDate      string          `json:"endDate"`
	ClobTokenIDs string          `json:"clobTokenIds"`
}

// Discover runs each configured rule's queries through public-search, fetches
// market details per discovered slug, applies the rule filters, and emits two
// instruments (YES and NO books) per surviving market.
func (c *Client) Discover(ctx context.Context) ([]schema.Instrument, error) {
	slugs := make(map[string]struct{})
	for _, rule := range c.cfg.Rules {
		for _, query := range rule.Queries {
			if err := c.collectSlugs(ctx, query, slugs); err != nil {
				return nil, err
			}
		}
	}

	nowMS := c.now().UnixMilli()
	var out []schema.Instrument
	for slug := range slugs {
		details, err := c.marketBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		if details == nil || !details.Active || details.Closed {
			continue
		}
		endMS, ok := parseEndMS(details.EndDate)
		if !ok {
			continue
		}
		minutes := float64(endMS-nowMS) / 60_000

		rule, ok := c.matchRule(details, minutes)
		if !ok {
			continue
		}

		tokenYes, tokenNo, ok := parseTokens(details.ClobTokenIDs)
		if !ok {
			continue
		}

		marketID := rawID(details.ID)
		title := details.Question
		if title == "" {
			title = details.Title
		}
		for _, side := range []struct {
			outcome string
			token   string
		}{
			{"YES", tokenYes},
			{"NO", tokenNo},
		} {
			out = append(out, schema.Instrument{
				Venue:        VenueName,
				PollKey:      side.token,
				MarketID:     marketID,
				ExpirationMS: endMS,
				Slug:         details.Slug,
				Title:        title,
				Outcome:      side.outcome,
				Rule:         rule,
			})
		}
	}
	return out, nil
}

func (c *Client) collectSlugs(ctx context.Context, query string, out map[string]struct{}) error {
	params := url.Values{
		"q":               {query},
		"limit_per_type":  {"50"},
		"search_tags":     {"false"},
		"search_profiles": {"false"},
		"optimized":       {"true"},
	}
	body, err := venue.Get(ctx, c.discovery, VenueName, c.gammaURL()+"/public-search", params)
	if err != nil {
		return errs.New(VenueName, errs.CodeDiscovery, errs.WithMessage("public search "+query), errs.WithCause(err))
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errs.New(VenueName, errs.CodeDiscovery, errs.WithMessage("decode public search"), errs.WithCause(err))
	}
	for _, event := range resp.Events {
		for _, market := range event.Markets {
			if market.Slug != "" {
				out[market.Slug] = struct{}{}
			}
		}
	}
	return nil
}

func (c *Client) marketBySlug(ctx context.Context, slug string) (*marketDetails, error) {
	body, err := venue.Get(ctx, c.discovery, VenueName, c.gammaURL()+"/markets", url.Values{"slug": {slug}})
	if err != nil {
		return nil, errs.New(VenueName, errs.CodeDiscovery, errs.WithMessage("market details "+slug), errs.WithCause(err))
	}
	// the endpoint returns a list
	var list []marketDetails
	if err := json.Unmarshal(body, &list); err != nil {
		var single marketDetails
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return nil, errs.New(VenueName, errs.CodeDiscovery, errs.WithMessage("decode market details"), errs.WithCause(err))
		}
		return &single, nil
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (c *Client) matchRule(details *marketDetails, minutesToExpiry float64) (string, bool) {
	title := strings.ToLower(details.Question)
	if title == "" {
		title = strings.ToLower(details.Title)
	}
	for _, rule := range c.cfg.Rules {
		if minutesToExpiry < rule.MinMinutesToExpiry {
			continue
		}
		if rule.MaxMinutesToExpiry > 0 && minutesToExpiry > rule.MaxMinutesToExpiry {
			continue
		}
		if len(rule.MustContain) > 0 && !containsAny(title, rule.MustContain) {
			continue
		}
		if containsAny(title, rule.MustNotContain) {
			continue
		}
		return rule.Name, true
	}
	return "", false
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if needle == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}

func (c *Client) gammaURL() string {
	if c.cfg.GammaURL != "" {
		return c.cfg.GammaURL
	}
	return "https://gamma-api.polymarket.com"
}

func parseEndMS(endDate string) (int64, bool) {
	if endDate == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, endDate)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// parseTokens decodes the clobTokenIds field, a JSON-encoded string holding
// [yesToken, noToken].
func parseTokens(encoded string) (string, string, bool) {
	var tokens []string
	if err := json.Unmarshal([]byte(encoded), &tokens); err != nil || len(tokens) < 2 {
		return "", "", false
	}
	if tokens[0] == "" || tokens[1] == "" {
		return "", "", false
	}
	return tokens[0], tokens[1], true
}

func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// Session fetches CLOB orderbooks over a dedicated connection pool.
type Session struct {
	baseURL string
	http    *http.Client
}

// NewSession implements venue.Client.
func (c *Client) NewSession() venue.Session {
	return &Session{
		baseURL: c.cfg.BaseURL,
		http:    venue.NewHTTPClient(c.cfg.RequestTimeout.Std()),
	}
}

type bookEnvelope struct {
	Timestamp string `json:"timestamp"`
}

// GetOrderbook fetches one token's book from the CLOB endpoint. The payload's
// own timestamp (epoch ms) is surfaced as the venue as-of time.
func (s *Session) GetOrderbook(ctx context.Context, pollKey string) (venue.Orderbook, error) {
	if pollKey == "" {
		return venue.Orderbook{}, errs.New(VenueName, errs.CodeInvalid, errs.WithMessage("poll key required"))
	}
	body, err := venue.Get(ctx, s.http, VenueName, s.baseURL+"/book", url.Values{"token_id": {pollKey}})
	if err != nil {
		return venue.Orderbook{}, err
	}
	var envelope bookEnvelope
	var obTsMS int64
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Timestamp != "" {
		obTsMS = parseEpochMS(envelope.Timestamp)
	}
	return venue.Orderbook{Raw: body, ObTsMS: obTsMS}, nil
}

func parseEpochMS(s string) int64 {
	var ms int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		ms = ms*10 + int64(r-'0')
	}
	return ms
}
