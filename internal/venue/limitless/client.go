// Package limitless implements the Limitless venue: a single-book CLOB where
// YES and NO share one orderbook per market.
package limitless

import (
	"context"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/errs"
	"github.com/predictops/bookwatch/internal/schema"
	"github.com/predictops/bookwatch/internal/venue"
)

// VenueName is the short venue identifier.
const VenueName = "limitless"

// Client discovers Limitless markets and opens fetch sessions.
type Client struct {
	cfg       config.VenueConfig
	discovery *http.Client
}

// New constructs the Limitless client. Underlyings to log come from the venue
// configuration.
func New(cfg config.VenueConfig) *Client {
	return &Client{
		cfg:       cfg,
		discovery: venue.NewHTTPClient(cfg.RequestTimeout.Std()),
	}
}

// Venue implements venue.Client.
func (c *Client) Venue() string { return VenueName }

type activeMarketsResponse struct {
	Data []marketPayload `json:"data"`
}

type marketPayload struct {
	ID                  json.RawMessage `json:"id"`
	Slug                string          `json:"slug"`
	Title               string          `json:"title"`
	Ticker              string          `json:"ticker"`
	TradeType           string          `json:"tradeType"`
	Status              string          `json:"status"`
	Expired             bool            `json:"expired"`
	ExpirationTimestamp int64           `json:"expirationTimestamp"`
	Tokens              *struct {
		YesTokenID string `json:"yesTokenId"`
		NoTokenID  string `json:"noTokenId"`
	} `json:"tokens"`
}

// Discover lists active markets and keeps CLOB markets matching the
// configured underlyings. One instrument per market: the YES/NO sides share
// an orderbook, polled by slug.
func (c *Client) Discover(ctx context.Context) ([]schema.Instrument, error) {
	body, err := venue.Get(ctx, c.discovery, VenueName, c.cfg.BaseURL+"/markets/active", nil)
	if err != nil {
		return nil, errs.New(VenueName, errs.CodeDiscovery, errs.WithMessage("list active markets"), errs.WithCause(err))
	}

	var payload activeMarketsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		// some deployments return a bare array
		if err2 := json.Unmarshal(body, &payload.Data); err2 != nil {
			return nil, errs.New(VenueName, errs.CodeDiscovery, errs.WithMessage("decode active markets"), errs.WithCause(err))
		}
	}

	var out []schema.Instrument
	for _, m := range payload.Data {
		if !c.matchesUnderlying(m) {
			continue
		}
		if !strings.EqualFold(m.TradeType, "clob") {
			continue
		}
		if m.Tokens == nil || m.Expired {
			continue
		}
		if m.Status != "FUNDED" && m.Status != "ACTIVE" {
			continue
		}
		if m.Slug == "" || m.ExpirationTimestamp <= 0 {
			continue
		}
		out = append(out, schema.Instrument{
			Venue:        VenueName,
			PollKey:      m.Slug,
			MarketID:     marketID(m.ID),
			ExpirationMS: m.ExpirationTimestamp,
			Slug:         m.Slug,
			Title:        m.Title,
			Outcome:      "BOOK",
			Underlying:   underlyingOf(m, c.cfg.Underlyings),
			Extra: map[string]any{
				"yes_token": m.Tokens.YesTokenID,
				"no_token":  m.Tokens.NoTokenID,
			},
		})
	}
	return out, nil
}

func (c *Client) matchesUnderlying(m marketPayload) bool {
	if len(c.cfg.Underlyings) == 0 {
		return true
	}
	return underlyingOf(m, c.cfg.Underlyings) != ""
}

func underlyingOf(m marketPayload, underlyings []string) string {
	ticker := strings.ToUpper(m.Ticker)
	title := strings.ToUpper(m.Title)
	for _, u := range underlyings {
		u = strings.ToUpper(strings.TrimSpace(u))
		if u == "" {
			continue
		}
		if strings.HasPrefix(ticker, u) || strings.Contains(title, u) {
			return u
		}
	}
	return ""
}

func marketID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// Session fetches orderbooks over a dedicated connection pool.
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

// GetOrderbook fetches the current orderbook for a market slug.
func (s *Session) GetOrderbook(ctx context.Context, pollKey string) (venue.Orderbook, error) {
	if pollKey == "" {
		return venue.Orderbook{}, errs.New(VenueName, errs.CodeInvalid, errs.WithMessage("poll key required"))
	}
	body, err := venue.Get(ctx, s.http, VenueName, s.baseURL+"/markets/"+pollKey+"/orderbook", nil)
	if err != nil {
		return venue.Orderbook{}, err
	}
	return venue.Orderbook{Raw: body}, nil
}
