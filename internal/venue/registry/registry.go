// Package registry resolves configured venue names to their runtime
// capability bundles.
package registry

import (
	"fmt"

	"github.com/predictops/bookwatch/config"
	"github.com/predictops/bookwatch/internal/venue"
	"github.com/predictops/bookwatch/internal/venue/limitless"
	"github.com/predictops/bookwatch/internal/venue/polymarket"
)

// Build constructs a Runtime per configured venue. Unknown venue names are a
// startup error.
func Build(cfg config.Settings) ([]venue.Runtime, error) {
	runtimes := make([]venue.Runtime, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		switch vc.Name {
		case limitless.VenueName:
			runtimes = append(runtimes, venue.Runtime{
				Client:     limitless.New(vc),
				Normalizer: limitless.NewNormalizer(cfg.Poller.FullOrderbook),
				Config:     vc,
			})
		case polymarket.VenueName:
			runtimes = append(runtimes, venue.Runtime{
				Client:     polymarket.New(vc),
				Normalizer: polymarket.NewNormalizer(cfg.Poller.FullOrderbook),
				Config:     vc,
			})
		default:
			return nil, fmt.Errorf("unknown venue %q", vc.Name)
		}
	}
	return runtimes, nil
}
