package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/ratelimit"
	"github.com/rs/zerolog/log"
)

// PageFunc processes one page.
type PageFunc func(ctx context.Context, p Page) error

// Walker visits pages sequentially, pacing successive pages.
type Walker struct {
	pacer *ratelimit.Pacer
}

// NewWalker creates a walker. A nil pacer means no delay between pages.
func NewWalker(pacer *ratelimit.Pacer) *Walker {
	if pacer == nil {
		pacer = ratelimit.NewPacer("page", 0)
	}
	return &Walker{pacer: pacer}
}

// Walk calls fn for every page in order and stops at the first error, which
// is returned annotated with the failing page.
func (w *Walker) Walk(ctx context.Context, pages []Page, fn PageFunc) error {
	start := time.Now()

	for i, p := range pages {
		if err := w.pacer.Wait(ctx); err != nil {
			return fmt.Errorf("wait before %s: %w", p, err)
		}

		if err := fn(ctx, p); err != nil {
			log.Warn().
				Err(err).
				Int("page", p.Number).
				Int("offset", p.Offset).
				Msg("Page failed")
			return fmt.Errorf("%s: %w", p, err)
		}

		log.Info().
			Int("page", p.Number).
			Int("done", i+1).
			Int("total", len(pages)).
			Float64("progress_pct", float64(i+1)/float64(len(pages))*100).
			Msg("Page complete")
	}

	log.Info().
		Int("pages", len(pages)).
		Dur("duration", time.Since(start)).
		Msg("All pages complete")

	return nil
}
