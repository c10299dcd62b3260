package ingestion_engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/equitylens/equitylens/internal/core"
)

// streamPages converts a PageSource into a lazy, forward-only stream of
// pages. The page-count ceiling is enforced before any page is extracted;
// at most one page's text is buffered in the channel at a time.
//
// numbered=false marks every emitted page 0 (unknown), for sources
// without real page structure.
func streamPages(
	ctx context.Context,
	g *errgroup.Group,
	src core.PageSource,
	maxPages int,
	numbered bool,
) <-chan page {
	out := make(chan page, 1)

	g.Go(func() error {
		defer close(out)

		count := src.PageCount()
		if maxPages > 0 && count > maxPages {
			return &core.DocumentTooLargeError{Pages: count, MaxPages: maxPages}
		}

		for i := 1; i <= count; i++ {
			text, err := src.PageText(i)
			if err != nil {
				return err
			}

			p := page{Number: i, Text: text}
			if !numbered {
				p.Number = 0
			}

			select {
			case out <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return out
}
