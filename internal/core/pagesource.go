package core

import "context"

// PageSource is a readable handle onto a paginated document. The total
// page count is known before iteration; pages are fetched one at a time
// so at most one page's text is live in memory.
type PageSource interface {
	PageCount() int
	// PageText extracts the text of page n (1-based).
	PageText(n int) (string, error)
	Close() error
}

// PageSourceOpener defers opening a PageSource until the ingestion worker
// actually dequeues the job, so queued documents hold no resources.
type PageSourceOpener func(ctx context.Context) (PageSource, error)
