// Package pagination splits a segment's members into bounded pages and walks
// them in order.
//
// Page size grows in steps with the member count so that small segments use
// small batches and large segments are capped at MaxPageSize. Pages are
// fetched strictly one after another with a Pacer between requests; the
// platform processes one retrieval batch per page.
//
// Example usage:
//
//	size := pagination.PageSize(total)
//	pages := pagination.Pages(total, size)
//	w := pagination.NewWalker(ratelimit.NewPacer("segment_page", time.Minute))
//	err := w.Walk(ctx, pages, func(ctx context.Context, p pagination.Page) error {
//		return exportPage(ctx, p)
//	})
package pagination
