// Package pagination fetches numbered pages of platform list endpoints in
// parallel.
//
// The first page is fetched alone to learn the page count (from an
// X-Total-Pages header or the body's page_info), then the remaining pages are
// spread across a small worker pool. The result is usually fed into an asset
// fetcher:
//
//	bf := pagination.NewBatchFetcher(pagination.NewClientFetcher(c, query), pagination.DefaultConfig(), logger)
//	items, err := bf.FetchItems(ctx, "advertiser/get/")
//
// A failing page cancels the remaining workers; the pages fetched so far are
// returned together with the error.
package pagination
