// Package pagination holds the page-index state machine behind the episode
// list and the helpers that fetch pages from a paged query source.
//
// State is a pure value: Next and Prev return the successor state and never
// leave [1, Total] once Total is known.
//
// Controller owns a State plus the latest query outcome. Every page change
// issues one fetch in the background; nothing is coalesced or cancelled. A
// response is applied only while its page is still current, so the last
// response to resolve for the current page wins.
//
//	ctrl := pagination.NewController[client.Episode](ctx, apiClient)
//	ctrl.Start()
//	ctrl.Next()
//	view := ctrl.Snapshot()
//
// BatchFetcher walks every page with a worker pool:
//
//   - fetches page 1 to learn the page count
//   - spreads pages 2..N across workers
//   - returns items in page order, with partial data on failure
package pagination
