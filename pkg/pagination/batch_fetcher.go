package pagination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page fetches
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// Buffer size for the page queue and result channels
	BufferSize int
	// MaxPages is the largest page count FetchAll accepts from page 1
	MaxPages int
}

// DefaultConfig returns conservative defaults for a public API.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		BufferSize:     64,
		MaxPages:       500,
	}
}

// ErrTooManyPages is returned when page 1 reports more pages than MaxPages.
var ErrTooManyPages = errors.New("page count exceeds limit")

// PageResult represents the result of fetching a single page
type PageResult[T any] struct {
	PageNumber int
	Items      []T
	Error      error
}

// BatchFetcher fetches every page of a source in parallel.
type BatchFetcher[T any] struct {
	fetcher Fetcher[T]
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher[T any](fetcher Fetcher[T], config Config) *BatchFetcher[T] {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 500
	}

	return &BatchFetcher[T]{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAll returns the items of every page in page order together with the
// Info reported by page 1. When some pages fail, the items of the pages that
// succeeded are returned along with an error.
func (bf *BatchFetcher[T]) FetchAll(ctx context.Context) ([]T, Info, error) {
	start := time.Now()

	firstCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	first, err := bf.fetcher.FetchPage(firstCtx, 1)
	cancel()
	if err != nil {
		return nil, Info{}, fmt.Errorf("failed to fetch first page: %w", err)
	}

	totalPages := first.Info.Pages
	log.Info().
		Int("total_pages", totalPages).
		Int("workers", bf.config.MaxConcurrency).
		Msg("Starting parallel page fetch")

	if totalPages <= 1 {
		return first.Items, first.Info, nil
	}
	if totalPages > bf.config.MaxPages {
		return first.Items, first.Info, fmt.Errorf("%w: upstream reported %d pages (max %d)",
			ErrTooManyPages, totalPages, bf.config.MaxPages)
	}

	results := map[int][]T{1: first.Items}

	pageQueue := make(chan int, bf.config.BufferSize)
	pageResults := make(chan PageResult[T], bf.config.BufferSize)

	// Fill page queue (skip page 1, already fetched)
	go func() {
		defer close(pageQueue)
		for page := 2; page <= totalPages; page++ {
			select {
			case pageQueue <- page:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < bf.config.MaxConcurrency; i++ {
		wg.Add(1)
		go bf.worker(ctx, pageQueue, pageResults, &wg, i)
	}

	go func() {
		wg.Wait()
		close(pageResults)
	}()

	var firstErr error
	failed := 0
	for result := range pageResults {
		if result.Error != nil {
			failed++
			if firstErr == nil {
				firstErr = result.Error
			}
			log.Warn().
				Err(result.Error).
				Int("page", result.PageNumber).
				Msg("Page fetch failed")
			continue
		}
		results[result.PageNumber] = result.Items
	}

	items := flatten(results)

	if firstErr != nil {
		return items, first.Info, fmt.Errorf("fetch incomplete (%d/%d pages): %w",
			totalPages-failed, totalPages, firstErr)
	}
	if err := ctx.Err(); err != nil {
		return items, first.Info, fmt.Errorf("fetch cancelled (%d/%d pages): %w",
			len(results), totalPages, err)
	}

	log.Info().
		Int("pages", len(results)).
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return items, first.Info, nil
}

// worker processes pages from the queue
func (bf *BatchFetcher[T]) worker(ctx context.Context, pageQueue <-chan int, results chan<- PageResult[T], wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		if ctx.Err() != nil {
			log.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
		page, err := bf.fetcher.FetchPage(pageCtx, pageNum)
		cancel()

		results <- PageResult[T]{PageNumber: pageNum, Items: page.Items, Error: err}
		pagesProcessed++
	}

	log.Debug().
		Int("worker_id", workerID).
		Int("pages_processed", pagesProcessed).
		Msg("Worker completed")
}

func flatten[T any](pages map[int][]T) []T {
	nums := make([]int, 0, len(pages))
	total := 0
	for n, items := range pages {
		nums = append(nums, n)
		total += len(items)
	}
	sort.Ints(nums)

	out := make([]T, 0, total)
	for _, n := range nums {
		out = append(out, pages[n]...)
	}
	return out
}
