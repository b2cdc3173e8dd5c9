package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests.
	// Platform list endpoints rarely tolerate more than a handful.
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// BufferSize for the page and result channels
	BufferSize int
	// MaxPages stops the fetch early for very large listings (0 = no cap).
	MaxPages int
}

// DefaultConfig returns a conservative configuration for platform APIs.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		BufferSize:     64,
	}
}

// PageFetcher fetches a single page and reports the total page count.
type PageFetcher interface {
	FetchPage(ctx context.Context, endpoint string, pageNum int) (data []byte, totalPages int, err error)
}

// PageResult represents the result of fetching a single page
type PageResult struct {
	PageNumber int
	Data       []byte
	Error      error
}

// BatchFetcher fetches the pages of one endpoint in parallel.
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config, logger zerolog.Logger) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logger.With().Str("component", "pagination").Logger(),
	}
}

// FetchAllPages fetches every page of endpoint. The first page is fetched
// alone to learn the page count; the rest are spread over a worker pool.
// On a worker error the pages fetched so far are returned with the error.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, endpoint string) (map[int][]byte, error) {
	start := time.Now()

	firstPage, totalPages, err := bf.fetchOne(ctx, endpoint, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}
	if bf.config.MaxPages > 0 && totalPages > bf.config.MaxPages {
		bf.logger.Warn().
			Str("endpoint", endpoint).
			Int("total_pages", totalPages).
			Int("max_pages", bf.config.MaxPages).
			Msg("Page count capped")
		totalPages = bf.config.MaxPages
	}

	results := map[int][]byte{1: firstPage}
	if totalPages <= 1 {
		bf.logger.Debug().
			Str("endpoint", endpoint).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return results, nil
	}

	bf.logger.Debug().
		Str("endpoint", endpoint).
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	pageQueue := make(chan int, bf.config.BufferSize)
	pageResults := make(chan PageResult, bf.config.BufferSize)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(pageQueue)
		for page := 2; page <= totalPages; page++ {
			select {
			case pageQueue <- page:
			case <-workerCtx.Done():
				return
			}
		}
	}()

	workers := min(bf.config.MaxConcurrency, totalPages-1)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(workerCtx, endpoint, pageQueue, pageResults, &wg)
	}

	go func() {
		wg.Wait()
		close(pageResults)
	}()

	var firstErr error
	for result := range pageResults {
		if result.Error != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch page %d: %w", result.PageNumber, result.Error)
				cancel()
			}
			continue
		}
		results[result.PageNumber] = result.Data
	}

	if firstErr != nil {
		bf.logger.Warn().
			Err(firstErr).
			Str("endpoint", endpoint).
			Int("fetched_pages", len(results)).
			Int("total_pages", totalPages).
			Msg("Returning partial results")
		return results, fmt.Errorf("partial data %d/%d pages: %w", len(results), totalPages, firstErr)
	}

	bf.logger.Debug().
		Str("endpoint", endpoint).
		Int("pages", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

func (bf *BatchFetcher) fetchOne(ctx context.Context, endpoint string, page int) ([]byte, int, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.fetcher.FetchPage(pageCtx, endpoint, page)
}

func (bf *BatchFetcher) worker(ctx context.Context, endpoint string, pageQueue <-chan int, results chan<- PageResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for pageNum := range pageQueue {
		if ctx.Err() != nil {
			return
		}

		data, _, err := bf.fetchOne(ctx, endpoint, pageNum)

		select {
		case results <- PageResult{PageNumber: pageNum, Data: data, Error: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
