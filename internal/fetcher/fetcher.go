// Package fetcher fills the cache with one artifact per (date, stat type)
// window, paginating the stats history endpoint.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fleet-stats-exporter/internal/cache"
	"fleet-stats-exporter/internal/models"
	"fleet-stats-exporter/internal/samsara"
)

const DefaultMaxPages = 10000

// PageSource returns one page of stats history. *samsara.Client implements it.
type PageSource interface {
	StatsHistory(ctx context.Context, stat models.StatType, start, end time.Time, cursor string) (*samsara.Page, error)
}

// Options tunes a fetch run.
type Options struct {
	Workers  int
	MaxPages int
}

// Result summarizes a run.
type Result struct {
	Fetched []models.Window
	Skipped []models.Window
	Failed  []*FetchError
}

// Err joins the window failures, or returns nil when every window succeeded.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Fetcher ensures cache artifacts exist for requested windows.
type Fetcher struct {
	source PageSource
	store  *cache.Store
	opts   Options
	logger *zerolog.Logger

	locks sync.Map // artifact path -> *sync.Mutex
}

// New creates a Fetcher.
func New(source PageSource, store *cache.Store, opts Options, logger zerolog.Logger) *Fetcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxPages < 1 {
		opts.MaxPages = DefaultMaxPages
	}
	return &Fetcher{
		source: source,
		store:  store,
		opts:   opts,
		logger: &logger,
	}
}

// Run processes every window. Window failures are collected in the result
// and never stop the batch; an AuthError stops it and is returned as the
// error alongside the partial result.
func (f *Fetcher) Run(ctx context.Context, windows []models.Window) (*Result, error) {
	if removed, err := f.store.Sweep(); err != nil {
		f.logger.Warn().Err(err).Msg("failed to sweep interrupted writes")
	} else if removed > 0 {
		f.logger.Info().Int("files", removed).Msg("removed interrupted artifact writes")
	}

	var (
		mu     sync.Mutex
		result = &Result{}
	)
	group, gCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.opts.Workers)

	for _, w := range windows {
		if gCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			fetched, err := f.fetchWindow(gCtx, w)
			if err != nil {
				var authErr *samsara.AuthError
				if errors.As(err, &authErr) {
					return authErr
				}
				var fetchErr *FetchError
				if !errors.As(err, &fetchErr) {
					fetchErr = &FetchError{Window: w, Err: err}
				}
				f.logger.Error().Err(fetchErr.Err).Str("window", w.String()).Msg("window failed")
				mu.Lock()
				result.Failed = append(result.Failed, fetchErr)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			if fetched {
				result.Fetched = append(result.Fetched, w)
			} else {
				result.Skipped = append(result.Skipped, w)
			}
			mu.Unlock()
			return nil
		})
	}

	err := group.Wait()
	sortWindows(result.Fetched)
	sortWindows(result.Skipped)
	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].Window.String() < result.Failed[j].Window.String()
	})
	if err != nil {
		return result, err
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// fetchWindow reports whether a network fetch happened (false when the
// artifact already existed).
func (f *Fetcher) fetchWindow(ctx context.Context, w models.Window) (bool, error) {
	lock := f.lockFor(w)
	lock.Lock()
	defer lock.Unlock()

	logger := f.logger.With().Str("window", w.String()).Logger()

	exists, err := f.store.Exists(w.Date, w.StatType)
	if err != nil {
		return false, &FetchError{Window: w, Err: err}
	}
	if exists {
		logger.Debug().Msg("artifact exists, skipping")
		return false, nil
	}

	started := time.Now()
	var (
		records []json.RawMessage
		pages   int
	)
	for page, err := range f.pages(ctx, w) {
		if err != nil {
			var authErr *samsara.AuthError
			if errors.As(err, &authErr) {
				return false, authErr
			}
			return false, &FetchError{Window: w, Err: err}
		}
		pages++
		records = append(records, page.Data...)
		logger.Debug().Int("page", pages).Int("records", len(records)).Msg("page received")
	}

	if err := f.store.Write(w.Date, w.StatType, records); err != nil {
		return false, &FetchError{Window: w, Err: err}
	}
	logger.Info().
		Int("pages", pages).
		Int("records", len(records)).
		Dur("elapsed", time.Since(started)).
		Msg("window fetched")
	return true, nil
}

// pages yields pages in request order until the API reports no next page.
// Iteration stops after the first error.
func (f *Fetcher) pages(ctx context.Context, w models.Window) iter.Seq2[*samsara.Page, error] {
	return func(yield func(*samsara.Page, error) bool) {
		cursor := ""
		for n := 1; ; n++ {
			if n > f.opts.MaxPages {
				yield(nil, &samsara.ProtocolError{
					Page:   n,
					Reason: fmt.Sprintf("still reporting more pages after %d pages", f.opts.MaxPages),
				})
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := f.source.StatsHistory(ctx, w.StatType, w.Start, w.End, cursor)
			if err != nil {
				var protoErr *samsara.ProtocolError
				if errors.As(err, &protoErr) && protoErr.Page == 0 {
					protoErr.Page = n
				}
				yield(nil, err)
				return
			}
			if page.HasNextPage && page.EndCursor == "" {
				yield(nil, &samsara.ProtocolError{Page: n, Reason: "hasNextPage is true but endCursor is empty"})
				return
			}
			if !yield(page, nil) || !page.HasNextPage {
				return
			}
			cursor = page.EndCursor
		}
	}
}

func (f *Fetcher) lockFor(w models.Window) *sync.Mutex {
	lock, _ := f.locks.LoadOrStore(f.store.Path(w.Date, w.StatType), &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func sortWindows(ws []models.Window) {
	sort.Slice(ws, func(i, j int) bool {
		return ws[i].String() < ws[j].String()
	})
}
