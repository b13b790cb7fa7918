package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-stats-exporter/internal/cache"
	"fleet-stats-exporter/internal/models"
	"fleet-stats-exporter/internal/samsara"
)

type call struct {
	Stat   models.StatType
	Cursor string
}

// fakeSource serves scripted pages per stat type. Cursors are "p<N>".
type fakeSource struct {
	mu      sync.Mutex
	calls   []call
	pages   map[models.StatType][]*samsara.Page
	errs    map[string]error // "stat/cursor" -> error
	forever bool
}

func (f *fakeSource) StatsHistory(_ context.Context, stat models.StatType, _, _ time.Time, cursor string) (*samsara.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Stat: stat, Cursor: cursor})

	if err, ok := f.errs[string(stat)+"/"+cursor]; ok {
		return nil, err
	}
	if f.forever {
		return &samsara.Page{EndCursor: fmt.Sprintf("p%d", len(f.calls)), HasNextPage: true}, nil
	}
	idx := 0
	if cursor != "" {
		_, _ = fmt.Sscanf(cursor, "p%d", &idx)
	}
	pages := f.pages[stat]
	if idx >= len(pages) {
		return nil, fmt.Errorf("unexpected cursor %q", cursor)
	}
	return pages[idx], nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func scriptedPages(records ...[]string) []*samsara.Page {
	pages := make([]*samsara.Page, len(records))
	for i, recs := range records {
		data := make([]json.RawMessage, len(recs))
		for j, r := range recs {
			data[j] = json.RawMessage(r)
		}
		pages[i] = &samsara.Page{Data: data}
		if i < len(records)-1 {
			pages[i].HasNextPage = true
			pages[i].EndCursor = fmt.Sprintf("p%d", i+1)
		}
	}
	return pages
}

func newFetcher(t *testing.T, src PageSource, opts Options) (*Fetcher, *cache.Store) {
	t.Helper()
	store, err := cache.New(t.TempDir())
	require.NoError(t, err)
	return New(src, store, opts, zerolog.Nop()), store
}

func oneDay(t *testing.T, stats ...models.StatType) []models.Window {
	t.Helper()
	windows, err := Windows("2025-06-08", 1, time.UTC, stats)
	require.NoError(t, err)
	return windows
}

func TestRun_PaginatesUntilLastPage(t *testing.T) {
	src := &fakeSource{pages: map[models.StatType][]*samsara.Page{
		"engineRpm": scriptedPages([]string{`{"id":"1"}`, `{"id":"2"}`}, []string{`{"id":"3"}`}, []string{`{"id":"4"}`}),
	}}
	f, store := newFetcher(t, src, Options{})

	result, err := f.Run(context.Background(), oneDay(t, "engineRpm"))
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Len(t, result.Fetched, 1)

	assert.Equal(t, []call{{"engineRpm", ""}, {"engineRpm", "p1"}, {"engineRpm", "p2"}}, src.calls)

	data, err := store.Read("2025-06-08", "engineRpm")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1"},{"id":"2"},{"id":"3"},{"id":"4"}]`, string(data))
}

func TestRun_IsIdempotent(t *testing.T) {
	src := &fakeSource{pages: map[models.StatType][]*samsara.Page{
		"a": scriptedPages([]string{`{"id":"1"}`}, []string{`{"id":"2"}`}),
		"b": scriptedPages([]string{`{"id":"3"}`}),
	}}
	f, store := newFetcher(t, src, Options{})
	windows := oneDay(t, "a", "b")

	_, err := f.Run(context.Background(), windows)
	require.NoError(t, err)
	calls := src.callCount()
	before, err := store.Read("2025-06-08", "a")
	require.NoError(t, err)

	result, err := f.Run(context.Background(), windows)
	require.NoError(t, err)
	assert.Equal(t, calls, src.callCount(), "second run must not touch the network")
	assert.Len(t, result.Skipped, 2)
	assert.Empty(t, result.Fetched)

	after, err := store.Read("2025-06-08", "a")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRun_InterruptedPaginationLeavesNoArtifact(t *testing.T) {
	src := &fakeSource{
		pages: map[models.StatType][]*samsara.Page{
			"a": scriptedPages([]string{`{"id":"1"}`}, []string{`{"id":"2"}`}),
		},
		errs: map[string]error{"a/p1": errors.New("connection reset")},
	}
	f, store := newFetcher(t, src, Options{})
	windows := oneDay(t, "a")

	result, err := f.Run(context.Background(), windows)
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "2025-06-08/a", result.Failed[0].Window.String())

	exists, err := store.Exists("2025-06-08", "a")
	require.NoError(t, err)
	assert.False(t, exists)
	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The failure clears; a re-run completes the window.
	src.errs = nil
	result, err = f.Run(context.Background(), windows)
	require.NoError(t, err)
	assert.Len(t, result.Fetched, 1)
	data, err := store.Read("2025-06-08", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1"},{"id":"2"}]`, string(data))
}

func TestRun_IsolatesWindowFailures(t *testing.T) {
	src := &fakeSource{
		pages: map[models.StatType][]*samsara.Page{
			"a": scriptedPages([]string{`{"id":"1"}`}),
			"b": scriptedPages([]string{`{"id":"2"}`}),
			"c": scriptedPages([]string{`{"id":"3"}`}),
		},
		errs: map[string]error{"b/": &samsara.StatusError{StatusCode: 500, Body: "boom"}},
	}
	f, store := newFetcher(t, src, Options{Workers: 2})

	result, err := f.Run(context.Background(), oneDay(t, "a", "b", "c"))
	require.NoError(t, err)
	assert.Len(t, result.Fetched, 2)
	require.Len(t, result.Failed, 1)

	var statusErr *samsara.StatusError
	assert.ErrorAs(t, result.Failed[0], &statusErr)
	assert.Error(t, result.Err())

	assert.FileExists(t, store.Path("2025-06-08", "a"))
	assert.NoFileExists(t, store.Path("2025-06-08", "b"))
	assert.FileExists(t, store.Path("2025-06-08", "c"))
}

func TestRun_AuthErrorAbortsBatch(t *testing.T) {
	src := &fakeSource{
		pages: map[models.StatType][]*samsara.Page{
			"b": scriptedPages([]string{`{"id":"2"}`}),
		},
		errs: map[string]error{"a/": &samsara.AuthError{StatusCode: 401, Reason: "bad token"}},
	}
	f, store := newFetcher(t, src, Options{Workers: 1})

	windows, err := Windows("2025-06-08", 3, time.UTC, []models.StatType{"a", "b"})
	require.NoError(t, err)

	_, err = f.Run(context.Background(), windows)
	var authErr *samsara.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, src.callCount(), "no window may be attempted after an auth failure")
	assert.NoFileExists(t, store.Path("2025-06-08", "b"))
}

func TestRun_MalformedPaginationIsProtocolError(t *testing.T) {
	src := &fakeSource{pages: map[models.StatType][]*samsara.Page{
		"a": {{Data: []json.RawMessage{json.RawMessage(`{}`)}, HasNextPage: true}},
	}}
	f, _ := newFetcher(t, src, Options{})

	result, err := f.Run(context.Background(), oneDay(t, "a"))
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	var protoErr *samsara.ProtocolError
	assert.ErrorAs(t, result.Failed[0], &protoErr)
}

func TestRun_PageLimitGuardsEndlessPagination(t *testing.T) {
	src := &fakeSource{forever: true}
	f, store := newFetcher(t, src, Options{MaxPages: 5})

	result, err := f.Run(context.Background(), oneDay(t, "a"))
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)

	var protoErr *samsara.ProtocolError
	require.ErrorAs(t, result.Failed[0], &protoErr)
	assert.Equal(t, 5, src.callCount())
	assert.NoFileExists(t, store.Path("2025-06-08", "a"))
}

func TestRun_ConcurrentWorkersFetchEachWindowOnce(t *testing.T) {
	stats := []models.StatType{"a", "b", "c", "d"}
	pages := map[models.StatType][]*samsara.Page{}
	for _, st := range stats {
		pages[st] = scriptedPages([]string{`{"id":"x"}`}, []string{`{"id":"y"}`})
	}
	src := &fakeSource{pages: pages}
	f, store := newFetcher(t, src, Options{Workers: 4})

	windows, err := Windows("2025-06-08", 5, time.UTC, stats)
	require.NoError(t, err)

	result, err := f.Run(context.Background(), windows)
	require.NoError(t, err)
	assert.Len(t, result.Fetched, 20)
	assert.Equal(t, 40, src.callCount())

	matches, err := filepath.Glob(filepath.Join(store.Root(), "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 20)
}

func TestRun_EmptyWindowWritesEmptyArtifact(t *testing.T) {
	src := &fakeSource{pages: map[models.StatType][]*samsara.Page{
		"a": {{HasNextPage: false}},
	}}
	f, store := newFetcher(t, src, Options{})

	_, err := f.Run(context.Background(), oneDay(t, "a"))
	require.NoError(t, err)
	data, err := store.Read("2025-06-08", "a")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}
