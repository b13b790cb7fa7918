package transform_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-stats-exporter/internal/cache"
	"fleet-stats-exporter/internal/fetcher"
	"fleet-stats-exporter/internal/models"
	"fleet-stats-exporter/internal/samsara"
	"fleet-stats-exporter/internal/transform"
)

const (
	odometerPage1 = `{"data":[
  {"id":"1","name":"T1","externalIds":{"samsara.vin":"VINA"},"gpsOdometerMeters":[
    {"time":"2025-06-08T12:00:00Z","value":1000},
    {"time":"2025-06-08T12:03:00Z","value":1300}]},
  {"id":"2","name":"T2","externalIds":{"samsara.vin":"VINB"},"gpsOdometerMeters":[
    {"time":"2025-06-08T12:01:30Z","value":50}]}
],"pagination":{"endCursor":"next","hasNextPage":true}}`
	odometerPage2 = `{"data":[
  {"id":"2","name":"T2","externalIds":{"samsara.vin":"VINB"},"gpsOdometerMeters":[
    {"time":"2025-06-08T12:02:00Z","value":80}]}
],"pagination":{"endCursor":"","hasNextPage":false}}`
)

func TestFetchThenTransform(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "gpsOdometerMeters", r.URL.Query().Get("types"))
		if r.URL.Query().Get("after") == "next" {
			_, _ = w.Write([]byte(odometerPage2))
			return
		}
		_, _ = w.Write([]byte(odometerPage1))
	}))
	defer server.Close()

	cfg := samsara.DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.Token = "token"
	cfg.HTTPClient = server.Client()
	client, err := samsara.NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	store, err := cache.New(t.TempDir())
	require.NoError(t, err)

	stats := []models.StatType{"gpsOdometerMeters"}
	windows, err := fetcher.Windows("2025-06-08", 1, time.UTC, stats)
	require.NoError(t, err)

	result, err := fetcher.New(client, store, fetcher.Options{}, zerolog.Nop()).Run(context.Background(), windows)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Equal(t, int32(2), calls.Load())

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2025-06-08-gpsOdometerMeters.json", filepath.Base(entries[0].Path))

	raw, err := store.Read("2025-06-08", "gpsOdometerMeters")
	require.NoError(t, err)
	var records []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &records))
	assert.Len(t, records, 3)

	out := filepath.Join(t.TempDir(), "vehicle_stats.csv")
	report, err := transform.New(store, zerolog.Nop()).Run(context.Background(), transform.Options{
		Stats:    stats,
		Interval: 60 * time.Second,
		Output:   out,
	})
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	assert.Empty(t, report.Gaps)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"time,vin,gpsOdometerMeters",
		"2025-06-08T12:00:00Z,VINA,1000",
		"2025-06-08T12:01:00Z,VINA,1000",
		"2025-06-08T12:01:00Z,VINB,",
		"2025-06-08T12:01:30Z,VINB,50",
		"2025-06-08T12:02:00Z,VINA,1000",
		"2025-06-08T12:02:00Z,VINB,80",
		"2025-06-08T12:03:00Z,VINA,1300",
	}, strings.Split(strings.TrimSpace(string(data)), "\n"))

	// A second fetch is served entirely from the cache.
	_, err = fetcher.New(client, store, fetcher.Options{}, zerolog.Nop()).Run(context.Background(), windows)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
