package samsara

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	dayStart = time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)
	dayEnd   = dayStart.Add(24 * time.Hour)
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.Token = "test-token"
	cfg.HTTPClient = server.Client()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	client, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func TestNewClient_MissingTokenIsAuthError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPClient = http.DefaultClient

	_, err := NewClient(cfg, zerolog.Nop())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestNewClient_RequiresHTTPClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = "x"
	_, err := NewClient(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestStatsHistory_SendsQueryAndBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fleet/vehicles/stats/history", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "gpsOdometerMeters", q.Get("types"))
		assert.Equal(t, "2025-06-08T00:00:00Z", q.Get("startTime"))
		assert.Equal(t, "2025-06-09T00:00:00Z", q.Get("endTime"))
		assert.Equal(t, "cursor-1", q.Get("after"))
		_, _ = w.Write([]byte(`{"data":[{"id":"1"}],"pagination":{"endCursor":"cursor-2","hasNextPage":true}}`))
	}))
	defer server.Close()

	page, err := newTestClient(t, server).StatsHistory(context.Background(), "gpsOdometerMeters", dayStart, dayEnd, "cursor-1")
	require.NoError(t, err)
	assert.Len(t, page.Data, 1)
	assert.Equal(t, "cursor-2", page.EndCursor)
	assert.True(t, page.HasNextPage)
}

func TestStatsHistory_FirstPageOmitsCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["after"]
		assert.False(t, present)
		_, _ = w.Write([]byte(`{"data":[],"pagination":{"endCursor":"","hasNextPage":false}}`))
	}))
	defer server.Close()

	page, err := newTestClient(t, server).StatsHistory(context.Background(), "engineRpm", dayStart, dayEnd, "")
	require.NoError(t, err)
	assert.False(t, page.HasNextPage)
	assert.Empty(t, page.Data)
}

func TestStatsHistory_Unauthorized(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"invalid token"}`, code)
		}))

		_, err := newTestClient(t, server).StatsHistory(context.Background(), "engineRpm", dayStart, dayEnd, "")
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, code, authErr.StatusCode)
		server.Close()
	}
}

func TestStatsHistory_MalformedPagination(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no pagination block", body: `{"data":[]}`},
		{name: "no flag", body: `{"data":[],"pagination":{"endCursor":"abc"}}`},
		{name: "flag not boolean", body: `{"data":[],"pagination":{"endCursor":"abc","hasNextPage":"yes"}}`},
		{name: "not json", body: `<html>gateway</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(t, server).StatsHistory(context.Background(), "engineRpm", dayStart, dayEnd, "")
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
		})
	}
}

func TestStatsHistory_RetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"pagination":{"endCursor":"","hasNextPage":false}}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server).StatsHistory(context.Background(), "engineRpm", dayStart, dayEnd, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestStatsHistory_GivesUpAfterMaxRetries(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).StatsHistory(context.Background(), "engineRpm", dayStart, dayEnd, "")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts), "one call plus three retries")
}

func TestStatsHistory_DoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "unknown stat type", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).StatsHistory(context.Background(), "bogus", dayStart, dayEnd, "")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Contains(t, statusErr.Body, "unknown stat type")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestStatsHistory_RespectsContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, server).StatsHistory(ctx, "engineRpm", dayStart, dayEnd, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStatsHistory_RetriesRequestTimeout(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"pagination":{"endCursor":"","hasNextPage":false}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	client.httpClient.Timeout = 50 * time.Millisecond

	_, err := client.StatsHistory(context.Background(), "engineRpm", dayStart, dayEnd, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(nil, context.DeadlineExceeded), "client timeout")
	assert.True(t, shouldRetry(nil, errors.New("connection reset")))
	assert.False(t, shouldRetry(nil, aborted(canceledContext(), context.Canceled)))
	assert.True(t, shouldRetry(&response{StatusCode: http.StatusTooManyRequests}, nil))
	assert.False(t, shouldRetry(&response{StatusCode: http.StatusBadRequest}, nil))
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
