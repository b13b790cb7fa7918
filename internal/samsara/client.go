// Package samsara is a client for the Samsara vehicle stats history API.
package samsara

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"fleet-stats-exporter/internal/models"
)

const (
	// DefaultBaseURL is the production API host.
	DefaultBaseURL   = "https://api.samsara.com"
	statsHistoryPath = "fleet/vehicles/stats/history"
	maxErrorBody     = 512
)

// Config configures the client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	// Retry settings for transient failures (network errors, 429, 5xx).
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// Client issues authenticated stats history requests.
type Client struct {
	httpClient *http.Client
	historyURL string
	token      string
	executor   failsafe.Executor[*response]
	logger     *zerolog.Logger
}

// NewClient creates a new instance of Client. A missing token is an AuthError.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, &AuthError{Reason: "missing API token (set SAMSARA_TOKEN)"}
	}
	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("HTTP client is nil")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	historyURL, err := url.JoinPath(cfg.BaseURL, statsHistoryPath)
	if err != nil {
		return nil, fmt.Errorf("create stats history URL: %w", err)
	}

	c := &Client{
		httpClient: cfg.HTTPClient,
		historyURL: historyURL,
		token:      cfg.Token,
		logger:     &logger,
	}
	c.executor = failsafe.With[*response](c.retryPolicy(cfg))
	return c, nil
}

func (c *Client) retryPolicy(cfg Config) retrypolicy.RetryPolicy[*response] {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return retrypolicy.NewBuilder[*response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		OnRetry(func(e failsafe.ExecutionEvent[*response]) {
			ev := c.logger.Warn().Int("attempt", e.Attempts())
			if r := e.LastResult(); r != nil {
				ev = ev.Int("statusCode", r.StatusCode)
			}
			ev.Err(e.LastError()).Msg("retrying stats request")
		}).
		ReturnLastFailure().
		Build()
}

// errAborted marks a request that failed because the caller's context ended.
// A per-request client timeout is not an abort and is retried.
var errAborted = errors.New("stats request aborted")

// shouldRetry retries network errors, timeouts, rate limits and server errors.
func shouldRetry(resp *response, err error) bool {
	if err != nil {
		return !errors.Is(err, errAborted)
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}

// StatsHistory fetches one page of history for a stat type over [start, end).
// An empty cursor requests the first page.
func (c *Client) StatsHistory(ctx context.Context, stat models.StatType, start, end time.Time, cursor string) (*Page, error) {
	params := url.Values{}
	params.Set("types", string(stat))
	params.Set("startTime", start.UTC().Format(time.RFC3339))
	params.Set("endTime", end.UTC().Format(time.RFC3339))
	if cursor != "" {
		params.Set("after", cursor)
	}
	reqURL := c.historyURL + "?" + params.Encode()

	resp, err := c.executor.WithContext(ctx).Get(func() (*response, error) {
		return c.do(ctx, reqURL)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send stats request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode, Reason: truncate(resp.Body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(resp.Body)}
	}

	return decodePage(resp.Body)
}

func (c *Client) do(ctx context.Context, reqURL string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stats request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, aborted(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck // ignore error

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, aborted(ctx, fmt.Errorf("failed to read stats response body: %w", err))
	}
	return &response{StatusCode: resp.StatusCode, Body: body}, nil
}

func aborted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", errAborted, err)
	}
	return err
}

// decodePage validates the pagination block; without a boolean hasNextPage we
// cannot know whether to continue.
func decodePage(body []byte) (*Page, error) {
	var pb pageBody
	if err := json.Unmarshal(body, &pb); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed response body: %v", err)}
	}
	if pb.Pagination == nil {
		return nil, &ProtocolError{Reason: "response has no pagination block"}
	}
	if pb.Pagination.HasNextPage == nil {
		return nil, &ProtocolError{Reason: "pagination block has no hasNextPage flag"}
	}
	return &Page{
		Data:        pb.Data,
		EndCursor:   pb.Pagination.EndCursor,
		HasNextPage: *pb.Pagination.HasNextPage,
	}, nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
