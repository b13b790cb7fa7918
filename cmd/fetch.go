package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"fleet-stats-exporter/internal/fetcher"
	"fleet-stats-exporter/internal/logging"
	"fleet-stats-exporter/internal/samsara"

	"github.com/spf13/cobra"
)

// fetchCmd fills the cache for a range of days
func fetchCmd() *cobra.Command {
	var date string
	var ndays int
	var workers int

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch stats history into the local cache",
		Long: `Fetch one artifact per (day, stat type) window into the cache directory.
The range is the anchor date and the N-1 days before it. Windows already in the
cache are skipped, so an interrupted run can simply be repeated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := settings.RequireStatTypes()
			if err != nil {
				return err
			}
			if date == "" {
				date = fetcher.DefaultAnchor(time.Now(), settings.Location())
			}
			if workers == 0 {
				workers = settings.Workers
			}

			windows, err := fetcher.Windows(date, ndays, settings.Location(), stats)
			if err != nil {
				return err
			}

			store, err := openCache()
			if err != nil {
				return err
			}

			clientCfg := samsara.DefaultConfig()
			clientCfg.BaseURL = settings.BaseURL
			clientCfg.Token = settings.Token
			clientCfg.HTTPClient = &http.Client{Timeout: settings.Timeout()}
			client, err := samsara.NewClient(clientCfg, logging.Component(logger, "samsara"))
			if err != nil {
				return err
			}

			f := fetcher.New(client, store, fetcher.Options{
				Workers:  workers,
				MaxPages: settings.MaxPages,
			}, logging.Component(logger, "fetcher"))

			start := time.Now()
			result, err := f.Run(cmd.Context(), windows)
			if result != nil {
				fmt.Printf("\nFetched %d, skipped %d, failed %d of %d windows in %v\n",
					len(result.Fetched), len(result.Skipped), len(result.Failed), len(windows),
					time.Since(start).Round(time.Millisecond))
				for _, failure := range result.Failed {
					fmt.Printf("  ✗ %s: %v\n", failure.Window, failure.Err)
				}
			}
			if err != nil {
				var authErr *samsara.AuthError
				if errors.As(err, &authErr) {
					return fmt.Errorf("authentication failed, batch aborted: %w", err)
				}
				if interrupted(err) {
					return fmt.Errorf("interrupted; completed windows are cached, re-run to resume")
				}
				return err
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d window(s) failed; re-run to retry them", len(result.Failed))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&date, "date", "d", "", "Anchor date YYYY-MM-DD (default yesterday)")
	cmd.Flags().IntVarP(&ndays, "ndays", "n", 1, "Number of days ending at the anchor date")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent windows (default from config)")
	return cmd
}
