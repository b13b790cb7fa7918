package main

import (
	"fmt"
	"time"

	"fleet-stats-exporter/internal/logging"
	"fleet-stats-exporter/internal/models"
	"fleet-stats-exporter/internal/transform"

	"github.com/spf13/cobra"
)

// transformCmd builds the wide CSV from the cache
func transformCmd() *cobra.Command {
	var seconds int
	var from string
	var to string
	var output string
	var store bool

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Resample cached stats into one wide CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := settings.RequireStatTypes()
			if err != nil {
				return err
			}
			if seconds < 1 {
				return fmt.Errorf("--seconds must be positive, got %d", seconds)
			}
			for _, d := range []string{from, to} {
				if d == "" {
					continue
				}
				if _, err := time.Parse(models.DateLayout, d); err != nil {
					return fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", d, err)
				}
			}
			if output == "" {
				output = settings.Output
			}

			cacheStore, err := openCache()
			if err != nil {
				return err
			}

			opts := transform.Options{
				Stats:    stats,
				Interval: time.Duration(seconds) * time.Second,
				From:     from,
				To:       to,
				Output:   output,
				Workers:  settings.Workers,
			}
			if store {
				if err := initDB(); err != nil {
					return err
				}
				defer database.Close()
				opts.Sink = database
			}

			report, err := transform.New(cacheStore, logging.Component(logger, "transform")).Run(cmd.Context(), opts)
			if err != nil {
				return err
			}

			fmt.Printf("✓ Wrote %d rows to %s from %d artifacts (%d samples)\n",
				report.Rows, output, report.Artifacts, report.Samples)
			if report.Stored > 0 {
				fmt.Printf("  Stored %d resampled values in %s\n", report.Stored, settings.DBPath)
			}
			for _, w := range report.Warnings {
				fmt.Printf("  ⚠️  %v\n", w)
			}
			for _, g := range report.Gaps {
				fmt.Printf("  ⚠️  %s (column left empty)\n", g)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&seconds, "seconds", "s", 60, "Resampling interval in seconds")
	cmd.Flags().StringVar(&from, "from", "", "First cached date to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Last cached date to include (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output CSV (default from config)")
	cmd.Flags().BoolVar(&store, "store", false, "Also load resampled samples into the SQLite database")
	return cmd
}
