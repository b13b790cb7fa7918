package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"fleet-stats-exporter/internal/db"

	"github.com/spf13/cobra"
)

// windowsCmd lists the cached windows
func windowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "windows",
		Short: "List cached (day, stat type) windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache()
			if err != nil {
				return err
			}
			entries, err := store.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Printf("No cached windows in %s. Use 'fleet-stats fetch' to fetch some.\n", store.Root())
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tSTAT\tSIZE\tFETCHED")
			var total int64
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Date, e.StatType, e.Size, e.ModTime.Format(time.DateTime))
				total += e.Size
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d windows, %d bytes in %s\n", len(entries), total, store.Root())
			return nil
		},
	}
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			stats, err := database.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Fleet Stats Database")
			fmt.Println("=======================")
			fmt.Printf("  Vehicles:         %v\n", stats["total_vehicles"])
			fmt.Printf("  Stat Types:       %v\n", stats["stat_types"])
			fmt.Printf("  Samples:          %v\n", stats["total_samples"])
			fmt.Printf("  Missing Values:   %v\n", stats["missing_values"])
			fmt.Printf("  Ranked Vehicles:  %v\n", stats["ranked_vehicles"])
			if first, ok := stats["first_sample"].(time.Time); ok {
				fmt.Printf("  Time Span:        %s .. %s\n", first.Format(time.RFC3339), stats["last_sample"].(time.Time).Format(time.RFC3339))
			}
			fmt.Printf("  Database:         %s\n", settings.DBPath)

			return nil
		},
	}
}

// vehicleCmd inspects stored vehicles
func vehicleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vehicle",
		Short: "Stored vehicle commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored vehicles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			vehicles, err := database.ListVehicles(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing vehicles: %w", err)
			}

			if len(vehicles) == 0 {
				fmt.Println("No vehicles found. Use 'fleet-stats transform --store' to load data.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VIN\tSAMPLES\tFIRST\tLAST")
			for _, v := range vehicles {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", v.VIN, v.Samples, v.First.Format(time.RFC3339), v.Last.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary [vin]",
		Short: "Show per-stat summary for a vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			start := time.Now()
			summary, err := database.GetVehicleSummary(cmd.Context(), args[0])
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no stored samples for %s", args[0])
			}
			if err != nil {
				return fmt.Errorf("error getting summary: %w", err)
			}
			elapsed := time.Since(start)

			fmt.Printf("📈 Summary for %s (query: %v)\n", summary.VIN, elapsed)
			fmt.Println("==========================================")
			fmt.Printf("  Samples:  %d\n", summary.TotalSamples)
			fmt.Printf("  From:     %s\n", summary.First.Format(time.RFC3339))
			fmt.Printf("  To:       %s\n\n", summary.Last.Format(time.RFC3339))

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "STAT\tCOUNT\tMISSING\tMIN\tMAX\tAVG\t")
			for _, st := range summary.Stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t\n",
					st.StatType, st.Count, st.Missing, optional(st.Min), optional(st.Max), optional(st.Avg))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(listCmd, summaryCmd)
	return cmd
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
