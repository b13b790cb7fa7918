package main

import (
	"fmt"
	"os"
	"time"

	"fleet-stats-exporter/internal/logging"
	"fleet-stats-exporter/internal/models"
	"fleet-stats-exporter/internal/parser"
	"fleet-stats-exporter/internal/risk"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// riskCmd ranks vehicles by DPF clog risk
func riskCmd() *cobra.Command {
	var start string
	var end string
	var chunk int
	var target string
	var top int
	var store bool

	cmd := &cobra.Command{
		Use:   "risk [csv]",
		Short: "Rank vehicles by DPF clog risk from an exported CSV",
		Long: `Stream a wide stats CSV (plain, .gz or .xz) and rank VINs by diesel particulate
filter clog risk. The CSV needs engineRpm, ecuSpeedMph, engineLoadPercent and
engineCoolantTemperatureMilliC columns. The ranking file is rewritten after
every chunk, and on a terminal the running Top-5 is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if top < 0 {
				return fmt.Errorf("--top must not be negative, got %d", top)
			}
			if chunk < 1 {
				return fmt.Errorf("--chunk must be positive, got %d", chunk)
			}
			path := settings.Output
			if len(args) == 1 {
				path = args[0]
			}

			var opts risk.Options
			var err error
			if start != "" {
				if opts.Start, err = time.Parse(models.DateLayout, start); err != nil {
					return fmt.Errorf("invalid --start (use YYYY-MM-DD): %w", err)
				}
			}
			if end != "" {
				if opts.End, err = time.Parse(models.DateLayout, end); err != nil {
					return fmt.Errorf("invalid --end (use YYYY-MM-DD): %w", err)
				}
			}
			if target == "" {
				target = risk.DefaultTarget(start, end)
			}
			opts.Chunk = chunk
			var live func(int, []models.RiskScore) error
			if isatty.IsTerminal(os.Stdout.Fd()) {
				live = risk.ChunkPrinter(os.Stdout, risk.LiveTop)
			}
			opts.OnChunk = func(n int, ranking []models.RiskScore) error {
				logger.Info().Int("chunk", n).Int("vehicles", len(ranking)).Str("target", target).Msg("ranking updated")
				if live != nil {
					if err := live(n, ranking); err != nil {
						return err
					}
				}
				return risk.WriteFile(target, ranking)
			}

			componentLogger := logging.Component(logger, "risk")
			table, err := parser.OpenTable(path, componentLogger)
			if err != nil {
				return err
			}
			defer table.Close()

			ranking, err := risk.NewRanker(componentLogger).Run(cmd.Context(), table, opts)
			if err != nil {
				return err
			}
			if len(ranking) == 0 {
				fmt.Println("No rows matched; nothing to rank.")
				return nil
			}

			if store {
				if err := initDB(); err != nil {
					return err
				}
				defer database.Close()
				if err := database.ReplaceRisk(cmd.Context(), ranking); err != nil {
					return fmt.Errorf("store ranking: %w", err)
				}
			}

			fmt.Println()
			if err := risk.RenderTable(os.Stdout, fmt.Sprintf("Final Top-%d DPF Risk", top), ranking, top); err != nil {
				return err
			}
			fmt.Printf("\nRanking for %d vehicles written to %s\n", len(ranking), target)
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "Start date, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "End date, inclusive (YYYY-MM-DD)")
	cmd.Flags().IntVar(&chunk, "chunk", risk.DefaultChunk, "Rows per chunk")
	cmd.Flags().StringVar(&target, "target", "", "Output CSV (default dpf_risk-{start}-{end}.csv)")
	cmd.Flags().IntVar(&top, "top", 10, "Rows to show in the final table")
	cmd.Flags().BoolVar(&store, "store", false, "Also store the ranking in the SQLite database")
	return cmd
}
