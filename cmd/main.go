package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fleet-stats-exporter/internal/cache"
	"fleet-stats-exporter/internal/config"
	"fleet-stats-exporter/internal/db"
	"fleet-stats-exporter/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	logLevel   string

	settings *config.Settings
	logger   zerolog.Logger
	database *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet-stats",
		Short: "Fleet stats exporter - Samsara vehicle stats history to an analytics-ready CSV",
		Long: `A CLI tool for fetching historical vehicle stats from the Samsara API into a
local day-sliced cache, reshaping them into one aligned wide CSV, and ranking
vehicles by DPF clog risk. Results can be loaded into SQLite and served over a
read-only REST API.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to config.toml")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides db_path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")

	// Add commands
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(transformCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(windowsCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(vehicleCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads settings and builds the logger before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	settings, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if dbPath != "" {
		settings.DBPath = dbPath
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}

	logger, err = logging.New(os.Stderr, settings.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}
	return nil
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(settings.DBPath)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

func openCache() (*cache.Store, error) {
	store, err := cache.New(settings.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("cache error: %w", err)
	}
	return store, nil
}

// interrupted reports whether err came from the user stopping the command.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
