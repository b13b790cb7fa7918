package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-stats-exporter/internal/api"
	"fleet-stats-exporter/internal/logging"

	"github.com/spf13/cobra"
)

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			store, err := openCache()
			if err != nil {
				return err
			}

			server := api.NewServer(database, store, logging.Component(logger, "api"))
			addr := fmt.Sprintf(":%d", port)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			fmt.Printf("🚀 Fleet Stats API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", addr)
			fmt.Printf("   Database: %s\n", settings.DBPath)
			fmt.Printf("   Cache:    %s\n\n", settings.CacheDir)
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  GET  /api/v1/windows")
			fmt.Println("  GET  /api/v1/vehicles")
			fmt.Println("  GET  /api/v1/vehicles/{vin}/summary")
			fmt.Println("  GET  /api/v1/samples")
			fmt.Println("  GET  /api/v1/risk")
			fmt.Println("  GET  /api/v1/stats")
			fmt.Println()

			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()

			// SIGHUP drops memoized risk listings after a new ranking is stored.
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

		loop:
			for {
				select {
				case err := <-errCh:
					return err
				case <-hup:
					server.InvalidateRisk()
					logger.Info().Msg("risk cache cleared")
				case <-cmd.Context().Done():
					break loop
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port")
	return cmd
}
