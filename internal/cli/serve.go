package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Bootstraps the database, then serves the instance and registry API until
SIGINT or SIGTERM. On shutdown the listener is closed first, then every
running bot gets SIGTERM and, after the grace period, SIGKILL.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", cfg.Server.Listen)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
	}

	// Give bots the full grace period plus time to be reaped.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownGrace+5*time.Second)
	defer shutdownCancel()

	logger.Info("Stopping HTTP server")
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("Error stopping HTTP server", "error", shutdownErr)
	}

	logger.Info("Stopping running instances")
	a.shutdown(shutdownCtx)

	if err != nil {
		logger.Error("HTTP server failed", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
