package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/server"
)

// ServerCmd starts the schedulers, the executor and the HTTP control surface
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start meridian: schedulers, job executor and HTTP control surface",
	Long: `Start meridian in the foreground.

The server recovers jobs interrupted by the previous run, starts the
short-form slot scheduler and (when enabled) the long-form buffer
scheduler, and serves the control API and the live job stream.

The first Ctrl+C drains gracefully: running jobs get the configured
shutdown timeout to finish. A second Ctrl+C exits immediately.`,
	RunE: runServer,
}

var (
	serverDBPath string
	serverPort   int
)

func init() {
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Database path (overrides config)")
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "HTTP port (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		// The server is quiet at warn; default to info like an operator expects
		verbosity = logger.VerbosityInfo
		if err := logger.Initialize(logger.JSONOutput, verbosity); err != nil {
			return err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	dbPath := resolveDBPath(serverDBPath, cfg)
	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	srv, err := server.NewFromConfig(context.Background(), database, cfg, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	printStartupBanner(verbosity, dbPath, cfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(cfg.Server.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		_ = srv.Stop()
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
