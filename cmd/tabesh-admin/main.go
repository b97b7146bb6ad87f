package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tabesh/internal/app"
	"tabesh/internal/config"
	"tabesh/internal/logger"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "tabesh-admin",
		Short:         "Maintenance commands for the Tabesh print-order service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		migrateCommand(),
		exportCommand(),
		importCommand(),
		cleanupCommand(),
		seedCommand(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and opens a logger that writes to the
// usual log directory.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(cfg.Log.Dir, cfg.Log.Name+"-admin", cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withApp connects, wires the services and runs fn. Events are not
// published from the CLI.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close()

	db, rdb, err := app.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, db, rdb, nil, log)
	if err != nil {
		db.Close()
		rdb.Close()
		return err
	}
	defer a.Close()
	return fn(a)
}
