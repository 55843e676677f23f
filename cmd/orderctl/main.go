package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/app"
	"github.com/imrishuroy/orderpipeline/internal/config"
	"github.com/imrishuroy/orderpipeline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "orderctl",
	Short: "Operate the order pipeline",
	Long: `orderctl inspects orders and manages the dead-letter queue.

Configuration is read from the same environment variables as the API and
worker (BACKEND, ORDERS_TABLE, ORDERS_QUEUE_URL, ORDERS_DLQ_URL, ...).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(dlqCmd)
}

// withApp wires the application for one command run.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
