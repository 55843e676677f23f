package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/app"
	"github.com/imrishuroy/orderpipeline/internal/config"
	"github.com/imrishuroy/orderpipeline/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire application", zap.Error(err))
	}
	defer a.Close()

	switch cfg.WorkerMode {
	case config.ModeLambda:
		lambda.Start(a.SQSHandler().Handle)
	case config.ModeLambdaDLQ:
		lambda.Start(a.SQSHandler().HandleDeadLetters)
	default:
		if a.InProcessQueue {
			logger.Warn("polling an in-memory queue; only work enqueued by this process is seen")
		}
		if err := a.Pool().Run(ctx); err != nil {
			logger.Error("worker pool failed", zap.Error(err))
			a.Close()
			os.Exit(1)
		}
	}
}
