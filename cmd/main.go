package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"invoice-agent/internal/app"
	"invoice-agent/internal/config"
	"invoice-agent/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Environment: cfg.Environment,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// ---- Wiring ----
	a, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		log.Fatal("failed to build application", zap.Error(err))
	}

	log.Info("starting lambda handler", zap.String("provider", cfg.LLMProvider))
	lambda.Start(a.Handler.Handle)
}
