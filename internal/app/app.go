// Package app builds the request handler from configuration. It is shared by
// the Lambda entrypoint and the local development server.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"invoice-agent/handler"
	"invoice-agent/internal/clock"
	"invoice-agent/internal/config"
	"invoice-agent/internal/extraction"
	"invoice-agent/internal/integrations/bedrock"
	"invoice-agent/internal/integrations/openai"
	"invoice-agent/internal/integrations/paramstore"
	"invoice-agent/internal/integrations/s3store"
	"invoice-agent/internal/metrics"
	"invoice-agent/internal/ratelimit"
	"invoice-agent/internal/render"
	"invoice-agent/internal/repository"
	"invoice-agent/internal/usecase"
)

// awsMaxAttempts bounds SDK retries for throttled or transient store errors.
const awsMaxAttempts = 5

// App is the wired service graph.
type App struct {
	Handler *handler.Handler
	Metrics *metrics.Metrics
	closers []func() error
}

// Close releases connections opened by New.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// New loads AWS configuration and wires every component. registerer receives
// the service metrics; nil means the default registry.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, registerer prometheus.Registerer) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMaxAttempts(awsMaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	a := &App{Metrics: metrics.New(registerer)}
	clk := clock.System{}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: paramstore: %w", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, fmt.Errorf("app: repository: %w", err)
	}

	gen, moderator, err := newGenerator(cfg, awsCfg, params, log)
	if err != nil {
		return nil, err
	}
	engine, err := extraction.New(gen, extraction.Options{
		Attempts: cfg.ExtractionAttempts,
		Backoff:  cfg.ExtractionBackoff,
		Clock:    clk,
		Logger:   log,
		Metrics:  a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: extraction: %w", err)
	}

	quota, err := ratelimit.NewQuota(store, ratelimit.QuotaOptions{
		FreeLimit: cfg.FreeTierLimit,
		Clock:     clk,
		Metrics:   a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: quota: %w", err)
	}
	invoices, err := usecase.NewInvoiceService(store, store, quota, store, usecase.InvoiceOptions{
		Clock:   clk,
		Logger:  log,
		Metrics: a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: invoice service: %w", err)
	}

	convOpts := usecase.ConversationOptions{
		MaxMessageLength: cfg.MaxMessageLength,
		RequestTimeout:   cfg.RequestTimeout,
		Clock:            clk,
		Logger:           log,
		Metrics:          a.Metrics,
	}
	if moderator != nil {
		convOpts.Moderator = moderator
	}
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		convOpts.Throttle = ratelimit.NewThrottle(rdb, cfg.ThrottleLimit, cfg.ThrottleWindow, a.Metrics)
	}
	conversations, err := usecase.NewConversationService(store, engine, invoices, convOpts)
	if err != nil {
		return nil, fmt.Errorf("app: conversation service: %w", err)
	}

	s3Client := awss3.NewFromConfig(awsCfg)
	artifacts, err := s3store.New(s3Client, awss3.NewPresignClient(s3Client), cfg.ArtifactBucket,
		s3store.WithURLTTL(cfg.DownloadURLTTL))
	if err != nil {
		return nil, fmt.Errorf("app: artifact store: %w", err)
	}
	exports, err := usecase.NewExportService(invoices, store,
		render.New(render.Options{Clock: clk, Logger: log, Metrics: a.Metrics}), artifacts, log)
	if err != nil {
		return nil, fmt.Errorf("app: export service: %w", err)
	}

	a.Handler, err = handler.NewHandler(conversations, invoices, exports, handler.WithLogger(log), handler.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("app: handler: %w", err)
	}
	return a, nil
}

// newGenerator picks the language model backend. Only the OpenAI backend
// offers moderation.
func newGenerator(cfg config.Config, awsCfg aws.Config, params *paramstore.Client, log *zap.Logger) (extraction.Generator, usecase.Moderator, error) {
	switch cfg.LLMProvider {
	case config.ProviderBedrock:
		c, err := bedrock.New(bedrockruntime.NewFromConfig(awsCfg),
			bedrock.WithModelID(cfg.BedrockModelID), bedrock.WithLogger(log))
		if err != nil {
			return nil, nil, fmt.Errorf("app: bedrock: %w", err)
		}
		return c, nil, nil
	default:
		c, err := openai.NewClient(params, cfg.ParamPrefix, openai.WithBaseURL(cfg.OpenAIBaseURL))
		if err != nil {
			return nil, nil, fmt.Errorf("app: openai: %w", err)
		}
		return c, c, nil
	}
}
