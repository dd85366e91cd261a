// Command devserver serves the Lambda handler over plain HTTP for local use.
// The caller identity is taken from the X-User-Id header.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"invoice-agent/internal/app"
	"invoice-agent/internal/config"
	"invoice-agent/internal/logging"
)

const maxBodyBytes = 1 << 20

type lambdaHandler func(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Service:     "invoice-agent-dev",
		Environment: cfg.Environment,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, log, registry)
	if err != nil {
		log.Fatal("failed to build application", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	srv := &http.Server{
		Addr:              cfg.DevAddr,
		Handler:           newRouter(a.Handler.Handle, registry, log),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("dev server listening", zap.String("addr", cfg.DevAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(h lambdaHandler, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	proxy := proxyTo(h, log)
	r.Post("/conversation", proxy)
	r.Get("/conversations", proxy)
	r.Post("/invoices", proxy)
	r.Get("/invoices", proxy)
	r.Get("/invoices/{invoiceID}", proxy)
	r.Post("/invoices/{invoiceID}/pdf", proxy)
	return r
}

// proxyTo converts an HTTP request into an API Gateway proxy event, the way
// a Cognito-authorized REST API would deliver it.
func proxyTo(h lambdaHandler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		event := events.APIGatewayProxyRequest{
			HTTPMethod:            r.Method,
			Path:                  r.URL.Path,
			Headers:               map[string]string{},
			QueryStringParameters: map[string]string{},
			Body:                  string(body),
			RequestContext: events.APIGatewayProxyRequestContext{
				RequestID: middleware.GetReqID(r.Context()),
			},
		}
		for k := range r.Header {
			event.Headers[k] = r.Header.Get(k)
		}
		for k := range r.URL.Query() {
			event.QueryStringParameters[k] = r.URL.Query().Get(k)
		}
		if id := r.Header.Get("X-User-Id"); id != "" {
			event.RequestContext.Authorizer = map[string]any{"claims": map[string]any{"sub": id}}
		}

		resp, err := h(r.Context(), event)
		if err != nil {
			logging.WithContext(r.Context(), log).Error("handler error", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, resp.Body)
	}
}
