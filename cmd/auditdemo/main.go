package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/api/option"

	"github.com/mcncl/http-audit/internal/collector"
	"github.com/mcncl/http-audit/internal/config"
	"github.com/mcncl/http-audit/internal/errors"
	"github.com/mcncl/http-audit/internal/logging"
	"github.com/mcncl/http-audit/internal/metrics"
	auditlog "github.com/mcncl/http-audit/internal/middleware/logging"
	"github.com/mcncl/http-audit/internal/middleware/request"
	"github.com/mcncl/http-audit/internal/middleware/security"
	"github.com/mcncl/http-audit/internal/outbound"
	"github.com/mcncl/http-audit/internal/publisher"
	"github.com/mcncl/http-audit/internal/router"
	"github.com/mcncl/http-audit/pkg/demo"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	logFormat := flag.String("log-format", "", "Log format (json, text, dev); overrides config")
	flag.Parse()

	override := &config.Config{Server: config.ServerConfig{LogLevel: *logLevel, LogFormat: *logFormat}}
	cfg, err := config.Load(*configFile, override)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Local output; also the error log for the remote sinks so they never log to themselves
	local := logging.NewHandler(os.Stderr, cfg.Server.LogLevel, cfg.Server.LogFormat)
	localLogger := slog.New(local)
	localLogger.Info("Configuration loaded", "config", cfg.String())

	reg := prometheus.NewRegistry()
	if err := metrics.InitMetrics(reg); err != nil {
		localLogger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	handler, closeSinks, err := buildLogHandler(ctx, cfg, local, localLogger)
	if err != nil {
		localLogger.Error("Audit sink initialization error", "error", err)
		os.Exit(1)
	}
	defer closeSinks()

	logger := slog.New(handler).With("service", cfg.Audit.ServiceName)
	slog.SetDefault(logger)

	client := outbound.NewRetryableClient(localLogger, cfg.Client.RetryMax)
	client.HTTPClient.Timeout = cfg.Client.Timeout

	app, healthCheck, err := newApp(cfg, logger, client.StandardClient(), reg)
	if err != nil {
		localLogger.Error("Failed to build handler", "error", err)
		os.Exit(1)
	}

	// Configure server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(local, slog.LevelError),
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Mark as ready to receive traffic
	healthCheck.SetReady(true)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down server", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
	defer cancel()

	healthCheck.SetReady(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Server shutdown complete")
}

// buildLogHandler combines the local handler with the collector and Pub/Sub sinks
// that cfg enables. The returned func flushes and closes the sinks.
func buildLogHandler(ctx context.Context, cfg *config.Config, local slog.Handler, errLog *slog.Logger) (slog.Handler, func(), error) {
	handlers := []slog.Handler{local}
	var closers []func() error

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errLog.Error("Failed to close audit sink", "error", err)
			}
		}
	}

	if cfg.Collector.Enabled {
		opts := collector.Options{
			Address:             cfg.Collector.URL,
			AppName:             cfg.Audit.ServiceName,
			ReconnectsPerMinute: cfg.Collector.ReconnectsPerMinute,
			Level:               logging.ParseLevel(cfg.Server.LogLevel),
			ErrorLog:            errLog,
		}
		if cfg.Collector.TrustStoreLocation != "" {
			tlsConfig, err := collector.LoadTrustStore(cfg.Collector.TrustStoreLocation)
			if err != nil {
				return nil, nil, err
			}
			opts.TLSConfig = tlsConfig
		}

		c, err := collector.New(opts)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to create collector client")
		}
		handlers = append(handlers, c.Handler())
		closers = append(closers, c.Close)
	}

	if cfg.PubSub.Enabled {
		var clientOpts []option.ClientOption
		if cfg.PubSub.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.PubSub.CredentialsFile))
		}

		pub, err := publisher.NewPubSubPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID, clientOpts...)
		if err != nil {
			// Wrap the error with additional context
			if errors.IsConnectionError(err) {
				err = errors.Wrap(err, "failed to connect to Google Cloud Pub/Sub")
			} else {
				err = errors.Wrap(err, "failed to create publisher")
			}
			closeAll()
			return nil, nil, errors.WithDetails(err, map[string]interface{}{
				"project_id": cfg.PubSub.ProjectID,
				"topic_id":   cfg.PubSub.TopicID,
			})
		}

		breaker := publisher.NewCircuitBreaker(pub, publisher.DefaultCircuitBreakerConfig())
		breaker.SetOnStateChange(func(from, to publisher.CircuitState) {
			errLog.Warn("Audit publisher circuit changed state", "from", from.String(), "to", to.String())
		})

		sink := publisher.NewSink(breaker, publisher.SinkOptions{ErrorLog: errLog})
		handlers = append(handlers, sink.Handler())
		closers = append(closers, sink.Close)
	}

	return logging.Fanout(handlers...), closeAll, nil
}

// newApp registers the demo routes and wraps them in the middleware chain.
// client makes the upstream calls for /relay.
func newApp(cfg *config.Config, logger *slog.Logger, client *http.Client, gatherer prometheus.Gatherer) (http.Handler, *demo.HealthCheck, error) {
	ignore, err := config.CompileIgnorePattern(cfg.Audit.IgnorePatterns)
	if err != nil {
		return nil, nil, err
	}

	healthCheck := demo.NewHealthCheck()
	rt := router.New()
	demo.Routes(rt, demo.NewHandler(demo.Config{
		Client:      client,
		UpstreamURL: cfg.Client.UpstreamURL,
	}), healthCheck)
	rt.Handle(http.MethodGet, "/metrics", "Metrics.Scrape", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Note: The order of middleware is important!
	h := chainMiddleware(
		rt,
		middleware.Recoverer, // Recover last-chance panics after audit has logged them
		security.WithSecurityHeaders(security.DefaultConfig()),
		request.WithTimeout(cfg.Server.RequestTimeout), // Outside audit so an expired deadline is logged
		auditlog.WithAudit(logger, auditlog.Options{
			IgnorePattern: ignore,
			LogHeaders:    cfg.Audit.LogHeaders,
			MaxBodySize:   cfg.Audit.MaxBodySize,
			Resolver:      rt,
		}),
	)

	return h, healthCheck, nil
}

// Middleware chain helper - applies middleware in reverse order
// so they execute in the order they're passed
func chainMiddleware(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
