// Command threatpiped runs the threat detection pipeline as a standalone
// daemon: it accepts request telemetry over HTTP, serves verdicts and
// dashboard reads, and exposes Prometheus metrics.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/threatpipe/threatpipe/pkg/aggregator"
	"github.com/threatpipe/threatpipe/pkg/anomaly"
	"github.com/threatpipe/threatpipe/pkg/config"
	"github.com/threatpipe/threatpipe/pkg/counterstore"
	"github.com/threatpipe/threatpipe/pkg/eventlog"
	"github.com/threatpipe/threatpipe/pkg/intel"
	"github.com/threatpipe/threatpipe/pkg/jsonutil"
	"github.com/threatpipe/threatpipe/pkg/metrics"
	"github.com/threatpipe/threatpipe/pkg/notify"
	"github.com/threatpipe/threatpipe/pkg/patterns"
	"github.com/threatpipe/threatpipe/pkg/ratelimit"
	"github.com/threatpipe/threatpipe/pkg/reputation"
	"github.com/threatpipe/threatpipe/pkg/thresholds"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "threatpiped:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "YAML configuration file")
		listen      = flag.String("listen", "", "API listen address (overrides config)")
		logJSON     = flag.Bool("log-json", true, "Log in JSON format")
		printConfig = flag.Bool("print-config", false, "Print the effective configuration and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *printConfig {
		out, err := jsonutil.MarshalIndent(cfg, "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	logger := newLogger(cfg.LogLevel, *logJSON)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.OTLPEndpoint)
		if err != nil {
			logger.Warn("tracing disabled", "err", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	m := metrics.New()
	store := counterstore.New(counterstore.Config{})
	limiter := ratelimit.New(cfg.RateLimit, store, logger)
	matcher := patterns.Default()
	if err := matcher.Validate(); err != nil {
		return fmt.Errorf("signature rules: %w", err)
	}
	detector := anomaly.New(cfg.Anomaly, store)
	repman := reputation.New(cfg.Reputation, logger)
	intelStore := intel.New()

	sink, err := openSink(cfg.EventLogPath, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	notifier := notify.New(cfg.Notify, buildSenders(cfg.Channels, logger), m, logger)

	thman := thresholds.New(cfg.Thresholds)
	thman.RegisterRules(cfg.ThresholdRules)

	orch := aggregator.New(cfg.Aggregator, aggregator.Deps{
		Store:      store,
		Limiter:    limiter,
		Matcher:    matcher,
		Anomaly:    detector,
		Reputation: repman,
		Intel:      intelStore,
		Notifier:   notifier,
		Thresholds: thman,
		Sink:       sink,
		Metrics:    m,
		Logger:     logger,
	})
	orch.Start(ctx)
	defer orch.Stop()

	api := newAPI(orch, repman, thman, logger)
	apiSrv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      api.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:         cfg.MetricsListen,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api listening", "addr", cfg.Listen)
		errCh <- apiSrv.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsListen)
		errCh <- metricsSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func newLogger(level string, json bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openSink(path string, logger *slog.Logger) (eventlog.Sink, error) {
	if path == "" {
		return eventlog.Discard{}, nil
	}
	return eventlog.NewFileSink(path, logger)
}

func buildSenders(ch config.Channels, logger *slog.Logger) []notify.Sender {
	senders := []notify.Sender{notify.NewLogSender(logger)}
	pace := func(s notify.Sender) notify.Sender {
		if ch.PacePerSecond <= 0 {
			return s
		}
		return notify.NewPacedSender(s, ch.PacePerSecond, ch.PaceBurst)
	}
	if ch.WebhookURL != "" {
		senders = append(senders, pace(notify.NewWebhookSender(ch.WebhookURL, notify.WebhookOptions{})))
	}
	if ch.SlackURL != "" {
		senders = append(senders, pace(notify.NewSlackSender(ch.SlackURL, 0)))
	}
	return senders
}

// setupTracing wires the OTLP gRPC exporter. Connection failures degrade to
// local-only operation.
func setupTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("threatpiped")),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
