package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"cv-match-go/internal/config"
	"cv-match-go/internal/constants"
	"cv-match-go/internal/logger"
	"cv-match-go/internal/metrics"
	"cv-match-go/internal/ranking"
	"cv-match-go/internal/scoring"
	"cv-match-go/internal/storage"
	"cv-match-go/internal/tracing"
)

// cvmatchd is the ranking worker daemon: it consumes rebuild tasks from
// RabbitMQ and recomputes ranking rows. Ingestion and profile administration
// live in cvmatchctl.
func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load configuration")
	}

	logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})
	logger.Info().Str("path", configPath).Msg("configuration loaded")

	if err := cfg.Ranking.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid ranking configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer storageManager.Close()
	if storageManager.MySQL == nil {
		logger.Fatal().Msg("MySQL is required for the ranking worker")
	}
	if storageManager.RabbitMQ == nil {
		logger.Fatal().Msg("RabbitMQ is required for the ranking worker")
	}
	logger.Info().Msg("storage initialized")

	var m *metrics.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := m.Register(registry); err != nil {
			logger.Fatal().Err(err).Msg("failed to register metrics")
		}
		metricsServer = startMetricsServer(cfg.Metrics.Address, registry)
	}

	weights := scoring.FromConfig(cfg.Ranking)

	synchronizerOpts := []ranking.Option{
		ranking.WithRebuildMode(cfg.Ranking.RebuildMode),
	}
	if storageManager.Redis != nil {
		synchronizerOpts = append(synchronizerOpts, ranking.WithLocker(storageManager.Redis))
	}
	if m != nil {
		synchronizerOpts = append(synchronizerOpts, ranking.WithMetrics(m))
	}
	synchronizer := ranking.NewSynchronizer(
		storageManager.MySQL, storageManager.MySQL, storageManager.MySQL,
		weights, synchronizerOpts...)

	consumerStops, err := startRebuildWorkers(ctx, cfg, storageManager.RabbitMQ, synchronizer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start rebuild workers")
	}

	logger.Info().Msg("cvmatchd is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	for _, stop := range consumerStops {
		close(stop)
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
		shutdownCancel()
	}
	cancel()
}

// startMetricsServer exposes the Prometheus registry on /metrics.
func startMetricsServer(address string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("address", address).Msg("metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return server
}

// startRebuildWorkers declares the rebuild topology and starts the consumer
// goroutines that execute full ranking rebuilds.
func startRebuildWorkers(ctx context.Context, cfg *config.Config, mq *storage.RabbitMQ, synchronizer *ranking.Synchronizer) ([]chan<- struct{}, error) {
	if err := mq.EnsureExchange(constants.RebuildExchangeName, "direct", true); err != nil {
		return nil, err
	}
	if err := mq.EnsureQueue(constants.RebuildQueueName, true); err != nil {
		return nil, err
	}
	if err := mq.BindQueue(constants.RebuildQueueName, constants.RebuildExchangeName, constants.RebuildRoutingKey); err != nil {
		return nil, err
	}

	workers := cfg.RabbitMQ.RebuildWorkers
	if workers <= 0 {
		workers = 1
	}

	handler := func(body []byte) bool {
		var task storage.RebuildTask
		if err := json.Unmarshal(body, &task); err != nil {
			// Unparseable tasks can never succeed; drop them.
			logger.Error().Err(err).Msg("dropping malformed rebuild task")
			return true
		}
		if task.ProfileID == "" {
			logger.Error().Msg("dropping rebuild task without profile id")
			return true
		}

		result, err := synchronizer.RebuildAll(ctx, task.ProfileID)
		if err != nil {
			logger.Error().Err(err).
				Str("profile_id", task.ProfileID).
				Str("reason", task.Reason).
				Msg("rebuild failed, requeueing task")
			return false
		}
		logger.Info().
			Str("profile_id", result.ProfileID).
			Uint64("epoch", result.Epoch).
			Int("total", result.Total).
			Int("written", result.Written).
			Int("skipped", result.Skipped).
			Dur("duration", result.Duration).
			Str("reason", task.Reason).
			Msg("rebuild task completed")
		return true
	}

	stops := make([]chan<- struct{}, 0, workers)
	for i := 0; i < workers; i++ {
		stop, err := mq.StartConsumer(constants.RebuildQueueName, cfg.RabbitMQ.PrefetchCount, handler)
		if err != nil {
			return nil, err
		}
		stops = append(stops, stop)
	}
	logger.Info().Int("workers", workers).Msg("rebuild workers started")
	return stops, nil
}
