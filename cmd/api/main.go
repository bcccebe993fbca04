package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookpay/internal/api"
	"bookpay/internal/config"
	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/export"
	"bookpay/internal/google"
	"bookpay/internal/logging"
	"bookpay/internal/metrics"
	"bookpay/internal/models"
	"bookpay/internal/notify"
	"bookpay/internal/payway"
	"bookpay/internal/repository"
	"bookpay/internal/service"
	"bookpay/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	checkoutCache := initCheckoutCache(redisClient, &logger)
	eventBus := events.NewEventBus()

	gateway := payway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.MerchantID,
		cfg.Gateway.APIKey, cfg.Gateway.Timeout(), &logger)

	orchestrator := service.NewOrchestrator(db, gateway, eventBus, checkoutCache,
		service.GatewayParams{
			ReturnURL: cfg.Gateway.ReturnURL,
			CancelURL: cfg.Gateway.CancelURL,
		}, cfg.Sweeper.HoldTTL(), &logger)

	if catalog, err := loadCatalog(&logger); err == nil && len(catalog) > 0 {
		orchestrator.SetCatalog(catalog)
	}

	financeWorker := initFinance(cfg, db, redisClient, &logger)
	var enqueuer domain.SyncEnqueuer
	if financeWorker != nil {
		enqueuer = financeWorker
	}

	reconciler := service.NewReconciler(db, eventBus, enqueuer, checkoutCache, &logger)

	notifier, err := notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.OpsChatID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram notifier init failed, continuing without it")
	}
	notifier.AttachTo(eventBus)

	sweeper := worker.NewSweeper(db, eventBus, cfg.Sweeper.Interval(), cfg.Sweeper.BatchSize, &logger)

	exporter := export.NewExporter(db)
	httpServer := api.NewHTTPServer(&cfg.API, orchestrator, reconciler, exporter, checkoutCache, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.Start(ctx)
	if financeWorker != nil {
		financeWorker.Start(ctx)
	}
	startMetrics(ctx, cfg, &logger)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.API.Port).Msg("coordinator started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("coordinator stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

// loadCatalog reads the optional unit catalog. Without one the service
// trusts client-supplied prices, which is only acceptable for trusted
// internal callers.
func loadCatalog(logger *zerolog.Logger) ([]*models.CatalogUnit, error) {
	catalogPath := os.Getenv("CATALOG_PATH")
	if catalogPath == "" {
		catalogPath = "configs/catalog.yaml"
	}
	data, err := os.ReadFile(catalogPath)
	if err != nil {
		logger.Warn().Err(err).Str("catalog_path", catalogPath).Msg("catalog not loaded")
		return nil, err
	}

	var catalogConfig struct {
		Units []*models.CatalogUnit `yaml:"units"`
	}
	if err := yaml.Unmarshal(data, &catalogConfig); err != nil {
		logger.Error().Err(err).Str("catalog_path", catalogPath).Msg("parse catalog")
		return nil, err
	}

	logger.Info().Int("units", len(catalogConfig.Units)).Msg("catalog loaded")
	return catalogConfig.Units, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initCheckoutCache(redisClient *redis.Client, logger *zerolog.Logger) domain.CheckoutCache {
	ttl := time.Duration(models.DefaultCheckoutTTLSeconds) * time.Second
	memory := repository.NewMemoryCheckoutCache(ttl)
	if redisClient == nil {
		return memory
	}
	primary := repository.NewRedisCheckoutCache(redisClient, ttl)
	return repository.NewFailoverCheckoutCache(primary, memory, logger)
}

func initFinance(cfg *config.Config, db *database.DB, redisClient *redis.Client, logger *zerolog.Logger) *worker.FinanceWorker {
	if !cfg.Finance.Enabled {
		return nil
	}

	sheets, err := google.NewSheetsService(cfg.Finance.CredentialsFile,
		cfg.Finance.SpreadsheetID, cfg.Finance.SheetName)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without finance sync")
		return nil
	}

	retry := worker.RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  2 * time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2,
	}
	logger.Info().Msg("google sheets connected")
	return worker.NewFinanceWorker(db, sheets, redisClient, retry, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
