package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"server/internal/adapter/repo"
	"server/internal/batch"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/providers/genai"
	"server/internal/providers/image"
	"server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	batchRepo := repo.NewBatchRepository(runner)

	fileStore, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}
	artifacts := storage.NewCatalogStore(fileStore, runner, cfg.StorageBaseURL)

	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure gemini client")
	}
	if cfg.GeminiAPIKey == "" {
		logger.Warn().Str("model", geminiClient.Model()).Msg("api: gemini api key missing, using synthetic variation generation")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewBatchMetrics(registry)

	pacer := batch.NewPacingController(batch.PacingConfig{
		BaseDelayMs:   cfg.BatchBaseDelayMs,
		MinDelayMs:    cfg.BatchMinDelayMs,
		MaxDelayMs:    cfg.BatchMaxDelayMs,
		BrakeDelayMs:  cfg.BatchBrakeDelayMs,
		BrakeFailures: cfg.BatchBrakeFailures,
	})
	orchestrator := batch.NewOrchestrator(batch.OrchestratorOptions{
		Repo:              batchRepo,
		Generator:         image.NewGeminiGenerator(geminiClient),
		Artifacts:         artifacts,
		Pacer:             pacer,
		Metrics:           metrics,
		Logger:            logger,
		GenerationTimeout: cfg.GenerationTimeout,
		MaxAttempts:       cfg.BatchMaxAttempts,
	})
	jobRunner := batch.NewRunner(ctx, orchestrator, logger, cfg.BatchMaxConcurrentJobs)

	app := handlers.NewApp(batchRepo, jobRunner, pacer, logger)
	router := httpapi.NewRouter(httpapi.Options{
		App:             app,
		Logger:          logger,
		Metrics:         registry,
		StaticDir:       cfg.StoragePath,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	jobRunner.Wait()
	logger.Info().Msg("server stopped")
}
