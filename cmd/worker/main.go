package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"server/internal/adapter/repo"
	"server/internal/batch"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/providers/genai"
	"server/internal/providers/image"
	"server/internal/storage"
)

// The worker is the batch supervisor: it picks up variation jobs that no
// orchestrator is driving anymore, either because the API process that
// accepted them died before starting, or because a running job went stale
// after a crash.
type supervisor struct {
	repo      domain.BatchRepository
	runner    *batch.Runner
	logger    infra.Logger
	stale     time.Duration
	pollEvery time.Duration
	batchSize int
}

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
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	batchRepo := repo.NewBatchRepository(runner)

	fileStore, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure gemini client")
	}
	if cfg.GeminiAPIKey == "" {
		logger.Warn().Str("model", geminiClient.Model()).Msg("worker: gemini api key missing, using synthetic variation generation")
	}

	orchestrator := batch.NewOrchestrator(batch.OrchestratorOptions{
		Repo:      batchRepo,
		Generator: image.NewGeminiGenerator(geminiClient),
		Artifacts: storage.NewCatalogStore(fileStore, runner, cfg.StorageBaseURL),
		Pacer: batch.NewPacingController(batch.PacingConfig{
			BaseDelayMs:   cfg.BatchBaseDelayMs,
			MinDelayMs:    cfg.BatchMinDelayMs,
			MaxDelayMs:    cfg.BatchMaxDelayMs,
			BrakeDelayMs:  cfg.BatchBrakeDelayMs,
			BrakeFailures: cfg.BatchBrakeFailures,
		}),
		Metrics:           infra.NewBatchMetrics(prometheus.NewRegistry()),
		Logger:            logger,
		GenerationTimeout: cfg.GenerationTimeout,
		MaxAttempts:       cfg.BatchMaxAttempts,
	})

	sup := &supervisor{
		repo:      batchRepo,
		runner:    batch.NewRunner(ctx, orchestrator, logger, cfg.BatchMaxConcurrentJobs),
		logger:    logger,
		stale:     cfg.StaleJobThreshold,
		pollEvery: cfg.WorkerPollInterval,
		batchSize: cfg.BatchMaxConcurrentJobs,
	}

	logger.Info().Msg("worker: started")
	if err := sup.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	sup.runner.Wait()
	logger.Info().Msg("worker: stopped")
}

func (s *supervisor) run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		jobs, err := s.repo.ListResumableJobs(ctx, s.stale, s.batchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("worker: failed to list resumable jobs")
		}
		for _, job := range jobs {
			if s.runner.Launch(job.ID) {
				s.logger.Info().
					Str("job_id", job.ID.String()).
					Str("status", string(job.Status)).
					Msg("worker: picked up job")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
