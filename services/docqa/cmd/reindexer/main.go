package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"docqa/internal/util"
	"docqa/pkg/queue"
	"docqa/services/docqa/internal/app"
	"docqa/services/docqa/internal/bootstrap"
	"docqa/services/docqa/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("reindexer", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer rt.Close()
	if rt.Queue == nil {
		log.Fatalf("reindexer requires queueBackend redis or rabbitmq")
	}

	staleAfter, _ := config.ParseDuration(cfg.StaleAfter)
	sweepInterval, _ := config.ParseDuration(cfg.SweepInterval)
	if sweepInterval > 0 && staleAfter > 0 {
		go sweepLoop(ctx, rt.App, staleAfter, sweepInterval)
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	if err := rt.Queue.Start(ctx, concurrency, retryHandler(rt.App)); err != nil {
		log.Fatalf("failed to start reindex consumer: %v", err)
	}
	slog.Info("reindexer started", "queue", cfg.QueueBackend, "concurrency", concurrency)
	<-ctx.Done()
	logger.Info("reindexer stopping")
}

// retryHandler rebuilds the job's document. Jobs whose document is gone or
// can never be indexed succeed without retrying.
func retryHandler(a *app.App) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		err := a.RetryDocument(ctx, job.UserID, job.DocumentID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, app.ErrNotFound), errors.Is(err, app.ErrMalformedDocument):
			util.LoggerFromContext(ctx).Warn("dropping reindex job", "job_id", job.ID, "document_id", job.DocumentID, "err", err)
			return nil
		default:
			return err
		}
	}
}

// sweepLoop requeues documents stuck in the indexing state.
func sweepLoop(ctx context.Context, a *app.App, staleAfter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.SweepStale(ctx, staleAfter)
			if err != nil {
				slog.Error("stale sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("stale documents requeued", "count", n)
			}
		}
	}
}
