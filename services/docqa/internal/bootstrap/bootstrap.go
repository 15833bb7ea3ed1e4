// Package bootstrap builds the docqa application from configuration. It is
// shared by the API server and the reindex worker.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"docqa/pkg/ai"
	"docqa/pkg/answer"
	"docqa/pkg/index"
	"docqa/pkg/queue"
	"docqa/pkg/storage"
	"docqa/pkg/store"
	"docqa/services/docqa/internal/app"
	"docqa/services/docqa/internal/config"
)

// Runtime holds the assembled application and the resources to release on
// shutdown. Queue is nil when the queue backend is "none".
type Runtime struct {
	App   *app.App
	Queue queue.JobQueue

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func closerFunc(c io.Closer) func() error { return c.Close }

// Build wires storage, index, model provider, sessions and queue into an
// App. On error everything acquired so far is released.
func Build(ctx context.Context, cfg config.FileConfig) (rt *Runtime, err error) {
	rt = &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	sessionTTL, _ := config.ParseDuration(cfg.SessionTTL)
	jwtLeeway, _ := config.ParseDuration(cfg.JWTLeeway)
	modelTimeout, _ := config.ParseDuration(cfg.ModelTimeout)

	var (
		entities store.Store
		gormDB   *store.GormStore
	)
	if cfg.DatabaseDriver == "memory" {
		entities = store.NewMemoryStore()
	} else {
		gormDB, err = store.NewGormStore(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		if sqlDB, err := gormDB.DB().DB(); err == nil {
			rt.onClose(closerFunc(sqlDB))
		}
		entities = gormDB
	}

	var blobs storage.ObjectStore
	switch cfg.BlobBackend {
	case "file":
		blobs, err = storage.NewFileStore(cfg.DataDir)
	default:
		blobs, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	var idx interface {
		index.Index
		app.IndexDropper
	}
	switch cfg.IndexBackend {
	case "chromem":
		idx, err = index.NewChromemIndex(cfg.ChromemDir)
	default:
		if gormDB == nil || gormDB.Driver() != "postgres" {
			return nil, errors.New("pgvector index requires a postgres database")
		}
		idx, err = index.NewPGVectorIndex(gormDB.DB(), cfg.EmbeddingDim)
	}
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	rt.onClose(revoker.Close)
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, sessionTTL, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		return nil, fmt.Errorf("init sessions: %w", err)
	}

	provider, err := ai.NewProvider(ctx, ai.ProviderConfig{
		Provider:        cfg.ModelProvider,
		APIKey:          cfg.ModelAPIKey,
		BaseURL:         cfg.ModelBaseURL,
		GenerationModel: cfg.GenerationModel,
		EmbeddingModel:  cfg.EmbeddingModel,
		EmbeddingDim:    cfg.EmbeddingDim,
	})
	if err != nil {
		return nil, fmt.Errorf("init model provider: %w", err)
	}
	builder := index.NewBuilder(idx, provider.Embedder, index.BuilderConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		BatchSize:    cfg.EmbeddingBatchSize,
		Concurrency:  cfg.EmbeddingConcurrency,
		EmbeddingDim: cfg.EmbeddingDim,
	})
	generator := answer.NewGenerator(index.NewRetriever(idx, provider.Embedder), provider.Chat, answer.Config{
		TopK:    cfg.RetrievalTopK,
		Timeout: modelTimeout,
	})

	switch cfg.QueueBackend {
	case "redis":
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.QueueStream,
			MaxRetries: cfg.QueueMaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis queue: %w", err)
		}
		rt.onClose(q.Close)
		rt.Queue = q
	case "rabbitmq":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		q, err := queue.NewRabbitJobQueue(dialCtx, queue.RabbitQueueConfig{
			URL:        cfg.RabbitMQURL,
			Queue:      cfg.QueueStream,
			MaxRetries: cfg.QueueMaxRetries,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("init rabbitmq queue: %w", err)
		}
		rt.onClose(q.Close)
		rt.Queue = q
	}

	appCfg := app.Config{
		Store:    entities,
		Sessions: sessions,
		Blobs:    blobs,
		Builder:  builder,
		Indexes:  idx,
		Answerer: generator,
	}
	if rt.Queue != nil {
		appCfg.Queue = rt.Queue
	}
	rt.App, err = app.New(appCfg)
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	return rt, nil
}
