package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/yourusername/convert-forge/internal/config"
	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/queue"
	"github.com/yourusername/convert-forge/internal/storage"
)

const maintenanceInterval = time.Minute

// jobsRuntime は API サーバーが保持するジョブ関連の依存関係です。
type jobsRuntime struct {
	store   jobs.Store
	storage storage.Gateway
	files   *storage.Local
	backend queue.Backend
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *log.Logger) (*jobsRuntime, error) {
	store, err := jobs.OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	gateway, err := storage.New(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	files, _ := gateway.(*storage.Local)

	backend, err := openBackend(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &jobsRuntime{
		store:   store,
		storage: gateway,
		files:   files,
		backend: backend,
	}, nil
}

func (r *jobsRuntime) Close() error {
	return errors.Join(r.backend.Close(), r.store.Close())
}

// openBackend は設定に応じてキューバックエンドを選択します。
func openBackend(cfg *config.Config, store jobs.Store, logger *log.Logger) (queue.Backend, error) {
	if cfg.DurableQueue() {
		durable, err := queue.NewDurableBackend(queue.DurableOptions{
			RedisURL:     cfg.QueueRedisURL,
			Concurrency:  cfg.WorkerConcurrency,
			MaxAttempts:  cfg.QueueMaxAttempts,
			BackoffBase:  cfg.QueueBackoffBase,
			RetainCount:  cfg.QueueRetainCount,
			PollInterval: cfg.QueuePollInterval,
			Status:       store,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		durable.StartMaintenance(maintenanceInterval)
		return durable, nil
	}
	return queue.NewProcessBackend(queue.ProcessOptions{
		Binary:     cfg.WorkerBinary,
		BackendURL: cfg.BackendURL,
		Status:     store,
		Logger:     logger,
	})
}
