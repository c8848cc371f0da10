package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourusername/convert-forge/internal/config"
	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/queue"
	"github.com/yourusername/convert-forge/internal/statusclient"
	"github.com/yourusername/convert-forge/internal/worker"
)

// ServeCmd は永続キューのワーカープールを起動するコマンドです。
func ServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume jobs from the durable queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cfg.DurableQueue() {
				return errors.New("serve requires QUEUE_REDIS_URL")
			}
			logger := log.Default()

			store, err := jobs.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			w, err := newWorker(cmd.Context(), cfg, store, logger)
			if err != nil {
				return err
			}
			backend, err := queue.NewDurableBackend(queue.DurableOptions{
				RedisURL:     cfg.QueueRedisURL,
				Concurrency:  cfg.WorkerConcurrency,
				MaxAttempts:  cfg.QueueMaxAttempts,
				BackoffBase:  cfg.QueueBackoffBase,
				RetainCount:  cfg.QueueRetainCount,
				PollInterval: cfg.QueuePollInterval,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			defer backend.Close()

			log.Printf("Starting worker pool (concurrency: %d, attempts: %d)", cfg.WorkerConcurrency, cfg.QueueMaxAttempts)
			// シグナル処理は Asynq サーバーが行う
			return backend.RunWorkers(w)
		},
	}
}

// RunOneCmd はローカルプロセス方式で起動され、1 件のジョブを処理するコマンドです。
// 失敗時は非ゼロで終了し、起動元が FAILED を記録できるようにします。
func RunOneCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run-one",
		Short: "Process a single job passed via " + queue.PayloadEnv,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := jobs.DecodePayload(os.Getenv(queue.PayloadEnv))
			if err != nil {
				return err
			}
			backendURL := os.Getenv(queue.BackendURLEnv)
			if backendURL == "" {
				backendURL = cfg.BackendURL
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := log.New(os.Stderr, fmt.Sprintf("[job %s] ", payload.ID), log.LstdFlags)
			w, err := newWorker(ctx, cfg, statusclient.New(backendURL, cfg.StatusTimeout), logger)
			if err != nil {
				return err
			}
			if err := w.Run(ctx, payload); err != nil && !worker.Stopped(err) {
				return err
			}
			return nil
		},
	}
}

// DlqCmd はデッドレターに入ったジョブを表示するコマンドです。
func DlqCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "dlq",
		Short: "List jobs in the dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cfg.DurableQueue() {
				return errors.New("dlq requires QUEUE_REDIS_URL")
			}
			backend, err := queue.NewDurableBackend(queue.DurableOptions{
				RedisURL:    cfg.QueueRedisURL,
				RetainCount: cfg.QueueRetainCount,
			})
			if err != nil {
				return err
			}
			defer backend.Close()

			letters, err := backend.DeadLetters(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			if len(letters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dead letter queue is empty.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "JOB\tFORMAT\tRETRIED\tFAILED AT\tERROR")
			for _, l := range letters {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s->%s\t%d\t%s\t%s\n",
					l.Payload.ID, l.Payload.InputFormat, l.Payload.OutputFormat,
					l.Retried, l.FailedAt.Format("2006-01-02 15:04:05"), l.LastError)
			}
			return nil
		},
	}
}
