package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/worker"
)

const (
	taskTypeConvert = "convert:run"
	queueName       = "convert"

	// 完了タスクは件数で刈り込むため、Asynq 側の保持期間は長めに取る。
	completedRetention = 24 * time.Hour
	reconcileBatchSize = 100
)

// DurableOptions は永続キューの設定です。
type DurableOptions struct {
	RedisURL    string
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	RetainCount int
	// PollInterval は空キューとリトライ待ちタスクの確認間隔です。0 の場合は Asynq の既定値を使います。
	PollInterval time.Duration
	// Status は再試行を使い切ったジョブを FAILED にするために使います（投入側のみ必要）。
	Status StatusUpdater
	Logger *log.Logger
}

// DeadLetter は再試行を使い切った、または再試行不可で終了したタスクです。
type DeadLetter struct {
	TaskID    string       `json:"taskId"`
	Payload   jobs.Payload `json:"payload"`
	Retried   int          `json:"retried"`
	LastError string       `json:"lastError"`
	FailedAt  time.Time    `json:"failedAt"`
}

// DurableBackend は Asynq を使った永続・リトライ付きのキューです。
type DurableBackend struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux

	handler     Handler
	status      StatusUpdater
	maxAttempts int
	retain      int
	logger      *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewDurableBackend は DurableBackend を初期化します。Redis への接続は投入時まで行いません。
func NewDurableBackend(opts DurableOptions) (*DurableBackend, error) {
	if opts.RedisURL == "" {
		return nil, errors.New("redis url is required")
	}
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.RetainCount <= 0 {
		opts.RetainCount = 50
	}

	b := &DurableBackend{
		client:      asynq.NewClient(redisOpt),
		inspector:   asynq.NewInspector(redisOpt),
		mux:         asynq.NewServeMux(),
		status:      opts.Status,
		maxAttempts: opts.MaxAttempts,
		retain:      opts.RetainCount,
		logger:      opts.Logger,
		stop:        make(chan struct{}),
	}
	b.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: opts.Concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			TaskCheckInterval:        opts.PollInterval,
			DelayedTaskCheckInterval: opts.PollInterval,
			RetryDelayFunc:           retryDelay(opts.BackoffBase),
			ErrorHandler:             asynq.ErrorHandlerFunc(b.handleError),
		},
	)
	b.mux.HandleFunc(taskTypeConvert, b.handleTask)
	return b, nil
}

// retryDelay は base * 2^n の指数バックオフを返します（n は失敗済みの回数）。
func retryDelay(base time.Duration) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		if n < 0 {
			n = 0
		}
		return base << uint(n)
	}
}

// Submit はジョブをキューに投入します。ペイロードは Redis に保存されてから応答します。
func (b *DurableBackend) Submit(ctx context.Context, p jobs.Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypeConvert, body, asynq.Queue(queueName))
	info, err := b.client.EnqueueContext(ctx, task,
		asynq.TaskID(p.ID),
		asynq.MaxRetry(b.maxAttempts-1),
		asynq.Retention(completedRetention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// 同じジョブの二重投入は既存タスクをそのまま使う
			return p.ID, nil
		}
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return info.ID, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (b *DurableBackend) StartWorkers(h Handler) error {
	b.handler = h
	return b.server.Start(b.mux)
}

// RunWorkers は Asynq サーバーを起動し、終了シグナルを受け取るまでブロックします。
func (b *DurableBackend) RunWorkers(h Handler) error {
	b.handler = h
	if err := b.server.Run(b.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return err
	}
	return nil
}

func (b *DurableBackend) handleError(ctx context.Context, task *asynq.Task, err error) {
	b.logf("task failed type=%s: %v", task.Type(), err)
}

func (b *DurableBackend) handleTask(ctx context.Context, task *asynq.Task) error {
	var p jobs.Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = b.maxAttempts - 1
	}
	return b.process(ctx, p, retried, maxRetry)
}

// process は 1 回分の配信を処理し、Asynq に再試行するかどうかをエラーで伝えます。
func (b *DurableBackend) process(ctx context.Context, p jobs.Payload, retried, maxRetry int) error {
	if b.handler == nil {
		return errors.New("handler is not registered")
	}
	err := b.handler.Process(ctx, p, retried >= maxRetry)
	switch {
	case err == nil:
		return nil
	case worker.Stopped(err):
		return nil
	case worker.Terminal(err):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	b.logf("attempt %d/%d failed job=%s: %v", retried+1, maxRetry+1, p.ID, err)
	return err
}

// StartMaintenance はデッドレターの状態反映と保持件数の刈り込みを定期実行します。
func (b *DurableBackend) StartMaintenance(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := b.Maintain(ctx); err != nil {
					b.logf("maintenance failed: %v", err)
				}
				cancel()
			}
		}
	}()
}

// Maintain はデッドレターに入ったジョブを FAILED にし、古いタスクを刈り込みます。
// ワーカープロセスが異常終了して再試行を使い切った場合もここで FAILED になります。
func (b *DurableBackend) Maintain(ctx context.Context) error {
	if err := b.reconcileDeadLetters(ctx); err != nil {
		return err
	}
	return b.prune()
}

// DeadLetters はデッドレターに入ったタスクを古い順に返します。
func (b *DurableBackend) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	tasks, err := b.inspector.ListArchivedTasks(queueName, asynq.PageSize(b.retain))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, err
	}
	letters := make([]DeadLetter, 0, len(tasks))
	for _, t := range tasks {
		letters = append(letters, deadLetterOf(t))
	}
	return letters, nil
}

func deadLetterOf(t *asynq.TaskInfo) DeadLetter {
	var p jobs.Payload
	_ = json.Unmarshal(t.Payload, &p)
	return DeadLetter{
		TaskID:    t.ID,
		Payload:   p,
		Retried:   t.Retried,
		LastError: t.LastErr,
		FailedAt:  t.LastFailedAt,
	}
}

func (b *DurableBackend) reconcileDeadLetters(ctx context.Context) error {
	if b.status == nil {
		return nil
	}
	tasks, err := b.inspector.ListArchivedTasks(queueName, asynq.PageSize(reconcileBatchSize))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return err
	}
	for _, t := range tasks {
		letter := deadLetterOf(t)
		if letter.Payload.ID == "" {
			continue
		}
		if err := markDeadLetterFailed(ctx, b.status, letter); err != nil {
			b.logf("failed to mark dead letter job=%s: %v", letter.Payload.ID, err)
		}
	}
	return nil
}

// markDeadLetterFailed はデッドレターのジョブを FAILED にします。すでに終了状態なら何もしません。
func markDeadLetterFailed(ctx context.Context, status StatusUpdater, letter DeadLetter) error {
	message := letter.LastError
	if message == "" {
		message = "retries exhausted"
	}
	_, err := status.Update(ctx, letter.Payload.ID, jobs.Update{
		Status: jobs.StatusFailed,
		Error:  message,
	})
	if err == nil || errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	return err
}

// prune は完了タスクとデッドレターをそれぞれ保持件数まで古い順に削除します。
func (b *DurableBackend) prune() error {
	info, err := b.inspector.GetQueueInfo(queueName)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return err
	}
	if excess := info.Completed - b.retain; excess > 0 {
		tasks, err := b.inspector.ListCompletedTasks(queueName, asynq.PageSize(excess))
		if err != nil {
			return err
		}
		b.deleteTasks(tasks)
	}
	if excess := info.Archived - b.retain; excess > 0 {
		tasks, err := b.inspector.ListArchivedTasks(queueName, asynq.PageSize(excess))
		if err != nil {
			return err
		}
		b.deleteTasks(tasks)
	}
	return nil
}

func (b *DurableBackend) deleteTasks(tasks []*asynq.TaskInfo) {
	for _, t := range tasks {
		if err := b.inspector.DeleteTask(queueName, t.ID); err != nil {
			b.logf("failed to prune task id=%s: %v", t.ID, err)
		}
	}
}

// Close はサーバー、メンテナンス処理、クライアントを停止します。
func (b *DurableBackend) Close() error {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
		b.server.Shutdown()
	})
	return errors.Join(b.client.Close(), b.inspector.Close())
}

func (b *DurableBackend) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf("[queue] "+format, args...)
	} else {
		log.Printf("[queue] "+format, args...)
	}
}
