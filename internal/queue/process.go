package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/yourusername/convert-forge/internal/jobs"
)

// PayloadEnv はワーカープロセスへペイロードを渡す環境変数名です。
const PayloadEnv = "CONVERTER_JOB_BASE64"

// BackendURLEnv はワーカープロセスが状態を報告する API のベースURLを渡す環境変数名です。
const BackendURLEnv = "BACKEND_URL"

// ProcessOptions はローカルプロセス方式の設定です。
type ProcessOptions struct {
	// Binary は起動するワーカーの実行ファイルです。空の場合は自身の実行ファイルを使います。
	Binary string
	// Args はワーカーに渡す引数です。既定値は run-one です。
	Args []string
	// Env は追加の環境変数です。
	Env        []string
	BackendURL string
	Status     StatusUpdater
	Logger     *log.Logger
}

// ProcessBackend はジョブごとに独立したワーカープロセスを起動するキューです。
// 再試行は行いません。
type ProcessBackend struct {
	binary     string
	args       []string
	env        []string
	backendURL string
	status     StatusUpdater
	logger     *log.Logger

	wg sync.WaitGroup
}

// NewProcessBackend は ProcessBackend を作成します。
func NewProcessBackend(opts ProcessOptions) (*ProcessBackend, error) {
	if opts.Status == nil {
		return nil, errors.New("status updater is required")
	}
	binary := opts.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker binary: %w", err)
		}
		binary = self
	}
	args := opts.Args
	if len(args) == 0 {
		args = []string{"run-one"}
	}
	return &ProcessBackend{
		binary:     binary,
		args:       args,
		env:        opts.Env,
		backendURL: opts.BackendURL,
		status:     opts.Status,
		logger:     opts.Logger,
	}, nil
}

// Submit はジョブを PROCESSING/0 にしてワーカープロセスを起動します。プロセスの終了は待ちません。
func (b *ProcessBackend) Submit(ctx context.Context, p jobs.Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	encoded, err := jobs.EncodePayload(p)
	if err != nil {
		return "", err
	}
	if _, err := b.status.Update(ctx, p.ID, jobs.Update{
		Status:   jobs.StatusProcessing,
		Progress: jobs.Progress(0),
	}); err != nil {
		return "", fmt.Errorf("%w: failed to mark job processing: %w", ErrQueueUnavailable, err)
	}

	// プロセスはリクエストより長く生きるため ctx には紐付けない
	cmd := exec.Command(b.binary, b.args...)
	cmd.Env = append(os.Environ(), b.env...)
	cmd.Env = append(cmd.Env, PayloadEnv+"="+encoded)
	if b.backendURL != "" {
		cmd.Env = append(cmd.Env, BackendURLEnv+"="+b.backendURL)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		b.markFailed(p.ID, fmt.Sprintf("ワーカープロセスの起動に失敗しました: %v", err))
		return "", fmt.Errorf("%w: failed to spawn worker: %v", ErrQueueUnavailable, err)
	}
	handle := fmt.Sprintf("pid:%d", cmd.Process.Pid)
	b.logf("worker process started job=%s %s", p.ID, handle)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := cmd.Wait()
		if err == nil {
			b.logf("worker process exited job=%s %s", p.ID, handle)
			return
		}
		b.logf("worker process failed job=%s %s: %v", p.ID, handle, err)
		b.markFailed(p.ID, fmt.Sprintf("ワーカープロセスが異常終了しました: %v", err))
	}()
	return handle, nil
}

// markFailed はワーカー自身が報告できなかった失敗を記録します。
// ワーカーが先に終了状態を書き込んでいる場合は何もしません。
func (b *ProcessBackend) markFailed(jobID, message string) {
	_, err := b.status.Update(context.Background(), jobID, jobs.Update{
		Status: jobs.StatusFailed,
		Error:  message,
	})
	if err != nil && !errors.Is(err, jobs.ErrInvalidTransition) {
		b.logf("failed to mark job failed job=%s: %v", jobID, err)
	}
}

// Wait は起動済みのワーカープロセスがすべて終了するまで待ちます。
func (b *ProcessBackend) Wait() {
	b.wg.Wait()
}

// Close は起動済みのワーカープロセスの終了を待ちます。
func (b *ProcessBackend) Close() error {
	b.Wait()
	return nil
}

func (b *ProcessBackend) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf("[queue] "+format, args...)
	} else {
		log.Printf("[queue] "+format, args...)
	}
}
