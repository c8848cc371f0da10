// Package worker は 1 件のジョブを取得→変換→アップロード→確定まで進めるワーカー処理です。
//
// 各ステップの進捗は Status 経由でジョブレコードへ報告します。
// 一時ワークスペースはジョブごとに作成し、どの経路で終了しても削除します。
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/getsentry/sentry-go"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/convert-forge/internal/convert"
	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/storage"
)

var (
	// ErrCancelled はチェックポイントでキャンセルを検知して処理を打ち切ったことを表します。
	ErrCancelled = errors.New("job cancelled")
	// ErrAlreadyFinished は別の実行がすでにジョブを終了状態にしていたことを表します。
	ErrAlreadyFinished = errors.New("job already finished")
)

// Status はジョブレコードの参照と状態更新です。
type Status interface {
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	Update(ctx context.Context, jobID string, upd jobs.Update) (*jobs.Job, error)
}

// Converter は変換の実行です。
type Converter interface {
	Convert(ctx context.Context, req convert.Request, progress convert.ProgressReporter) error
}

// Worker はジョブを 1 件ずつ実行します。複数のゴルーチンから同時に使用できます。
type Worker struct {
	status    Status
	storage   storage.Gateway
	converter Converter
	logger    *log.Logger
	tempDir   string
	now       func() time.Time
}

// Option は Worker の任意設定です。
type Option func(*Worker)

// WithTempDir はワークスペースを作成する親ディレクトリを指定します。
func WithTempDir(dir string) Option {
	return func(w *Worker) { w.tempDir = dir }
}

// WithClock はテスト用に現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New は Worker を作成します。
func New(status Status, gateway storage.Gateway, converter Converter, logger *log.Logger, opts ...Option) *Worker {
	w := &Worker{
		status:    status,
		storage:   gateway,
		converter: converter,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run は単発実行（再試行なし）としてジョブを処理します。
func (w *Worker) Run(ctx context.Context, p jobs.Payload) error {
	return w.Process(ctx, p, true)
}

// Process はジョブを処理します。
// finalAttempt が false の場合、一時的な失敗は FAILED を報告せずにエラーを返し、再配信に任せます。
// 変換エラーなど再試行しても結果が変わらない失敗は常に FAILED を報告します。
func (w *Worker) Process(ctx context.Context, p jobs.Payload, finalAttempt bool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.InputFormat = convert.NormalizeFormat(p.InputFormat)
	p.OutputFormat = convert.NormalizeFormat(p.OutputFormat)

	workspace, err := os.MkdirTemp(w.tempDir, "convert-"+safeName(p.ID)+"-")
	if err != nil {
		return w.fail(ctx, p, fmt.Errorf("一時ディレクトリの作成に失敗しました: %w", err), finalAttempt)
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			w.logf("failed to remove workspace job=%s: %v", p.ID, rmErr)
		}
	}()

	err = w.execute(ctx, p, workspace)
	switch {
	case err == nil:
		return nil
	case Stopped(err):
		w.logf("job stopped job=%s: %v", p.ID, err)
		return err
	}
	return w.fail(ctx, p, err, finalAttempt)
}

func (w *Worker) execute(ctx context.Context, p jobs.Payload, workspace string) error {
	if err := w.checkpoint(ctx, p.ID, 10); err != nil {
		return err
	}

	data, err := w.storage.Get(ctx, p.InputRef)
	if err != nil {
		return fmt.Errorf("入力ファイルの取得に失敗しました: %w", err)
	}
	inputPath := filepath.Join(workspace, "input."+extension(p.InputFormat))
	if err := os.WriteFile(inputPath, data, 0o640); err != nil {
		return fmt.Errorf("入力ファイルの保存に失敗しました: %w", err)
	}
	if err := w.checkpoint(ctx, p.ID, 20); err != nil {
		return err
	}

	outputPath := filepath.Join(workspace, "output."+p.OutputFormat)
	var stopErr error
	convErr := w.converter.Convert(ctx, convert.Request{
		InputPath:    inputPath,
		OutputPath:   outputPath,
		InputFormat:  p.InputFormat,
		OutputFormat: p.OutputFormat,
	}, func(stage string, percent int) {
		if stopErr != nil {
			return
		}
		stopErr = w.checkpoint(ctx, p.ID, percent)
	})
	if stopErr != nil {
		return stopErr
	}
	if convErr != nil {
		return convErr
	}

	size, err := convert.ValidateOutput(outputPath)
	if err != nil {
		return err
	}
	output, err := os.ReadFile(outputPath)
	if err != nil {
		return fmt.Errorf("変換結果の読み込みに失敗しました: %w", err)
	}
	meta := w.describeOutput(p, outputPath, output, size)

	ref, err := w.storage.Put(ctx, outputKey(w.now(), p), output, meta["contentType"].(string))
	if err != nil {
		return fmt.Errorf("変換結果の保存に失敗しました: %w", err)
	}
	if err := w.checkpoint(ctx, p.ID, 90); err != nil {
		return err
	}

	if _, err := w.status.Update(ctx, p.ID, jobs.Update{
		Status:    jobs.StatusCompleted,
		OutputRef: ref,
		Meta:      meta,
	}); err != nil {
		return w.interpretRejection(ctx, p.ID, err)
	}
	w.logf("job completed job=%s output=%s size=%d", p.ID, ref, size)
	return nil
}

// checkpoint は PROCESSING の進捗を報告します。
// 進捗の報告失敗はジョブを止めませんが、終了状態による拒否は停止として扱います。
func (w *Worker) checkpoint(ctx context.Context, jobID string, percent int) error {
	_, err := w.status.Update(ctx, jobID, jobs.Update{
		Status:   jobs.StatusProcessing,
		Progress: jobs.Progress(percent),
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, jobs.ErrInvalidTransition) {
		return w.interpretRejection(ctx, jobID, err)
	}
	w.logf("failed to update progress job=%s percent=%d: %v", jobID, percent, err)
	return nil
}

// interpretRejection は状態更新が拒否された理由をレコードから判定します。
func (w *Worker) interpretRejection(ctx context.Context, jobID string, cause error) error {
	if !errors.Is(cause, jobs.ErrInvalidTransition) {
		return fmt.Errorf("ジョブ状態の更新に失敗しました: %w", cause)
	}
	job, err := w.status.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("ジョブ状態の取得に失敗しました: %w", errors.Join(cause, err))
	}
	switch job.Status {
	case jobs.StatusCancelled:
		return ErrCancelled
	case jobs.StatusCompleted, jobs.StatusFailed:
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, job.Status)
	}
	return cause
}

func (w *Worker) fail(ctx context.Context, p jobs.Payload, cause error, finalAttempt bool) error {
	if !Terminal(cause) && !finalAttempt {
		w.logf("job attempt failed, will retry job=%s: %v", p.ID, cause)
		return cause
	}

	w.logf("job failed job=%s: %v", p.ID, cause)
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", p.ID)
		scope.SetTag("output_format", p.OutputFormat)
		var convErr *convert.Error
		if errors.As(cause, &convErr) {
			scope.SetTag("error_code", convErr.Code)
		}
		sentry.CaptureException(cause)
	})

	if _, err := w.status.Update(ctx, p.ID, jobs.Update{
		Status: jobs.StatusFailed,
		Error:  cause.Error(),
	}); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			w.logf("job already terminal, failure not recorded job=%s: %v", p.ID, err)
			return cause
		}
		return fmt.Errorf("failed to record failure: %w", errors.Join(cause, err))
	}
	return cause
}

// Terminal は再試行しても結果が変わらない失敗かどうかを返します。
func Terminal(err error) bool {
	var convErr *convert.Error
	if errors.As(err, &convErr) {
		return true
	}
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, jobs.ErrInvalidUpdate)
}

// Stopped はキャンセルまたは他の実行による終了で処理を打ち切ったかどうかを返します。
func Stopped(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrAlreadyFinished)
}

func (w *Worker) describeOutput(p jobs.Payload, path string, data []byte, size int64) map[string]any {
	meta := map[string]any{
		"outputSize":  size,
		"contentType": contentType(p.OutputFormat, data),
	}
	if p.OutputFormat == "pdf" {
		pages, err := pdfapi.PageCountFile(path)
		if err != nil {
			w.logf("failed to count pdf pages job=%s: %v", p.ID, err)
		} else {
			meta["pages"] = pages
		}
	}
	return meta
}

// contentType は出力バイト列から Content-Type を判定し、判別できない場合は形式から決めます。
func contentType(format string, data []byte) string {
	detected := mimetype.Detect(data)
	if detected.Is("application/octet-stream") {
		return convert.ContentType(format)
	}
	return detected.String()
}

func outputKey(now time.Time, p jobs.Payload) string {
	base := strings.TrimSuffix(filepath.Base(p.Filename), filepath.Ext(p.Filename))
	if base == "" || base == "." {
		base = "output"
	}
	return fmt.Sprintf("outputs/%d-%s-%s.%s", now.UnixMilli(), safeName(p.ID), safeName(base), p.OutputFormat)
}

func extension(format string) string {
	if format == "" {
		return "bin"
	}
	return format
}

// safeName はパスやキーに使えない文字を置き換えます。
func safeName(s string) string {
	s = strings.ReplaceAll(s, "..", "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker] "+format, args...)
	}
}
