// Package intake はアップロードを受け付けてジョブを作成し、キューへ投入します。
package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/convert-forge/internal/convert"
	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/queue"
	"github.com/yourusername/convert-forge/internal/storage"
)

// DownloadTTL は成果物ダウンロードURLの有効期間です。
const DownloadTTL = time.Hour

var (
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file is too large")
	ErrNotDownloadable = errors.New("job result is not available for download")
)

// Upload は受け付けたファイルと変換先形式です。
type Upload struct {
	Filename     string
	Data         []byte
	ContentType  string
	OutputFormat string
}

// Download は成果物のダウンロード情報です。
type Download struct {
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	OutputFormat string    `json:"outputFormat"`
	FileSize     int64     `json:"fileSize"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Service はジョブの受付と成果物の払い出しを担います。
type Service struct {
	store       jobs.Store
	storage     storage.Gateway
	backend     queue.Backend
	logger      *log.Logger
	maxFileSize int64
	now         func() time.Time
	newID       func() string
}

// NewService は Service を作成します。maxFileSize が 0 以下の場合は上限を設けません。
func NewService(store jobs.Store, gateway storage.Gateway, backend queue.Backend, maxFileSize int64, logger *log.Logger) *Service {
	return &Service{
		store:       store,
		storage:     gateway,
		backend:     backend,
		logger:      logger,
		maxFileSize: maxFileSize,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Submit は入力を保存してジョブを作成し、キューへ投入します。
// キューが受け付けない場合、ジョブは FAILED にしたうえで queue.ErrQueueUnavailable を返します。
func (s *Service) Submit(ctx context.Context, u Upload) (*jobs.Job, error) {
	if len(u.Data) == 0 {
		return nil, ErrEmptyFile
	}
	if s.maxFileSize > 0 && int64(len(u.Data)) > s.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(u.Data), s.maxFileSize)
	}
	outputFormat := convert.NormalizeFormat(u.OutputFormat)
	if !convert.Supported(outputFormat) {
		return nil, &convert.Error{
			Code:    convert.CodeUnsupportedFormat,
			Message: fmt.Sprintf("サポートされていない出力形式です: %s", u.OutputFormat),
		}
	}
	inputFormat, contentType := DetectFormat(u.Filename, u.ContentType, u.Data)
	if !convert.Supported(inputFormat) {
		return nil, &convert.Error{
			Code:    convert.CodeUnsupportedFormat,
			Message: fmt.Sprintf("サポートされていないファイル形式です: %s", contentType),
		}
	}

	filename := sanitizeFilename(u.Filename, inputFormat)
	id := s.newID()
	now := s.now()
	key := fmt.Sprintf("inputs/%d-%s-%s", now.UnixMilli(), id, filename)
	ref, err := s.storage.Put(ctx, key, u.Data, contentType)
	if err != nil {
		return nil, fmt.Errorf("入力ファイルの保存に失敗しました: %w", err)
	}

	job := jobs.NewJob(id, ref, filename, inputFormat, outputFormat, int64(len(u.Data)), now)
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}

	handle, err := s.backend.Submit(ctx, jobs.PayloadOf(job))
	if err != nil {
		failed, updErr := s.store.Update(ctx, id, jobs.Update{
			Status: jobs.StatusFailed,
			Error:  fmt.Sprintf("キューへの投入に失敗しました: %v", err),
		})
		if updErr != nil && !errors.Is(updErr, jobs.ErrInvalidTransition) {
			s.logf("failed to mark job failed job=%s: %v", id, updErr)
		}
		if failed != nil {
			job = failed
		}
		return job, err
	}
	s.logf("job submitted job=%s %s->%s handle=%s", id, inputFormat, outputFormat, handle)

	// ローカルプロセス方式では投入時点で PROCESSING になっている
	if latest, err := s.store.Get(ctx, id); err == nil {
		job = latest
	}
	return job, nil
}

// Get はジョブを取得します。
func (s *Service) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return s.store.Get(ctx, id)
}

// DownloadInfo は完了済みジョブの成果物への署名付きURLを返します。
func (s *Service) DownloadInfo(ctx context.Context, id string) (*Download, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusCompleted || job.OutputRef == "" {
		return nil, fmt.Errorf("%w: status=%s", ErrNotDownloadable, job.Status)
	}
	url, err := s.storage.SignedURL(ctx, job.OutputRef, DownloadTTL)
	if err != nil {
		return nil, fmt.Errorf("ダウンロードURLの発行に失敗しました: %w", err)
	}
	return &Download{
		URL:          url,
		Filename:     DownloadFilename(job.Filename, job.OutputFormat),
		OriginalName: job.Filename,
		OutputFormat: job.OutputFormat,
		FileSize:     job.FileSize,
		ExpiresAt:    s.now().Add(DownloadTTL).UTC(),
	}, nil
}

// DetectFormat はファイル内容から形式タグと Content-Type を判定します。
// 内容から判別できない場合は申告された Content-Type、ファイル名の拡張子の順に使います。
func DetectFormat(filename, declared string, data []byte) (format, contentType string) {
	detected := mimetype.Detect(data)
	contentType = detected.String()
	format = formatOf(detected)
	if convert.Supported(format) {
		return format, contentType
	}
	if declared != "" {
		if m := mimetype.Lookup(declared); m != nil && convert.Supported(formatOf(m)) {
			return formatOf(m), m.String()
		}
	}
	if ext := convert.NormalizeFormat(filepath.Ext(filename)); convert.Supported(ext) {
		return ext, convert.ContentType(ext)
	}
	return format, contentType
}

func formatOf(m *mimetype.MIME) string {
	format := convert.NormalizeFormat(m.Extension())
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// DownloadFilename は元のファイル名の拡張子を出力形式に置き換えます。
func DownloadFilename(original, outputFormat string) string {
	base := strings.TrimSuffix(original, filepath.Ext(original))
	if base == "" {
		base = "converted_file"
	}
	return base + "." + outputFormat
}

// sanitizeFilename はストレージキーに使えるファイル名に整えます。
func sanitizeFilename(name, format string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" || name == "_" {
		return "upload." + format
	}
	return name
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[intake] "+format, args...)
	}
}
