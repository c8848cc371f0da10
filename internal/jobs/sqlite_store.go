package jobs

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const jobColumns = `id, input_ref, filename, input_format, output_format, file_size, status,
	progress, error, output_ref, meta, created_at, updated_at, completed_at`

// SQLiteStore は単一ホスト構成向けにジョブ状態を SQLite に保存します。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite はデータベースを開き、マイグレーションを適用します。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// 書き込みトランザクションを直列化する
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Create は PENDING のジョブを登録します。
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	meta, err := encodeMeta(job.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.InputRef, job.Filename, job.InputFormat, job.OutputFormat, job.FileSize,
		string(job.Status), job.Progress, job.Error, job.OutputRef, meta,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), nullableTime(job.CompletedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
		}
		return err
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, err
}

// Update は状態遷移を検証したうえでジョブを更新します。
func (s *SQLiteStore) Update(ctx context.Context, jobID string, upd Update) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	current, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}

	next, changed, err := Apply(current, upd, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return next, nil
	}

	meta, err := encodeMeta(next.Meta)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET
			status = ?, progress = ?, error = ?, output_ref = ?, meta = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(next.Status), next.Progress, next.Error, next.OutputRef, meta,
		next.UpdatedAt.UnixNano(), nullableTime(next.CompletedAt), jobID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// List は作成日時の新しい順にジョブを返します。
func (s *SQLiteStore) List(ctx context.Context, page, limit int) ([]*Job, int, error) {
	page, limit = normalizePage(page, limit)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := make([]*Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// Close はデータベースを閉じます。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                  Job
		status, meta         string
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.InputRef, &job.Filename, &job.InputFormat, &job.OutputFormat, &job.FileSize,
		&status, &job.Progress, &job.Error, &job.OutputRef, &meta,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		job.CompletedAt = &t
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &job.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode meta for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func encodeMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
