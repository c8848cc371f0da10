// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverRedis  = "redis"
	StoreDriverSQLite = "sqlite"

	StorageModeLocal = "local"
	StorageModeS3    = "s3"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port       string // APIサーバーのポート番号
	GinMode    string // Ginの実行モード (debug, release, test)
	BackendURL string // ワーカープロセスが状態を報告する先のベースURL

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// ジョブ/キュー設定
	QueueRedisURL     string        // Asynq用Redis接続URL（空の場合はローカルプロセス方式）
	WorkerConcurrency int           // 永続キューの同時実行数
	QueueMaxAttempts  int           // 永続キューの最大試行回数
	QueueBackoffBase  time.Duration // リトライ間隔の基準値
	QueueRetainCount  int           // 完了/失敗タスクの保持件数
	QueuePollInterval time.Duration // 空キュー・リトライ待ちの確認間隔（0 は Asynq の既定値）
	WorkerBinary      string        // ローカルプロセス方式で起動するワーカーの実行ファイル

	// ジョブレコード設定
	StoreDriver       string // redis または sqlite
	DatabasePath      string // SQLite ファイルのパス
	JobRecordTTLHours int    // ジョブレコードの保持時間（0 は無期限）

	// ストレージ設定
	StorageMode          string
	StorageLocalPath     string
	StorageSigningSecret string
	S3Bucket             string
	S3Region             string
	S3Endpoint           string
	S3AccessKey          string
	S3SecretKey          string
	S3ForcePathStyle     bool

	// 変換ツール設定
	LibreOfficePath string
	PdfToTextPath   string
	PandocPath      string
	ImageMagickPath string
	FFmpegPath      string
	ToolTimeout     time.Duration
	StatusTimeout   time.Duration

	// エラー通知
	SentryDSN         string
	SentryEnvironment string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込み、CONFIG_FILE が指定されていれば YAML で上書きします。
func Load() (*Config, error) {
	loadEnvFile()

	overlay, err := loadOverlay(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	get := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if v, ok := overlay[key]; ok && v != "" {
			return v
		}
		return def
	}

	queueURL := get("QUEUE_REDIS_URL", "")
	defaultDriver := StoreDriverSQLite
	if queueURL != "" {
		defaultDriver = StoreDriverRedis
	}

	config := &Config{
		Port:       get("PORT", "4000"),
		GinMode:    get("GIN_MODE", "debug"),
		BackendURL: strings.TrimRight(get("BACKEND_URL", "http://localhost:4000"), "/"),

		CORSAllowedOrigins: get("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		MaxFileSize: parseInt64(get("MAX_FILE_SIZE", ""), 104857600), // 100MB

		QueueRedisURL:     queueURL,
		WorkerConcurrency: parseInt(get("WORKER_CONCURRENCY", ""), 4),
		QueueMaxAttempts:  parseInt(get("QUEUE_MAX_ATTEMPTS", ""), 3),
		QueueBackoffBase:  parseDuration(get("QUEUE_BACKOFF_BASE", ""), 2*time.Second),
		QueueRetainCount:  parseInt(get("QUEUE_RETAIN_COUNT", ""), 50),
		QueuePollInterval: parseDuration(get("QUEUE_POLL_INTERVAL", ""), 0),
		WorkerBinary:      get("WORKER_BINARY", "convert-worker"),

		StoreDriver:       strings.ToLower(get("STORE_DRIVER", defaultDriver)),
		DatabasePath:      get("DATABASE_PATH", "./data/jobs.db"),
		JobRecordTTLHours: parseInt(get("JOB_RECORD_TTL_HOURS", ""), 0),

		StorageMode:          strings.ToLower(get("STORAGE_MODE", StorageModeLocal)),
		StorageLocalPath:     get("STORAGE_LOCAL_PATH", "./uploads"),
		StorageSigningSecret: get("STORAGE_SIGNING_SECRET", "dev-signing-secret"),
		S3Bucket:             get("S3_BUCKET", ""),
		S3Region:             get("S3_REGION", "auto"),
		S3Endpoint:           get("S3_ENDPOINT", ""),
		S3AccessKey:          get("S3_ACCESS_KEY", ""),
		S3SecretKey:          get("S3_SECRET_KEY", ""),
		S3ForcePathStyle:     get("S3_FORCE_PATH_STYLE", "") == "true",

		LibreOfficePath: get("LIBREOFFICE_PATH", "soffice"),
		PdfToTextPath:   get("PDFTOTEXT_PATH", "pdftotext"),
		PandocPath:      get("PANDOC_PATH", "pandoc"),
		ImageMagickPath: get("IMAGEMAGICK_CONVERT", "magick"),
		FFmpegPath:      get("FFMPEG_PATH", "ffmpeg"),
		ToolTimeout:     parseDuration(get("TOOL_TIMEOUT", ""), 10*time.Minute),
		StatusTimeout:   parseDuration(get("STATUS_TIMEOUT", ""), 10*time.Second),

		SentryDSN:         get("SENTRY_DSN", ""),
		SentryEnvironment: get("SENTRY_ENVIRONMENT", "development"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// DurableQueue は永続キュー（Asynq）を使うかどうかを返します。
func (c *Config) DurableQueue() bool {
	return c.QueueRedisURL != ""
}

// JobRecordTTL はジョブレコードの保持期間を返します。
func (c *Config) JobRecordTTL() time.Duration {
	if c.JobRecordTTLHours <= 0 {
		return 0
	}
	return time.Duration(c.JobRecordTTLHours) * time.Hour
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("STORE_DRIVER=redis requires QUEUE_REDIS_URL")
		}
	case StoreDriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER: %s", c.StoreDriver)
	}

	switch c.StorageMode {
	case StorageModeLocal:
		if c.StorageLocalPath == "" {
			return fmt.Errorf("STORAGE_LOCAL_PATH is required for STORAGE_MODE=local")
		}
	case StorageModeS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for STORAGE_MODE=s3")
		}
	default:
		return fmt.Errorf("unknown STORAGE_MODE: %s", c.StorageMode)
	}

	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive")
	}

	// 本番環境では署名鍵の既定値を許可しない
	if c.GinMode == "release" && c.StorageSigningSecret == "dev-signing-secret" && c.StorageMode == StorageModeLocal {
		return fmt.Errorf("STORAGE_SIGNING_SECRET is required in release mode")
	}

	return nil
}

func parseInt(valueStr string, defaultValue int) int {
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseInt64(valueStr string, defaultValue int64) int64 {
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseDuration(valueStr string, defaultValue time.Duration) time.Duration {
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
