// Package storage はストレージ抽象化レイヤーを提供します。
//
// 変換パイプラインからはバイト列の put/get と署名付きURLの発行だけが見えます。
// 開発環境ではローカルファイルシステム、本番環境では S3 互換ストレージを使用します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/convert-forge/internal/config"
)

// ErrNotFound は指定キーのオブジェクトが存在しない場合のエラーです。
var ErrNotFound = errors.New("object not found")

// Gateway はオブジェクトストレージへのアクセスを表します。
type Gateway interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// New は設定に応じたストレージを作成します。
func New(ctx context.Context, cfg *config.Config) (Gateway, error) {
	switch cfg.StorageMode {
	case config.StorageModeLocal:
		return NewLocal(cfg.StorageLocalPath, cfg.BackendURL, cfg.StorageSigningSecret)
	case config.StorageModeS3:
		return NewS3(ctx, S3Options{
			Bucket:         cfg.S3Bucket,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported storage mode: %s", cfg.StorageMode)
	}
}
