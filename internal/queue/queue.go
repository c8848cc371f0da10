// Package queue はジョブの投入先となるキューバックエンドを提供します。
//
// Redis が設定されている場合は Asynq による永続キュー、未設定の場合はジョブごとに
// ワーカープロセスを起動するローカル方式を使います。どちらも Backend として同じ契約を満たします。
package queue

import (
	"context"
	"errors"

	"github.com/yourusername/convert-forge/internal/jobs"
)

// ErrQueueUnavailable はキューがジョブを受け付けられない場合のエラーです。
var ErrQueueUnavailable = errors.New("queue unavailable")

// Backend はジョブの投入先です。
type Backend interface {
	// Submit はジョブを投入し、バックエンド固有のハンドルを返します。完了は待ちません。
	Submit(ctx context.Context, p jobs.Payload) (string, error)
	Close() error
}

// Handler はキューから受け取ったジョブを 1 件処理します。
// finalAttempt が true の場合、失敗は再配信されません。
type Handler interface {
	Process(ctx context.Context, p jobs.Payload, finalAttempt bool) error
}

// StatusUpdater はキュー側からジョブ状態を書き込むための最小インターフェースです。
type StatusUpdater interface {
	Update(ctx context.Context, jobID string, upd jobs.Update) (*jobs.Job, error)
}
