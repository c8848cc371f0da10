// Package jobs は変換ジョブのレコード（状態の唯一の正本）と状態遷移を管理します。
package jobs

import (
	"errors"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidUpdate     = errors.New("invalid status update")
	ErrAlreadyExists     = errors.New("job already exists")
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid は既知の状態かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job は変換ジョブの現在状態を表します。
type Job struct {
	ID           string         `json:"id"`
	InputRef     string         `json:"inputRef"`
	Filename     string         `json:"filename"`
	InputFormat  string         `json:"inputFormat"`
	OutputFormat string         `json:"outputFormat"`
	FileSize     int64          `json:"fileSize"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	Error        string         `json:"error,omitempty"`
	OutputRef    string         `json:"outputRef,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// Update は状態更新リクエストです。Progress などのポインタは未指定を表します。
type Update struct {
	Status    Status         `json:"status"`
	Progress  *int           `json:"progress,omitempty"`
	Error     string         `json:"error,omitempty"`
	OutputRef string         `json:"outputRef,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Progress は進捗値のポインタを返します。
func Progress(p int) *int {
	return &p
}
