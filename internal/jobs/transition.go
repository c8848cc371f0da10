package jobs

import (
	"fmt"
	"time"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusPending, StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
}

// Apply は現在のレコードに更新を適用した新しいレコードを返します。
// changed が false の場合は同一終了状態の再送で、レコードは変更されません。
func Apply(current *Job, upd Update, now time.Time) (next *Job, changed bool, err error) {
	if current == nil {
		return nil, false, ErrNotFound
	}
	if !upd.Status.Valid() {
		return nil, false, fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, upd.Status)
	}
	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 100) {
		return nil, false, fmt.Errorf("%w: progress out of range: %d", ErrInvalidUpdate, *upd.Progress)
	}

	if current.Status.Terminal() {
		if upd.Status == current.Status {
			return current, false, nil
		}
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, upd.Status)
	}
	if !transitionAllowed(current.Status, upd.Status) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, upd.Status)
	}
	if upd.Status == StatusCompleted && upd.OutputRef == "" {
		return nil, false, fmt.Errorf("%w: outputRef is required for %s", ErrInvalidUpdate, StatusCompleted)
	}

	n := *current
	n.Status = upd.Status
	n.UpdatedAt = now.UTC()
	if upd.Meta != nil {
		n.Meta = mergeMeta(current.Meta, upd.Meta)
	}

	switch upd.Status {
	case StatusPending, StatusProcessing:
		if upd.Progress != nil {
			n.Progress = *upd.Progress
		}
		// 終了前の進捗は減らさない（再配信時のチェックポイント再送を含む）
		if n.Progress < current.Progress {
			n.Progress = current.Progress
		}
	case StatusCompleted:
		n.Progress = 100
		n.OutputRef = upd.OutputRef
		n.Error = ""
		completed := now.UTC()
		n.CompletedAt = &completed
	case StatusFailed:
		n.Error = upd.Error
		if n.Error == "" {
			n.Error = "conversion failed"
		}
		n.OutputRef = ""
	case StatusCancelled:
		n.OutputRef = ""
		n.Error = ""
	}
	return &n, true, nil
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func mergeMeta(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// NewJob は PENDING 状態の新規レコードを作成します。
func NewJob(id, inputRef, filename, inputFormat, outputFormat string, fileSize int64, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:           id,
		InputRef:     inputRef,
		Filename:     filename,
		InputFormat:  inputFormat,
		OutputFormat: outputFormat,
		FileSize:     fileSize,
		Status:       StatusPending,
		Progress:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
