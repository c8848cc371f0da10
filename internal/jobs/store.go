package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
	jobIndexKey  = "jobs:index"

	maxTxRetries = 16
	maxPageSize  = 100
)

// Store はジョブレコードの永続化と状態遷移を担います。状態の唯一の正本です。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, jobID string, upd Update) (*Job, error)
	List(ctx context.Context, page, limit int) ([]*Job, int, error)
	Close() error
}

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合は期限なしで保存します。
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Create は PENDING のジョブを登録します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
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

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := jobKey(job.ID)

	// レコードとインデックスは同一トランザクションで書き込む
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.ZAdd(ctx, jobIndexKey, redis.Z{
				Score:  float64(job.CreatedAt.UnixMilli()),
				Member: job.ID,
			})
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("create job %s: too many concurrent updates", job.ID)
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Update は状態遷移を検証したうえでジョブを更新します。
// 同一IDへの競合更新は WATCH で検出して再試行します。
func (s *RedisStore) Update(ctx context.Context, jobID string, upd Update) (*Job, error) {
	key := jobKey(jobID)
	var result *Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, jobID)
			}
			return err
		}
		var current Job
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		next, changed, err := Apply(&current, upd, s.now())
		if err != nil {
			return err
		}
		result = next
		if !changed {
			return nil
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent updates", jobID)
}

// List は作成日時の新しい順にジョブを返します。
func (s *RedisStore) List(ctx context.Context, page, limit int) ([]*Job, int, error) {
	page, limit = normalizePage(page, limit)
	start := int64((page - 1) * limit)
	stop := start + int64(limit) - 1

	ids, err := s.rdb.ZRevRange(ctx, jobIndexKey, start, stop).Result()
	if err != nil {
		return nil, 0, err
	}
	jobs := make([]*Job, 0, len(ids))
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = jobKey(id)
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, 0, err
		}
		var stale []any
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// TTL で消えたレコードはインデックスからも外す
				stale = append(stale, ids[i])
				continue
			}
			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				return nil, 0, err
			}
			jobs = append(jobs, &job)
		}
		if len(stale) > 0 {
			_ = s.rdb.ZRem(ctx, jobIndexKey, stale...).Err()
		}
	}

	total, err := s.rdb.ZCard(ctx, jobIndexKey).Result()
	if err != nil {
		return nil, 0, err
	}
	return jobs, int(total), nil
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
