package jobs

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/convert-forge/internal/config"
)

// OpenStore は設定に応じたジョブレコードストアを開きます。
func OpenStore(cfg *config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverRedis:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return NewRedisStore(redis.NewClient(opt), cfg.JobRecordTTL()), nil
	case config.StoreDriverSQLite:
		store, err := OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver: %s", cfg.StoreDriver)
}
