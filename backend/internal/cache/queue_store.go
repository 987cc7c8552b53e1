package cache

import (
	"context"
	"encoding/json"

	"collabEngine/backend/internal/queue"

	"github.com/golang/glog"
	redis "github.com/redis/go-redis/v9"
)

// RedisQueueStore 把离线队列整体存成一个 List，进程重启后 Restore
type RedisQueueStore struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisQueueStore(rdb redis.UniversalClient, replicaID string) *RedisQueueStore {
	return &RedisQueueStore{rdb: rdb, key: queueKey(replicaID)}
}

func (s *RedisQueueStore) SaveQueue(ctx context.Context, items []queue.QueuedOperation) error {
	values := make([]interface{}, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return err
		}
		values = append(values, b)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.RPush(ctx, s.key, values...)
		}
		return nil
	})
	return err
}

func (s *RedisQueueStore) LoadQueue(ctx context.Context) ([]queue.QueuedOperation, error) {
	raw, err := s.rdb.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	items := make([]queue.QueuedOperation, 0, len(raw))
	for _, r := range raw {
		var it queue.QueuedOperation
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			glog.Warningf("queue store: skip malformed entry: %v", err)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}
