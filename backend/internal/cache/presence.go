package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"collabEngine/backend/internal/presence"

	"github.com/golang/glog"
	redis "github.com/redis/go-redis/v9"
)

// RedisPresence 把本机的 presence 镜像到 redis，其它实例可以看到同一文档的在线用户
type RedisPresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

// Mirror 刷新成员的逻辑 TTL 并覆盖 presence JSON
func (p *RedisPresence) Mirror(ctx context.Context, docID string, up presence.UserPresence) error {
	b, err := json.Marshal(up)
	if err != nil {
		return err
	}
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(p.ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: up.UserID})
	tx.Set(ctx, presenceKey(docID, up.UserID), b, p.ttl)
	_, err = tx.Exec(ctx)
	return err
}

func (p *RedisPresence) Remove(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.Del(ctx, presenceKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, roomScanMatch, 0).Iterator()
	for iter.Next(ctx) {
		docID := strings.TrimPrefix(iter.Val(), roomKeyPrefix)
		docID = strings.TrimSuffix(strings.TrimPrefix(docID, "{docID:"), "}")
		if docID != "" {
			documents = append(documents, docID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
end
return #expired
`)

// Alive 清理过期成员后返回仍在线的 presence
func (p *RedisPresence) Alive(ctx context.Context, docID string) ([]presence.UserPresence, error) {
	now := time.Now().Unix()
	if _, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID)}, now).Int(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presenceKey(docID, id)
	}
	// 集群模式下 key 都带同一个 hash tag，MGET 不会跨槽
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]presence.UserPresence, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			out = append(out, presence.UserPresence{UserID: ids[i]})
			continue
		}
		var up presence.UserPresence
		if err := json.Unmarshal([]byte(s), &up); err != nil {
			glog.Warningf("presence mirror: bad payload doc=%s user=%s err=%v", docID, ids[i], err)
			continue
		}
		out = append(out, up)
	}
	return out, nil
}
