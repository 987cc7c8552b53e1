package transport

import (
	"context"
	"strings"

	"collabEngine/backend/internal/crdt"

	"github.com/golang/glog"
	redis "github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "collab:ops:"

// RedisTransport 每个文档一个 pub/sub channel，多实例之间互相转发
type RedisTransport struct {
	rdb       redis.UniversalClient
	replicaID string
}

func NewRedisTransport(rdb redis.UniversalClient, replicaID string) *RedisTransport {
	return &RedisTransport{rdb: rdb, replicaID: replicaID}
}

func channelFor(documentID string) string { return redisChannelPrefix + documentID }

func (r *RedisTransport) BroadcastOperation(ctx context.Context, documentID string, op crdt.Operation) error {
	return r.publish(ctx, NewEnvelope(r.replicaID, documentID, op))
}

func (r *RedisTransport) RequestSync(ctx context.Context, documentID string, heads crdt.VersionVector, reply bool) error {
	return r.publish(ctx, NewSyncEnvelope(r.replicaID, documentID, heads, reply))
}

func (r *RedisTransport) publish(ctx context.Context, env Envelope) error {
	b, err := Encode(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channelFor(env.DocumentID), b).Err()
}

// Run 订阅所有文档的 channel，直到 ctx 结束
func (r *RedisTransport) Run(ctx context.Context, handler Handler) error {
	pubsub := r.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	// 等订阅确认，避免订阅前的消息丢掉还不知道
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleMessage(ctx, msg, handler)
		}
	}
}

func (r *RedisTransport) handleMessage(ctx context.Context, msg *redis.Message, handler Handler) {
	env, err := Decode([]byte(msg.Payload))
	if err != nil {
		glog.Warningf("redis transport: drop malformed message channel=%s err=%v", msg.Channel, err)
		return
	}
	if env.SenderReplica == r.replicaID {
		return
	}
	if want := strings.TrimPrefix(msg.Channel, redisChannelPrefix); want != env.DocumentID {
		glog.Warningf("redis transport: channel %s carries doc %s, skip", msg.Channel, env.DocumentID)
		return
	}
	if err := handler(ctx, env); err != nil {
		glog.Warningf("redis transport: handle remote %s doc=%s op=%s err=%v", env.Kind, env.DocumentID, env.Operation.ID, err)
	}
}
