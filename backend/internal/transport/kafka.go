package transport

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"collabEngine/backend/internal/crdt"

	"github.com/IBM/sarama"
	"github.com/golang/glog"
)

// KafkaTransport：本地有界队列 + worker 异步发送 + 有限重试。
// - BroadcastOperation 只负责入队，不阻塞主提交流程
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 重试耗尽后交给 OnDrop（一般是放回离线队列）
// - 每个 worker 一条队列，文档按 docId 哈希固定到一个 worker，同一文档串行发送
type KafkaTransport struct {
	producer  sarama.SyncProducer
	topic     string
	replicaID string

	queues []chan Envelope

	// sem 限制并发的 SendMessage 数量
	sem *SendLimiter

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	onDrop func(Envelope)

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	OnDrop      func(Envelope)
}

func NewKafkaTransport(producer sarama.SyncProducer, topic, replicaID string, sem *SendLimiter, opt KafkaOptions) *KafkaTransport {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 5 * time.Second
	}
	perWorker := opt.QueueSize / opt.Workers
	if perWorker <= 0 {
		perWorker = 1
	}
	queues := make([]chan Envelope, opt.Workers)
	for i := range queues {
		queues[i] = make(chan Envelope, perWorker)
	}
	k := &KafkaTransport{
		producer:    producer,
		topic:       topic,
		replicaID:   replicaID,
		queues:      queues,
		sem:         sem,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		onDrop:      opt.OnDrop,
		closed:      make(chan struct{}),
	}
	k.start()
	return k
}

// BroadcastOperation 把事件放入该文档所在 worker 的队列。
// 队列满时等待直到 ctx 超时，超时返回错误（由调用方放进离线队列）
func (k *KafkaTransport) BroadcastOperation(ctx context.Context, documentID string, op crdt.Operation) error {
	return k.enqueue(ctx, NewEnvelope(k.replicaID, documentID, op.Clone()))
}

func (k *KafkaTransport) RequestSync(ctx context.Context, documentID string, heads crdt.VersionVector, reply bool) error {
	return k.enqueue(ctx, NewSyncEnvelope(k.replicaID, documentID, heads, reply))
}

func (k *KafkaTransport) enqueue(ctx context.Context, env Envelope) error {
	select {
	case <-k.closed:
		return ErrClosed
	default:
	}
	select {
	case k.queueFor(env.DocumentID) <- env:
		return nil
	case <-k.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KafkaTransport) queueFor(documentID string) chan Envelope {
	if len(k.queues) == 1 {
		return k.queues[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(documentID))
	return k.queues[h.Sum32()%uint32(len(k.queues))]
}

func (k *KafkaTransport) start() {
	for i := range k.queues {
		k.wg.Add(1)
		go k.workerLoop(i)
	}
}

func (k *KafkaTransport) workerLoop(workerID int) {
	defer k.wg.Done()
	queue := k.queues[workerID]
	for {
		select {
		case env := <-queue:
			k.sendWithRetry(workerID, env)
		case <-k.closed:
			// 把已经入队的发完再退出
			for {
				select {
				case env := <-queue:
					k.sendWithRetry(workerID, env)
				default:
					return
				}
			}
		}
	}
}

func (k *KafkaTransport) sendWithRetry(workerID int, env Envelope) {
	for attempt := 0; attempt <= k.maxRetry; attempt++ {
		var err error
		if k.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			err = k.sem.Do(context.Background(), func() error { return k.sendOnce(env) })
		} else {
			err = k.sendOnce(env)
		}

		if err == nil {
			return
		}

		if attempt == k.maxRetry {
			glog.Errorf("kafka send failed, drop event doc=%s op=%s worker=%d err=%v",
				env.DocumentID, env.Operation.ID, workerID, err)
			if k.onDrop != nil {
				k.onDrop(env)
			}
			return
		}

		// 退避，每次退避时间X2
		backoff := k.baseBackoff * time.Duration(1<<attempt)
		if backoff > k.maxBackoff {
			backoff = k.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (k *KafkaTransport) sendOnce(env Envelope) error {
	if k.producer == nil || k.topic == "" {
		return nil
	}
	b, err := Encode(env)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(env.DocumentID), // 以 docId 做 key，同一文档落在同一分区，保持发送顺序
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}

// Close 停止接收新事件，等 worker 把队列里剩下的发完
func (k *KafkaTransport) Close() {
	k.closeOnce.Do(func() { close(k.closed) })
	k.wg.Wait()
}

// ConsumeLoop 以 consumer group 消费 topic，直到 ctx 结束
func (k *KafkaTransport) ConsumeLoop(ctx context.Context, group sarama.ConsumerGroup, handler Handler) error {
	h := &consumerHandler{replicaID: k.replicaID, handler: handler}
	for {
		if err := group.Consume(ctx, []string{k.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			glog.Warningf("kafka consume error topic=%s err=%v", k.topic, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

type consumerHandler struct {
	replicaID string
	handler   Handler
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(sess.Context(), msg)
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// handleMessage 坏消息和处理失败只打日志，不阻塞分区
func (h *consumerHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	env, err := Decode(msg.Value)
	if err != nil {
		glog.Warningf("kafka: drop malformed message partition=%d offset=%d err=%v", msg.Partition, msg.Offset, err)
		return
	}
	if env.SenderReplica == h.replicaID {
		return
	}
	if err := h.handler(ctx, env); err != nil {
		glog.Warningf("kafka: apply remote op doc=%s op=%s err=%v", env.DocumentID, env.Operation.ID, err)
	}
}
