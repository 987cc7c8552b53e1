package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"collabEngine/backend/internal/crdt"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaTransportSends(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		env, err := Decode(val)
		if err != nil {
			return err
		}
		if env.DocumentID != "doc" || env.SenderReplica != "r1" {
			return errors.New("unexpected envelope")
		}
		return nil
	})

	k := NewKafkaTransport(producer, "collab-ops", "r1", NewSendLimiter(1), KafkaOptions{Workers: 1})
	require.NoError(t, k.BroadcastOperation(context.Background(), "doc", testOp(1)))
	k.Close()
	require.NoError(t, producer.Close())

	err := k.BroadcastOperation(context.Background(), "doc", testOp(2))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestKafkaTransportDropsAfterRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	var mu sync.Mutex
	var dropped []Envelope
	k := NewKafkaTransport(producer, "collab-ops", "r1", nil, KafkaOptions{
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		OnDrop: func(env Envelope) {
			mu.Lock()
			dropped = append(dropped, env)
			mu.Unlock()
		},
	})
	require.NoError(t, k.BroadcastOperation(context.Background(), "doc", testOp(1)))
	k.Close()
	require.NoError(t, producer.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(1), dropped[0].Operation.ID.Clock)
}

func TestKafkaBroadcastRespectsContext(t *testing.T) {
	// 没有 worker 消费时队列满了就等 ctx
	k := &KafkaTransport{queues: []chan Envelope{make(chan Envelope, 1)}, closed: make(chan struct{})}
	require.NoError(t, k.BroadcastOperation(context.Background(), "doc", testOp(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := k.BroadcastOperation(ctx, "doc", testOp(2))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestKafkaKeepsDocumentOrderAcrossWorkers(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 1; i <= 6; i++ {
		want := uint64(i)
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			env, err := Decode(val)
			if err != nil {
				return err
			}
			if env.Operation.ID.Clock != want {
				return fmt.Errorf("got clock %d, want %d", env.Operation.ID.Clock, want)
			}
			return nil
		})
	}

	k := NewKafkaTransport(producer, "collab-ops", "r1", nil, KafkaOptions{Workers: 4, QueueSize: 64})
	for i := 1; i <= 6; i++ {
		require.NoError(t, k.BroadcastOperation(context.Background(), "doc", testOp(uint64(i))))
	}
	k.Close()
	require.NoError(t, producer.Close())

	assert.True(t, k.queueFor("doc") == k.queueFor("doc"))
}

func TestKafkaSyncRequestUsesSameQueue(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		env, err := Decode(val)
		if err != nil {
			return err
		}
		if !env.IsSync() || env.Heads["r1"].Count != 2 {
			return errors.New("unexpected sync envelope")
		}
		return nil
	})
	k := NewKafkaTransport(producer, "collab-ops", "r1", nil, KafkaOptions{Workers: 1})
	heads := crdt.VersionVector{"r1": {Clock: 4, Count: 2}}
	require.NoError(t, k.RequestSync(context.Background(), "doc", heads, false))
	k.Close()
	require.NoError(t, producer.Close())
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked int
}

func (s *fakeSession) Context() context.Context                      { return s.ctx }
func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) { s.marked++ }

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestConsumerHandlerSkipsEchoAndMalformed(t *testing.T) {
	var got []Envelope
	h := &consumerHandler{replicaID: "self", handler: func(_ context.Context, env Envelope) error {
		got = append(got, env)
		return nil
	}}

	remote, err := Encode(NewEnvelope("peer", "doc", testOp(1)))
	require.NoError(t, err)
	echo, err := Encode(NewEnvelope("self", "doc", testOp(2)))
	require.NoError(t, err)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	claim.ch <- &sarama.ConsumerMessage{Value: remote}
	claim.ch <- &sarama.ConsumerMessage{Value: echo}
	claim.ch <- &sarama.ConsumerMessage{Value: []byte("garbage")}
	close(claim.ch)

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(sess, claim))
	require.Len(t, got, 1)
	assert.Equal(t, "peer", got[0].SenderReplica)
	assert.Equal(t, 3, sess.marked)
}
