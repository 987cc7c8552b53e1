package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collabEngine/backend/internal/crdt"
)

var (
	ErrOffline = errors.New("TRANSPORT_OFFLINE")
	ErrClosed  = errors.New("TRANSPORT_CLOSED")
)

const (
	KindOperation = "op"
	// KindSync 携带发送方的版本向量，收到的副本把对方缺的操作重新广播
	KindSync = "sync"
)

// Envelope 所有传输方式共用的线上格式
type Envelope struct {
	Kind          string             `json:"kind,omitempty"`
	DocumentID    string             `json:"documentId"`
	SenderReplica string             `json:"senderReplica"`
	Operation     crdt.Operation     `json:"operation"`
	Heads         crdt.VersionVector `json:"heads,omitempty"`
	// Reply 表示这是对同步请求的反向请求，收到后只补发，不再反问
	Reply  bool      `json:"reply,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

func (e Envelope) IsSync() bool { return e.Kind == KindSync }

// Handler 处理收到的远端操作
type Handler func(ctx context.Context, env Envelope) error

// Broadcaster 向其它副本广播一条已在本地生效的操作
type Broadcaster interface {
	BroadcastOperation(ctx context.Context, documentID string, op crdt.Operation) error
}

// Syncer 向其它副本发出补齐请求
type Syncer interface {
	RequestSync(ctx context.Context, documentID string, heads crdt.VersionVector, reply bool) error
}

func NewEnvelope(replicaID, documentID string, op crdt.Operation) Envelope {
	return Envelope{
		Kind:          KindOperation,
		DocumentID:    documentID,
		SenderReplica: replicaID,
		Operation:     op,
		SentAt:        time.Now(),
	}
}

func NewSyncEnvelope(replicaID, documentID string, heads crdt.VersionVector, reply bool) Envelope {
	return Envelope{
		Kind:          KindSync,
		DocumentID:    documentID,
		SenderReplica: replicaID,
		Heads:         heads,
		Reply:         reply,
		SentAt:        time.Now(),
	}
}

func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crdt.ErrSerialization, err)
	}
	return b, nil
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", crdt.ErrSerialization, err)
	}
	if env.DocumentID == "" {
		return Envelope{}, fmt.Errorf("%w: envelope without document id", crdt.ErrSerialization)
	}
	switch env.Kind {
	case KindSync:
		return env, nil
	case "", KindOperation:
		env.Kind = KindOperation
	default:
		return Envelope{}, fmt.Errorf("%w: unknown envelope kind %q", crdt.ErrSerialization, env.Kind)
	}
	if err := env.Operation.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
