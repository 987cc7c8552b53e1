package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"collabEngine/backend/internal/crdt"
)

// LocalBus 进程内总线：单机部署和测试时把多个副本直接连起来，同步投递
type LocalBus struct {
	mu        sync.RWMutex
	endpoints map[string]*LocalEndpoint
}

func NewLocalBus() *LocalBus {
	return &LocalBus{endpoints: make(map[string]*LocalEndpoint)}
}

type LocalEndpoint struct {
	bus       *LocalBus
	replicaID string

	mu      sync.RWMutex
	handler Handler
	online  bool
}

func (b *LocalBus) Endpoint(replicaID string) *LocalEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[replicaID]; ok {
		return ep
	}
	ep := &LocalEndpoint{bus: b, replicaID: replicaID, online: true}
	b.endpoints[replicaID] = ep
	return ep
}

func (e *LocalEndpoint) Attach(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// SetOnline 离线时既不发也不收
func (e *LocalEndpoint) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	e.mu.Unlock()
}

func (e *LocalEndpoint) isOnline() (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler, e.online
}

func (e *LocalEndpoint) BroadcastOperation(ctx context.Context, documentID string, op crdt.Operation) error {
	return e.deliver(ctx, NewEnvelope(e.replicaID, documentID, op.Clone()))
}

func (e *LocalEndpoint) RequestSync(ctx context.Context, documentID string, heads crdt.VersionVector, reply bool) error {
	return e.deliver(ctx, NewSyncEnvelope(e.replicaID, documentID, heads, reply))
}

// deliver 同步调用在线对端的 handler；离线的对端直接跳过，消息就丢了
func (e *LocalEndpoint) deliver(ctx context.Context, env Envelope) error {
	if _, online := e.isOnline(); !online {
		return fmt.Errorf("%w: replica %s", ErrOffline, e.replicaID)
	}

	e.bus.mu.RLock()
	peers := make([]*LocalEndpoint, 0, len(e.bus.endpoints))
	for id, ep := range e.bus.endpoints {
		if id != e.replicaID {
			peers = append(peers, ep)
		}
	}
	e.bus.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].replicaID < peers[j].replicaID })

	var errs []error
	for _, p := range peers {
		h, online := p.isOnline()
		if !online || h == nil {
			continue
		}
		if err := h(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", p.replicaID, err))
		}
	}
	return errors.Join(errs...)
}
