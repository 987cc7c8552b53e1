package collab

import (
	"sync"

	"collabEngine/backend/internal/crdt"

	"github.com/golang/glog"
)

// Subscription 一个订阅者；C 被关闭表示文档已关闭或已取消订阅
type Subscription struct {
	C <-chan crdt.Operation

	id uint64
	b  *broadcaster
}

func (s *Subscription) Close() {
	if s.b != nil {
		s.b.unsubscribe(s.id)
	}
}

// broadcaster 一对多分发；慢订阅者丢消息，不阻塞写入方
type broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan crdt.Operation
	next    uint64
	buffer  int
	closed  bool
	dropped uint64
}

func newBroadcaster(buffer int) *broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &broadcaster{subs: make(map[uint64]chan crdt.Operation), buffer: buffer}
}

func (b *broadcaster) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan crdt.Operation, b.buffer)
	if b.closed {
		close(ch)
		return &Subscription{C: ch}
	}
	b.next++
	b.subs[b.next] = ch
	return &Subscription{C: ch, id: b.next, b: b}
}

func (b *broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) publish(op crdt.Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- op:
		default:
			b.dropped++
			glog.V(1).Infof("subscriber %d is slow, drop op %s", id, op.ID)
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
