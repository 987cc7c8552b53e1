package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabEngine/backend/internal/crdt"

	"github.com/golang/glog"
)

var ErrInvalidOperation = errors.New("INVALID_QUEUED_OPERATION")

// QueuedOperation 一条尚未确认送达的操作
type QueuedOperation struct {
	Operation  crdt.Operation `json:"operation"`
	DocumentID string         `json:"documentId"`
	Timestamp  time.Time      `json:"timestamp"`
	Attempts   int            `json:"attempts"`
}

// Store 队列的持久化后端（离线重启后可恢复）
type Store interface {
	SaveQueue(ctx context.Context, items []QueuedOperation) error
	LoadQueue(ctx context.Context) ([]QueuedOperation, error)
}

// OperationQueue 有界 FIFO：
// - 超出 maxSize 时丢弃最老的一条（不报错，但会打日志、计数、回调 OnEvict）
// - 只做记账，不负责投递；投递和退避由调用方根据 Attempts 决定
type OperationQueue struct {
	mu      sync.Mutex
	items   []QueuedOperation
	maxSize int
	store   Store

	evicted uint64
	onEvict func(QueuedOperation)
}

func NewOperationQueue(maxSize int, store Store) *OperationQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &OperationQueue{
		items:   make([]QueuedOperation, 0, min(maxSize, 64)),
		maxSize: maxSize,
		store:   store,
	}
}

// OnEvict 注册淘汰回调；回调在队列锁外执行
func (q *OperationQueue) OnEvict(fn func(QueuedOperation)) {
	q.mu.Lock()
	q.onEvict = fn
	q.mu.Unlock()
}

func (q *OperationQueue) Enqueue(documentID string, op crdt.Operation) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidOperation)
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	item := QueuedOperation{
		Operation:  op.Clone(),
		DocumentID: documentID,
		Timestamp:  time.Now(),
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	var dropped []QueuedOperation
	for len(q.items) > q.maxSize {
		dropped = append(dropped, q.items[0])
		q.items[0] = QueuedOperation{}
		q.items = q.items[1:]
	}
	hook := q.dropLocked(dropped)
	q.mu.Unlock()

	q.reportEvicted("enqueue", dropped, hook)
	return nil
}

// dropLocked 记账，返回当前的回调；调用方持有 q.mu
func (q *OperationQueue) dropLocked(dropped []QueuedOperation) func(QueuedOperation) {
	q.evicted += uint64(len(dropped))
	return q.onEvict
}

// reportEvicted 所有淘汰都从这里出去：打日志 + 回调，在锁外执行
func (q *OperationQueue) reportEvicted(reason string, dropped []QueuedOperation, hook func(QueuedOperation)) {
	for _, d := range dropped {
		glog.Warningf("operation queue full (max=%d) on %s, evicted doc=%s op=%s attempts=%d",
			q.maxSize, reason, d.DocumentID, d.Operation.ID, d.Attempts)
		if hook != nil {
			hook(d)
		}
	}
}

// Dequeue 弹出全局队头（跨文档）
func (q *OperationQueue) Dequeue() (QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedOperation{}, false
	}
	item := q.items[0]
	q.items[0] = QueuedOperation{}
	q.items = q.items[1:]
	return item, true
}

// Requeue 投递失败后放回队头，保持原有顺序
func (q *OperationQueue) Requeue(item QueuedOperation) {
	q.mu.Lock()
	q.items = append([]QueuedOperation{item}, q.items...)
	var dropped []QueuedOperation
	for len(q.items) > q.maxSize {
		// 放回队头的是最老的，要丢也是丢它后面最新的那一条
		dropped = append(dropped, q.items[len(q.items)-1])
		q.items = q.items[:len(q.items)-1]
	}
	hook := q.dropLocked(dropped)
	q.mu.Unlock()

	q.reportEvicted("requeue", dropped, hook)
}

func (q *OperationQueue) GetOperationsForDocument(documentID string) []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []QueuedOperation
	for _, it := range q.items {
		if it.DocumentID == documentID {
			out = append(out, it)
		}
	}
	return out
}

// RemoveOperationsForDocument 同步确认后清掉该文档的所有条目，返回删除数量
func (q *OperationQueue) RemoveOperationsForDocument(documentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if it.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = QueuedOperation{}
	}
	q.items = kept
	return removed
}

// IncrementAttempts 按序列化后的字节做结构匹配（不是按指针/身份）
func (q *OperationQueue) IncrementAttempts(documentID string, op crdt.Operation) bool {
	want, err := json.Marshal(op)
	if err != nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].DocumentID != documentID {
			continue
		}
		got, err := json.Marshal(q.items[i].Operation)
		if err != nil {
			continue
		}
		if string(got) == string(want) {
			q.items[i].Attempts++
			return true
		}
	}
	return false
}

func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *OperationQueue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Persist 把当前队列整体写入 store
func (q *OperationQueue) Persist(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	q.mu.Lock()
	snapshot := append([]QueuedOperation(nil), q.items...)
	q.mu.Unlock()
	return q.store.SaveQueue(ctx, snapshot)
}

// Restore 从 store 读回队列，放在当前内容前面（它们更老）
func (q *OperationQueue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	items, err := q.store.LoadQueue(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	q.items = append(items, q.items...)
	var dropped []QueuedOperation
	for len(q.items) > q.maxSize {
		dropped = append(dropped, q.items[0])
		q.items[0] = QueuedOperation{}
		q.items = q.items[1:]
	}
	hook := q.dropLocked(dropped)
	q.mu.Unlock()

	q.reportEvicted("restore", dropped, hook)
	glog.V(1).Infof("operation queue restored %d items", len(items))
	return len(items), nil
}
