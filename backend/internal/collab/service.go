package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collabEngine/backend/internal/conflict"
	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/entity"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/queue"
	"collabEngine/backend/internal/transport"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
)

// Repository 持久化协作者；找不到记录时返回 nil, nil
type Repository interface {
	GetDocument(ctx context.Context, documentID string) (*entity.Document, error)
	GetDocumentShare(ctx context.Context, documentID, userID string) (*entity.DocumentShare, error)
	GetLatestVersionNumber(ctx context.Context, documentID string) (uint64, error)
	CreateDocumentVersion(ctx context.Context, v *entity.DocumentVersion) error
	UpdateDocumentContent(ctx context.Context, documentID, content string) error
}

// Transport 把本地已生效的操作广播给其它副本
type Transport interface {
	BroadcastOperation(ctx context.Context, documentID string, op crdt.Operation) error
}

// PeerSyncer 传输层可选实现：把本地版本向量发给其它副本，请它们补发缺的操作
type PeerSyncer interface {
	RequestSync(ctx context.Context, documentID string, heads crdt.VersionVector, reply bool) error
}

// SnapshotStore 保存 CRDT 的完整因果历史
type SnapshotStore interface {
	SaveState(ctx context.Context, documentID string, clock uint64, state []byte) error
	LoadState(ctx context.Context, documentID string) ([]byte, bool, error)
}

// PresenceMirror 跨实例共享 presence（redis）
type PresenceMirror interface {
	Mirror(ctx context.Context, documentID string, p presence.UserPresence) error
	Remove(ctx context.Context, documentID, userID string) error
}

type Options struct {
	ReplicaID         string
	SubscriberBuffer  int
	ConflictWindow    int
	ConcurrencyWindow time.Duration
	ConflictStrategy  conflict.Strategy
	MaxPending        int
}

type docState struct {
	mu       sync.Mutex
	id       string
	doc      *crdt.Document
	sync     *SyncManager
	tracker  *presence.Tracker
	resolver *conflict.Resolver
	bcast    *broadcaster

	// 版本号分配串行化
	versionMu   sync.Mutex
	lastVersion uint64
}

// RealtimeService 多文档编排：CRDT + 冲突 + presence + 订阅分发 + 传输/离线队列
type RealtimeService struct {
	mu   sync.RWMutex
	docs map[string]*docState

	// 依赖注入
	repo      Repository
	transport Transport
	queue     *queue.OperationQueue
	snapshots SnapshotStore
	mirror    PresenceMirror

	opts      Options
	connected atomic.Bool
	// 重连或广播失败后置位，下一次 ProcessQueuedOperations 和对端交换版本向量
	resync    atomic.Bool
	initGroup singleflight.Group

	evictMu sync.Mutex
	evicted map[string]uint64
}

func NewRealtimeService(repo Repository, transport Transport, q *queue.OperationQueue, opt Options) *RealtimeService {
	if opt.ReplicaID == "" {
		opt.ReplicaID = uuid.NewString()
	}
	if q == nil {
		q = queue.NewOperationQueue(1000, nil)
	}
	s := &RealtimeService{
		docs:      make(map[string]*docState),
		repo:      repo,
		transport: transport,
		queue:     q,
		opts:      opt,
		evicted:   make(map[string]uint64),
	}
	s.connected.Store(true)
	q.OnEvict(s.recordEviction)
	return s
}

func (s *RealtimeService) WithSnapshotStore(store SnapshotStore) *RealtimeService {
	s.snapshots = store
	return s
}

func (s *RealtimeService) WithPresenceMirror(m PresenceMirror) *RealtimeService {
	s.mirror = m
	return s
}

func (s *RealtimeService) ReplicaID() string { return s.opts.ReplicaID }

func (s *RealtimeService) Queue() *queue.OperationQueue { return s.queue }

func (s *RealtimeService) recordEviction(item queue.QueuedOperation) {
	s.evictMu.Lock()
	s.evicted[item.DocumentID]++
	s.evictMu.Unlock()
	glog.Errorf("doc %s: queued operation %s lost before delivery (queue full)", item.DocumentID, item.Operation.ID)
}

func (s *RealtimeService) getDoc(documentID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[documentID]
	s.mu.RUnlock()
	if ds == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return ds, nil
}

// InitializeDocument Uninitialized → Active。并发调用合并成一次加载；已激活时直接返回。
func (s *RealtimeService) InitializeDocument(ctx context.Context, documentID, userID string) error {
	if _, err := s.getDoc(documentID); err == nil {
		return nil
	}
	_, err, _ := s.initGroup.Do(documentID, func() (interface{}, error) {
		if _, err := s.getDoc(documentID); err == nil {
			return nil, nil
		}
		ds, err := s.loadDocument(ctx, documentID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.docs[documentID] = ds
		s.mu.Unlock()
		glog.Infof("doc %s initialized by %s (replica=%s, len=%d, clock=%d)",
			documentID, userID, s.opts.ReplicaID, ds.doc.Len(), ds.doc.Clock())
		// 持久化内容可能落后于其它副本内存里的状态，打开后先补齐一次
		if err := s.requestSync(ctx, ds, false); err != nil {
			glog.Warningf("doc %s: initial sync request failed: %v", documentID, err)
			s.resync.Store(true)
		}
		return nil, nil
	})
	return err
}

func (s *RealtimeService) loadDocument(ctx context.Context, documentID string) (*docState, error) {
	stored, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	var doc *crdt.Document
	if s.snapshots != nil {
		state, ok, err := s.snapshots.LoadState(ctx, documentID)
		switch {
		case err != nil:
			glog.Warningf("doc %s: load crdt state failed, reseed from content: %v", documentID, err)
		case ok:
			loaded, err := crdt.Load(state, s.opts.ReplicaID)
			if err != nil {
				glog.Warningf("doc %s: saved crdt state unusable, reseed from content: %v", documentID, err)
			} else {
				doc = loaded
			}
		}
	}
	if doc == nil {
		text, err := contentText(stored.Content)
		if err != nil {
			return nil, err
		}
		doc = crdt.New(s.opts.ReplicaID)
		for _, op := range crdt.SeedOperations(text) {
			if err := doc.ApplyOperation(op, crdt.SnapshotReplica); err != nil {
				return nil, fmt.Errorf("seed document %s: %w", documentID, err)
			}
		}
	}
	if s.opts.MaxPending > 0 {
		doc.SetMaxPending(s.opts.MaxPending)
	}

	tracker := presence.NewTracker()
	resolver := conflict.NewResolver(documentID, conflict.Options{
		Window:            s.opts.ConflictWindow,
		ConcurrencyWindow: s.opts.ConcurrencyWindow,
		Strategy:          s.opts.ConflictStrategy,
		QoS:               tracker,
	})
	return &docState{
		id:       documentID,
		doc:      doc,
		tracker:  tracker,
		resolver: resolver,
		sync:     NewSyncManager(documentID, resolver, tracker, doc),
		bcast:    newBroadcaster(s.opts.SubscriberBuffer),
	}, nil
}

// contentText 解析持久化的 DocumentContent；空内容视为空文档
func contentText(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	var content crdt.DocumentContent
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return "", fmt.Errorf("%w: document content: %v", crdt.ErrSerialization, err)
	}
	return content.Text()
}

// ApplyOperation 本地提交：绑定 + 应用 + 会话记录 + 分发，然后锁外转发给传输层。
// 传输失败或离线时进入离线队列，不影响返回值。
// 带着已应用 ID 重复提交（客户端重试）直接返回，不记日志、不分发、不转发。
func (s *RealtimeService) ApplyOperation(ctx context.Context, documentID string, op crdt.Operation) (crdt.Operation, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return crdt.Operation{}, err
	}

	ds.mu.Lock()
	if !op.ID.IsZero() && ds.doc.Known(op.ID) {
		ds.mu.Unlock()
		glog.V(1).Infof("doc %s: %s already applied, skip resubmit", documentID, op.ID)
		return op.Clone(), nil
	}
	before := ds.doc.HistoryLen()
	prepared, err := ds.doc.ApplyLocal(op, op.Author())
	if err != nil {
		ds.mu.Unlock()
		return crdt.Operation{}, err
	}
	for _, applied := range ds.doc.OperationsSince(before) {
		s.afterApply(ds, applied)
	}
	ds.mu.Unlock()

	s.forward(ctx, documentID, prepared)
	return prepared, nil
}

// ApplyRemoteOperation 远端副本发来的操作；不会再转发给传输层
func (s *RealtimeService) ApplyRemoteOperation(ctx context.Context, documentID string, op crdt.Operation) error {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.doc.Contains(op.ID) {
		return nil
	}
	before := ds.doc.HistoryLen()
	if err := ds.doc.ApplyOperation(op, op.Author()); err != nil {
		return err
	}
	// 可能同时唤醒了之前暂存的操作
	for _, applied := range ds.doc.OperationsSince(before) {
		s.afterApply(ds, applied)
	}
	return nil
}

// afterApply 调用方持有 ds.mu
func (s *RealtimeService) afterApply(ds *docState, op crdt.Operation) {
	if err := ds.sync.ApplyOperation(op); err != nil {
		glog.Warningf("doc %s: presence update for %s failed: %v", ds.id, op.Author(), err)
	}
	ds.bcast.publish(op)
}

func (s *RealtimeService) forward(ctx context.Context, documentID string, op crdt.Operation) {
	if s.transport == nil {
		return
	}
	if !s.connected.Load() {
		s.enqueue(documentID, op, "offline")
		return
	}
	if err := s.transport.BroadcastOperation(ctx, documentID, op); err != nil {
		glog.Warningf("doc %s: broadcast %s failed, queued for retry: %v", documentID, op.ID, err)
		s.enqueue(documentID, op, "broadcast failed")
		// 发不出去的时候大概率也收不到
		s.resync.Store(true)
	}
}

func (s *RealtimeService) enqueue(documentID string, op crdt.Operation, reason string) {
	if err := s.queue.Enqueue(documentID, op); err != nil {
		glog.Errorf("doc %s: cannot queue %s (%s): %v", documentID, op.ID, reason, err)
		return
	}
	glog.V(1).Infof("doc %s: queued %s (%s)", documentID, op.ID, reason)
}

// SubscribeToOperations 每个订阅者都能看到之后的每条操作；跟不上的会丢
func (s *RealtimeService) SubscribeToOperations(documentID string) (*Subscription, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return nil, err
	}
	return ds.bcast.subscribe(), nil
}

// CreateVersion 所有者或有 edit/admin 分享权限的用户才能创建版本
func (s *RealtimeService) CreateVersion(ctx context.Context, documentID, userID string) (*entity.DocumentVersion, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkEditAccess(ctx, documentID, userID); err != nil {
		return nil, err
	}
	content, err := json.Marshal(ds.doc.ToDocumentContent())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crdt.ErrSerialization, err)
	}

	ds.versionMu.Lock()
	defer ds.versionMu.Unlock()
	latest, err := s.repo.GetLatestVersionNumber(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		next := max(latest, ds.lastVersion) + 1
		v := &entity.DocumentVersion{
			ID:            ulid.Make().String(),
			DocumentID:    documentID,
			VersionNumber: next,
			Content:       string(content),
			CreatedAt:     time.Now(),
			CreatedBy:     userID,
		}
		err := s.repo.CreateDocumentVersion(ctx, v)
		if errors.Is(err, entity.ErrDuplicateVersion) {
			// 别的实例抢先用了这个号
			latest = next
			continue
		}
		if err != nil {
			return nil, err
		}
		ds.lastVersion = next
		glog.Infof("doc %s: version %d created by %s", documentID, next, userID)
		return v, nil
	}
	return nil, fmt.Errorf("%w: doc %s", ErrVersionConflict, documentID)
}

func (s *RealtimeService) checkEditAccess(ctx context.Context, documentID, userID string) error {
	stored, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if stored.OwnerID == userID {
		return nil
	}
	share, err := s.repo.GetDocumentShare(ctx, documentID, userID)
	if err != nil {
		return err
	}
	if share == nil || !share.Permission.CanEdit() {
		return fmt.Errorf("%w: user %s cannot edit %s", ErrAccessDenied, userID, documentID)
	}
	return nil
}

func (s *RealtimeService) UpdatePresence(ctx context.Context, documentID, userID string, cursor *presence.Position, selection *presence.Selection, isTyping bool, qosTier uint8) error {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return err
	}
	if err := ds.tracker.UpdatePresence(userID, cursor, selection, isTyping, qosTier); err != nil {
		return fmt.Errorf("%w: %v", ErrSync, err)
	}
	if s.mirror != nil {
		if p, ok := ds.tracker.GetPresence(userID); ok {
			if err := s.mirror.Mirror(ctx, documentID, p); err != nil {
				glog.Warningf("doc %s: mirror presence of %s failed: %v", documentID, userID, err)
			}
		}
	}
	return nil
}

func (s *RealtimeService) RemovePresence(ctx context.Context, documentID, userID string) (bool, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return false, err
	}
	removed := ds.tracker.RemovePresence(userID)
	if s.mirror != nil {
		if err := s.mirror.Remove(ctx, documentID, userID); err != nil {
			glog.Warningf("doc %s: remove mirrored presence of %s failed: %v", documentID, userID, err)
		}
	}
	return removed, nil
}

// PruneIdlePresences 清掉所有文档里超过 olderThan 没更新的 presence，返回被清理的数量
func (s *RealtimeService) PruneIdlePresences(ctx context.Context, olderThan time.Duration) int {
	s.mu.RLock()
	states := make([]*docState, 0, len(s.docs))
	for _, ds := range s.docs {
		states = append(states, ds)
	}
	s.mu.RUnlock()

	pruned := 0
	for _, ds := range states {
		for _, userID := range ds.tracker.Prune(olderThan) {
			pruned++
			if s.mirror != nil {
				if err := s.mirror.Remove(ctx, ds.id, userID); err != nil {
					glog.Warningf("doc %s: remove mirrored presence of %s failed: %v", ds.id, userID, err)
				}
			}
		}
	}
	return pruned
}

// GetPresences 按 QoS 投递顺序返回
func (s *RealtimeService) GetPresences(documentID string) ([]presence.UserPresence, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return nil, err
	}
	return ds.sync.Presences(), nil
}

// GetOperations 本次会话的操作日志（不含种子操作）
func (s *RealtimeService) GetOperations(documentID string) ([]crdt.Operation, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return nil, err
	}
	return ds.sync.GetOperations(), nil
}

func (s *RealtimeService) GetContent(documentID string) (crdt.DocumentContent, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return crdt.DocumentContent{}, err
	}
	return ds.doc.ToDocumentContent(), nil
}

func (s *RealtimeService) GetText(documentID string) (string, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return "", err
	}
	return ds.doc.Text(), nil
}

func (s *RealtimeService) Conflicts(documentID string) ([]conflict.Conflict, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return nil, err
	}
	return ds.sync.Conflicts(), nil
}

func (s *RealtimeService) ResolveConflict(documentID, conflictID string) ([]crdt.Operation, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return nil, err
	}
	return ds.resolver.ResolveConflict(conflictID)
}

func (s *RealtimeService) SetUserPriority(documentID, userID string, priority int) error {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return err
	}
	ds.resolver.SetUserPriority(userID, priority)
	return nil
}

// SaveSnapshot 保存因果历史（如果配置了 SnapshotStore）并回写正文
func (s *RealtimeService) SaveSnapshot(ctx context.Context, documentID string) error {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	state, err := ds.doc.Save()
	clock := ds.doc.Clock()
	content := ds.doc.ToDocumentContent()
	ds.mu.Unlock()
	if err != nil {
		return err
	}

	if s.snapshots != nil {
		if err := s.snapshots.SaveState(ctx, documentID, clock, state); err != nil {
			return fmt.Errorf("save crdt state of %s: %w", documentID, err)
		}
	}
	b, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("%w: %v", crdt.ErrSerialization, err)
	}
	return s.repo.UpdateDocumentContent(ctx, documentID, string(b))
}

// CloseDocument Active → Closed：订阅全部关闭，之后的调用返回 ErrDocumentNotFound
func (s *RealtimeService) CloseDocument(documentID string) error {
	s.mu.Lock()
	ds := s.docs[documentID]
	delete(s.docs, documentID)
	s.mu.Unlock()
	if ds == nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	ds.bcast.close()
	glog.Infof("doc %s closed", documentID)
	return nil
}

func (s *RealtimeService) ActiveDocuments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

// SetConnected 从断开变成连上时，下一次 ProcessQueuedOperations 会顺带和对端补齐
func (s *RealtimeService) SetConnected(connected bool) {
	if s.connected.Swap(connected) != connected {
		glog.Infof("replica %s connected=%v", s.opts.ReplicaID, connected)
		if connected {
			s.resync.Store(true)
		}
	}
}

func (s *RealtimeService) Connected() bool { return s.connected.Load() }

// ProcessQueuedOperations 重连后按队列顺序补发；遇到失败放回队头并停下。
// 队列发完之后，如果期间断过线，再和对端交换版本向量把错过的操作补回来。
func (s *RealtimeService) ProcessQueuedOperations(ctx context.Context) (int, error) {
	if s.transport == nil || !s.connected.Load() {
		return 0, nil
	}
	sent := 0
	for n := s.queue.Len(); n > 0; n-- {
		item, ok := s.queue.Dequeue()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			s.queue.Requeue(item)
			return sent, err
		}
		if err := s.transport.BroadcastOperation(ctx, item.DocumentID, item.Operation); err != nil {
			s.queue.Requeue(item)
			s.queue.IncrementAttempts(item.DocumentID, item.Operation)
			glog.Warningf("doc %s: redelivery of %s failed (attempt %d): %v",
				item.DocumentID, item.Operation.ID, item.Attempts+1, err)
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		glog.Infof("replica %s: redelivered %d queued operations", s.opts.ReplicaID, sent)
	}
	if s.resync.Swap(false) {
		if err := s.SyncWithPeers(ctx); err != nil {
			s.resync.Store(true)
			return sent, err
		}
	}
	return sent, nil
}

// SyncWithPeers 对每个打开的文档发出补齐请求；传输层不支持时什么也不做
func (s *RealtimeService) SyncWithPeers(ctx context.Context) error {
	s.mu.RLock()
	states := make([]*docState, 0, len(s.docs))
	for _, ds := range s.docs {
		states = append(states, ds)
	}
	s.mu.RUnlock()

	var errs []error
	for _, ds := range states {
		if err := s.requestSync(ctx, ds, false); err != nil {
			errs = append(errs, fmt.Errorf("doc %s: %w", ds.id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *RealtimeService) requestSync(ctx context.Context, ds *docState, reply bool) error {
	syncer, ok := s.transport.(PeerSyncer)
	if !ok || !s.connected.Load() {
		return nil
	}
	heads := ds.doc.Heads()
	glog.V(1).Infof("doc %s: request sync (reply=%v) heads=%v", ds.id, reply, heads)
	return syncer.RequestSync(ctx, ds.id, heads, reply)
}

// HandleSyncRequest 对端发来版本向量：把它缺的操作重新广播出去；
// 如果对端有本地没有的操作，再反过来请求一次（reply 请求不再反问）
func (s *RealtimeService) HandleSyncRequest(ctx context.Context, documentID string, heads crdt.VersionVector, reply bool) error {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	missing := ds.doc.ChangesSince(heads)
	behind := ds.doc.Heads().Behind(heads)
	ds.mu.Unlock()

	if s.transport != nil && s.connected.Load() {
		for _, op := range missing {
			if err := s.transport.BroadcastOperation(ctx, documentID, op); err != nil {
				return fmt.Errorf("resend %s: %w", op.ID, err)
			}
		}
		if len(missing) > 0 {
			glog.Infof("doc %s: resent %d operations for sync", documentID, len(missing))
		}
	}
	if behind && !reply {
		return s.requestSync(ctx, ds, true)
	}
	return nil
}

// HandleRemote 传输层入口：同步请求和操作分开处理；本实例没打开的文档直接忽略，
// 打开时会从存储加载并主动补齐
func (s *RealtimeService) HandleRemote(ctx context.Context, env transport.Envelope) error {
	var err error
	if env.IsSync() {
		err = s.HandleSyncRequest(ctx, env.DocumentID, env.Heads, env.Reply)
	} else {
		err = s.ApplyRemoteOperation(ctx, env.DocumentID, env.Operation)
	}
	if errors.Is(err, ErrDocumentNotFound) {
		return nil
	}
	return err
}

// DocumentStats 运维查看用
type DocumentStats struct {
	DocumentID          string             `json:"documentId"`
	ReplicaID           string             `json:"replicaId"`
	Clock               uint64             `json:"clock"`
	Length              int                `json:"length"`
	Pending             int                `json:"pending"`
	MissingDependencies []crdt.OperationID `json:"missingDependencies,omitempty"`
	Queued              int                `json:"queued"`
	Evicted             uint64             `json:"evicted"`
	Conflicts           int                `json:"conflicts"`
	Unresolved          int                `json:"unresolved"`
	Subscribers         int                `json:"subscribers"`
	Presences           int                `json:"presences"`
}

func (s *RealtimeService) Stats(documentID string) (DocumentStats, error) {
	ds, err := s.getDoc(documentID)
	if err != nil {
		return DocumentStats{}, err
	}
	s.evictMu.Lock()
	evicted := s.evicted[documentID]
	s.evictMu.Unlock()
	return DocumentStats{
		DocumentID:          documentID,
		ReplicaID:           s.opts.ReplicaID,
		Clock:               ds.doc.Clock(),
		Length:              ds.doc.Len(),
		Pending:             len(ds.doc.Pending()),
		MissingDependencies: ds.doc.MissingDependencies(),
		Queued:              len(s.queue.GetOperationsForDocument(documentID)),
		Evicted:             evicted,
		Conflicts:           len(ds.resolver.Conflicts()),
		Unresolved:          len(ds.resolver.UnresolvedConflicts()),
		Subscribers:         ds.bcast.count(),
		Presences:           ds.tracker.Len(),
	}, nil
}
