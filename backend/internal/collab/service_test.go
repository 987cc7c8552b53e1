package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/entity"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/queue"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testDoc = "doc-1"

func newRepo(t *testing.T, content string) *store.MemoryRepository {
	t.Helper()
	repo := store.NewMemoryRepository()
	raw := ""
	if content != "" {
		raw = `{"format":"text","data":{"text":"` + content + `"}}`
	}
	require.NoError(t, repo.CreateDocument(context.Background(), &entity.Document{
		ID: testDoc, OwnerID: "owner", Title: "t", Content: raw,
	}))
	return repo
}

// replica 一个挂在 LocalBus 上的服务实例
func replica(t *testing.T, bus *transport.LocalBus, repo Repository, id string) (*RealtimeService, *transport.LocalEndpoint) {
	t.Helper()
	ep := bus.Endpoint(id)
	svc := NewRealtimeService(repo, ep, queue.NewOperationQueue(100, nil), Options{ReplicaID: id})
	ep.Attach(svc.HandleRemote)
	require.NoError(t, svc.InitializeDocument(context.Background(), testDoc, "owner"))
	return svc, ep
}

func text(t *testing.T, s *RealtimeService) string {
	t.Helper()
	txt, err := s.GetText(testDoc)
	require.NoError(t, err)
	return txt
}

func TestInitializeDocument(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "hello")
	svc := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r1"})

	err := svc.InitializeDocument(ctx, "missing", "u1")
	assert.True(t, errors.Is(err, ErrDocumentNotFound))

	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))
	// 重复初始化不会重置状态
	_, err = svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(5, "!", "u1"))
	require.NoError(t, err)
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u2"))
	assert.Equal(t, "hello!", text(t, svc))

	_, err = svc.GetOperations("missing")
	assert.True(t, errors.Is(err, ErrDocumentNotFound))
}

func TestInitializeDocumentConcurrently(t *testing.T) {
	repo := newRepo(t, "abc")
	svc := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r1"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.InitializeDocument(context.Background(), testDoc, "u1"))
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{testDoc}, svc.ActiveDocuments())
	assert.Equal(t, "abc", text(t, svc))
}

func TestInitializeRejectsMalformedContent(t *testing.T) {
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.CreateDocument(context.Background(), &entity.Document{ID: testDoc, OwnerID: "owner", Content: "{oops"}))
	svc := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r1"})

	err := svc.InitializeDocument(context.Background(), testDoc, "owner")
	assert.True(t, errors.Is(err, crdt.ErrSerialization))
	assert.Empty(t, svc.ActiveDocuments())
}

func TestApplyOperationUpdatesSessionAndPresence(t *testing.T) {
	ctx := context.Background()
	svc := NewRealtimeService(newRepo(t, ""), nil, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))

	op, err := svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "Hi", "u1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", op.ID.ReplicaID)

	_, err = svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(9, "x", "u1"))
	assert.True(t, errors.Is(err, crdt.ErrInvalidOperation))

	ops, err := svc.GetOperations(testDoc)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.True(t, ops[0].ID.Equal(op.ID))

	presences, err := svc.GetPresences(testDoc)
	require.NoError(t, err)
	require.Len(t, presences, 1)
	assert.Equal(t, "u1", presences[0].UserID)
	assert.True(t, presences[0].IsTyping)
	assert.Equal(t, presence.Position{Line: 0, Column: 2}, *presences[0].Cursor)

	content, err := svc.GetContent(testDoc)
	require.NoError(t, err)
	got, err := content.Text()
	require.NoError(t, err)
	assert.Equal(t, "Hi", got)
}

func TestSubscribersReceiveEveryOperation(t *testing.T) {
	ctx := context.Background()
	svc := NewRealtimeService(newRepo(t, ""), nil, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))

	sub1, err := svc.SubscribeToOperations(testDoc)
	require.NoError(t, err)
	sub2, err := svc.SubscribeToOperations(testDoc)
	require.NoError(t, err)

	op, err := svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "a", "u1"))
	require.NoError(t, err)

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case got := <-sub.C:
			assert.True(t, got.ID.Equal(op.ID))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive operation")
		}
	}

	sub1.Close()
	_, ok := <-sub1.C
	assert.False(t, ok)

	require.NoError(t, svc.CloseDocument(testDoc))
	_, ok = <-sub2.C
	assert.False(t, ok)

	_, err = svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "b", "u1"))
	assert.True(t, errors.Is(err, ErrDocumentNotFound))
	assert.True(t, errors.Is(svc.CloseDocument(testDoc), ErrDocumentNotFound))
}

func TestRemoteOperationsReplayBufferedDependencies(t *testing.T) {
	ctx := context.Background()
	origin := crdt.New("r9")
	first, err := origin.ApplyLocal(crdt.NewInsert(0, "ab", "u9"), "u9")
	require.NoError(t, err)
	second, err := origin.ApplyLocal(crdt.NewInsert(2, "c", "u9"), "u9")
	require.NoError(t, err)

	svc := NewRealtimeService(newRepo(t, ""), nil, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))
	sub, err := svc.SubscribeToOperations(testDoc)
	require.NoError(t, err)

	require.NoError(t, svc.ApplyRemoteOperation(ctx, testDoc, second))
	assert.Equal(t, "", text(t, svc))
	stats, err := svc.Stats(testDoc)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	require.NoError(t, svc.ApplyRemoteOperation(ctx, testDoc, first))
	assert.Equal(t, "abc", text(t, svc))

	// 重复投递是无操作
	require.NoError(t, svc.ApplyRemoteOperation(ctx, testDoc, first))

	var got []crdt.OperationID
	for i := 0; i < 2; i++ {
		select {
		case op := <-sub.C:
			got = append(got, op.ID)
		case <-time.After(time.Second):
			t.Fatal("missing replayed operation")
		}
	}
	assert.Equal(t, []crdt.OperationID{first.ID, second.ID}, got)

	ops, err := svc.GetOperations(testDoc)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

// 两个副本都在位置 0 插入，r2 在 r1 插入之前就已离线；重连后双方按 OperationID 排序收敛
func TestTwoReplicasConvergeAfterOfflineEdits(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "")
	bus := transport.NewLocalBus()
	s1, _ := replica(t, bus, repo, "r1")
	s2, ep2 := replica(t, bus, repo, "r2")

	ep2.SetOnline(false)
	s2.SetConnected(false)

	h, err := s1.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "H", "u1"))
	require.NoError(t, err)
	g, err := s2.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "G", "u2"))
	require.NoError(t, err)
	assert.Equal(t, "H", text(t, s1))
	assert.Equal(t, "G", text(t, s2))
	assert.Equal(t, 1, s2.Queue().Len())

	n, err := s2.ProcessQueuedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ep2.SetOnline(true)
	s2.SetConnected(true)
	n, err = s2.ProcessQueuedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s2.Queue().Len())

	// 同一父节点下 OperationID 大的在前：1@r2 > 1@r1
	require.Equal(t, uint64(1), h.ID.Clock)
	require.Equal(t, uint64(1), g.ID.Clock)
	require.True(t, h.ID.Less(g.ID))
	assert.Equal(t, "GH", text(t, s1))
	assert.Equal(t, "GH", text(t, s2))

	for _, s := range []*RealtimeService{s1, s2} {
		ops, err := s.GetOperations(testDoc)
		require.NoError(t, err)
		assert.Len(t, ops, 2)
		conflicts, err := s.Conflicts(testDoc)
		require.NoError(t, err)
		assert.NotEmpty(t, conflicts)
	}
}

// 文档在 r2 打开之前 r1 已经编辑过，打开时的同步请求会把缺的操作补齐
func TestInitializeDocumentCatchesUpFromPeers(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "")
	bus := transport.NewLocalBus()
	s1, _ := replica(t, bus, repo, "r1")

	_, err := s1.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "abc", "u1"))
	require.NoError(t, err)
	_, err = s1.ApplyOperation(ctx, testDoc, crdt.NewDelete(1, 2, "u1"))
	require.NoError(t, err)

	s2, _ := replica(t, bus, repo, "r2")
	assert.Equal(t, "ac", text(t, s2))
	assert.Equal(t, text(t, s1), text(t, s2))

	ops, err := s2.GetOperations(testDoc)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestSyncRequestForUnknownDocumentIsIgnored(t *testing.T) {
	svc := NewRealtimeService(newRepo(t, ""), nil, nil, Options{ReplicaID: "r1"})
	env := transport.NewSyncEnvelope("r2", "missing", crdt.VersionVector{}, false)
	assert.NoError(t, svc.HandleRemote(context.Background(), env))
}

func TestResubmittedOperationIsNotReapplied(t *testing.T) {
	ctx := context.Background()
	tr := new(mockTransport)
	tr.On("BroadcastOperation", mock.Anything, testDoc, mock.Anything).Return(nil)

	svc := NewRealtimeService(newRepo(t, ""), tr, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))
	sub, err := svc.SubscribeToOperations(testDoc)
	require.NoError(t, err)

	op, err := svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "a", "u1"))
	require.NoError(t, err)
	again, err := svc.ApplyOperation(ctx, testDoc, op)
	require.NoError(t, err)
	assert.True(t, again.ID.Equal(op.ID))

	assert.Equal(t, "a", text(t, svc))
	ops, err := svc.GetOperations(testDoc)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
	assert.Len(t, sub.C, 1)
	tr.AssertNumberOfCalls(t, "BroadcastOperation", 1)
}

func TestConcurrentEditsOnTwoReplicas(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "ac")
	bus := transport.NewLocalBus()
	s1, _ := replica(t, bus, repo, "r1")
	s2, _ := replica(t, bus, repo, "r2")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s1.ApplyOperation(ctx, testDoc, crdt.NewInsert(1, "x", "u1"))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s2.ApplyOperation(ctx, testDoc, crdt.NewInsert(1, "y", "u2"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	t1, t2 := text(t, s1), text(t, s2)
	assert.Equal(t, t1, t2)
	assert.Len(t, t1, 42)
	assert.Equal(t, byte('a'), t1[0])
	assert.Equal(t, byte('c'), t1[41])
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) BroadcastOperation(ctx context.Context, documentID string, op crdt.Operation) error {
	args := m.Called(ctx, documentID, op)
	return args.Error(0)
}

func TestBroadcastFailureQueuesOperation(t *testing.T) {
	ctx := context.Background()
	tr := new(mockTransport)
	tr.On("BroadcastOperation", mock.Anything, testDoc, mock.Anything).Return(errors.New("broker down")).Once()
	tr.On("BroadcastOperation", mock.Anything, testDoc, mock.Anything).Return(nil)

	svc := NewRealtimeService(newRepo(t, ""), tr, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))

	op, err := svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "a", "u1"))
	require.NoError(t, err)
	assert.Equal(t, "a", text(t, svc))

	queued := svc.Queue().GetOperationsForDocument(testDoc)
	require.Len(t, queued, 1)
	assert.True(t, queued[0].Operation.ID.Equal(op.ID))

	n, err := svc.ProcessQueuedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	tr.AssertNumberOfCalls(t, "BroadcastOperation", 2)
}

func TestRedeliveryFailureKeepsOrder(t *testing.T) {
	ctx := context.Background()
	tr := new(mockTransport)
	tr.On("BroadcastOperation", mock.Anything, testDoc, mock.Anything).Return(errors.New("still down"))

	svc := NewRealtimeService(newRepo(t, ""), tr, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))
	svc.SetConnected(false)
	first, err := svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(0, "a", "u1"))
	require.NoError(t, err)
	_, err = svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(1, "b", "u1"))
	require.NoError(t, err)
	tr.AssertNotCalled(t, "BroadcastOperation", mock.Anything, mock.Anything, mock.Anything)

	svc.SetConnected(true)
	n, err := svc.ProcessQueuedOperations(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	queued := svc.Queue().GetOperationsForDocument(testDoc)
	require.Len(t, queued, 2)
	assert.True(t, queued[0].Operation.ID.Equal(first.ID))
	assert.Equal(t, 1, queued[0].Attempts)
}

func TestQueueEvictionIsCounted(t *testing.T) {
	ctx := context.Background()
	q := queue.NewOperationQueue(2, nil)
	svc := NewRealtimeService(newRepo(t, ""), new(mockTransport), q, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))
	svc.SetConnected(false)

	for i := 0; i < 3; i++ {
		_, err := svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(i, "x", "u1"))
		require.NoError(t, err)
	}
	stats, err := svc.Stats(testDoc)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.Equal(t, 3, stats.Length)
}

type savedQueue []queue.QueuedOperation

func (s savedQueue) SaveQueue(context.Context, []queue.QueuedOperation) error { return nil }
func (s savedQueue) LoadQueue(context.Context) ([]queue.QueuedOperation, error) {
	return append([]queue.QueuedOperation(nil), s...), nil
}

func TestRestoredQueueEvictionIsCounted(t *testing.T) {
	ctx := context.Background()
	var saved savedQueue
	for i := 1; i <= 3; i++ {
		op := crdt.NewInsert(0, "x", "u1")
		op.ID = crdt.OperationID{ReplicaID: "r1", Clock: uint64(i)}
		saved = append(saved, queue.QueuedOperation{DocumentID: testDoc, Operation: op})
	}
	q := queue.NewOperationQueue(2, saved)
	svc := NewRealtimeService(newRepo(t, ""), nil, q, Options{ReplicaID: "r1"})

	n, err := q.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))
	stats, err := svc.Stats(testDoc)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, uint64(1), stats.Evicted)
}

func TestCreateVersionAccessAndNumbering(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "v")
	require.NoError(t, repo.ShareDocument(ctx, &entity.DocumentShare{DocumentID: testDoc, UserID: "viewer", Permission: entity.PermissionView}))
	require.NoError(t, repo.ShareDocument(ctx, &entity.DocumentShare{DocumentID: testDoc, UserID: "editor", Permission: entity.PermissionEdit}))

	svc := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "owner"))

	v1, err := svc.CreateVersion(ctx, testDoc, "owner")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1.VersionNumber)
	assert.Len(t, v1.ID, 26)
	assert.JSONEq(t, `{"format":"text","data":{"text":"v"}}`, v1.Content)

	v2, err := svc.CreateVersion(ctx, testDoc, "editor")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2.VersionNumber)

	_, err = svc.CreateVersion(ctx, testDoc, "viewer")
	assert.True(t, errors.Is(err, ErrAccessDenied))
	_, err = svc.CreateVersion(ctx, testDoc, "stranger")
	assert.True(t, errors.Is(err, ErrAccessDenied))
}

func TestCreateVersionConcurrently(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "")
	svc := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "owner"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateVersion(ctx, testDoc, "owner")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := repo.ListDocumentVersions(ctx, testDoc)
	require.NoError(t, err)
	require.Len(t, versions, 10)
	for i, v := range versions {
		assert.Equal(t, uint64(i+1), v.VersionNumber)
	}
}

// staleRepo 模拟读到过期的最新版本号
type staleRepo struct {
	*store.MemoryRepository
}

func (staleRepo) GetLatestVersionNumber(context.Context, string) (uint64, error) { return 0, nil }

func TestCreateVersionRetriesOnDuplicateNumber(t *testing.T) {
	ctx := context.Background()
	repo := staleRepo{newRepo(t, "")}
	a := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r1"})
	b := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r2"})
	require.NoError(t, a.InitializeDocument(ctx, testDoc, "owner"))
	require.NoError(t, b.InitializeDocument(ctx, testDoc, "owner"))

	va, err := a.CreateVersion(ctx, testDoc, "owner")
	require.NoError(t, err)
	vb, err := b.CreateVersion(ctx, testDoc, "owner")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), va.VersionNumber)
	assert.Equal(t, uint64(2), vb.VersionNumber)
}

func TestPresenceOperations(t *testing.T) {
	ctx := context.Background()
	svc := NewRealtimeService(newRepo(t, ""), nil, nil, Options{ReplicaID: "r1"})
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))

	require.NoError(t, svc.UpdatePresence(ctx, testDoc, "low", &presence.Position{}, nil, false, presence.LowestQoSTier))
	require.NoError(t, svc.UpdatePresence(ctx, testDoc, "high", nil, nil, true, presence.HighestQoSTier))
	err := svc.UpdatePresence(ctx, testDoc, "bad", nil, nil, false, 7)
	assert.True(t, errors.Is(err, ErrSync))

	presences, err := svc.GetPresences(testDoc)
	require.NoError(t, err)
	require.Len(t, presences, 2)
	assert.Equal(t, "high", presences[0].UserID)
	assert.Equal(t, "low", presences[1].UserID)

	removed, err := svc.RemovePresence(ctx, testDoc, "low")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = svc.RemovePresence(ctx, testDoc, "low")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSaveSnapshotAndReload(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "base")
	snaps := store.NewMemorySnapshotStore()
	svc := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r1"}).WithSnapshotStore(snaps)
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))
	_, err := svc.ApplyOperation(ctx, testDoc, crdt.NewInsert(4, " line", "u1"))
	require.NoError(t, err)
	require.NoError(t, svc.SaveSnapshot(ctx, testDoc))

	stored, err := repo.GetDocument(ctx, testDoc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"format":"text","data":{"text":"base line"}}`, stored.Content)

	restarted := NewRealtimeService(repo, nil, nil, Options{ReplicaID: "r1"}).WithSnapshotStore(snaps)
	require.NoError(t, restarted.InitializeDocument(ctx, testDoc, "u1"))
	assert.Equal(t, "base line", text(t, restarted))

	// 恢复出来的时钟不会和旧操作撞 ID
	op, err := restarted.ApplyOperation(ctx, testDoc, crdt.NewInsert(9, "!", "u1"))
	require.NoError(t, err)
	stats, err := svc.Stats(testDoc)
	require.NoError(t, err)
	assert.Greater(t, op.ID.Clock, stats.Clock)
}

type recordingMirror struct {
	mu       sync.Mutex
	mirrored []string
	removed  []string
}

func (m *recordingMirror) Mirror(_ context.Context, _ string, p presence.UserPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrored = append(m.mirrored, p.UserID)
	return nil
}

func (m *recordingMirror) Remove(_ context.Context, _ string, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, userID)
	return nil
}

func TestPresenceMirrorAndPrune(t *testing.T) {
	ctx := context.Background()
	mirror := &recordingMirror{}
	svc := NewRealtimeService(newRepo(t, ""), nil, nil, Options{ReplicaID: "r1"}).WithPresenceMirror(mirror)
	require.NoError(t, svc.InitializeDocument(ctx, testDoc, "u1"))

	require.NoError(t, svc.UpdatePresence(ctx, testDoc, "u1", nil, nil, false, presence.DefaultQoSTier))
	assert.Equal(t, []string{"u1"}, mirror.mirrored)

	assert.Equal(t, 0, svc.PruneIdlePresences(ctx, time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, svc.PruneIdlePresences(ctx, time.Millisecond))
	assert.Equal(t, []string{"u1"}, mirror.removed)

	presences, err := svc.GetPresences(testDoc)
	require.NoError(t, err)
	assert.Empty(t, presences)
}
