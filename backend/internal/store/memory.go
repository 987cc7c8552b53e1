package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"collabEngine/backend/internal/entity"
)

// MemoryRepository 进程内实现，单机模式和测试使用
type MemoryRepository struct {
	mu       sync.RWMutex
	docs     map[string]entity.Document
	shares   map[string]entity.DocumentShare // docID + "/" + userID
	versions map[string][]entity.DocumentVersion
	nextID   uint64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		docs:     make(map[string]entity.Document),
		shares:   make(map[string]entity.DocumentShare),
		versions: make(map[string][]entity.DocumentVersion),
	}
}

func shareKey(documentID, userID string) string { return documentID + "/" + userID }

func (m *MemoryRepository) GetDocument(_ context.Context, documentID string) (*entity.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (m *MemoryRepository) GetDocumentShare(_ context.Context, documentID, userID string) (*entity.DocumentShare, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	share, ok := m.shares[shareKey(documentID, userID)]
	if !ok {
		return nil, nil
	}
	return &share, nil
}

func (m *MemoryRepository) GetLatestVersionNumber(_ context.Context, documentID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest uint64
	for _, v := range m.versions[documentID] {
		if v.VersionNumber > latest {
			latest = v.VersionNumber
		}
	}
	return latest, nil
}

func (m *MemoryRepository) CreateDocumentVersion(_ context.Context, v *entity.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions[v.DocumentID] {
		if existing.VersionNumber == v.VersionNumber {
			return fmt.Errorf("%w: doc=%s version=%d", entity.ErrDuplicateVersion, v.DocumentID, v.VersionNumber)
		}
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	m.versions[v.DocumentID] = append(m.versions[v.DocumentID], *v)
	return nil
}

func (m *MemoryRepository) ListDocumentVersions(_ context.Context, documentID string) ([]entity.DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]entity.DocumentVersion(nil), m.versions[documentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (m *MemoryRepository) CreateDocument(_ context.Context, doc *entity.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("%w: document %s", entity.ErrDuplicateRecord, doc.ID)
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	m.docs[doc.ID] = *doc
	return nil
}

func (m *MemoryRepository) UpdateDocumentContent(_ context.Context, documentID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return fmt.Errorf("document %s not found", documentID)
	}
	doc.Content = content
	doc.UpdatedAt = time.Now()
	m.docs[documentID] = doc
	return nil
}

func (m *MemoryRepository) ShareDocument(_ context.Context, share *entity.DocumentShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := shareKey(share.DocumentID, share.UserID)
	if existing, ok := m.shares[key]; ok {
		share.ID = existing.ID
		share.CreatedAt = existing.CreatedAt
	} else {
		m.nextID++
		share.ID = m.nextID
		share.CreatedAt = time.Now()
	}
	m.shares[key] = *share
	return nil
}

// MemorySnapshotStore 进程内的 CRDT 状态存储
type MemorySnapshotStore struct {
	mu     sync.RWMutex
	states map[string][]byte
	clocks map[string]uint64
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{states: make(map[string][]byte), clocks: make(map[string]uint64)}
}

func (m *MemorySnapshotStore) SaveState(_ context.Context, documentID string, clock uint64, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.clocks[documentID]; ok && prev > clock {
		return nil
	}
	m.states[documentID] = append([]byte(nil), state...)
	m.clocks[documentID] = clock
	return nil
}

func (m *MemorySnapshotStore) LoadState(_ context.Context, documentID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[documentID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), state...), true, nil
}
