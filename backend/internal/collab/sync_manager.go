package collab

import (
	"fmt"
	"sync"

	"collabEngine/backend/internal/conflict"
	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/presence"

	"github.com/golang/glog"
)

// DocumentView 已应用该操作之后的文档；*crdt.Document 直接满足
type DocumentView interface {
	Text() string
	Locate(op crdt.Operation) (int, bool)
}

// SyncManager 一个文档会话：冲突检测 + presence + 只追加的操作日志
type SyncManager struct {
	mu         sync.Mutex
	documentID string
	resolver   *conflict.Resolver
	tracker    *presence.Tracker
	view       DocumentView

	log   []crdt.Operation
	edits []Edit
}

func NewSyncManager(documentID string, resolver *conflict.Resolver, tracker *presence.Tracker, view DocumentView) *SyncManager {
	return &SyncManager{
		documentID: documentID,
		resolver:   resolver,
		tracker:    tracker,
		view:       view,
	}
}

// ApplyOperation 记录一条已经在 CRDT 上生效的操作。
// 冲突只记录不拦截；presence 更新失败返回 ErrSync，日志和冲突记录不回滚。
// 行列按元素在本地正文里的实际位置算；定位不到（没有 view）时才退回操作携带的位置。
func (m *SyncManager) ApplyOperation(op crdt.Operation) error {
	text, offset := "", op.Anchor()
	if m.view != nil {
		text = m.view.Text()
		if at, ok := m.view.Locate(op); ok {
			offset = at
		}
	}
	edit := EditFromOperation(op, text, offset)

	m.mu.Lock()
	m.log = append(m.log, op.Clone())
	m.edits = append(m.edits, edit)
	m.mu.Unlock()

	if m.resolver != nil {
		for _, c := range m.resolver.DetectConflicts([]crdt.Operation{op}) {
			m.resolver.AddConflict(c)
			glog.Infof("doc %s: conflict %s between %v", m.documentID, c.ID, c.OperationIDs)
		}
		m.resolver.Record(op)
	}

	if m.tracker == nil || op.UserID == "" {
		return nil
	}
	tier := presence.DefaultQoSTier
	if existing, ok := m.tracker.QoSTier(op.UserID); ok {
		tier = existing
	}
	cursor := positionAt(text, cursorAfter(op, offset))
	if err := m.tracker.UpdatePresence(op.UserID, &cursor, nil, true, tier); err != nil {
		return fmt.Errorf("%w: %v", ErrSync, err)
	}
	return nil
}

func (m *SyncManager) DocumentID() string { return m.documentID }

// GetOperations 会话内完整的操作日志（按应用顺序）
func (m *SyncManager) GetOperations() []crdt.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crdt.Operation, len(m.log))
	for i, op := range m.log {
		out[i] = op.Clone()
	}
	return out
}

func (m *SyncManager) Edits() []Edit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Edit(nil), m.edits...)
}

func (m *SyncManager) Conflicts() []conflict.Conflict {
	if m.resolver == nil {
		return nil
	}
	return m.resolver.Conflicts()
}

func (m *SyncManager) Presences() []presence.UserPresence {
	if m.tracker == nil {
		return nil
	}
	return m.tracker.ByQoS()
}
