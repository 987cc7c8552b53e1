package ws

import (
	"context"
	"sync"

	"collabEngine/backend/internal/presence"
)

// PresenceView 跨实例的在线视图（redis 镜像）
type PresenceView interface {
	Alive(ctx context.Context, docID string) ([]presence.UserPresence, error)
}

type Hub struct {
	// 可以为 nil，此时只看本实例的 presence
	presence PresenceView
	mu       sync.RWMutex
	// docID -> set of connections；一个用户可能开多个标签页，所以按连接存
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p PresenceView) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除，返回房间是否已空
func (h *Hub) Leave(docID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[docID]
	if !ok {
		return true
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, docID)
		return true
	}
	return false
}

func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

func (h *Hub) BroadcastPresence(docID string, presences []presence.UserPresence) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	msg := ServerMessage{Type: TypePresence, DocID: docID, Presences: presences}
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}
