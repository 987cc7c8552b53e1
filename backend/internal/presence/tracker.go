package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// QoS 等级：数值越小优先级越高
const (
	HighestQoSTier uint8 = 0
	DefaultQoSTier uint8 = 1
	LowestQoSTier  uint8 = 2
)

var ErrInvalidPresence = errors.New("INVALID_PRESENCE")

type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// UserPresence 临时状态，不随文档内容持久化
type UserPresence struct {
	UserID    string     `json:"userId"`
	Cursor    *Position  `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	IsTyping  bool       `json:"isTyping"`
	QoSTier   uint8      `json:"qosTier"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Tracker 每个用户一条记录，后写覆盖前写
type Tracker struct {
	mu    sync.RWMutex
	users map[string]UserPresence
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]UserPresence), now: time.Now}
}

func (t *Tracker) UpdatePresence(userID string, cursor *Position, selection *Selection, isTyping bool, qosTier uint8) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidPresence)
	}
	if qosTier > LowestQoSTier {
		return fmt.Errorf("%w: qos tier %d out of range", ErrInvalidPresence, qosTier)
	}
	p := UserPresence{
		UserID:    userID,
		IsTyping:  isTyping,
		QoSTier:   qosTier,
		UpdatedAt: t.now(),
	}
	if cursor != nil {
		c := *cursor
		p.Cursor = &c
	}
	if selection != nil {
		s := *selection
		p.Selection = &s
	}
	t.mu.Lock()
	t.users[userID] = p
	t.mu.Unlock()
	return nil
}

func (t *Tracker) GetPresence(userID string) (UserPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.users[userID]
	return p, ok
}

// GetPresences 快照，顺序不保证
func (t *Tracker) GetPresences() []UserPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]UserPresence, 0, len(t.users))
	for _, p := range t.users {
		out = append(out, p)
	}
	return out
}

// ByQoS 按投递优先级排序（tier 小的在前，同级按最近更新）
func (t *Tracker) ByQoS() []UserPresence {
	out := t.GetPresences()
	sort.Slice(out, func(i, j int) bool {
		if out[i].QoSTier != out[j].QoSTier {
			return out[i].QoSTier < out[j].QoSTier
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (t *Tracker) RemovePresence(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.users[userID]; !ok {
		return false
	}
	delete(t.users, userID)
	return true
}

func (t *Tracker) QoSTier(userID string) (uint8, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.users[userID]
	return p.QoSTier, ok
}

// Prune 清掉 olderThan 之前没更新过的用户（视为隐式离开），返回被清理的 userID
func (t *Tracker) Prune(olderThan time.Duration) []string {
	cutoff := t.now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, p := range t.users {
		if p.UpdatedAt.Before(cutoff) {
			delete(t.users, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}
