package conflict

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"collabEngine/backend/internal/crdt"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

type Strategy string

const (
	StrategyUserPriority   Strategy = "user_priority"
	StrategyTimestampOrder Strategy = "timestamp_order"
	StrategyManual         Strategy = "manual"
)

const DetectionPositionOverlap = "position_overlap"

var ErrConflictNotFound = errors.New("CONFLICT_NOT_FOUND")

// Conflict 两个及以上来自不同副本、影响区间重叠的操作。
// 只做记录和审计，不会阻止操作落地。
type Conflict struct {
	ID                 string             `json:"id"`
	DocumentID         string             `json:"documentId"`
	Operations         []crdt.Operation   `json:"operations"`
	OperationIDs       []crdt.OperationID `json:"operationIds"`
	Strategy           Strategy           `json:"strategy"`
	Winner             *crdt.OperationID  `json:"winner,omitempty"`
	Resolved           bool               `json:"resolved"`
	ResolvedOperations []crdt.Operation   `json:"resolvedOperations,omitempty"`
	DetectionMethod    string             `json:"detectionMethod"`
	CreatedAt          time.Time          `json:"createdAt"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
}

// QoSSource 提供用户的 QoS 等级（presence 跟踪器实现）
type QoSSource interface {
	QoSTier(userID string) (uint8, bool)
}

type Options struct {
	// 最近操作窗口大小
	Window int
	// >0 时只有 WallClock 相差不超过该值的操作才算并发
	ConcurrencyWindow time.Duration
	Strategy          Strategy
	QoS               QoSSource
}

type Resolver struct {
	mu         sync.Mutex
	documentID string
	strategy   Strategy
	window     time.Duration
	qos        QoSSource

	recent    []crdt.Operation // 环形缓冲：满了丢最老的
	conflicts []Conflict
	byID      map[string]int
	priority  map[string]int
}

func NewResolver(documentID string, opt Options) *Resolver {
	capacity := opt.Window
	if capacity <= 0 {
		capacity = 100
	}
	strategy := opt.Strategy
	if strategy == "" {
		strategy = StrategyUserPriority
	}
	return &Resolver{
		documentID: documentID,
		strategy:   strategy,
		window:     opt.ConcurrencyWindow,
		qos:        opt.QoS,
		recent:     make([]crdt.Operation, 0, capacity),
		byID:       make(map[string]int),
		priority:   make(map[string]int),
	}
}

func (r *Resolver) SetQoSSource(src QoSSource) {
	r.mu.Lock()
	r.qos = src
	r.mu.Unlock()
}

func (r *Resolver) SetUserPriority(userID string, priority int) {
	r.mu.Lock()
	r.priority[userID] = priority
	r.mu.Unlock()
}

// UserPriority 显式优先级 + QoS 加成（tier0 +100，tier1 +50）
func (r *Resolver) UserPriority(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userPriority(userID)
}

func (r *Resolver) userPriority(userID string) int {
	p := r.priority[userID]
	if r.qos != nil {
		if tier, ok := r.qos.QoSTier(userID); ok {
			switch tier {
			case 0:
				p += 100
			case 1:
				p += 50
			}
		}
	}
	return p
}

// Record 把已应用的操作放进最近窗口
func (r *Resolver) Record(op crdt.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cap(r.recent) > 0 && len(r.recent) == cap(r.recent) {
		copy(r.recent[0:], r.recent[1:])
		r.recent = r.recent[:len(r.recent)-1]
	}
	r.recent = append(r.recent, op.Clone())
}

func overlaps(a, b crdt.Operation) bool {
	aStart, aEnd := a.Span()
	bStart, bEnd := b.Span()
	return aStart <= bEnd && bStart <= aEnd
}

func (r *Resolver) concurrent(a, b crdt.Operation) bool {
	if a.ID.ReplicaID == b.ID.ReplicaID {
		return false
	}
	if a.ID.Equal(b.ID) {
		return false
	}
	if r.window > 0 && a.ID.WallClock != 0 && b.ID.WallClock != 0 {
		diff := a.ID.WallClock - b.ID.WallClock
		if diff < 0 {
			diff = -diff
		}
		if time.Duration(diff)*time.Millisecond > r.window {
			return false
		}
	}
	return true
}

// DetectConflicts 检查新操作与最近窗口（以及同批次更早的操作）的区间重叠。
// 结果不会自动记录，调用方决定是否 AddConflict。
func (r *Resolver) DetectConflicts(newOps []crdt.Operation) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conflict
	for i, op := range newOps {
		candidates := make([]crdt.Operation, 0, len(r.recent)+i)
		candidates = append(candidates, r.recent...)
		candidates = append(candidates, newOps[:i]...)
		for _, other := range candidates {
			if !r.concurrent(op, other) || !overlaps(op, other) {
				continue
			}
			c := Conflict{
				ID:              uuid.NewString(),
				DocumentID:      r.documentID,
				Operations:      []crdt.Operation{other.Clone(), op.Clone()},
				OperationIDs:    []crdt.OperationID{other.ID, op.ID},
				Strategy:        r.strategy,
				DetectionMethod: DetectionPositionOverlap,
				CreatedAt:       time.Now(),
			}
			if r.strategy != StrategyManual {
				w := r.winner(other, op)
				c.Winner = &w.ID
			}
			glog.V(1).Infof("conflict detected doc=%s ops=%s,%s", r.documentID, other.ID, op.ID)
			out = append(out, c)
		}
	}
	return out
}

// Winner 决定两条冲突操作谁胜出：结果与参数顺序无关
func (r *Resolver) Winner(a, b crdt.Operation) crdt.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.winner(a, b)
}

func (r *Resolver) winner(a, b crdt.Operation) crdt.Operation {
	if r.strategy == StrategyUserPriority {
		pa, pb := r.userPriority(a.Author()), r.userPriority(b.Author())
		if pa != pb {
			if pa > pb {
				return a
			}
			return b
		}
	}
	// 优先级相同（或按时间序）：OperationID 小的胜出
	if b.ID.Less(a.ID) {
		return b
	}
	return a
}

func (r *Resolver) AddConflict(c Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DocumentID == "" {
		c.DocumentID = r.documentID
	}
	if idx, ok := r.byID[c.ID]; ok {
		r.conflicts[idx] = c
		return
	}
	r.byID[c.ID] = len(r.conflicts)
	r.conflicts = append(r.conflicts, c)
}

func (r *Resolver) Conflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Conflict(nil), r.conflicts...)
}

func (r *Resolver) UnresolvedConflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conflict
	for _, c := range r.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

// ResolveConflict 按策略给出操作的最终顺序（胜者在前）并标记为已解决。
// manual 策略下按 OperationID 排序，胜者留空给人工决定。
func (r *Resolver) ResolveConflict(id string) ([]crdt.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	c := r.conflicts[idx]
	ops := make([]crdt.Operation, len(c.Operations))
	copy(ops, c.Operations)

	switch r.strategy {
	case StrategyUserPriority:
		sort.SliceStable(ops, func(i, j int) bool {
			return r.winner(ops[i], ops[j]).ID.Equal(ops[i].ID) && !ops[i].ID.Equal(ops[j].ID)
		})
	default:
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].ID.Less(ops[j].ID) })
	}
	if r.strategy != StrategyManual && len(ops) > 0 {
		w := ops[0].ID
		c.Winner = &w
	}
	now := time.Now()
	c.Resolved = true
	c.ResolvedAt = &now
	c.ResolvedOperations = ops
	r.conflicts[idx] = c
	return ops, nil
}
