package crdt

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

// Operation 文档变更（tagged union，按 Kind 区分）
//   - insert:  Position, Value, ParentID(nil = 文档头)
//   - delete:  Start, End(nil = 删一个字符), Targets
//   - replace: Start, End, Value, ParentID(锚点), Targets
//
// Position/Start/End 是本地提交时的位置（rune 下标）；Prepare 之后
// ParentID/Targets 才是真正参与合并的身份，位置只作提示。
type Operation struct {
	Kind     Kind          `json:"kind"`
	ID       OperationID   `json:"id"`
	UserID   string        `json:"userId,omitempty"`
	Position int           `json:"position,omitempty"`
	Start    int           `json:"start,omitempty"`
	End      *int          `json:"end,omitempty"`
	Value    string        `json:"value,omitempty"`
	ParentID *OperationID  `json:"parentId,omitempty"`
	Targets  []OperationID `json:"targets,omitempty"`
}

func NewInsert(position int, value string, userID string) Operation {
	return Operation{Kind: KindInsert, Position: position, Value: value, UserID: userID}
}

// NewDelete 删除 [start, end)；end < 0 表示只删 start 处的一个字符
func NewDelete(start, end int, userID string) Operation {
	op := Operation{Kind: KindDelete, Start: start, UserID: userID}
	if end >= 0 {
		op.End = &end
	}
	return op
}

func NewReplace(start, end int, value string, userID string) Operation {
	return Operation{Kind: KindReplace, Start: start, End: &end, Value: value, UserID: userID}
}

// Span 返回操作影响的 [from, to] 区间（闭区间，冲突检测用）
func (op Operation) Span() (int, int) {
	switch op.Kind {
	case KindInsert:
		return op.Position, op.Position + utf8.RuneCountInString(op.Value)
	case KindDelete:
		end := op.Start + 1
		if op.End != nil {
			end = *op.End
		}
		return op.Start, end
	case KindReplace:
		end := op.Start
		if op.End != nil {
			end = *op.End
		}
		if inserted := op.Start + utf8.RuneCountInString(op.Value); inserted > end {
			end = inserted
		}
		return op.Start, end
	}
	return 0, 0
}

// Anchor 是操作的起始位置（presence 光标用）
func (op Operation) Anchor() int {
	if op.Kind == KindInsert {
		return op.Position
	}
	return op.Start
}

// Author 优先用 UserID，没有则退回到副本 ID
func (op Operation) Author() string {
	if op.UserID != "" {
		return op.UserID
	}
	return op.ID.ReplicaID
}

// runeCount 插入类操作占用的元素数量
func (op Operation) runeCount() int {
	if op.Kind == KindDelete {
		return 0
	}
	return utf8.RuneCountInString(op.Value)
}

// lastClock 该操作占用的最大逻辑时钟
func (op Operation) lastClock() uint64 {
	if n := op.runeCount(); n > 1 {
		return op.ID.Clock + uint64(n-1)
	}
	return op.ID.Clock
}

// Validate 只做结构校验，不看文档状态
func (op Operation) Validate() error {
	switch op.Kind {
	case KindInsert:
		if op.Value == "" {
			return fmt.Errorf("%w: insert with empty value", ErrInvalidOperation)
		}
		if op.Position < 0 {
			return fmt.Errorf("%w: negative insert position %d", ErrInvalidOperation, op.Position)
		}
	case KindDelete, KindReplace:
		if op.Start < 0 {
			return fmt.Errorf("%w: negative start %d", ErrInvalidOperation, op.Start)
		}
		if op.End != nil && *op.End < op.Start {
			return fmt.Errorf("%w: end %d before start %d", ErrInvalidOperation, *op.End, op.Start)
		}
		if op.Kind == KindReplace && op.End == nil {
			return fmt.Errorf("%w: replace without end", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrSerialization, op.Kind)
	}
	if !utf8.ValidString(op.Value) {
		return fmt.Errorf("%w: value is not valid utf-8", ErrSerialization)
	}
	return nil
}

// Clone 深拷贝指针/切片字段，保证操作创建后不可变
func (op Operation) Clone() Operation {
	out := op
	if op.End != nil {
		end := *op.End
		out.End = &end
	}
	if op.ParentID != nil {
		parent := *op.ParentID
		out.ParentID = &parent
	}
	if op.Targets != nil {
		out.Targets = append([]OperationID(nil), op.Targets...)
	}
	return out
}

// Equal compares operations structurally through their wire encoding.
func (op Operation) Equal(other Operation) bool {
	a, errA := json.Marshal(op)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && string(a) == string(b)
}

func ParseOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}
