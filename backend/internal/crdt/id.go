package crdt

import (
	"fmt"
	"strings"
)

// OperationID 操作的全局唯一标识，也是 CRDT 的因果令牌。
// 排序规则：先比 Clock，再比 ReplicaID；WallClock 只是提示，不参与比较。
type OperationID struct {
	ReplicaID string `json:"replicaId"`
	Clock     uint64 `json:"clock"`
	WallClock int64  `json:"wallClock,omitempty"`
}

// dot 是去掉 WallClock 之后的元素身份，用作 map key
type dot struct {
	replica string
	clock   uint64
}

var headDot = dot{}

func (id OperationID) dot() dot { return dot{replica: id.ReplicaID, clock: id.Clock} }

func (id OperationID) IsZero() bool { return id.ReplicaID == "" && id.Clock == 0 }

// Compare returns -1, 0 or 1 following the (Clock, ReplicaID) total order.
func (id OperationID) Compare(other OperationID) int {
	switch {
	case id.Clock < other.Clock:
		return -1
	case id.Clock > other.Clock:
		return 1
	}
	return strings.Compare(id.ReplicaID, other.ReplicaID)
}

func (id OperationID) Less(other OperationID) bool { return id.Compare(other) < 0 }

// Equal ignores the wall clock hint.
func (id OperationID) Equal(other OperationID) bool { return id.dot() == other.dot() }

// Offset 返回同一次插入中第 i 个字符的元素 ID（n 个字符占用 Clock..Clock+n-1）
func (id OperationID) Offset(i int) OperationID {
	return OperationID{ReplicaID: id.ReplicaID, Clock: id.Clock + uint64(i), WallClock: id.WallClock}
}

func (id OperationID) String() string {
	return fmt.Sprintf("%d@%s", id.Clock, id.ReplicaID)
}
