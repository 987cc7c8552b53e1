package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultMaxPending 因果缓冲区的默认上限
const DefaultMaxPending = 1024

type element struct {
	id      OperationID
	parent  dot
	r       rune
	deleted bool
}

/*
Document 基于操作的文本 CRDT（RGA）。

结构示例：

	HEAD
	 ├─ 3@b "G"
	 └─ 1@a "H" ─ 2@a "i"

- 每个字符是一个元素，身份是 OperationID（插入 n 个字符占用 n 个连续时钟）
- 插入按 "挂在 parent 之后" 定位；同一个 parent 下的兄弟按 OperationID 降序排列，
  所以同一位置的并发插入在所有副本上顺序一致
- 删除只打墓碑，不移除元素
- 依赖（parent/targets）还没到的操作先进 pending，依赖到达后自动重放
*/
type Document struct {
	mu sync.RWMutex

	replica string
	clock   uint64

	elems    map[dot]*element
	children map[dot][]OperationID // 按 OperationID 降序
	applied  map[dot]struct{}
	history  []Operation

	// 缺失依赖 -> 等待它的操作
	pending      map[dot][]Operation
	pendingIDs   map[dot]struct{}
	pendingCount int
	maxPending   int

	// 可见顺序缓存；rank 是每个元素（含墓碑）之前的可见字符数
	order []dot
	rank  map[dot]int
	text  string
	dirty bool
}

func New(replicaID string) *Document {
	return &Document{
		replica:    replicaID,
		elems:      make(map[dot]*element),
		children:   make(map[dot][]OperationID),
		applied:    make(map[dot]struct{}),
		pending:    make(map[dot][]Operation),
		pendingIDs: make(map[dot]struct{}),
		maxPending: DefaultMaxPending,
		dirty:      true,
	}
}

func (d *Document) SetMaxPending(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxPending
	}
	d.maxPending = n
}

func (d *Document) ReplicaID() string { return d.replica }

func (d *Document) Clock() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock
}

// GenerateID 生成本副本下一个操作 ID（本地单调递增）
func (d *Document) GenerateID() OperationID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextID()
}

func (d *Document) nextID() OperationID {
	d.clock++
	return OperationID{ReplicaID: d.replica, Clock: d.clock, WallClock: time.Now().UnixMilli()}
}

// Prepare 把基于位置的本地操作绑定到元素身份（ParentID / Targets），
// 没有 ID 的操作顺便分配一个。已经绑定过的操作原样返回。
func (d *Document) Prepare(op Operation) (Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepare(op)
}

// ApplyLocal = Prepare + ApplyOperation，在同一把锁里完成
func (d *Document) ApplyLocal(op Operation, actor string) (Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prepared, err := d.prepare(op)
	if err != nil {
		return Operation{}, err
	}
	if err := d.apply(prepared, actor); err != nil {
		return Operation{}, err
	}
	return prepared, nil
}

func (d *Document) prepare(op Operation) (Operation, error) {
	op = op.Clone()
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	d.ensureOrder()
	visible := len(d.order)

	switch op.Kind {
	case KindInsert:
		if op.ParentID == nil && op.Position > 0 {
			if op.Position > visible {
				return Operation{}, fmt.Errorf("%w: insert position %d beyond length %d", ErrInvalidOperation, op.Position, visible)
			}
			parent := d.elems[d.order[op.Position-1]].id
			op.ParentID = &parent
		}
	case KindDelete:
		if len(op.Targets) == 0 {
			end := op.Start + 1
			if op.End != nil {
				end = *op.End
			}
			if end == op.Start || end > visible {
				return Operation{}, fmt.Errorf("%w: delete range [%d,%d) outside length %d", ErrInvalidOperation, op.Start, end, visible)
			}
			op.Targets = d.idsInRange(op.Start, end)
		}
	case KindReplace:
		if len(op.Targets) == 0 && op.ParentID == nil {
			end := *op.End
			if end > visible {
				return Operation{}, fmt.Errorf("%w: replace range [%d,%d) outside length %d", ErrInvalidOperation, op.Start, end, visible)
			}
			op.Targets = d.idsInRange(op.Start, end)
			if op.Start > 0 {
				anchor := d.elems[d.order[op.Start-1]].id
				op.ParentID = &anchor
			}
		}
	}

	if op.ID.IsZero() {
		op.ID = d.nextID()
	}
	return op, nil
}

func (d *Document) idsInRange(start, end int) []OperationID {
	ids := make([]OperationID, 0, end-start)
	for _, k := range d.order[start:end] {
		ids = append(ids, d.elems[k].id)
	}
	return ids
}

// ApplyOperation 幂等、可交换地应用一个已绑定的操作。
// 要么整体生效，要么不改动任何状态。
func (d *Document) ApplyOperation(op Operation, actor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apply(op.Clone(), actor)
}

func (d *Document) apply(op Operation, actor string) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.ID.IsZero() {
		return fmt.Errorf("%w: operation without id", ErrInvalidOperation)
	}
	key := op.ID.dot()
	if _, ok := d.applied[key]; ok {
		return nil
	}
	if _, ok := d.pendingIDs[key]; ok {
		return nil
	}
	switch op.Kind {
	case KindInsert:
		if op.ParentID == nil && op.Position > 0 {
			return fmt.Errorf("%w: insert %s at position %d is not bound to a parent", ErrInvalidOperation, op.ID, op.Position)
		}
	case KindDelete:
		if len(op.Targets) == 0 {
			return fmt.Errorf("%w: delete %s has no targets", ErrInvalidOperation, op.ID)
		}
	case KindReplace:
		if op.ParentID == nil && op.Start > 0 {
			return fmt.Errorf("%w: replace %s at %d is not bound to an anchor", ErrInvalidOperation, op.ID, op.Start)
		}
	}

	if missing, ok := d.missingDependency(op); ok {
		if d.pendingCount >= d.maxPending {
			return fmt.Errorf("%w: %s waits for %d@%s and pending buffer is full (%d)",
				ErrCausalityViolation, op.ID, missing.clock, missing.replica, d.maxPending)
		}
		d.pending[missing] = append(d.pending[missing], op)
		d.pendingIDs[key] = struct{}{}
		d.pendingCount++
		glog.V(1).Infof("crdt %s: buffered %s from %s, waiting for %d@%s", d.replica, op.ID, actor, missing.clock, missing.replica)
		return nil
	}

	glog.V(2).Infof("crdt %s: apply %s %s by %s", d.replica, op.Kind, op.ID, actor)
	created := d.integrate(op)
	d.flushPending(created)
	return nil
}

func (d *Document) missingDependency(op Operation) (dot, bool) {
	if op.ParentID != nil {
		if _, ok := d.elems[op.ParentID.dot()]; !ok {
			return op.ParentID.dot(), true
		}
	}
	for _, t := range op.Targets {
		if _, ok := d.elems[t.dot()]; !ok {
			return t.dot(), true
		}
	}
	return dot{}, false
}

// integrate 真正修改状态，返回新建的元素（用于唤醒 pending）
func (d *Document) integrate(op Operation) []dot {
	var created []dot
	switch op.Kind {
	case KindInsert:
		created = d.insertRunes(op)
	case KindDelete:
		d.tombstone(op.Targets)
	case KindReplace:
		d.tombstone(op.Targets)
		if op.Value != "" {
			created = d.insertRunes(op)
		}
	}
	d.applied[op.ID.dot()] = struct{}{}
	d.history = append(d.history, op)
	if last := op.lastClock(); last > d.clock {
		d.clock = last
	}
	d.dirty = true
	return created
}

func (d *Document) insertRunes(op Operation) []dot {
	parent := headDot
	if op.ParentID != nil {
		parent = op.ParentID.dot()
	}
	runes := []rune(op.Value)
	created := make([]dot, 0, len(runes))
	for i, r := range runes {
		id := op.ID.Offset(i)
		key := id.dot()
		if _, exists := d.elems[key]; exists {
			parent = key
			continue
		}
		d.elems[key] = &element{id: id, parent: parent, r: r}

		// 兄弟降序：找到第一个比 id 小的位置插进去
		kids := d.children[parent]
		pos := sort.Search(len(kids), func(i int) bool { return kids[i].Less(id) })
		kids = append(kids, OperationID{})
		copy(kids[pos+1:], kids[pos:])
		kids[pos] = id
		d.children[parent] = kids

		created = append(created, key)
		parent = key
	}
	return created
}

func (d *Document) tombstone(targets []OperationID) {
	for _, t := range targets {
		if e, ok := d.elems[t.dot()]; ok {
			e.deleted = true
		}
	}
}

func (d *Document) flushPending(created []dot) {
	queue := created
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		waiting := d.pending[key]
		if len(waiting) == 0 {
			continue
		}
		delete(d.pending, key)
		for _, op := range waiting {
			delete(d.pendingIDs, op.ID.dot())
			d.pendingCount--
			if missing, ok := d.missingDependency(op); ok {
				// 还缺别的依赖，换个 key 继续等
				d.pending[missing] = append(d.pending[missing], op)
				d.pendingIDs[op.ID.dot()] = struct{}{}
				d.pendingCount++
				continue
			}
			queue = append(queue, d.integrate(op)...)
		}
	}
}

// ensureOrder 按 DFS（先父后子，兄弟降序）重建可见顺序
func (d *Document) ensureOrder() {
	if !d.dirty {
		return
	}
	order := make([]dot, 0, len(d.elems))
	rank := make(map[dot]int, len(d.elems))
	var b strings.Builder

	stack := make([]dot, 0, 64)
	pushChildren := func(parent dot) {
		kids := d.children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i].dot())
		}
	}
	pushChildren(headDot)
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e := d.elems[key]
		rank[key] = len(order)
		if !e.deleted {
			order = append(order, key)
			b.WriteRune(e.r)
		}
		pushChildren(key)
	}
	d.order = order
	d.rank = rank
	d.text = b.String()
	d.dirty = false
}

func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureOrder()
	return d.text
}

func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureOrder()
	return len(d.order)
}

// ToDocumentContent 只输出物化后的正文，不暴露操作历史
func (d *Document) ToDocumentContent() DocumentContent {
	return NewTextContent(d.Text())
}

// Contains 操作已应用，或者 id 是某个已存在的元素
func (d *Document) Contains(id OperationID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.applied[id.dot()]; ok {
		return true
	}
	_, ok := d.elems[id.dot()]
	return ok
}

// Operations 按应用顺序返回已应用的操作
func (d *Document) Operations() []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Operation, len(d.history))
	for i, op := range d.history {
		out[i] = op.Clone()
	}
	return out
}

// HistoryLen 已应用操作的数量，配合 OperationsSince 取增量
func (d *Document) HistoryLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.history)
}

func (d *Document) OperationsSince(index int) []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index < 0 {
		index = 0
	}
	if index >= len(d.history) {
		return nil
	}
	out := make([]Operation, 0, len(d.history)-index)
	for _, op := range d.history[index:] {
		out = append(out, op.Clone())
	}
	return out
}

// Pending 返回因依赖缺失而暂存的操作（按 ID 排序）
func (d *Document) Pending() []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Operation, 0, d.pendingCount)
	for _, ops := range d.pending {
		for _, op := range ops {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func (d *Document) MissingDependencies() []OperationID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]OperationID, 0, len(d.pending))
	for k := range d.pending {
		out = append(out, OperationID{ReplicaID: k.replica, Clock: k.clock})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

type savedState struct {
	ReplicaID  string      `json:"replicaId"`
	Clock      uint64      `json:"clock"`
	Operations []Operation `json:"operations"`
	Pending    []Operation `json:"pending,omitempty"`
}

// Save 序列化完整的因果历史（已应用 + 暂存），任何副本都能据此重建
func (d *Document) Save() ([]byte, error) {
	pending := d.Pending()
	d.mu.RLock()
	state := savedState{
		ReplicaID:  d.replica,
		Clock:      d.clock,
		Operations: append([]Operation(nil), d.history...),
		Pending:    pending,
	}
	d.mu.RUnlock()
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

// Load 从 Save 的结果重建文档；replicaID 为空时沿用快照里的副本 ID
func Load(data []byte, replicaID string) (*Document, error) {
	var state savedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if replicaID == "" {
		replicaID = state.ReplicaID
	}
	d := New(replicaID)
	if n := len(state.Pending); n > d.maxPending {
		d.maxPending = n
	}
	for _, op := range state.Operations {
		if err := d.apply(op, state.ReplicaID); err != nil {
			return nil, fmt.Errorf("%w: replay %s: %v", ErrSerialization, op.ID, err)
		}
	}
	for _, op := range state.Pending {
		if err := d.apply(op, state.ReplicaID); err != nil {
			return nil, fmt.Errorf("%w: replay pending %s: %v", ErrSerialization, op.ID, err)
		}
	}
	if replicaID == state.ReplicaID && state.Clock > d.clock {
		d.clock = state.Clock
	}
	return d, nil
}
