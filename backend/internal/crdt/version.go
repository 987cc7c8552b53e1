package crdt

// Head 某个副本已应用到本地的操作：最大时钟和条数
type Head struct {
	Clock uint64 `json:"clock"`
	Count int    `json:"count"`
}

// VersionVector 副本 ID -> Head，重连时互相交换用来算缺了哪些操作
type VersionVector map[string]Head

// Behind 对方是否有本地还没见过的操作
func (vv VersionVector) Behind(other VersionVector) bool {
	for replica, theirs := range other {
		mine := vv[replica]
		if theirs.Clock > mine.Clock || theirs.Count > mine.Count {
			return true
		}
	}
	return false
}

// Heads 已应用操作的版本向量（不含 pending）
func (d *Document) Heads() VersionVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vv := make(VersionVector)
	for _, op := range d.history {
		h := vv[op.ID.ReplicaID]
		h.Count++
		if op.ID.Clock > h.Clock {
			h.Clock = op.ID.Clock
		}
		vv[op.ID.ReplicaID] = h
	}
	return vv
}

// ChangesSince 返回对方（heads）缺的已应用操作，按本地应用顺序排列，
// 对方依次应用不会触发缓冲。
//
// 同一个副本的时钟不连续，只比最大时钟会漏掉对方中间缺的操作；
// 所以再比一下 Clock 以下的条数，对不上就把这个副本的操作全部发过去（应用是幂等的）。
func (d *Document) ChangesSince(heads VersionVector) []Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	below := make(map[string]int, len(heads))
	for _, op := range d.history {
		if h, ok := heads[op.ID.ReplicaID]; ok && op.ID.Clock <= h.Clock {
			below[op.ID.ReplicaID]++
		}
	}
	gap := make(map[string]bool)
	for replica, h := range heads {
		if below[replica] > h.Count {
			gap[replica] = true
		}
	}

	var out []Operation
	for _, op := range d.history {
		h, ok := heads[op.ID.ReplicaID]
		if !ok || op.ID.Clock > h.Clock || gap[op.ID.ReplicaID] {
			out = append(out, op.Clone())
		}
	}
	return out
}

// Known 已应用或者正在 pending 里等依赖
func (d *Document) Known(id OperationID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.applied[id.dot()]; ok {
		return true
	}
	_, ok := d.pendingIDs[id.dot()]
	return ok
}

// Locate 已应用的操作在当前正文里的起始下标（rune）。
// 按元素身份算，不用操作里携带的位置提示；远端操作的提示是发送方视角的。
func (d *Document) Locate(op Operation) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureOrder()

	if op.Kind != KindDelete && op.Value != "" {
		at, ok := d.rank[op.ID.dot()]
		return at, ok
	}
	best, found := 0, false
	for _, t := range op.Targets {
		if r, ok := d.rank[t.dot()]; ok && (!found || r < best) {
			best, found = r, true
		}
	}
	return best, found
}
