package crdt

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	FormatText = "text"
	// SnapshotReplica 持久化内容回放时使用的固定副本 ID。
	// 同一份快照在每个副本上生成相同的元素 ID，保证可以收敛。
	SnapshotReplica = "snapshot"
)

// DocumentContent 对外的文档内容格式，不包含操作历史
type DocumentContent struct {
	Format string          `json:"format"`
	Data   json.RawMessage `json:"data"`
}

type textPayload struct {
	Text string `json:"text"`
}

func NewTextContent(text string) DocumentContent {
	b, _ := json.Marshal(textPayload{Text: text})
	return DocumentContent{Format: FormatText, Data: b}
}

// Text 取出正文。兼容 {"text": "..."} 和直接是 JSON 字符串两种写法；空内容返回 ""
func (c DocumentContent) Text() (string, error) {
	if len(c.Data) == 0 || string(c.Data) == "null" {
		return "", nil
	}
	var p textPayload
	if err := json.Unmarshal(c.Data, &p); err == nil {
		return p.Text, nil
	}
	var s string
	if err := json.Unmarshal(c.Data, &s); err == nil {
		return s, nil
	}
	return "", fmt.Errorf("%w: unsupported content payload for format %q", ErrSerialization, c.Format)
}

// SeedOperations 把已持久化的正文拆成一串合成插入操作（按行），
// 每行挂在上一行最后一个字符之后。
func SeedOperations(text string) []Operation {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	ops := make([]Operation, 0, len(lines))
	var clock uint64 = 1
	var parent *OperationID
	position := 0
	for _, line := range lines {
		if line == "" {
			continue
		}
		op := Operation{
			Kind:     KindInsert,
			ID:       OperationID{ReplicaID: SnapshotReplica, Clock: clock},
			Position: position,
			Value:    line,
			ParentID: parent,
		}
		ops = append(ops, op)
		n := op.runeCount()
		last := op.ID.Offset(n - 1)
		parent = &last
		clock += uint64(n)
		position += n
	}
	return ops
}
