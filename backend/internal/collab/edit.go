package collab

import (
	"time"
	"unicode/utf8"

	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/presence"
)

// Edit 与传输无关的编辑描述，位置用行/列表示（rune 计数，行从 0 开始）
type Edit struct {
	OperationID crdt.OperationID  `json:"operationId"`
	Kind        crdt.Kind         `json:"kind"`
	Start       presence.Position `json:"start"`
	End         presence.Position `json:"end"`
	Text        string            `json:"text,omitempty"`
	Author      string            `json:"author"`
	At          time.Time         `json:"at"`
}

// EditFromOperation offset 是操作在 text 里的起点；End 是插入内容之后的位置，纯删除时等于 Start
func EditFromOperation(op crdt.Operation, text string, offset int) Edit {
	return Edit{
		OperationID: op.ID,
		Kind:        op.Kind,
		Start:       positionAt(text, offset),
		End:         positionAt(text, cursorAfter(op, offset)),
		Text:        op.Value,
		Author:      op.Author(),
		At:          time.Now(),
	}
}

// positionAt 超出正文长度时停在末尾
func positionAt(text string, offset int) presence.Position {
	var pos presence.Position
	i := 0
	for _, r := range text {
		if i >= offset {
			break
		}
		if r == '\n' {
			pos.Line++
			pos.Column = 0
		} else {
			pos.Column++
		}
		i++
	}
	return pos
}

// cursorAfter 编辑完成后光标所在的偏移
func cursorAfter(op crdt.Operation, offset int) int {
	if op.Kind == crdt.KindDelete {
		return offset
	}
	return offset + utf8.RuneCountInString(op.Value)
}
