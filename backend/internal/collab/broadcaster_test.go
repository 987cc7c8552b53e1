package collab

import (
	"errors"
	"fmt"
	"testing"

	"collabEngine/backend/internal/crdt"

	"github.com/stretchr/testify/assert"
)

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := newBroadcaster(1)
	slow := b.subscribe()
	fast := b.subscribe()
	assert.Equal(t, 2, b.count())

	op1 := crdt.NewInsert(0, "a", "u1")
	op2 := crdt.NewInsert(1, "b", "u1")
	b.publish(op1)
	assert.Equal(t, "a", (<-fast.C).Value)
	b.publish(op2)
	assert.Equal(t, "b", (<-fast.C).Value)

	// slow 只收到第一条，第二条被丢弃
	assert.Equal(t, "a", (<-slow.C).Value)
	assert.Len(t, slow.C, 0)
	assert.Equal(t, uint64(1), b.dropped)
}

func TestBroadcasterClose(t *testing.T) {
	b := newBroadcaster(0)
	sub := b.subscribe()
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.count())

	b.close()
	late := b.subscribe()
	_, ok := <-late.C
	assert.False(t, ok)
	late.Close()
}

func TestPositionAt(t *testing.T) {
	text := "ab\nc\n"
	assert.Equal(t, 0, positionAt(text, 0).Column)
	assert.Equal(t, 2, positionAt(text, 2).Column)
	assert.Equal(t, 1, positionAt(text, 3).Line)
	assert.Equal(t, 0, positionAt(text, 3).Column)
	end := positionAt(text, 100)
	assert.Equal(t, 2, end.Line)
	assert.Equal(t, 0, end.Column)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "DOCUMENT_NOT_FOUND", ErrorCode(fmt.Errorf("%w: d1", ErrDocumentNotFound)))
	assert.Equal(t, "INVALID_OPERATION", ErrorCode(fmt.Errorf("wrap: %w", crdt.ErrInvalidOperation)))
	assert.Equal(t, "INTERNAL", ErrorCode(errors.New("boom")))
}
