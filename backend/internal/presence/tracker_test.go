package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateOverwrites(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.UpdatePresence("u1", &Position{Line: 0, Column: 1}, nil, true, 1))
	sel := &Selection{Start: Position{0, 0}, End: Position{0, 4}}
	require.NoError(t, tr.UpdatePresence("u1", &Position{Line: 2, Column: 3}, sel, false, 0))

	all := tr.GetPresences()
	require.Len(t, all, 1)
	p := all[0]
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, Position{Line: 2, Column: 3}, *p.Cursor)
	assert.Equal(t, *sel, *p.Selection)
	assert.False(t, p.IsTyping)
	assert.Equal(t, uint8(0), p.QoSTier)

	// 不带 cursor 的更新整体覆盖，cursor 被清空
	require.NoError(t, tr.UpdatePresence("u1", nil, nil, true, 2))
	p, ok := tr.GetPresence("u1")
	require.True(t, ok)
	assert.Nil(t, p.Cursor)
	assert.Nil(t, p.Selection)
}

func TestUpdateRejectsInvalid(t *testing.T) {
	tr := NewTracker()
	assert.True(t, errors.Is(tr.UpdatePresence("", nil, nil, false, 0), ErrInvalidPresence))
	assert.True(t, errors.Is(tr.UpdatePresence("u1", nil, nil, false, 3), ErrInvalidPresence))
	assert.Equal(t, 0, tr.Len())
}

func TestRemoveAndQoS(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.UpdatePresence("u1", nil, nil, false, 2))
	tier, ok := tr.QoSTier("u1")
	assert.True(t, ok)
	assert.Equal(t, uint8(2), tier)

	assert.True(t, tr.RemovePresence("u1"))
	assert.False(t, tr.RemovePresence("u1"))
	_, ok = tr.QoSTier("u1")
	assert.False(t, ok)
}

func TestByQoSOrder(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.UpdatePresence("low", nil, nil, false, 2))
	require.NoError(t, tr.UpdatePresence("high", nil, nil, false, 0))
	require.NoError(t, tr.UpdatePresence("mid", nil, nil, false, 1))

	var ids []string
	for _, p := range tr.ByQoS() {
		ids = append(ids, p.UserID)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, ids)
}

func TestPrune(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.UpdatePresence("stale", nil, nil, false, 1))

	tr.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, tr.UpdatePresence("fresh", nil, nil, false, 1))

	removed := tr.Prune(30 * time.Second)
	assert.Equal(t, []string{"stale"}, removed)
	_, ok := tr.GetPresence("fresh")
	assert.True(t, ok)
}
