package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SnapshotStore 保存 CRDT 的完整因果历史（document_states 表由 InitMySQL 建好）
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveState(ctx context.Context, documentID string, clock uint64, state []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_states (document_id, clock, state, created_at)
		VALUES (?, ?, ?, ?)`,
		documentID,
		clock,
		state,
		time.Now(),
	)
	if err != nil {
		// 同一个 clock 已经存过，内容必然相同
		if isDuplicateKey(err) {
			return nil
		}
		return err
	}
	return nil
}

// LoadState 取 clock 最大的一份；没有时 ok=false
func (s *SnapshotStore) LoadState(ctx context.Context, documentID string) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM document_states WHERE document_id = ? ORDER BY clock DESC LIMIT 1`,
		documentID,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return state, true, nil
}
