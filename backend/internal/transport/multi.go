package transport

import (
	"context"
	"errors"

	"collabEngine/backend/internal/crdt"
)

// Multi 同时走多种传输；任何一路失败都返回错误（重发是幂等的）
type Multi []Broadcaster

func (m Multi) BroadcastOperation(ctx context.Context, documentID string, op crdt.Operation) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.BroadcastOperation(ctx, documentID, op); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RequestSync 只发给支持补齐的传输
func (m Multi) RequestSync(ctx context.Context, documentID string, heads crdt.VersionVector, reply bool) error {
	var errs []error
	for _, b := range m {
		s, ok := b.(Syncer)
		if !ok {
			continue
		}
		if err := s.RequestSync(ctx, documentID, heads, reply); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
