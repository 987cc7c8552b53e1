package collab

import (
	"errors"

	"collabEngine/backend/internal/conflict"
	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/presence"
)

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrAccessDenied     = errors.New("ACCESS_DENIED")
	ErrSync             = errors.New("SYNC_ERROR")
	ErrVersionConflict  = errors.New("VERSION_CONFLICT")
)

var knownErrors = []error{
	ErrDocumentNotFound,
	ErrAccessDenied,
	ErrSync,
	ErrVersionConflict,
	crdt.ErrSerialization,
	crdt.ErrCausalityViolation,
	crdt.ErrInvalidOperation,
	presence.ErrInvalidPresence,
	conflict.ErrConflictNotFound,
}

// ErrorCode 返回错误链上第一个已知哨兵错误的名字，未知错误返回 "INTERNAL"
func ErrorCode(err error) string {
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "INTERNAL"
}
