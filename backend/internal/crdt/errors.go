package crdt

import "errors"

var (
	ErrSerialization      = errors.New("SERIALIZATION_ERROR")
	ErrCausalityViolation = errors.New("CAUSALITY_VIOLATION")
	ErrInvalidOperation   = errors.New("INVALID_OPERATION")
)
