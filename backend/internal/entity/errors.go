package entity

import "errors"

var (
	ErrDuplicateVersion = errors.New("DUPLICATE_VERSION")
	ErrDuplicateRecord  = errors.New("DUPLICATE_RECORD")
)
