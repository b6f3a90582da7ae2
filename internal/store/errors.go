package store

import "errors"

var (
	ErrNotFound        = errors.New("engram not found")
	ErrEmptyText       = errors.New("engram text must not be empty")
	ErrEmptyCategory   = errors.New("category is empty after normalization")
	ErrInvalidMerge    = errors.New("invalid merge group")
	ErrSessionRequired = errors.New("session id is required")
)
