package annotations

import "errors"

var (
	ErrNotFound        = errors.New("annotation not found")
	ErrAlreadyResolved = errors.New("tracked change already resolved")
	ErrInvalidAnchor   = errors.New("invalid anchor")
	ErrEmptyBody       = errors.New("comment text is empty")
)
