package anchoring

import "errors"

var (
	ErrAnchorNotFound = errors.New("anchor not found")
	ErrAnchorExists   = errors.New("anchor already exists")
	ErrInvalidRange   = errors.New("invalid anchor range")
)
