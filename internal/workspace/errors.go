package workspace

import "errors"

var (
	ErrDocumentNotOpen = errors.New("document not open")
	ErrDocumentOpen    = errors.New("document already open")
	ErrSessionClosed   = errors.New("session closed")
	ErrDisabled        = errors.New("capability disabled")
	ErrInitialVersion  = errors.New("initial version not recorded")
)
