package transport

import (
	"errors"
	"net/http"

	"github.com/officepro/historydb/internal/annotations"
	"github.com/officepro/historydb/internal/content"
	"github.com/officepro/historydb/internal/storage"
	"github.com/officepro/historydb/internal/versioning"
	"github.com/officepro/historydb/internal/workspace"
)

var (
	ErrClientNotFound   = errors.New("client not found")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrNotSubscribed    = errors.New("document not opened by this client")
)

const (
	CodeOutOfRange       = "out_of_range"
	CodeVersionNotFound  = "version_not_found"
	CodeVersionCorrupted = "version_corrupted"
	CodeStoreUnavailable = "store_unavailable"
	CodeAlreadyResolved  = "already_resolved"
	CodeNotFound         = "not_found"
	CodeInvalidMessage   = "invalid_message"
	CodeDisabled         = "disabled"
	CodeInternal         = "internal"
)

// errorCode maps an error to the stable code clients switch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, content.ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, versioning.ErrVersionNotFound):
		return CodeVersionNotFound
	case errors.Is(err, versioning.ErrVersionCorrupted):
		return CodeVersionCorrupted
	case errors.Is(err, storage.ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, annotations.ErrAlreadyResolved):
		return CodeAlreadyResolved
	case errors.Is(err, annotations.ErrNotFound),
		errors.Is(err, workspace.ErrDocumentNotOpen),
		errors.Is(err, ErrNotSubscribed):
		return CodeNotFound
	case errors.Is(err, workspace.ErrDisabled):
		return CodeDisabled
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, annotations.ErrInvalidAnchor),
		errors.Is(err, annotations.ErrEmptyBody):
		return CodeInvalidMessage
	default:
		return CodeInternal
	}
}

func httpStatus(code string) int {
	switch code {
	case CodeOutOfRange, CodeInvalidMessage:
		return http.StatusBadRequest
	case CodeVersionNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyResolved:
		return http.StatusConflict
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeDisabled:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
