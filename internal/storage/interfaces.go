package storage

import (
	"context"
	"time"

	"github.com/officepro/historydb/internal/history"
)

// Gateway persists versions and annotations per document. Appends are
// atomic; reads return ErrStoreUnavailable when the backing store cannot
// be reached.
type Gateway interface {
	// AppendVersion stores v together with the given annotation states in
	// one transaction. v.Sequence must be exactly one past the stored
	// maximum for the document.
	AppendVersion(ctx context.Context, v *history.Version, annotations []*history.Annotation) error
	AppendAnnotation(ctx context.Context, a *history.Annotation) error
	// LoadHistory returns an empty history for unknown documents.
	LoadHistory(ctx context.Context, documentID string) (*history.History, error)
	ListDocuments(ctx context.Context) ([]DocumentInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

type DocumentInfo struct {
	ID             string    `json:"id"`
	CurrentVersion uint64    `json:"current_version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
