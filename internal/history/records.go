package history

import (
	"time"

	"github.com/officepro/historydb/internal/anchoring"
	"github.com/officepro/historydb/internal/delta"
	"github.com/officepro/historydb/internal/operations"
)

// Version is an immutable recorded state of a document. Payload holds the
// full content for baselines and an encoded delta against the previous
// version otherwise.
type Version struct {
	DocumentID   string              `json:"doc_id"`
	Sequence     uint64              `json:"sequence_number"`
	Author       operations.AuthorID `json:"author"`
	CreatedAt    time.Time           `json:"timestamp"`
	IsBaseline   bool                `json:"is_baseline"`
	Encoding     delta.Encoding      `json:"encoding"`
	Payload      []byte              `json:"payload"`
	ResultLength int                 `json:"result_length"`
	ResultDigest string              `json:"result_digest"`
	Description  string              `json:"description,omitempty"`
}

// Info drops the payload for listings.
func (v *Version) Info() VersionInfo {
	return VersionInfo{
		Sequence:     v.Sequence,
		Author:       v.Author,
		CreatedAt:    v.CreatedAt,
		IsBaseline:   v.IsBaseline,
		Size:         v.ResultLength,
		PayloadBytes: len(v.Payload),
		Description:  v.Description,
	}
}

type VersionInfo struct {
	Sequence     uint64              `json:"sequence_number"`
	Author       operations.AuthorID `json:"author"`
	CreatedAt    time.Time           `json:"timestamp"`
	IsBaseline   bool                `json:"is_baseline"`
	Size         int                 `json:"size"`
	PayloadBytes int                 `json:"payload_bytes"`
	Description  string              `json:"description,omitempty"`
}

type Kind string

const (
	KindComment   Kind = "comment"
	KindInsertion Kind = "insertion"
	KindDeletion  Kind = "deletion"
)

func (k Kind) IsTrackedChange() bool {
	return k == KindInsertion || k == KindDeletion
}

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusOrphaned Status = "orphaned"
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Annotation is a comment or tracked change attached to a range of the
// document. Body is the comment text, or the inserted/removed text of a
// tracked change. Quote is the text the anchor denoted when last resolved.
type Annotation struct {
	ID         string              `json:"id"`
	DocumentID string              `json:"doc_id"`
	Kind       Kind                `json:"kind"`
	Anchor     anchoring.Range     `json:"anchor"`
	Author     operations.AuthorID `json:"author"`
	CreatedAt  time.Time           `json:"timestamp"`
	UpdatedAt  time.Time           `json:"updated_at"`
	Status     Status              `json:"status"`
	Resolved   bool                `json:"resolved"`
	ParentID   string              `json:"thread_parent_id,omitempty"`
	Body       string              `json:"body"`
	Quote      string              `json:"quote"`
}

// IsClosed reports whether a tracked change has been accepted or rejected.
func (a *Annotation) IsClosed() bool {
	return a.Status == StatusAccepted || a.Status == StatusRejected
}

func (a *Annotation) Clone() *Annotation {
	c := *a
	return &c
}

// History is everything stored for one document, versions ordered by
// sequence number.
type History struct {
	DocumentID  string        `json:"doc_id"`
	Versions    []*Version    `json:"versions"`
	Annotations []*Annotation `json:"annotations"`
}

func (h *History) Latest() *Version {
	if len(h.Versions) == 0 {
		return nil
	}
	return h.Versions[len(h.Versions)-1]
}
