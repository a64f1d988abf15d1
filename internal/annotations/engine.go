package annotations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/officepro/historydb/internal/anchoring"
	"github.com/officepro/historydb/internal/content"
	"github.com/officepro/historydb/internal/delta"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/logging"
	"github.com/officepro/historydb/internal/operations"
	"github.com/officepro/historydb/internal/storage"
)

// Content is the view of the live document the engine reads anchored
// text from and applies tracked-change edits through.
type Content interface {
	Read(start, end int) (string, error)
	Len() int
	ApplyEdit(position, removedLength int, inserted string) (operations.EditDescriptor, error)
}

// Engine owns the comments and tracked changes of one document and keeps
// their anchors valid as the content changes. Root comments and pending
// changes are tracked by the resolver; replies follow their root.
type Engine struct {
	documentID string
	content    Content
	gateway    storage.Gateway
	differ     delta.Differ
	resolver   *anchoring.Resolver

	records  map[string]*history.Annotation
	order    []string
	replies  map[string][]string
	dirty    map[string]bool
	watchers []func(*history.Annotation)

	logger *logging.Logger
	mutex  sync.RWMutex
}

// NewEngine builds an engine over doc. differ maps anchors across a
// restore and defaults to a character diff.
func NewEngine(documentID string, doc Content, gateway storage.Gateway, differ delta.Differ) *Engine {
	if differ == nil {
		differ = delta.NewCharDiffer()
	}
	return &Engine{
		documentID: documentID,
		content:    doc,
		gateway:    gateway,
		differ:     differ,
		resolver:   anchoring.NewResolver(),
		records:    make(map[string]*history.Annotation),
		replies:    make(map[string][]string),
		dirty:      make(map[string]bool),
		logger:     logging.NewLogger("annotations"),
	}
}

// Watch registers fn to receive annotations whose status changed because
// their anchor was orphaned or re-attached by an edit or restore.
func (e *Engine) Watch(fn func(*history.Annotation)) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.watchers = append(e.watchers, fn)
}

// Load adopts stored records. Anchors that no longer fit the content are
// orphaned at the end of the text.
func (e *Engine) Load(records []*history.Annotation) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	length := e.content.Len()
	for _, stored := range records {
		a := stored.Clone()
		if _, exists := e.records[a.ID]; !exists {
			e.order = append(e.order, a.ID)
		}
		e.records[a.ID] = a
		if a.ParentID != "" {
			e.replies[a.ParentID] = append(e.replies[a.ParentID], a.ID)
			continue
		}
		if a.IsClosed() {
			continue
		}

		orphaned := a.Status == history.StatusOrphaned
		if !a.Anchor.Within(length) {
			pos := min(a.Anchor.Start, length)
			a.Anchor = anchoring.Range{Start: pos, End: pos}
			orphaned = true
			a.Status = history.StatusOrphaned
			e.dirty[a.ID] = true
		}
		if err := e.resolver.Track(a.ID, a.Anchor, a.Quote, orphaned); err != nil {
			return fmt.Errorf("failed to track annotation %s: %w", a.ID, err)
		}
	}

	for parent := range e.replies {
		if root, ok := e.records[parent]; ok {
			e.syncReplies(root)
		}
	}
	return nil
}

// OnEdit adjusts every live anchor for an applied edit.
func (e *Engine) OnEdit(op *operations.Operation) {
	moved := e.resolver.Apply(op)
	if len(moved) == 0 {
		return
	}
	e.absorb(moved)
}

// OnReplace re-resolves every anchor after a whole-content replacement.
func (e *Engine) OnReplace(previous, current string) {
	moved := e.resolver.Reresolve(current, e.differ.Diff(previous, current))
	if len(moved) == 0 {
		return
	}
	e.absorb(moved)
}

func (e *Engine) absorb(moved []anchoring.Movement) {
	var changed []*history.Annotation

	e.mutex.Lock()
	now := time.Now()
	for _, m := range moved {
		a, ok := e.records[m.ID]
		if !ok {
			continue
		}
		before := a.Status
		a.Anchor = m.To
		if !m.Orphaned {
			if quote, err := e.content.Read(m.To.Start, m.To.End); err == nil {
				a.Quote = quote
				e.resolver.SetQuote(a.ID, quote)
			}
		}
		a.Status = deriveStatus(a, m.Orphaned)
		e.dirty[a.ID] = true

		if a.Status != before {
			a.UpdatedAt = now
			if a.Status == history.StatusOrphaned {
				e.logger.LogOrphaned(e.documentID, a.ID, m.To.Start)
			}
			changed = append(changed, a.Clone())
		}
		e.syncReplies(a)
	}
	watchers := append([]func(*history.Annotation){}, e.watchers...)
	e.mutex.Unlock()

	for _, a := range changed {
		for _, fn := range watchers {
			fn(a)
		}
	}
}

// PendingRecords returns the records changed since they were last
// persisted.
func (e *Engine) PendingRecords() []*history.Annotation {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	var out []*history.Annotation
	for _, id := range e.order {
		if e.dirty[id] {
			out = append(out, e.records[id].Clone())
		}
	}
	return out
}

// Committed clears the dirty mark of records that have not changed again
// since they were handed out.
func (e *Engine) Committed(records []*history.Annotation) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, r := range records {
		e.markCommitted(r)
	}
}

func (e *Engine) markCommitted(r *history.Annotation) {
	// caller holds the lock
	if current, ok := e.records[r.ID]; ok && *current == *r {
		delete(e.dirty, r.ID)
	}
}

func (e *Engine) Get(id string) (*history.Annotation, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	a, ok := e.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// All returns every record in creation order, closed changes included.
func (e *Engine) All() []*history.Annotation {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	out := make([]*history.Annotation, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.records[id].Clone())
	}
	return out
}

// Anchor returns the live anchor of an annotation, including its
// movement history. Replies report their root's anchor.
func (e *Engine) Anchor(id string) (anchoring.Anchor, error) {
	e.mutex.RLock()
	a, ok := e.records[id]
	if ok && a.ParentID != "" {
		id = a.ParentID
	}
	e.mutex.RUnlock()
	if !ok {
		return anchoring.Anchor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	anchor, err := e.resolver.Get(id)
	if err != nil {
		return anchoring.Anchor{}, fmt.Errorf("%w: %s has no live anchor", ErrNotFound, id)
	}
	return anchor, nil
}

func (e *Engine) Len() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return len(e.records)
}

func (e *Engine) newRecord(kind history.Kind, rng anchoring.Range, author operations.AuthorID, body, quote string) *history.Annotation {
	now := time.Now()
	return &history.Annotation{
		ID:         uuid.NewString(),
		DocumentID: e.documentID,
		Kind:       kind,
		Anchor:     rng,
		Author:     author,
		CreatedAt:  now,
		UpdatedAt:  now,
		Body:       body,
		Quote:      quote,
	}
}

func (e *Engine) insert(a *history.Annotation) {
	// caller holds the lock
	e.records[a.ID] = a
	e.order = append(e.order, a.ID)
	e.dirty[a.ID] = true
	if a.ParentID != "" {
		e.replies[a.ParentID] = append(e.replies[a.ParentID], a.ID)
	}
}

// syncReplies copies the root's anchor and thread state onto its replies.
func (e *Engine) syncReplies(root *history.Annotation) []*history.Annotation {
	// caller holds the lock
	var synced []*history.Annotation
	for _, id := range e.replies[root.ID] {
		r := e.records[id]
		if r.Anchor == root.Anchor && r.Status == root.Status && r.Resolved == root.Resolved && r.Quote == root.Quote {
			continue
		}
		r.Anchor = root.Anchor
		r.Status = root.Status
		r.Resolved = root.Resolved
		r.Quote = root.Quote
		e.dirty[id] = true
		synced = append(synced, r)
	}
	return synced
}

// persist writes records one at a time. The in-memory state is already
// updated; on failure the records stay dirty and ride along with the next
// version.
func (e *Engine) persist(ctx context.Context, records ...*history.Annotation) error {
	for _, r := range records {
		if err := e.gateway.AppendAnnotation(ctx, r); err != nil {
			e.logger.LogPersistFailure(e.documentID, "annotation "+r.ID, err)
			return fmt.Errorf("failed to persist annotation %s: %w", r.ID, err)
		}
		e.mutex.Lock()
		e.markCommitted(r)
		e.mutex.Unlock()
	}
	return nil
}

func (e *Engine) validRange(rng anchoring.Range) error {
	if err := rng.Validate(e.content.Len()); err != nil {
		return fmt.Errorf("%w: %w: %v", ErrInvalidAnchor, content.ErrOutOfRange, err)
	}
	return nil
}

func deriveStatus(a *history.Annotation, orphaned bool) history.Status {
	if a.IsClosed() {
		return a.Status
	}
	if orphaned {
		return history.StatusOrphaned
	}
	if a.Kind.IsTrackedChange() {
		return history.StatusPending
	}
	if a.Resolved {
		return history.StatusResolved
	}
	return history.StatusOpen
}

func clones(records []*history.Annotation) []*history.Annotation {
	out := make([]*history.Annotation, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
