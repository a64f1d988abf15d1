package annotations

import (
	"context"
	"fmt"
	"time"

	"github.com/officepro/historydb/internal/anchoring"
	"github.com/officepro/historydb/internal/content"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/operations"
)

// RecordInsertion marks rng, text that was already inserted, as a
// pending tracked insertion.
func (e *Engine) RecordInsertion(ctx context.Context, rng anchoring.Range, author operations.AuthorID) (*history.Annotation, error) {
	if err := e.validRange(rng); err != nil {
		return nil, err
	}
	if rng.IsEmpty() {
		return nil, fmt.Errorf("%w: insertion %s is empty", ErrInvalidAnchor, rng)
	}
	inserted, err := e.content.Read(rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAnchor, err)
	}

	return e.track(ctx, history.KindInsertion, rng, author, inserted, inserted)
}

// RecordDeletion removes the text in rng through the content store and
// records a zero-width anchor at rng.Start that remembers it.
func (e *Engine) RecordDeletion(ctx context.Context, rng anchoring.Range, author operations.AuthorID) (*history.Annotation, error) {
	if err := e.validRange(rng); err != nil {
		return nil, err
	}
	if rng.IsEmpty() {
		return nil, fmt.Errorf("%w: deletion %s is empty", ErrInvalidAnchor, rng)
	}
	removed, err := e.content.Read(rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAnchor, err)
	}
	if _, err := e.content.ApplyEdit(rng.Start, rng.Len(), ""); err != nil {
		return nil, err
	}

	point := anchoring.Range{Start: rng.Start, End: rng.Start}
	return e.track(ctx, history.KindDeletion, point, author, removed, "")
}

func (e *Engine) track(ctx context.Context, kind history.Kind, rng anchoring.Range, author operations.AuthorID, body, quote string) (*history.Annotation, error) {
	e.mutex.Lock()
	a := e.newRecord(kind, rng, author, body, quote)
	a.Status = history.StatusPending
	if err := e.resolver.Track(a.ID, rng, quote, false); err != nil {
		e.mutex.Unlock()
		return nil, err
	}
	e.insert(a)
	saved := a.Clone()
	e.mutex.Unlock()

	return saved, e.persist(ctx, saved)
}

// Accept keeps the change in the content and closes the record.
func (e *Engine) Accept(ctx context.Context, id string) error {
	e.mutex.Lock()
	a, err := e.openChange(id)
	if err != nil {
		e.mutex.Unlock()
		return err
	}
	e.resolver.Forget(id)
	e.close(a, history.StatusAccepted)
	saved := a.Clone()
	e.mutex.Unlock()

	return e.persist(ctx, saved)
}

// Reject undoes the change through the content store and closes the
// record. An insertion whose text has already been deleted has nothing
// left to undo.
func (e *Engine) Reject(ctx context.Context, id string) error {
	e.mutex.Lock()
	a, err := e.openChange(id)
	if err != nil {
		e.mutex.Unlock()
		return err
	}
	anchor, err := e.resolver.Get(id)
	if err != nil {
		e.mutex.Unlock()
		return fmt.Errorf("%w: %s has no live anchor", ErrNotFound, id)
	}
	if err := anchor.Range.Validate(e.content.Len()); err != nil {
		e.mutex.Unlock()
		return fmt.Errorf("%w: %w: %v", ErrInvalidAnchor, content.ErrOutOfRange, err)
	}
	e.resolver.Forget(id)
	previous := *a
	kind, body := a.Kind, a.Body
	e.close(a, history.StatusRejected)
	e.mutex.Unlock()

	var editErr error
	switch kind {
	case history.KindInsertion:
		if !anchor.Orphaned && !anchor.Range.IsEmpty() {
			_, editErr = e.content.ApplyEdit(anchor.Range.Start, anchor.Range.Len(), "")
		}
	case history.KindDeletion:
		_, editErr = e.content.ApplyEdit(anchor.Range.Start, 0, body)
	}

	if editErr != nil {
		e.mutex.Lock()
		*a = previous
		_ = e.resolver.Track(id, anchor.Range, anchor.Quote, anchor.Orphaned)
		e.mutex.Unlock()
		return fmt.Errorf("failed to reject change %s: %w", id, editErr)
	}

	e.mutex.RLock()
	saved := a.Clone()
	e.mutex.RUnlock()
	return e.persist(ctx, saved)
}

// Changes lists pending and orphaned tracked changes in creation order.
func (e *Engine) Changes() []*history.Annotation {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	changes := []*history.Annotation{}
	for _, id := range e.order {
		a := e.records[id]
		if a.Kind.IsTrackedChange() && !a.IsClosed() {
			changes = append(changes, a.Clone())
		}
	}
	return changes
}

func (e *Engine) openChange(id string) (*history.Annotation, error) {
	// caller holds the lock
	a, ok := e.records[id]
	if !ok || !a.Kind.IsTrackedChange() {
		return nil, fmt.Errorf("%w: tracked change %s", ErrNotFound, id)
	}
	if a.IsClosed() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, a.Status)
	}
	return a, nil
}

func (e *Engine) close(a *history.Annotation, status history.Status) {
	// caller holds the lock
	a.Status = status
	a.Resolved = true
	a.UpdatedAt = time.Now()
	e.dirty[a.ID] = true
}
