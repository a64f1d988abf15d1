package annotations

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/officepro/historydb/internal/anchoring"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/operations"
)

// Thread is a root comment with its replies in the order they were made.
type Thread struct {
	Root    *history.Annotation   `json:"root"`
	Replies []*history.Annotation `json:"replies"`
	Status  history.Status        `json:"status"`
}

func (e *Engine) AddComment(ctx context.Context, rng anchoring.Range, text string, author operations.AuthorID) (*history.Annotation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyBody
	}
	if err := e.validRange(rng); err != nil {
		return nil, err
	}
	quote, err := e.content.Read(rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAnchor, err)
	}

	e.mutex.Lock()
	a := e.newRecord(history.KindComment, rng, author, text, quote)
	a.Status = history.StatusOpen
	if err := e.resolver.Track(a.ID, rng, quote, false); err != nil {
		e.mutex.Unlock()
		return nil, err
	}
	e.insert(a)
	saved := a.Clone()
	e.mutex.Unlock()

	return saved, e.persist(ctx, saved)
}

// Reply appends to the thread containing commentID. A resolved thread is
// locked and behaves as if it did not exist until it is reopened.
func (e *Engine) Reply(ctx context.Context, commentID, text string, author operations.AuthorID) (*history.Annotation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyBody
	}

	e.mutex.Lock()
	root, err := e.threadRoot(commentID)
	if err != nil {
		e.mutex.Unlock()
		return nil, err
	}
	if root.Resolved {
		e.mutex.Unlock()
		return nil, fmt.Errorf("%w: thread %s is resolved", ErrNotFound, root.ID)
	}

	a := e.newRecord(history.KindComment, root.Anchor, author, text, root.Quote)
	a.ParentID = root.ID
	a.Status = root.Status
	e.insert(a)
	saved := a.Clone()
	e.mutex.Unlock()

	return saved, e.persist(ctx, saved)
}

func (e *Engine) Resolve(ctx context.Context, commentID string) error {
	return e.setResolved(ctx, commentID, true)
}

func (e *Engine) Reopen(ctx context.Context, commentID string) error {
	return e.setResolved(ctx, commentID, false)
}

func (e *Engine) setResolved(ctx context.Context, commentID string, resolved bool) error {
	e.mutex.Lock()
	root, err := e.threadRoot(commentID)
	if err != nil {
		e.mutex.Unlock()
		return err
	}
	if root.Resolved == resolved {
		e.mutex.Unlock()
		return nil
	}

	root.Resolved = resolved
	root.Status = deriveStatus(root, root.Status == history.StatusOrphaned)
	root.UpdatedAt = time.Now()
	e.dirty[root.ID] = true
	records := append([]*history.Annotation{root}, e.syncReplies(root)...)
	saved := clones(records)
	e.mutex.Unlock()

	return e.persist(ctx, saved...)
}

// Reassign attaches a comment thread or pending change to rng, clearing
// an orphaned state.
func (e *Engine) Reassign(ctx context.Context, id string, rng anchoring.Range) (*history.Annotation, error) {
	if err := e.validRange(rng); err != nil {
		return nil, err
	}
	quote, err := e.content.Read(rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAnchor, err)
	}

	e.mutex.Lock()
	a, ok := e.records[id]
	if ok && a.ParentID != "" {
		a, ok = e.records[a.ParentID]
	}
	if !ok {
		e.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.IsClosed() {
		e.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, a.ID)
	}
	if _, err := e.resolver.Reassign(a.ID, rng, quote); err != nil {
		e.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}

	a.Anchor = rng
	a.Quote = quote
	a.Status = deriveStatus(a, false)
	a.UpdatedAt = time.Now()
	e.dirty[a.ID] = true
	records := append([]*history.Annotation{a}, e.syncReplies(a)...)
	saved := clones(records)
	e.mutex.Unlock()

	return saved[0], e.persist(ctx, saved...)
}

// Thread returns the thread containing commentID, which may be the root
// or any reply.
func (e *Engine) Thread(commentID string) (*Thread, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	root, err := e.threadRoot(commentID)
	if err != nil {
		return nil, err
	}
	return e.thread(root), nil
}

// Comments lists threads in creation order. Resolved threads are left
// out unless includeResolved is set.
func (e *Engine) Comments(includeResolved bool) []*Thread {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	threads := []*Thread{}
	for _, id := range e.order {
		a := e.records[id]
		if a.Kind != history.KindComment || a.ParentID != "" {
			continue
		}
		if a.Resolved && !includeResolved {
			continue
		}
		threads = append(threads, e.thread(a))
	}
	return threads
}

func (e *Engine) thread(root *history.Annotation) *Thread {
	// caller holds the lock
	t := &Thread{
		Root:    root.Clone(),
		Replies: []*history.Annotation{},
		Status:  root.Status,
	}
	for _, id := range e.replies[root.ID] {
		t.Replies = append(t.Replies, e.records[id].Clone())
	}
	return t
}

func (e *Engine) threadRoot(id string) (*history.Annotation, error) {
	// caller holds the lock
	a, ok := e.records[id]
	if ok && a.ParentID != "" {
		a, ok = e.records[a.ParentID]
	}
	if !ok || a.Kind != history.KindComment {
		return nil, fmt.Errorf("%w: comment %s", ErrNotFound, id)
	}
	return a, nil
}
