package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/officepro/historydb/internal/anchoring"
	"github.com/officepro/historydb/internal/annotations"
	"github.com/officepro/historydb/internal/content"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/logging"
	"github.com/officepro/historydb/internal/operations"
	"github.com/officepro/historydb/internal/versioning"
)

const (
	autoSaveAuthor      operations.AuthorID = "autosave"
	autoSaveDescription                     = "Auto-saved"
	autoSaveTimeout                         = 30 * time.Second
	errorBuffer                             = 16
)

// Session is one open document. Every mutation of the content, its
// versions or its annotations runs under the session mutex, so a save
// never interleaves with an edit.
type Session struct {
	workspace *Workspace
	doc       *content.Document
	versions  *versioning.Engine
	notes     *annotations.Engine

	errs   chan error
	stop   chan struct{}
	done   chan struct{}
	closed bool

	logger *logging.Logger
	mutex  sync.Mutex
}

func newSession(w *Workspace, doc *content.Document, versions *versioning.Engine, notes *annotations.Engine) *Session {
	return &Session{
		workspace: w,
		doc:       doc,
		versions:  versions,
		notes:     notes,
		errs:      make(chan error, errorBuffer),
		logger:    logging.NewLogger("session"),
	}
}

// attach wires the engines to the content. Versions observe first so an
// edit is journaled before anchors move.
func (s *Session) attach() {
	s.doc.Observe(s.versions)
	s.doc.Observe(s.notes)
	s.notes.Watch(func(a *history.Annotation) {
		eventType := EventAnnotationReattached
		if a.Status == history.StatusOrphaned {
			eventType = EventAnnotationOrphaned
		}
		s.workspace.events.Publish(&Event{
			Type:       eventType,
			DocumentID: s.doc.ID,
			Author:     a.Author,
			Annotation: a,
		})
	})
}

func (s *Session) ID() string {
	return s.doc.ID
}

// Text returns the full content for the format adapter to re-encode.
func (s *Session) Text() string {
	return s.doc.Text()
}

func (s *Session) Read(start, end int) (string, error) {
	return s.doc.Read(start, end)
}

func (s *Session) Len() int {
	return s.doc.Len()
}

// Offline reports whether the history could not be loaded; such a
// session edits in memory and refuses to record versions.
func (s *Session) Offline() bool {
	return s.versions.Offline()
}

// Errors delivers failures of background work such as auto-save. The
// channel is buffered; errors are dropped when nobody drains it.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Annotations returns every comment and tracked change of the document.
func (s *Session) Annotations() []*history.Annotation {
	return s.notes.All()
}

func (s *Session) ApplyEdit(author operations.AuthorID, position, removedLength int, inserted string) (*operations.Operation, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.doc.ApplyEditBy(author, position, removedLength, inserted)
}

// ReplaceAll swaps the whole content, for example after the adapter
// reloads the file. Anchors are re-resolved against the new text.
func (s *Session) ReplaceAll(text string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.doc.ReplaceAll(text)
	return nil
}

func (s *Session) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Warn("Session error channel full, dropping error", map[string]interface{}{
			"doc_id": s.doc.ID,
			"error":  err.Error(),
		})
	}
}

func (s *Session) startAutoSave(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.autoSave()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Session) autoSave() {
	ctx, cancel := context.WithTimeout(context.Background(), autoSaveTimeout)
	defer cancel()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || !s.versions.Dirty() || s.versions.Offline() {
		return
	}
	s.saveLocked(ctx, "", autoSaveDescription)
}

// saveLocked records a version of the current content. Caller holds the
// session mutex.
func (s *Session) saveLocked(ctx context.Context, author operations.AuthorID, description string) (uint64, error) {
	if author == "" {
		author = s.versions.LastEditor()
	}
	if author == "" {
		author = autoSaveAuthor
	}

	seq, err := s.versions.Snapshot(ctx, s.doc.Text(), author, description)
	if err != nil {
		if description == autoSaveDescription {
			err = fmt.Errorf("auto-save of %s failed: %w", s.doc.ID, err)
			s.report(err)
			s.workspace.events.Publish(&Event{
				Type:       EventAutoSaveFailed,
				DocumentID: s.doc.ID,
				Error:      err.Error(),
			})
		}
		return 0, err
	}

	s.workspace.events.Publish(&Event{
		Type:       EventVersionSaved,
		DocumentID: s.doc.ID,
		Sequence:   seq,
		Author:     author,
	})
	return seq, nil
}

func (s *Session) close(ctx context.Context, flush bool) error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if flush && s.versions.Dirty() && !s.versions.Offline() {
		if _, err := s.saveLocked(ctx, "", autoSaveDescription); err != nil {
			return err
		}
	}
	return nil
}

// VersionOps is the version history of a session.
type VersionOps struct {
	s *Session
}

func (s *Session) Versions() (*VersionOps, bool) {
	if !s.workspace.capabilities.VersionHistory {
		return nil, false
	}
	return &VersionOps{s: s}, true
}

// Save records the current content as a new version.
func (v *VersionOps) Save(ctx context.Context, author operations.AuthorID, description string) (uint64, error) {
	v.s.mutex.Lock()
	defer v.s.mutex.Unlock()

	if v.s.closed {
		return 0, ErrSessionClosed
	}
	return v.s.saveLocked(ctx, author, description)
}

// Restore makes version seq the current content and records that as a
// new version. Later versions are kept.
func (v *VersionOps) Restore(ctx context.Context, seq uint64, author operations.AuthorID) (uint64, error) {
	v.s.mutex.Lock()
	defer v.s.mutex.Unlock()

	if v.s.closed {
		return 0, ErrSessionClosed
	}
	recorded, err := v.s.versions.Restore(ctx, v.s.doc, seq, author)
	if err != nil {
		return 0, err
	}

	v.s.workspace.events.Publish(&Event{
		Type:       EventVersionRestored,
		DocumentID: v.s.doc.ID,
		Sequence:   recorded,
		Author:     author,
	})
	return recorded, nil
}

func (v *VersionOps) Materialize(ctx context.Context, seq uint64) (string, error) {
	return v.s.versions.Materialize(ctx, seq)
}

func (v *VersionOps) History() []history.VersionInfo {
	return v.s.versions.History()
}

func (v *VersionOps) Latest() (history.VersionInfo, bool) {
	return v.s.versions.Latest()
}

func (v *VersionOps) Compare(ctx context.Context, from, to uint64) (*versioning.Comparison, error) {
	return v.s.versions.Compare(ctx, from, to)
}

func (v *VersionOps) AuthorActivity(ctx context.Context, author operations.AuthorID, since time.Time) (*versioning.Activity, error) {
	return v.s.versions.AuthorActivity(ctx, author, since)
}

// Dirty reports edits made since the last recorded version.
func (v *VersionOps) Dirty() bool {
	return v.s.versions.Dirty()
}

// CommentOps is the comment threads of a session.
type CommentOps struct {
	s *Session
}

func (s *Session) Comments() (*CommentOps, bool) {
	if !s.workspace.capabilities.Comments {
		return nil, false
	}
	return &CommentOps{s: s}, true
}

func (c *CommentOps) Add(ctx context.Context, rng anchoring.Range, text string, author operations.AuthorID) (*history.Annotation, error) {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.AddComment(ctx, rng, text, author)
}

func (c *CommentOps) Reply(ctx context.Context, commentID, text string, author operations.AuthorID) (*history.Annotation, error) {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.Reply(ctx, commentID, text, author)
}

func (c *CommentOps) Resolve(ctx context.Context, commentID string) error {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.Resolve(ctx, commentID)
}

func (c *CommentOps) Reopen(ctx context.Context, commentID string) error {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.Reopen(ctx, commentID)
}

// Reassign moves a comment, typically an orphaned one, to a new range.
func (c *CommentOps) Reassign(ctx context.Context, commentID string, rng anchoring.Range) (*history.Annotation, error) {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.Reassign(ctx, commentID, rng)
}

func (c *CommentOps) Thread(commentID string) (*annotations.Thread, error) {
	return c.s.notes.Thread(commentID)
}

func (c *CommentOps) List(includeResolved bool) []*annotations.Thread {
	return c.s.notes.Comments(includeResolved)
}

// ChangeOps is the tracked changes of a session.
type ChangeOps struct {
	s *Session
}

func (s *Session) Changes() (*ChangeOps, bool) {
	if !s.workspace.capabilities.TrackChanges {
		return nil, false
	}
	return &ChangeOps{s: s}, true
}

func (c *ChangeOps) RecordInsertion(ctx context.Context, rng anchoring.Range, author operations.AuthorID) (*history.Annotation, error) {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.RecordInsertion(ctx, rng, author)
}

// RecordDeletion removes the text in rng and keeps it as a pending
// deletion that Reject can put back.
func (c *ChangeOps) RecordDeletion(ctx context.Context, rng anchoring.Range, author operations.AuthorID) (*history.Annotation, error) {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.RecordDeletion(ctx, rng, author)
}

func (c *ChangeOps) Accept(ctx context.Context, changeID string) error {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.Accept(ctx, changeID)
}

func (c *ChangeOps) Reject(ctx context.Context, changeID string) error {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	return c.s.notes.Reject(ctx, changeID)
}

func (c *ChangeOps) List() []*history.Annotation {
	return c.s.notes.Changes()
}

// ApplyTrackedEdit performs a replace and records it as a deletion of the
// removed text followed by an insertion of the new text.
func (c *ChangeOps) ApplyTrackedEdit(ctx context.Context, author operations.AuthorID, position, removedLength int, inserted string) ([]*history.Annotation, error) {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()

	if c.s.closed {
		return nil, ErrSessionClosed
	}
	if position < 0 || removedLength < 0 || position+removedLength > c.s.doc.Len() {
		return nil, fmt.Errorf("%w: edit at %d removing %d exceeds length %d", content.ErrOutOfRange, position, removedLength, c.s.doc.Len())
	}

	var recorded []*history.Annotation
	if removedLength > 0 {
		a, err := c.s.notes.RecordDeletion(ctx, anchoring.Range{Start: position, End: position + removedLength}, author)
		if a == nil {
			return recorded, err
		}
		recorded = append(recorded, a)
		if err != nil {
			return recorded, err
		}
	}
	if inserted == "" {
		return recorded, nil
	}

	if _, err := c.s.doc.ApplyEditBy(author, position, 0, inserted); err != nil {
		return recorded, err
	}
	end := position + len([]rune(inserted))
	a, err := c.s.notes.RecordInsertion(ctx, anchoring.Range{Start: position, End: end}, author)
	if a != nil {
		recorded = append(recorded, a)
	}
	return recorded, err
}
