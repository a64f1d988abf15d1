package workspace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/officepro/historydb/internal/annotations"
	"github.com/officepro/historydb/internal/config"
	"github.com/officepro/historydb/internal/content"
	"github.com/officepro/historydb/internal/delta"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/logging"
	"github.com/officepro/historydb/internal/operations"
	"github.com/officepro/historydb/internal/storage"
	"github.com/officepro/historydb/internal/versioning"
)

// Workspace holds the open documents of one process. Each open document
// is a Session with its own lock; documents never contend with each other.
type Workspace struct {
	gateway      storage.Gateway
	cache        versioning.Cache
	codec        *delta.Codec
	differs      *delta.Registry
	capabilities config.Capabilities
	interval     int
	autoSave     time.Duration

	sessions map[string]*Session
	events   *Broadcaster
	logger   *logging.Logger
	mutex    sync.RWMutex
}

// New builds a workspace from cfg. cache may be nil.
func New(cfg *config.Config, gateway storage.Gateway, cache versioning.Cache) (*Workspace, error) {
	differ, err := delta.ForStrategy(cfg.DiffStrategy)
	if err != nil {
		return nil, err
	}
	codec, err := delta.NewCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	differs := delta.NewRegistry(differ)
	differs.Register("text/*", differ)
	differs.Register("application/json", delta.NewCharDiffer())

	return &Workspace{
		gateway:      gateway,
		cache:        cache,
		codec:        codec,
		differs:      differs,
		capabilities: cfg.Capabilities,
		interval:     cfg.BaselineInterval,
		autoSave:     cfg.AutoSaveInterval,
		sessions:     make(map[string]*Session),
		events:       NewBroadcaster(),
		logger:       logging.NewLogger("workspace"),
	}, nil
}

func (w *Workspace) Events() *Broadcaster {
	return w.events
}

// Differs lets hosts register diff strategies for their content types.
func (w *Workspace) Differs() *delta.Registry {
	return w.differs
}

func (w *Workspace) Capabilities() config.Capabilities {
	return w.capabilities
}

// Open loads the history of documentID and starts a session over it.
// initialContent is what the format adapter read from the file; with no
// stored history a non-empty initialContent becomes version 1. When the
// history cannot be loaded the session runs in memory only. If version 1
// cannot be written the open session is returned with an error matching
// ErrInitialVersion; the document stays dirty for the next save.
func (w *Workspace) Open(ctx context.Context, documentID, initialContent string, author operations.AuthorID) (*Session, error) {
	w.mutex.Lock()
	if _, exists := w.sessions[documentID]; exists {
		w.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDocumentOpen, documentID)
	}
	// reserve the id so a concurrent Open fails fast
	w.sessions[documentID] = nil
	w.mutex.Unlock()

	s, err := w.open(ctx, documentID, initialContent, author)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if s == nil {
		delete(w.sessions, documentID)
		return nil, err
	}
	w.sessions[documentID] = s
	return s, err
}

func (w *Workspace) open(ctx context.Context, documentID, initialContent string, author operations.AuthorID) (*Session, error) {
	doc := content.NewDocument(documentID, "")
	versions, err := versioning.NewEngine(documentID, w.gateway, versioning.Options{
		BaselineInterval: w.interval,
		Differ:           w.differs.For(doc.ContentType),
		Codec:            w.codec,
		Cache:            w.cache,
	})
	if err != nil {
		return nil, err
	}
	notes := annotations.NewEngine(documentID, doc, w.gateway, delta.NewCharDiffer())
	versions.SetAnnotationSource(notes)

	s := newSession(w, doc, versions, notes)

	h, err := w.gateway.LoadHistory(ctx, documentID)
	if err != nil {
		w.logger.Warn("History unavailable, document runs in memory only", map[string]interface{}{
			"doc_id": documentID,
			"error":  err.Error(),
		})
		versions.MarkOffline()
		doc.ReplaceAll(initialContent)
		s.attach()
		return s, nil
	}

	if err := versions.Load(ctx, h); err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", documentID, err)
	}
	if len(h.Versions) > 0 {
		doc.ReplaceAll(versions.LatestContent())
	}
	if err := notes.Load(h.Annotations); err != nil {
		return nil, err
	}

	// observers see the adapter's content as an edit of the stored one
	s.attach()
	if initialContent != "" && initialContent != doc.Text() {
		doc.ReplaceAll(initialContent)
	}

	var saveErr error
	if len(h.Versions) == 0 && doc.Len() > 0 && w.capabilities.VersionHistory {
		if _, err := versions.Snapshot(ctx, doc.Text(), author, "Initial version"); err != nil {
			saveErr = fmt.Errorf("%w: %s: %w", ErrInitialVersion, documentID, err)
			s.report(saveErr)
			w.events.Publish(&Event{
				Type:       EventAutoSaveFailed,
				DocumentID: documentID,
				Error:      saveErr.Error(),
			})
		}
	}

	if w.capabilities.AutoSave && w.capabilities.VersionHistory {
		s.startAutoSave(w.autoSave)
	}
	return s, saveErr
}

func (w *Workspace) Get(documentID string) (*Session, error) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	s, exists := w.sessions[documentID]
	if !exists || s == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotOpen, documentID)
	}
	return s, nil
}

// Documents lists the ids of open documents.
func (w *Workspace) Documents() []string {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	ids := make([]string, 0, len(w.sessions))
	for id, s := range w.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CloseDocument stops the session, recording a final version when
// auto-save is on and there are unsaved edits.
func (w *Workspace) CloseDocument(ctx context.Context, documentID string) error {
	w.mutex.Lock()
	s, exists := w.sessions[documentID]
	if !exists || s == nil {
		w.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, documentID)
	}
	delete(w.sessions, documentID)
	w.mutex.Unlock()

	return s.close(ctx, w.capabilities.AutoSave)
}

// Shutdown closes every open document and releases the codec.
func (w *Workspace) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, id := range w.Documents() {
		if err := w.CloseDocument(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.events.Close()
	w.codec.Close()
	return firstErr
}

// Inspect returns the version engine and annotations of a document for
// read-only access. An open session is used directly, otherwise the
// history is loaded from the gateway.
func (w *Workspace) Inspect(ctx context.Context, documentID string) (*versioning.Engine, []*history.Annotation, error) {
	if s, err := w.Get(documentID); err == nil {
		return s.versions, s.notes.All(), nil
	}

	h, err := w.gateway.LoadHistory(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	engine, err := versioning.NewEngine(documentID, w.gateway, versioning.Options{
		BaselineInterval: w.interval,
		Differ:           w.differs.For("text/plain"),
		Codec:            w.codec,
		Cache:            w.cache,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := engine.Load(ctx, h); err != nil {
		return nil, nil, err
	}
	return engine, h.Annotations, nil
}
