package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/officepro/historydb/internal/history"
)

// MemoryStore keeps history in process memory. Each document has its own
// lock, so writers to different documents never contend.
type MemoryStore struct {
	documents map[string]*memoryDocument
	closed    bool
	mutex     sync.RWMutex
}

type memoryDocument struct {
	info        DocumentInfo
	versions    []*history.Version
	annotations map[string]*history.Annotation
	order       []string
	mutex       sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]*memoryDocument),
	}
}

func (s *MemoryStore) document(id string, create bool) (*memoryDocument, error) {
	s.mutex.RLock()
	if s.closed {
		s.mutex.RUnlock()
		return nil, unavailable("open_document", ErrStoreClosed)
	}
	doc, exists := s.documents[id]
	s.mutex.RUnlock()
	if exists || !create {
		return doc, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if doc, exists = s.documents[id]; exists {
		return doc, nil
	}
	now := time.Now()
	doc = &memoryDocument{
		info:        DocumentInfo{ID: id, CreatedAt: now, UpdatedAt: now},
		annotations: make(map[string]*history.Annotation),
	}
	s.documents[id] = doc
	return doc, nil
}

func (s *MemoryStore) AppendVersion(ctx context.Context, v *history.Version, annotations []*history.Annotation) error {
	if err := ctx.Err(); err != nil {
		return unavailable("append_version", err)
	}
	if v == nil || v.DocumentID == "" || v.Sequence == 0 {
		return fmt.Errorf("%w: version requires document and sequence", ErrInvalidData)
	}
	for _, a := range annotations {
		if a == nil || a.ID == "" || a.DocumentID == "" {
			return fmt.Errorf("%w: annotation requires id and document", ErrInvalidData)
		}
	}

	doc, err := s.document(v.DocumentID, true)
	if err != nil {
		return err
	}

	doc.mutex.Lock()
	defer doc.mutex.Unlock()

	if v.Sequence != doc.info.CurrentVersion+1 {
		return fmt.Errorf("%w: document %s is at %d, got %d", ErrSequenceConflict, v.DocumentID, doc.info.CurrentVersion, v.Sequence)
	}

	stored := *v
	stored.Payload = append([]byte(nil), v.Payload...)
	doc.versions = append(doc.versions, &stored)
	doc.info.CurrentVersion = v.Sequence
	doc.info.UpdatedAt = time.Now()
	for _, a := range annotations {
		doc.putAnnotation(a)
	}
	return nil
}

func (s *MemoryStore) AppendAnnotation(ctx context.Context, a *history.Annotation) error {
	if err := ctx.Err(); err != nil {
		return unavailable("append_annotation", err)
	}
	if a == nil || a.ID == "" || a.DocumentID == "" {
		return fmt.Errorf("%w: annotation requires id and document", ErrInvalidData)
	}

	doc, err := s.document(a.DocumentID, true)
	if err != nil {
		return err
	}

	doc.mutex.Lock()
	defer doc.mutex.Unlock()
	doc.putAnnotation(a)
	return nil
}

func (doc *memoryDocument) putAnnotation(a *history.Annotation) {
	if _, exists := doc.annotations[a.ID]; !exists {
		doc.order = append(doc.order, a.ID)
	}
	doc.annotations[a.ID] = a.Clone()
}

func (s *MemoryStore) LoadHistory(ctx context.Context, documentID string) (*history.History, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("load_history", err)
	}

	doc, err := s.document(documentID, false)
	if err != nil {
		return nil, err
	}
	h := &history.History{DocumentID: documentID}
	if doc == nil {
		return h, nil
	}

	doc.mutex.Lock()
	defer doc.mutex.Unlock()

	for _, v := range doc.versions {
		c := *v
		c.Payload = append([]byte(nil), v.Payload...)
		h.Versions = append(h.Versions, &c)
	}
	for _, id := range doc.order {
		h.Annotations = append(h.Annotations, doc.annotations[id].Clone())
	}
	return h, nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list_documents", err)
	}

	s.mutex.RLock()
	if s.closed {
		s.mutex.RUnlock()
		return nil, unavailable("list_documents", ErrStoreClosed)
	}
	docs := make([]*memoryDocument, 0, len(s.documents))
	for _, doc := range s.documents {
		docs = append(docs, doc)
	}
	s.mutex.RUnlock()

	infos := make([]DocumentInfo, 0, len(docs))
	for _, doc := range docs {
		doc.mutex.Lock()
		infos = append(infos, doc.info)
		doc.mutex.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return unavailable("ping", ErrStoreClosed)
	}
	return unavailable("ping", ctx.Err())
}

func (s *MemoryStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}
