package versioning

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/officepro/historydb/internal/content"
	"github.com/officepro/historydb/internal/delta"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/logging"
	"github.com/officepro/historydb/internal/operations"
	"github.com/officepro/historydb/internal/storage"
)

// Cache stores materialized content keyed by document and sequence.
type Cache interface {
	Get(ctx context.Context, documentID string, seq uint64) (string, bool, error)
	Put(ctx context.Context, documentID string, seq uint64, text string) error
}

// AnnotationSource hands the engine the annotation records that changed
// since they were last persisted, so they can be written in the same
// transaction as a new version. Committed is called once that write
// succeeds.
type AnnotationSource interface {
	PendingRecords() []*history.Annotation
	Committed(records []*history.Annotation)
}

// Replacer swaps the live content during a restore.
type Replacer interface {
	ReplaceAll(newContent string)
}

const restoredPrefix = "Restored version "

type Options struct {
	BaselineInterval int
	Differ           delta.Differ
	Codec            *delta.Codec
	Cache            Cache
}

// Engine records and replays the versions of one document. It observes
// the content store so it knows when the document is dirty.
type Engine struct {
	documentID string
	gateway    storage.Gateway
	differ     delta.Differ
	codec      *delta.Codec
	cache      Cache
	interval   int

	source   AnnotationSource
	versions []*history.Version
	latest   string
	dirty    bool
	offline  bool
	pending  *operations.Log

	logger *logging.Logger
	mutex  sync.RWMutex
}

func NewEngine(documentID string, gateway storage.Gateway, opts Options) (*Engine, error) {
	if opts.BaselineInterval <= 0 {
		opts.BaselineInterval = 20
	}
	if opts.Differ == nil {
		opts.Differ = delta.NewLineDiffer()
	}
	if opts.Codec == nil {
		codec, err := delta.NewCodec(false)
		if err != nil {
			return nil, err
		}
		opts.Codec = codec
	}

	return &Engine{
		documentID: documentID,
		gateway:    gateway,
		differ:     opts.Differ,
		codec:      opts.Codec,
		cache:      opts.Cache,
		interval:   opts.BaselineInterval,
		pending:    operations.NewLog(),
		logger:     logging.NewLogger("versioning"),
	}, nil
}

// IsBaseline reports whether seq stores full content for interval k.
func IsBaseline(seq uint64, k int) bool {
	if k <= 1 {
		return true
	}
	return (seq-1)%uint64(k) == 0
}

func (e *Engine) DocumentID() string {
	return e.documentID
}

// SetAnnotationSource attaches the records persisted with each snapshot.
func (e *Engine) SetAnnotationSource(source AnnotationSource) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.source = source
}

// Load adopts a stored history and rebuilds the content of its latest
// version, which the next delta is computed against.
func (e *Engine) Load(ctx context.Context, h *history.History) error {
	e.mutex.Lock()
	e.versions = append([]*history.Version(nil), h.Versions...)
	e.offline = false
	e.mutex.Unlock()

	if len(h.Versions) == 0 {
		return nil
	}
	latest, err := e.Materialize(ctx, h.Latest().Sequence)
	if err != nil {
		return err
	}

	e.mutex.Lock()
	e.latest = latest
	e.mutex.Unlock()
	return nil
}

// MarkOffline puts the engine into in-memory-only mode after the history
// could not be loaded. Snapshots are refused so sequence numbers cannot
// collide with the ones already stored.
func (e *Engine) MarkOffline() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.offline = true
}

func (e *Engine) Offline() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.offline
}

// Snapshot records text as the next version. It is a baseline for the
// first version and every interval-th one after, otherwise a delta
// against the previous version.
func (e *Engine) Snapshot(ctx context.Context, text string, author operations.AuthorID, description string) (uint64, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.offline {
		return 0, fmt.Errorf("%w: %w", ErrOffline, storage.ErrStoreUnavailable)
	}

	seq := uint64(len(e.versions)) + 1
	if last := e.last(); last != nil {
		seq = last.Sequence + 1
	}

	v := &history.Version{
		DocumentID:   e.documentID,
		Sequence:     seq,
		Author:       author,
		CreatedAt:    time.Now(),
		IsBaseline:   IsBaseline(seq, e.interval),
		ResultLength: utf8.RuneCountInString(text),
		ResultDigest: content.Digest(text),
		Description:  description,
	}

	if v.IsBaseline {
		v.Payload, v.Encoding = e.codec.EncodeBaseline(text)
	} else {
		d := delta.New(e.latest, text, e.differ.Diff(e.latest, text))
		payload, enc, err := e.codec.EncodeDelta(d)
		if err != nil {
			return 0, err
		}
		v.Payload, v.Encoding = payload, enc
	}

	var records []*history.Annotation
	if e.source != nil {
		records = e.source.PendingRecords()
	}

	if err := e.gateway.AppendVersion(ctx, v, records); err != nil {
		e.logger.LogPersistFailure(e.documentID, "version", err)
		return 0, fmt.Errorf("failed to record version %d: %w", seq, err)
	}

	e.versions = append(e.versions, v)
	e.latest = text
	e.dirty = false
	e.pending.Drain()
	if e.source != nil {
		e.source.Committed(records)
	}
	e.logger.LogSnapshot(e.documentID, seq, v.IsBaseline, len(v.Payload))

	if e.cache != nil {
		if err := e.cache.Put(ctx, e.documentID, seq, text); err != nil {
			e.logger.LogCacheError(e.documentID, seq, err)
		}
	}
	return seq, nil
}

// Materialize reconstructs the content of version seq from the nearest
// baseline at or before it.
func (e *Engine) Materialize(ctx context.Context, seq uint64) (string, error) {
	e.mutex.RLock()
	versions := e.versions
	e.mutex.RUnlock()

	target, err := find(versions, seq)
	if err != nil {
		return "", err
	}

	if e.cache != nil {
		text, ok, err := e.cache.Get(ctx, e.documentID, seq)
		switch {
		case err != nil:
			e.logger.LogCacheError(e.documentID, seq, err)
		case ok && content.Digest(text) == target.ResultDigest:
			return text, nil
		}
	}

	start := int(seq) - 1
	for start > 0 && !versions[start].IsBaseline {
		start--
	}

	base := versions[start]
	if !base.IsBaseline {
		return "", corrupted(base.Sequence, fmt.Errorf("no baseline at or before version %d", seq))
	}
	text, err := e.codec.DecodeBaseline(base.Payload, base.Encoding)
	if err != nil {
		return "", corrupted(base.Sequence, err)
	}
	if err := verify(base, text); err != nil {
		return "", err
	}

	for _, v := range versions[start+1 : int(seq)] {
		d, err := e.codec.DecodeDelta(v.Payload, v.Encoding)
		if err != nil {
			return "", corrupted(v.Sequence, err)
		}
		if d.ResultLength != v.ResultLength {
			return "", corrupted(v.Sequence, fmt.Errorf("%w: delta yields %d characters, version records %d", delta.ErrChecksumMismatch, d.ResultLength, v.ResultLength))
		}
		if text, err = d.Apply(text); err != nil {
			return "", corrupted(v.Sequence, err)
		}
		if err := verify(v, text); err != nil {
			return "", err
		}
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, e.documentID, seq, text); err != nil {
			e.logger.LogCacheError(e.documentID, seq, err)
		}
	}
	return text, nil
}

// Restore materializes seq, replaces the live content with it and
// records the result as a new version. History is never truncated.
func (e *Engine) Restore(ctx context.Context, replacer Replacer, seq uint64, author operations.AuthorID) (uint64, error) {
	if e.Offline() {
		return 0, fmt.Errorf("%w: %w", ErrOffline, storage.ErrStoreUnavailable)
	}

	text, err := e.Materialize(ctx, seq)
	if err != nil {
		return 0, err
	}

	replacer.ReplaceAll(text)

	recorded, err := e.Snapshot(ctx, text, author, fmt.Sprintf("%s%d", restoredPrefix, seq))
	if err != nil {
		return 0, err
	}
	e.logger.LogRestore(e.documentID, seq, recorded)
	return recorded, nil
}

// Comparison describes how version To differs from version From.
type Comparison struct {
	From     uint64          `json:"from"`
	To       uint64          `json:"to"`
	Segments []delta.Segment `json:"segments"`
	Stats    delta.Stats     `json:"stats"`
}

func (e *Engine) Compare(ctx context.Context, from, to uint64) (*Comparison, error) {
	before, err := e.Materialize(ctx, from)
	if err != nil {
		return nil, err
	}
	after, err := e.Materialize(ctx, to)
	if err != nil {
		return nil, err
	}

	segments := e.differ.Diff(before, after)
	return &Comparison{
		From:     from,
		To:       to,
		Segments: segments,
		Stats:    delta.Summarize(segments),
	}, nil
}

func (e *Engine) History() []history.VersionInfo {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	infos := make([]history.VersionInfo, len(e.versions))
	for i, v := range e.versions {
		infos[i] = v.Info()
	}
	return infos
}

func (e *Engine) Latest() (history.VersionInfo, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	last := e.last()
	if last == nil {
		return history.VersionInfo{}, false
	}
	return last.Info(), true
}

// LatestContent is the content of the most recent version.
func (e *Engine) LatestContent() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.latest
}

func (e *Engine) Len() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return len(e.versions)
}

// Dirty reports whether the content changed since the last version.
func (e *Engine) Dirty() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.dirty
}

func (e *Engine) PendingEdits() int {
	return e.pending.Len()
}

// LastEditor is the author of the most recent unrecorded edit.
func (e *Engine) LastEditor() operations.AuthorID {
	if op := e.pending.Last(); op != nil {
		return op.Author
	}
	return ""
}

func (e *Engine) OnEdit(op *operations.Operation) {
	e.mutex.Lock()
	e.dirty = true
	e.mutex.Unlock()

	if err := e.pending.Append(op); err != nil {
		e.logger.Warn("Dropped invalid edit from pending log", map[string]interface{}{
			"doc_id": e.documentID,
			"error":  err.Error(),
		})
	}
}

func (e *Engine) OnReplace(previous, current string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if previous != current {
		e.dirty = true
	}
}

func (e *Engine) last() *history.Version {
	// caller holds the lock
	if len(e.versions) == 0 {
		return nil
	}
	return e.versions[len(e.versions)-1]
}

func find(versions []*history.Version, seq uint64) (*history.Version, error) {
	if seq == 0 || seq > uint64(len(versions)) {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, seq)
	}
	v := versions[seq-1]
	if v.Sequence != seq {
		return nil, corrupted(seq, fmt.Errorf("history out of order: slot %d holds version %d", seq, v.Sequence))
	}
	return v, nil
}

func verify(v *history.Version, text string) error {
	if n := utf8.RuneCountInString(text); n != v.ResultLength {
		return corrupted(v.Sequence, fmt.Errorf("%w: reproduced %d characters, expected %d", delta.ErrChecksumMismatch, n, v.ResultLength))
	}
	if v.ResultDigest != "" && content.Digest(text) != v.ResultDigest {
		return corrupted(v.Sequence, fmt.Errorf("%w: digest differs", delta.ErrChecksumMismatch))
	}
	return nil
}
