package anchoring

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/officepro/historydb/internal/delta"
	"github.com/officepro/historydb/internal/operations"
)

type MovementReason string

const (
	MovementEdit     MovementReason = "edit"
	MovementDelete   MovementReason = "delete"
	MovementRestore  MovementReason = "restore"
	MovementReassign MovementReason = "reassign"
)

type MovementRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	FromRange Range                  `json:"from_range"`
	ToRange   Range                  `json:"to_range"`
	CausedBy  operations.OperationID `json:"caused_by,omitempty"`
	Reason    MovementReason         `json:"reason"`
}

type Anchor struct {
	ID              string           `json:"id"`
	Range           Range            `json:"range"`
	Orphaned        bool             `json:"orphaned"`
	Quote           string           `json:"quote"`
	MovementHistory []MovementRecord `json:"movement_history,omitempty"`
}

// Movement reports an anchor that changed during an edit or re-resolution.
type Movement struct {
	ID       string
	From     Range
	To       Range
	Outcome  Outcome
	Orphaned bool
}

const maxMovementHistory = 32

// Resolver keeps a set of anchors consistent with the content they point
// into.
type Resolver struct {
	anchors map[string]*Anchor
	mutex   sync.RWMutex
}

func NewResolver() *Resolver {
	return &Resolver{
		anchors: make(map[string]*Anchor),
	}
}

// Track starts following r under id. quote is the text r denotes now.
func (r *Resolver) Track(id string, rng Range, quote string, orphaned bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.anchors[id]; exists {
		return ErrAnchorExists
	}
	r.anchors[id] = &Anchor{
		ID:       id,
		Range:    rng,
		Orphaned: orphaned,
		Quote:    quote,
	}
	return nil
}

func (r *Resolver) Forget(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.anchors, id)
}

func (r *Resolver) Get(id string) (Anchor, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	a, exists := r.anchors[id]
	if !exists {
		return Anchor{}, ErrAnchorNotFound
	}
	return copyAnchor(a), nil
}

func (r *Resolver) History(id string) ([]MovementRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	a, exists := r.anchors[id]
	if !exists {
		return nil, ErrAnchorNotFound
	}
	history := make([]MovementRecord, len(a.MovementHistory))
	copy(history, a.MovementHistory)
	return history, nil
}

func (r *Resolver) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.anchors)
}

// Reassign moves an anchor to rng and clears its orphaned state.
func (r *Resolver) Reassign(id string, rng Range, quote string) (Movement, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	a, exists := r.anchors[id]
	if !exists {
		return Movement{}, ErrAnchorNotFound
	}
	m := Movement{ID: id, From: a.Range, To: rng, Outcome: Resized}
	a.record(rng, "", MovementReassign)
	a.Range = rng
	a.Orphaned = false
	a.Quote = quote
	return m, nil
}

// SetQuote refreshes the remembered text of an anchor.
func (r *Resolver) SetQuote(id, quote string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if a, exists := r.anchors[id]; exists {
		a.Quote = quote
	}
}

// Apply adjusts every anchor for an applied edit and returns the ones
// that moved, ordered by id.
func (r *Resolver) Apply(op *operations.Operation) []Movement {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	d := op.Descriptor()
	var moved []Movement
	for _, a := range r.anchors {
		next, outcome := Adjust(a.Range, d)
		if outcome == Unchanged {
			continue
		}

		reason := MovementEdit
		if outcome == Orphaned {
			reason = MovementDelete
		}
		m := Movement{ID: a.ID, From: a.Range, To: next, Outcome: outcome}
		a.record(next, op.ID, reason)
		a.Range = next
		if outcome == Orphaned {
			a.Orphaned = true
		}
		m.Orphaned = a.Orphaned
		moved = append(moved, m)
	}

	sortMovements(moved)
	return moved
}

// Reresolve maps every anchor from previous to current content through
// segments (a diff of the two). An anchor that ends up orphaned is
// re-attached to the occurrence of its quote nearest to where it was, if
// the quote still exists in current.
func (r *Resolver) Reresolve(current string, segments []delta.Segment) []Movement {
	edits := editsFromSegments(segments)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	var moved []Movement
	for _, a := range r.anchors {
		from := a.Range
		rng := a.Range
		orphaned := a.Orphaned
		for _, d := range edits {
			next, outcome := Adjust(rng, d)
			rng = next
			if outcome == Orphaned {
				orphaned = true
			}
		}

		if orphaned && a.Quote != "" {
			if found, ok := nearestOccurrence(current, a.Quote, rng.Start); ok {
				rng = found
				orphaned = false
			}
		}

		if rng == from && orphaned == a.Orphaned {
			continue
		}

		outcome := Resized
		switch {
		case orphaned && !a.Orphaned:
			outcome = Orphaned
		case rng.Len() == from.Len():
			outcome = Shifted
		}
		a.record(rng, "", MovementRestore)
		a.Range = rng
		a.Orphaned = orphaned
		moved = append(moved, Movement{ID: a.ID, From: from, To: rng, Outcome: outcome, Orphaned: orphaned})
	}

	sortMovements(moved)
	return moved
}

func (a *Anchor) record(to Range, causedBy operations.OperationID, reason MovementReason) {
	a.MovementHistory = append(a.MovementHistory, MovementRecord{
		Timestamp: time.Now(),
		FromRange: a.Range,
		ToRange:   to,
		CausedBy:  causedBy,
		Reason:    reason,
	})
	if len(a.MovementHistory) > maxMovementHistory {
		a.MovementHistory = a.MovementHistory[len(a.MovementHistory)-maxMovementHistory:]
	}
}

// editsFromSegments expresses a diff as edits applied left to right, with
// positions in the partially edited content. A delete directly followed by
// an insert becomes one replacing edit.
func editsFromSegments(segments []delta.Segment) []operations.EditDescriptor {
	var edits []operations.EditDescriptor
	pos := 0
	for i := 0; i < len(segments); i++ {
		seg := segments[i]
		n := utf8.RuneCountInString(seg.Text)
		switch seg.Kind {
		case delta.Equal:
			pos += n
		case delta.Delete:
			d := operations.EditDescriptor{Position: pos, RemovedLength: n}
			if i+1 < len(segments) && segments[i+1].Kind == delta.Insert {
				d.InsertedLength = utf8.RuneCountInString(segments[i+1].Text)
				i++
			}
			edits = append(edits, d)
			pos += d.InsertedLength
		case delta.Insert:
			edits = append(edits, operations.EditDescriptor{Position: pos, InsertedLength: n})
			pos += n
		}
	}
	return edits
}

func nearestOccurrence(text, quote string, near int) (Range, bool) {
	quoteLen := utf8.RuneCountInString(quote)
	best := Range{}
	bestDistance := -1

	offset := 0
	runeOffset := 0
	for {
		idx := strings.Index(text[offset:], quote)
		if idx < 0 {
			break
		}
		runeOffset += utf8.RuneCountInString(text[offset : offset+idx])
		distance := runeOffset - near
		if distance < 0 {
			distance = -distance
		}
		if bestDistance < 0 || distance < bestDistance {
			best = Range{Start: runeOffset, End: runeOffset + quoteLen}
			bestDistance = distance
		}

		_, size := utf8.DecodeRuneInString(text[offset+idx:])
		offset += idx + size
		runeOffset++
	}
	return best, bestDistance >= 0
}

func sortMovements(moved []Movement) {
	sort.Slice(moved, func(i, j int) bool {
		return moved[i].ID < moved[j].ID
	})
}

func copyAnchor(a *Anchor) Anchor {
	c := *a
	c.MovementHistory = make([]MovementRecord, len(a.MovementHistory))
	copy(c.MovementHistory, a.MovementHistory)
	return c
}
