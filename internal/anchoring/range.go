package anchoring

import (
	"fmt"

	"github.com/officepro/historydb/internal/operations"
)

// Range is a half-open [Start, End) span of character offsets.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

func (r Range) Len() int {
	return r.End - r.Start
}

func (r Range) IsEmpty() bool {
	return r.End <= r.Start
}

func (r Range) Contains(pos int) bool {
	return pos >= r.Start && pos < r.End
}

func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Within reports whether r is a valid range for content of the given length.
func (r Range) Within(length int) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End <= length
}

func (r Range) Validate(length int) error {
	if !r.Within(length) {
		return fmt.Errorf("%w: %s for length %d", ErrInvalidRange, r, length)
	}
	return nil
}

type Outcome int

const (
	Unchanged Outcome = iota
	Shifted
	Resized
	Orphaned
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Shifted:
		return "shifted"
	case Resized:
		return "resized"
	case Orphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// Adjust moves r through an applied edit.
//
// An edit starting at or after End leaves r alone. An edit whose removed
// span ends at or before Start shifts r by the net length change. An
// overlapping edit clips the removed part out of r; inserted text joins r
// only when it lands strictly inside (Start, End). When a non-empty r is
// removed entirely it collapses to the edit position and is Orphaned.
func Adjust(r Range, d operations.EditDescriptor) (Range, Outcome) {
	p := d.Position
	removedEnd := d.RemovedEnd()

	if p >= r.End {
		return r, Unchanged
	}

	if removedEnd <= r.Start {
		if d.Shift() == 0 {
			return r, Unchanged
		}
		return Range{Start: r.Start + d.Shift(), End: r.End + d.Shift()}, Shifted
	}

	overlap := min(removedEnd, r.End) - max(p, r.Start)
	if overlap < 0 {
		overlap = 0
	}

	if overlap == r.Len() && r.Len() > 0 {
		return Range{Start: p, End: p}, Orphaned
	}

	length := r.Len() - overlap
	if r.Start < p && p < r.End {
		length += d.InsertedLength
	}

	start := r.Start
	if p <= r.Start {
		start = p + d.InsertedLength
	}

	adjusted := Range{Start: start, End: start + length}
	if adjusted == r {
		return r, Unchanged
	}
	return adjusted, Resized
}
