package anchoring

import (
	"testing"

	"github.com/officepro/historydb/internal/operations"
)

func edit(pos, removed, inserted int) operations.EditDescriptor {
	return operations.EditDescriptor{Position: pos, RemovedLength: removed, InsertedLength: inserted}
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name    string
		anchor  Range
		edit    operations.EditDescriptor
		want    Range
		outcome Outcome
	}{
		{"edit before shifts", Range{5, 10}, edit(0, 2, 5), Range{8, 13}, Shifted},
		{"delete before shifts left", Range{5, 10}, edit(1, 3, 0), Range{2, 7}, Shifted},
		{"insert at start shifts", Range{5, 10}, edit(5, 0, 2), Range{7, 12}, Shifted},
		{"insert at end unchanged", Range{5, 10}, edit(10, 0, 3), Range{5, 10}, Unchanged},
		{"edit after unchanged", Range{5, 10}, edit(12, 4, 1), Range{5, 10}, Unchanged},
		{"insert inside extends", Range{5, 10}, edit(7, 0, 4), Range{5, 14}, Resized},
		{"delete inside shrinks", Range{5, 10}, edit(6, 2, 0), Range{5, 8}, Resized},
		{"replace inside", Range{5, 10}, edit(6, 2, 5), Range{5, 13}, Resized},
		{"delete across start", Range{3, 7}, edit(1, 4, 2), Range{3, 5}, Resized},
		{"delete across end", Range{3, 7}, edit(5, 4, 1), Range{3, 6}, Resized},
		{"replace at start not extended", Range{3, 7}, edit(3, 2, 2), Range{5, 7}, Resized},
		{"delete whole orphans", Range{5, 10}, edit(5, 5, 0), Range{5, 5}, Orphaned},
		{"delete superset orphans at edit position", Range{5, 10}, edit(2, 10, 3), Range{2, 2}, Orphaned},
		{"replace whole orphans", Range{3, 7}, edit(3, 4, 2), Range{3, 3}, Orphaned},
		{"point before edit unchanged", Range{4, 4}, edit(4, 0, 3), Range{4, 4}, Unchanged},
		{"point after edit shifts", Range{4, 4}, edit(1, 1, 0), Range{3, 3}, Shifted},
		{"point swallowed moves", Range{4, 4}, edit(2, 4, 0), Range{2, 2}, Resized},
		{"no-op edit", Range{5, 10}, edit(7, 0, 0), Range{5, 10}, Unchanged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := Adjust(tt.anchor, tt.edit)
			if got != tt.want {
				t.Errorf("Adjust(%s, %+v) = %s, want %s", tt.anchor, tt.edit, got, tt.want)
			}
			if outcome != tt.outcome {
				t.Errorf("Adjust(%s, %+v) outcome = %s, want %s", tt.anchor, tt.edit, outcome, tt.outcome)
			}
		})
	}
}

// Any edit sequence applied to valid anchors must leave them within the
// bounds of the resulting content.
func TestAdjust_StaysInBounds(t *testing.T) {
	length := 40
	anchors := []Range{{0, 0}, {0, 5}, {5, 10}, {10, 40}, {39, 40}, {20, 20}}
	edits := []operations.EditDescriptor{
		edit(0, 3, 1), edit(10, 0, 7), edit(30, 10, 0), edit(5, 5, 5),
		edit(0, 0, 4), edit(12, 20, 2), edit(0, 10, 0),
	}

	for _, e := range edits {
		if e.RemovedEnd() > length {
			e.RemovedLength = length - e.Position
		}
		length += e.Shift()
		for i, a := range anchors {
			next, _ := Adjust(a, e)
			if !next.Within(length) {
				t.Fatalf("Anchor %s moved out of bounds to %s (length %d) by %+v", a, next, length, e)
			}
			anchors[i] = next
		}
	}
}

func TestRange_Helpers(t *testing.T) {
	r := Range{2, 6}
	if r.Len() != 4 || r.IsEmpty() {
		t.Errorf("Unexpected length/emptiness for %s", r)
	}
	if !r.Contains(2) || r.Contains(6) {
		t.Error("Contains should be half-open")
	}
	if !r.Overlaps(Range{5, 9}) || r.Overlaps(Range{6, 9}) {
		t.Error("Overlaps should be half-open")
	}
	if err := (Range{3, 2}).Validate(10); err == nil {
		t.Error("Expected error for inverted range")
	}
	if err := (Range{3, 11}).Validate(10); err == nil {
		t.Error("Expected error for range past the end")
	}
}
