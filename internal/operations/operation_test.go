package operations

import (
	"testing"
	"time"
)

func TestNewOperation_Types(t *testing.T) {
	tests := []struct {
		removed, inserted string
		want              OperationType
	}{
		{"", "hello", OpInsert},
		{"hello", "", OpDelete},
		{"he", "Say", OpReplace},
	}

	for _, tt := range tests {
		op := NewOperation("alice", 3, tt.removed, tt.inserted)
		if op.Type != tt.want {
			t.Errorf("NewOperation(%q, %q) type = %s, want %s", tt.removed, tt.inserted, op.Type, tt.want)
		}
		if op.ID == "" {
			t.Error("Operation should have an ID")
		}
	}
}

func TestOperation_DescriptorCountsRunes(t *testing.T) {
	op := NewOperation("alice", 2, "éé", "日本語")
	d := op.Descriptor()

	if d.Position != 2 || d.RemovedLength != 2 || d.InsertedLength != 3 {
		t.Errorf("Unexpected descriptor %+v", d)
	}
	if d.Shift() != 1 {
		t.Errorf("Expected shift 1, got %d", d.Shift())
	}
	if d.RemovedEnd() != 4 {
		t.Errorf("Expected removed end 4, got %d", d.RemovedEnd())
	}
}

func TestOperation_Inverse(t *testing.T) {
	op := NewOperation("alice", 0, "He", "Say: He")
	inv := op.Inverse("bob")

	if inv.Position != 0 || inv.Removed != "Say: He" || inv.Inserted != "He" {
		t.Errorf("Unexpected inverse %+v", inv)
	}
	if inv.Author != "bob" {
		t.Errorf("Expected inverse author bob, got %s", inv.Author)
	}
}

func TestLog_AppendAndQuery(t *testing.T) {
	log := NewLog()

	op1 := NewOperation("alice", 0, "", "hello")
	op2 := NewOperation("bob", 5, "", " world")
	op3 := NewOperation("alice", 0, "h", "H")

	for _, op := range []*Operation{op1, op2, op3} {
		if err := log.Append(op); err != nil {
			t.Fatalf("Failed to append operation: %v", err)
		}
	}

	// duplicate appends are ignored
	if err := log.Append(op1); err != nil {
		t.Fatalf("Duplicate append failed: %v", err)
	}
	if log.Len() != 3 {
		t.Errorf("Expected 3 operations, got %d", log.Len())
	}

	retrieved, err := log.Get(op2.ID)
	if err != nil {
		t.Fatalf("Failed to retrieve operation: %v", err)
	}
	if retrieved.Inserted != " world" {
		t.Errorf("Expected %q, got %q", " world", retrieved.Inserted)
	}

	if got := len(log.ByAuthor("alice")); got != 2 {
		t.Errorf("Expected 2 operations by alice, got %d", got)
	}

	authors := log.Authors()
	if len(authors) != 2 || authors[0] != "alice" || authors[1] != "bob" {
		t.Errorf("Unexpected authors %v", authors)
	}

	if log.Last() != op3 {
		t.Error("Last should return the most recent operation")
	}

	if got := log.Since(time.Now().Add(-time.Minute)); len(got) != 3 {
		t.Errorf("Expected 3 operations in the last minute, got %d", len(got))
	}

	drained := log.Drain()
	if len(drained) != 3 || log.Len() != 0 {
		t.Errorf("Drain returned %d, log now holds %d", len(drained), log.Len())
	}
	if _, err := log.Get(op1.ID); err != ErrOperationNotFound {
		t.Errorf("Expected ErrOperationNotFound after drain, got %v", err)
	}
}

func TestOperationValidation(t *testing.T) {
	if err := ValidateOperation(nil); err != ErrInvalidOperation {
		t.Errorf("Expected ErrInvalidOperation, got %v", err)
	}

	if err := ValidateOperation(&Operation{Type: OpInsert, Position: -1}); err != ErrInvalidPosition {
		t.Errorf("Expected ErrInvalidPosition, got %v", err)
	}

	if err := ValidateOperation(&Operation{Type: "move"}); err != ErrInvalidOperationType {
		t.Errorf("Expected ErrInvalidOperationType, got %v", err)
	}

	if err := ValidateOperation(NewOperation("alice", 0, "", "x")); err != nil {
		t.Errorf("Should accept valid operation: %v", err)
	}
}
