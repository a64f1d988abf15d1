package operations

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

type OperationID string

func NewOperationID(content []byte) OperationID {
	hash := sha3.Sum256(content)
	return OperationID(hex.EncodeToString(hash[:]))
}

type AuthorID string

// EditDescriptor describes an applied edit in character offsets.
type EditDescriptor struct {
	Position       int `json:"position"`
	RemovedLength  int `json:"removed_length"`
	InsertedLength int `json:"inserted_length"`
}

// Shift is the net change in content length caused by the edit.
func (d EditDescriptor) Shift() int {
	return d.InsertedLength - d.RemovedLength
}

// RemovedEnd is the exclusive end of the removed range in pre-edit offsets.
func (d EditDescriptor) RemovedEnd() int {
	return d.Position + d.RemovedLength
}

type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"
)

// Operation is a journal entry for one applied edit. Removed and Inserted
// hold the text so the edit can be inverted.
type Operation struct {
	ID        OperationID   `json:"id"`
	Type      OperationType `json:"type"`
	Position  int           `json:"position"`
	Removed   string        `json:"removed,omitempty"`
	Inserted  string        `json:"inserted,omitempty"`
	Author    AuthorID      `json:"author"`
	Timestamp time.Time     `json:"timestamp"`
}

func NewOperation(author AuthorID, position int, removed, inserted string) *Operation {
	now := time.Now()

	opType := OpReplace
	switch {
	case removed == "":
		opType = OpInsert
	case inserted == "":
		opType = OpDelete
	}

	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], uint64(now.UnixNano()))
	idContent := append(seed[:], []byte(string(author)+"\x00"+removed+"\x00"+inserted)...)

	return &Operation{
		ID:        NewOperationID(idContent),
		Type:      opType,
		Position:  position,
		Removed:   removed,
		Inserted:  inserted,
		Author:    author,
		Timestamp: now,
	}
}

func (op *Operation) Descriptor() EditDescriptor {
	return EditDescriptor{
		Position:       op.Position,
		RemovedLength:  runeLen(op.Removed),
		InsertedLength: runeLen(op.Inserted),
	}
}

// Inverse returns the operation that undoes op when applied to the
// content op produced.
func (op *Operation) Inverse(author AuthorID) *Operation {
	return NewOperation(author, op.Position, op.Inserted, op.Removed)
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

// Log is an append-only journal of operations, typically the edits made
// since the last recorded version.
type Log struct {
	operations []*Operation
	index      map[OperationID]int
	mutex      sync.RWMutex
}

func NewLog() *Log {
	return &Log{
		operations: make([]*Operation, 0),
		index:      make(map[OperationID]int),
	}
}

func (l *Log) Append(op *Operation) error {
	if err := ValidateOperation(op); err != nil {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.index[op.ID]; exists {
		return nil
	}
	l.index[op.ID] = len(l.operations)
	l.operations = append(l.operations, op)
	return nil
}

func (l *Log) Get(id OperationID) (*Operation, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	i, exists := l.index[id]
	if !exists {
		return nil, ErrOperationNotFound
	}
	return l.operations[i], nil
}

func (l *Log) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.operations)
}

// Last returns the most recent operation, or nil for an empty log.
func (l *Log) Last() *Operation {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if len(l.operations) == 0 {
		return nil
	}
	return l.operations[len(l.operations)-1]
}

func (l *Log) Since(timestamp time.Time) []*Operation {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var operations []*Operation
	for _, op := range l.operations {
		if op.Timestamp.After(timestamp) {
			operations = append(operations, op)
		}
	}
	return operations
}

func (l *Log) ByAuthor(author AuthorID) []*Operation {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var operations []*Operation
	for _, op := range l.operations {
		if op.Author == author {
			operations = append(operations, op)
		}
	}
	return operations
}

// Authors lists distinct authors in order of first appearance.
func (l *Log) Authors() []AuthorID {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	seen := make(map[AuthorID]bool)
	var authors []AuthorID
	for _, op := range l.operations {
		if op.Author == "" || seen[op.Author] {
			continue
		}
		seen[op.Author] = true
		authors = append(authors, op.Author)
	}
	return authors
}

// Drain empties the log and returns what it held.
func (l *Log) Drain() []*Operation {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	drained := l.operations
	l.operations = make([]*Operation, 0)
	l.index = make(map[OperationID]int)
	return drained
}

func ValidateOperation(op *Operation) error {
	if op == nil {
		return ErrInvalidOperation
	}

	if op.Position < 0 {
		return ErrInvalidPosition
	}

	if op.Type != OpInsert && op.Type != OpDelete && op.Type != OpReplace {
		return ErrInvalidOperationType
	}

	return nil
}
