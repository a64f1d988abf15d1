package content

import (
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/officepro/historydb/internal/operations"
)

// Observer receives change notifications from a Document. Notifications
// are delivered synchronously, in registration order, after the document
// has released its lock.
type Observer interface {
	OnEdit(op *operations.Operation)
	OnReplace(previous, current string)
}

// Document owns the live text of one open document. Offsets are in
// characters (runes).
type Document struct {
	ID            string                 `json:"id"`
	ContentType   string                 `json:"content_type"`
	Revision      uint64                 `json:"revision"`
	LastOperation operations.OperationID `json:"last_operation"`
	text          []rune
	observers     []Observer
	mutex         sync.RWMutex
}

func NewDocument(id, initial string) *Document {
	return &Document{
		ID:          id,
		ContentType: "text/plain",
		text:        []rune(initial),
	}
}

// Observe registers o. The version engine is expected to register before
// the annotation engine.
func (doc *Document) Observe(o Observer) {
	doc.mutex.Lock()
	defer doc.mutex.Unlock()
	doc.observers = append(doc.observers, o)
}

func (doc *Document) ApplyEdit(position, removedLength int, inserted string) (operations.EditDescriptor, error) {
	op, err := doc.ApplyEditBy("", position, removedLength, inserted)
	if err != nil {
		return operations.EditDescriptor{}, err
	}
	return op.Descriptor(), nil
}

// ApplyEditBy removes removedLength characters at position, inserts
// inserted there, and returns the journal entry for the edit.
func (doc *Document) ApplyEditBy(author operations.AuthorID, position, removedLength int, inserted string) (*operations.Operation, error) {
	doc.mutex.Lock()

	if position < 0 || removedLength < 0 || position > len(doc.text) || position+removedLength > len(doc.text) {
		size := len(doc.text)
		doc.mutex.Unlock()
		return nil, fmt.Errorf("%w: edit at %d removing %d exceeds length %d", ErrOutOfRange, position, removedLength, size)
	}

	removed := string(doc.text[position : position+removedLength])
	insertedRunes := []rune(inserted)

	next := make([]rune, 0, len(doc.text)-removedLength+len(insertedRunes))
	next = append(next, doc.text[:position]...)
	next = append(next, insertedRunes...)
	next = append(next, doc.text[position+removedLength:]...)
	doc.text = next

	op := operations.NewOperation(author, position, removed, inserted)
	doc.LastOperation = op.ID
	doc.Revision++
	observers := doc.snapshotObservers()
	doc.mutex.Unlock()

	for _, o := range observers {
		o.OnEdit(op)
	}
	return op, nil
}

func (doc *Document) Read(start, end int) (string, error) {
	doc.mutex.RLock()
	defer doc.mutex.RUnlock()

	if start < 0 || end < start {
		return "", fmt.Errorf("%w: [%d,%d) is not a range", ErrOutOfRange, start, end)
	}
	if end > len(doc.text) {
		return "", fmt.Errorf("%w: [%d,%d) exceeds length %d", ErrOutOfRange, start, end, len(doc.text))
	}
	return string(doc.text[start:end]), nil
}

// ReplaceAll swaps the entire content. Used by restore; observers run a
// full re-resolution pass.
func (doc *Document) ReplaceAll(newContent string) {
	doc.mutex.Lock()
	previous := string(doc.text)
	doc.text = []rune(newContent)
	doc.LastOperation = ""
	doc.Revision++
	observers := doc.snapshotObservers()
	doc.mutex.Unlock()

	for _, o := range observers {
		o.OnReplace(previous, newContent)
	}
}

func (doc *Document) Text() string {
	doc.mutex.RLock()
	defer doc.mutex.RUnlock()
	return string(doc.text)
}

func (doc *Document) Len() int {
	doc.mutex.RLock()
	defer doc.mutex.RUnlock()
	return len(doc.text)
}

// Digest is the hex SHA3-256 of the current content.
func (doc *Document) Digest() string {
	return Digest(doc.Text())
}

func Digest(text string) string {
	hash := sha3.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

func (doc *Document) snapshotObservers() []Observer {
	// caller holds the lock
	observers := make([]Observer, len(doc.observers))
	copy(observers, doc.observers)
	return observers
}
