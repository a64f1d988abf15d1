package workspace

import (
	"sync"
	"time"

	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/operations"
)

type EventType string

const (
	EventVersionSaved         EventType = "version_saved"
	EventVersionRestored      EventType = "version_restored"
	EventAnnotationOrphaned   EventType = "annotation_orphaned"
	EventAnnotationReattached EventType = "annotation_reattached"
	EventAutoSaveFailed       EventType = "autosave_failed"
)

type Event struct {
	Type       EventType           `json:"type"`
	DocumentID string              `json:"document_id"`
	Sequence   uint64              `json:"sequence,omitempty"`
	Author     operations.AuthorID `json:"author,omitempty"`
	Annotation *history.Annotation `json:"annotation,omitempty"`
	Error      string              `json:"error,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Broadcaster fans workspace events out to subscribers. Slow subscribers
// miss events rather than block the document.
type Broadcaster struct {
	channels map[string]chan *Event
	mutex    sync.RWMutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		channels: make(map[string]chan *Event),
	}
}

func (b *Broadcaster) Subscribe(channelID string, bufferSize int) <-chan *Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if old, exists := b.channels[channelID]; exists {
		close(old)
	}
	ch := make(chan *Event, bufferSize)
	b.channels[channelID] = ch
	return ch
}

func (b *Broadcaster) Unsubscribe(channelID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if ch, exists := b.channels[channelID]; exists {
		close(ch)
		delete(b.channels, channelID)
	}
}

func (b *Broadcaster) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, ch := range b.channels {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broadcaster) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.channels)
}

func (b *Broadcaster) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for id, ch := range b.channels {
		close(ch)
		delete(b.channels, id)
	}
}
