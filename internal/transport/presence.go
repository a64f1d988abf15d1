package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/officepro/historydb/internal/operations"
)

// PresenceTracker records which document each client is looking at and
// where its cursor is.
type PresenceTracker struct {
	clients map[ClientID]*PresenceInfo
	mutex   sync.RWMutex
}

type PresenceInfo struct {
	ClientID   ClientID            `json:"client_id"`
	AuthorID   operations.AuthorID `json:"author_id"`
	Presence   PresencePayload     `json:"presence"`
	LastUpdate time.Time           `json:"last_update"`
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		clients: make(map[ClientID]*PresenceInfo),
	}
}

func (pt *PresenceTracker) AddClient(clientID ClientID, authorID operations.AuthorID) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	now := time.Now()
	pt.clients[clientID] = &PresenceInfo{
		ClientID: clientID,
		AuthorID: authorID,
		Presence: PresencePayload{
			AuthorID:   authorID,
			LastActive: now,
			Status:     StatusActive,
		},
		LastUpdate: now,
	}
}

func (pt *PresenceTracker) RemoveClient(clientID ClientID) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	delete(pt.clients, clientID)
}

func (pt *PresenceTracker) UpdatePresence(clientID ClientID, presence PresencePayload) error {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	info, exists := pt.clients[clientID]
	if !exists {
		return ErrClientNotFound
	}
	presence.AuthorID = info.AuthorID
	if presence.LastActive.IsZero() {
		presence.LastActive = time.Now()
	}
	if presence.Status == "" {
		presence.Status = StatusActive
	}
	info.Presence = presence
	info.LastUpdate = time.Now()
	return nil
}

func (pt *PresenceTracker) GetPresence(clientID ClientID) (*PresenceInfo, error) {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	info, exists := pt.clients[clientID]
	if !exists {
		return nil, ErrClientNotFound
	}
	copied := *info
	return &copied, nil
}

// DocumentPresence lists the clients whose presence is on documentID,
// ordered by client id.
func (pt *PresenceTracker) DocumentPresence(documentID string) []PresenceInfo {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	var out []PresenceInfo
	for _, info := range pt.clients {
		if info.Presence.DocumentID == documentID {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// MarkIdle flags clients with no update within timeout as idle.
func (pt *PresenceTracker) MarkIdle(timeout time.Duration) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	cutoff := time.Now().Add(-timeout)
	for _, info := range pt.clients {
		if info.LastUpdate.Before(cutoff) && info.Presence.Status == StatusActive {
			info.Presence.Status = StatusIdle
		}
	}
}
