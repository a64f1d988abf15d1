package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/officepro/historydb/internal/operations"
)

type MessageType string

const (
	MsgOpen        MessageType = "open"
	MsgClose       MessageType = "close"
	MsgEdit        MessageType = "edit"
	MsgSave        MessageType = "save"
	MsgRestore     MessageType = "restore"
	MsgMaterialize MessageType = "materialize"
	MsgComment     MessageType = "comment"
	MsgReply       MessageType = "reply"
	MsgResolve     MessageType = "resolve"
	MsgReopen      MessageType = "reopen"
	MsgTrackedEdit MessageType = "tracked_edit"
	MsgAccept      MessageType = "accept"
	MsgReject      MessageType = "reject"
	MsgPresence    MessageType = "presence"

	MsgAcknowledgment MessageType = "ack"
	MsgError          MessageType = "error"
	MsgEvent          MessageType = "event"
)

// Message is the envelope for every frame in both directions. Payload is
// decoded according to Type.
type Message struct {
	Type      MessageType         `json:"type"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	MessageID string              `json:"message_id"`
	Timestamp time.Time           `json:"timestamp"`
	AuthorID  operations.AuthorID `json:"author_id,omitempty"`
}

type OpenPayload struct {
	DocumentID string `json:"document_id"`
	Content    string `json:"content,omitempty"`
}

type OpenResult struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Version    uint64 `json:"version"`
	Offline    bool   `json:"offline"`
}

type EditPayload struct {
	DocumentID    string `json:"document_id"`
	Position      int    `json:"position"`
	RemovedLength int    `json:"removed_length"`
	Inserted      string `json:"inserted"`
}

type SavePayload struct {
	DocumentID  string `json:"document_id"`
	Description string `json:"description,omitempty"`
}

type VersionPayload struct {
	DocumentID string `json:"document_id"`
	Sequence   uint64 `json:"sequence"`
}

type MaterializeResult struct {
	Sequence uint64 `json:"sequence"`
	Text     string `json:"text"`
}

type CommentPayload struct {
	DocumentID string `json:"document_id"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
}

type ReplyPayload struct {
	DocumentID string `json:"document_id"`
	CommentID  string `json:"comment_id"`
	Text       string `json:"text"`
}

type AnnotationPayload struct {
	DocumentID string `json:"document_id"`
	ID         string `json:"id"`
}

type PresencePayload struct {
	DocumentID string              `json:"document_id"`
	AuthorID   operations.AuthorID `json:"author_id,omitempty"`
	Cursor     int                 `json:"cursor"`
	LastActive time.Time           `json:"last_active"`
	Status     PresenceStatus      `json:"status"`
}

type PresenceStatus string

const (
	StatusActive  PresenceStatus = "active"
	StatusIdle    PresenceStatus = "idle"
	StatusOffline PresenceStatus = "offline"
)

type AckPayload struct {
	MessageID string      `json:"message_id"`
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
}

type ErrorPayload struct {
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func newMessage(msgType MessageType, author operations.AuthorID, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	return &Message{
		Type:      msgType,
		Payload:   raw,
		MessageID: generateMessageID(),
		Timestamp: time.Now(),
		AuthorID:  author,
	}, nil
}

func (m *Message) decode(target interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func generateMessageID() string {
	return fmt.Sprintf("msg_%d", time.Now().UnixNano())
}
