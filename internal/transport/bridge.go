// Package transport exposes open documents to editors over a websocket
// bridge and serves a read-only HTTP view of stored history.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/officepro/historydb/internal/anchoring"
	"github.com/officepro/historydb/internal/logging"
	"github.com/officepro/historydb/internal/operations"
	"github.com/officepro/historydb/internal/workspace"
)

const eventChannel = "transport-bridge"

// Bridge routes editor commands to workspace sessions and pushes
// workspace events to every client that has the document open.
type Bridge struct {
	workspace *workspace.Workspace
	clients   map[ClientID]*Client
	presence  *PresenceTracker
	upgrader  websocket.Upgrader
	events    <-chan *workspace.Event
	done      chan struct{}
	logger    *logging.Logger
	mutex     sync.RWMutex
}

// NewBridge subscribes to ws events. allowedOrigins limits browser
// upgrades; requests without an Origin header are always accepted.
func NewBridge(ws *workspace.Workspace, allowedOrigins []string) *Bridge {
	b := &Bridge{
		workspace: ws,
		clients:   make(map[ClientID]*Client),
		presence:  NewPresenceTracker(),
		events:    ws.Events().Subscribe(eventChannel, sendBufferSize),
		done:      make(chan struct{}),
		logger:    logging.NewLogger("transport"),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	go b.forward()
	return b
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWS upgrades the request and starts a client for author.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request, author operations.AuthorID) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := newClient(ClientID(uuid.NewString()), author, conn, b)
	b.AddClient(client)
	client.Start()
}

func (b *Bridge) AddClient(client *Client) {
	b.mutex.Lock()
	b.clients[client.ID] = client
	b.mutex.Unlock()

	b.presence.AddClient(client.ID, client.AuthorID)
	b.logger.LogClientConnect(string(client.ID), string(client.AuthorID))
}

func (b *Bridge) RemoveClient(clientID ClientID) error {
	b.mutex.Lock()
	client, exists := b.clients[clientID]
	if !exists {
		b.mutex.Unlock()
		return ErrClientNotFound
	}
	delete(b.clients, clientID)
	b.mutex.Unlock()

	b.presence.RemoveClient(clientID)
	client.Close()

	b.logger.LogClientDisconnect(string(clientID))
	return nil
}

func (b *Bridge) Presence() *PresenceTracker {
	return b.presence
}

func (b *Bridge) ConnectedClients() []ClientInfo {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	clients := make([]ClientInfo, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client.Info())
	}
	return clients
}

// Close disconnects every client and stops forwarding events.
func (b *Bridge) Close() {
	b.workspace.Events().Unsubscribe(eventChannel)
	<-b.done

	b.mutex.RLock()
	ids := make([]ClientID, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.mutex.RUnlock()

	for _, id := range ids {
		b.RemoveClient(id)
	}
}

func (b *Bridge) forward() {
	defer close(b.done)
	for ev := range b.events {
		b.broadcast(ev)
	}
}

func (b *Bridge) broadcast(ev *workspace.Event) {
	msg, err := newMessage(MsgEvent, ev.Author, ev)
	if err != nil {
		b.logger.Error("Failed to encode event", map[string]interface{}{
			"doc_id": ev.DocumentID,
			"error":  err.Error(),
		})
		return
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for clientID, client := range b.clients {
		if !client.IsSubscribedTo(ev.DocumentID) {
			continue
		}
		if err := client.SendMessage(msg); err != nil {
			b.logger.LogWebSocketError(string(clientID), err)
		}
	}
}

// handle runs one command and returns the acknowledgement or error frame.
func (b *Bridge) handle(ctx context.Context, c *Client, msg *Message) *Message {
	result, err := b.dispatch(ctx, c, msg)
	if err != nil {
		return b.errorMessage(c, msg.MessageID, err)
	}

	reply, err := newMessage(MsgAcknowledgment, c.AuthorID, AckPayload{
		MessageID: msg.MessageID,
		Success:   true,
		Result:    result,
	})
	if err != nil {
		return b.errorMessage(c, msg.MessageID, err)
	}
	return reply
}

func (b *Bridge) errorMessage(c *Client, messageID string, err error) *Message {
	code := errorCode(err)
	if code == CodeInternal {
		b.logger.Error("Command failed", map[string]interface{}{
			"client_id":  string(c.ID),
			"message_id": messageID,
			"error":      err.Error(),
		})
	}
	reply, encErr := newMessage(MsgError, c.AuthorID, ErrorPayload{
		MessageID: messageID,
		Code:      code,
		Message:   err.Error(),
	})
	if encErr != nil {
		return nil
	}
	return reply
}

func (b *Bridge) dispatch(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	switch msg.Type {
	case MsgOpen:
		var p OpenPayload
		if err := msg.decode(&p); err != nil {
			return nil, err
		}
		return b.open(ctx, c, p)

	case MsgClose:
		var p AnnotationPayload
		if err := msg.decode(&p); err != nil {
			return nil, err
		}
		c.unsubscribe(p.DocumentID)
		b.presence.UpdatePresence(c.ID, PresencePayload{Status: StatusIdle})
		return nil, nil

	case MsgPresence:
		var p PresencePayload
		if err := msg.decode(&p); err != nil {
			return nil, err
		}
		return nil, b.presence.UpdatePresence(c.ID, p)

	case MsgEdit:
		var p EditPayload
		if err := msg.decode(&p); err != nil {
			return nil, err
		}
		s, err := b.session(c, p.DocumentID)
		if err != nil {
			return nil, err
		}
		return s.ApplyEdit(c.AuthorID, p.Position, p.RemovedLength, p.Inserted)

	case MsgSave, MsgRestore, MsgMaterialize:
		return b.versionCommand(ctx, c, msg)

	case MsgComment, MsgReply, MsgResolve, MsgReopen:
		return b.commentCommand(ctx, c, msg)

	case MsgTrackedEdit, MsgAccept, MsgReject:
		return b.changeCommand(ctx, c, msg)

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, msg.Type)
	}
}

func (b *Bridge) open(ctx context.Context, c *Client, p OpenPayload) (*OpenResult, error) {
	if p.DocumentID == "" {
		return nil, fmt.Errorf("%w: document_id is required", ErrInvalidMessage)
	}

	s, err := b.workspace.Get(p.DocumentID)
	if errors.Is(err, workspace.ErrDocumentNotOpen) {
		s, err = b.workspace.Open(ctx, p.DocumentID, p.Content, c.AuthorID)
		if errors.Is(err, workspace.ErrDocumentOpen) {
			s, err = b.workspace.Get(p.DocumentID)
		}
	}
	if s == nil {
		return nil, err
	}

	// a session whose first version failed is open; the client follows it
	c.subscribe(p.DocumentID)
	b.presence.UpdatePresence(c.ID, PresencePayload{DocumentID: p.DocumentID})
	if err != nil {
		return nil, err
	}

	result := &OpenResult{
		DocumentID: p.DocumentID,
		Text:       s.Text(),
		Offline:    s.Offline(),
	}
	if versions, ok := s.Versions(); ok {
		if latest, ok := versions.Latest(); ok {
			result.Version = latest.Sequence
		}
	}
	return result, nil
}

func (b *Bridge) session(c *Client, documentID string) (*workspace.Session, error) {
	if !c.IsSubscribedTo(documentID) {
		return nil, ErrNotSubscribed
	}
	return b.workspace.Get(documentID)
}

func (b *Bridge) versionCommand(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var p VersionPayload
	var description string
	if msg.Type == MsgSave {
		var sp SavePayload
		if err := msg.decode(&sp); err != nil {
			return nil, err
		}
		p.DocumentID, description = sp.DocumentID, sp.Description
	} else if err := msg.decode(&p); err != nil {
		return nil, err
	}

	s, err := b.session(c, p.DocumentID)
	if err != nil {
		return nil, err
	}
	versions, ok := s.Versions()
	if !ok {
		return nil, workspace.ErrDisabled
	}

	switch msg.Type {
	case MsgSave:
		seq, err := versions.Save(ctx, c.AuthorID, description)
		if err != nil {
			return nil, err
		}
		return VersionPayload{DocumentID: p.DocumentID, Sequence: seq}, nil
	case MsgRestore:
		seq, err := versions.Restore(ctx, p.Sequence, c.AuthorID)
		if err != nil {
			return nil, err
		}
		return VersionPayload{DocumentID: p.DocumentID, Sequence: seq}, nil
	default:
		text, err := versions.Materialize(ctx, p.Sequence)
		if err != nil {
			return nil, err
		}
		return MaterializeResult{Sequence: p.Sequence, Text: text}, nil
	}
}

func (b *Bridge) commentCommand(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var documentID string
	var comment CommentPayload
	var reply ReplyPayload
	var target AnnotationPayload

	switch msg.Type {
	case MsgComment:
		if err := msg.decode(&comment); err != nil {
			return nil, err
		}
		documentID = comment.DocumentID
	case MsgReply:
		if err := msg.decode(&reply); err != nil {
			return nil, err
		}
		documentID = reply.DocumentID
	default:
		if err := msg.decode(&target); err != nil {
			return nil, err
		}
		documentID = target.DocumentID
	}

	s, err := b.session(c, documentID)
	if err != nil {
		return nil, err
	}
	comments, ok := s.Comments()
	if !ok {
		return nil, workspace.ErrDisabled
	}

	switch msg.Type {
	case MsgComment:
		rng := anchoring.Range{Start: comment.Start, End: comment.End}
		return comments.Add(ctx, rng, comment.Text, c.AuthorID)
	case MsgReply:
		return comments.Reply(ctx, reply.CommentID, reply.Text, c.AuthorID)
	case MsgResolve:
		if err := comments.Resolve(ctx, target.ID); err != nil {
			return nil, err
		}
	default:
		if err := comments.Reopen(ctx, target.ID); err != nil {
			return nil, err
		}
	}
	return comments.Thread(target.ID)
}

func (b *Bridge) changeCommand(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var edit EditPayload
	var target AnnotationPayload
	documentID := ""

	if msg.Type == MsgTrackedEdit {
		if err := msg.decode(&edit); err != nil {
			return nil, err
		}
		documentID = edit.DocumentID
	} else {
		if err := msg.decode(&target); err != nil {
			return nil, err
		}
		documentID = target.DocumentID
	}

	s, err := b.session(c, documentID)
	if err != nil {
		return nil, err
	}
	changes, ok := s.Changes()
	if !ok {
		return nil, workspace.ErrDisabled
	}

	switch msg.Type {
	case MsgTrackedEdit:
		return changes.ApplyTrackedEdit(ctx, c.AuthorID, edit.Position, edit.RemovedLength, edit.Inserted)
	case MsgAccept:
		return nil, changes.Accept(ctx, target.ID)
	default:
		return nil, changes.Reject(ctx, target.ID)
	}
}
