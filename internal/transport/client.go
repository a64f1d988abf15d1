package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/officepro/historydb/internal/logging"
	"github.com/officepro/historydb/internal/operations"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
	commandTimeout = 30 * time.Second
)

type ClientID string

// Client is one editor connection. Commands are handled in order on the
// read pump; replies and pushed events leave through the write pump.
type Client struct {
	ID        ClientID            `json:"id"`
	AuthorID  operations.AuthorID `json:"author_id"`
	Documents map[string]bool     `json:"documents"`
	LastSeen  time.Time           `json:"last_seen"`

	conn      *websocket.Conn
	bridge    *Bridge
	sendChan  chan *Message
	closeChan chan struct{}
	logger    *logging.Logger
	mutex     sync.RWMutex
}

func newClient(id ClientID, author operations.AuthorID, conn *websocket.Conn, bridge *Bridge) *Client {
	return &Client{
		ID:        id,
		AuthorID:  author,
		Documents: make(map[string]bool),
		LastSeen:  time.Now(),
		conn:      conn,
		bridge:    bridge,
		sendChan:  make(chan *Message, sendBufferSize),
		closeChan: make(chan struct{}),
		logger:    logging.NewLogger("websocket"),
	}
}

func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	select {
	case <-c.closeChan:
		return nil
	default:
		close(c.closeChan)
		close(c.sendChan)
		return c.conn.Close()
	}
}

func (c *Client) SendMessage(msg *Message) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendChan <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) subscribe(documentID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Documents[documentID] = true
}

func (c *Client) unsubscribe(documentID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.Documents, documentID)
}

func (c *Client) IsSubscribedTo(documentID string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Documents[documentID]
}

func (c *Client) readPump() {
	defer c.bridge.RemoveClient(c.ID)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.LogWebSocketError(string(c.ID), err)
			}
			return
		}

		c.mutex.Lock()
		c.LastSeen = time.Now()
		c.mutex.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		reply := c.bridge.handle(ctx, c, &msg)
		cancel()

		if reply == nil {
			continue
		}
		if err := c.SendMessage(reply); err != nil {
			c.logger.WithFields(map[string]interface{}{
				"client_id": string(c.ID),
				"error":     err.Error(),
			}).Warn("Dropped reply")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.WithFields(map[string]interface{}{
					"client_id": string(c.ID),
					"error":     err.Error(),
				}).Error("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

type ClientInfo struct {
	ID        ClientID            `json:"id"`
	AuthorID  operations.AuthorID `json:"author_id"`
	Documents []string            `json:"documents"`
	LastSeen  time.Time           `json:"last_seen"`
}

func (c *Client) Info() ClientInfo {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	docs := make([]string, 0, len(c.Documents))
	for doc := range c.Documents {
		docs = append(docs, doc)
	}
	return ClientInfo{
		ID:        c.ID,
		AuthorID:  c.AuthorID,
		Documents: docs,
		LastSeen:  c.LastSeen,
	}
}
