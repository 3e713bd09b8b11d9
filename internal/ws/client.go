package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/session-hub/backend/internal/hub"
	"github.com/session-hub/backend/internal/model"
)

// MaxAttachmentSize bounds the serialized per-connection metadata.
const MaxAttachmentSize = 2048

var (
	errClientClosed = errors.New("client closed")
	errSendBuffer   = errors.New("send buffer full")
	errNoAttachment = errors.New("no attachment")
)

// Client is one WebSocket connection. It is the hub sink for that
// connection and carries the connection's attachment, so whichever hub
// instance currently serves the room can tell who the client is.
type Client struct {
	conn *websocket.Conn
	room string
	send chan []byte

	mu         sync.Mutex
	closed     bool
	attachment []byte

	// Owned by the read loop once it starts.
	hub     *hub.Hub
	session *hub.Session
}

// NewClient creates a new WebSocket client for room.
func NewClient(conn *websocket.Conn, room string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Client{
		conn: conn,
		room: room,
		send: make(chan []byte, bufferSize),
	}
}

// Push queues an {action, data} envelope.
func (c *Client) Push(kind model.EventKind, data json.RawMessage) error {
	frame, err := json.Marshal(model.Envelope{Action: kind, Data: data})
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Send queues a raw frame to be sent to the client. A client whose buffer
// is full is closed.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.closeLocked()
		return errSendBuffer
	}
}

// Close closes the client's send queue; the write pump then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// SerializeAttachment stores v, JSON encoded, on the connection.
func (c *Client) SerializeAttachment(v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(blob) > MaxAttachmentSize {
		return fmt.Errorf("attachment is %d bytes, limit is %d", len(blob), MaxAttachmentSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachment = blob
	return nil
}

// DeserializeAttachment decodes the stored attachment into v.
func (c *Client) DeserializeAttachment(v any) error {
	c.mu.Lock()
	blob := c.attachment
	c.mu.Unlock()

	if blob == nil {
		return errNoAttachment
	}
	return json.Unmarshal(blob, v)
}

// identity recovers the connection's identity from its attachment alone.
func (c *Client) identity() model.Identity {
	var id model.Identity
	if err := c.DeserializeAttachment(&id); err != nil {
		return model.NewIdentity("")
	}
	return model.NewIdentity(id.Username)
}
