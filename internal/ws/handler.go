package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/session-hub/backend/internal/hub"
	"github.com/session-hub/backend/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Time an inbound frame may wait for the room's history to load.
	dispatchTimeout = 10 * time.Second
)

// Config tunes the socket transport.
type Config struct {
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

// Handler serves WebSocket connections for the rooms of one hub manager.
type Handler struct {
	rooms    *hub.Manager
	upgrader websocket.Upgrader
	cfg      Config
	log      *slog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(rooms *hub.Manager, cfg Config, log *slog.Logger) *Handler {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = maxMessageSize
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		rooms: rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		cfg: cfg,
		log: log,
	}
}

// Serve upgrades the request and joins the connection to room. The
// username query parameter becomes the connection's attachment. It returns
// model.ErrUpgradeRequired, without writing a response, when the request is
// not a WebSocket upgrade.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, room string) error {
	if !websocket.IsWebSocketUpgrade(r) {
		return model.ErrUpgradeRequired
	}

	identity := model.NewIdentity(r.URL.Query().Get("username"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error
		return err
	}

	client := NewClient(conn, room, h.cfg.SendBuffer)
	if err := client.SerializeAttachment(identity); err != nil {
		conn.Close()
		return err
	}
	session := hub.NewSession(client, identity)

	go h.writePump(client)

	err = h.rooms.Do(room, func(current *hub.Hub) error {
		client.hub, client.session = current, session
		return current.Join(r.Context(), session)
	})
	if err != nil {
		h.log.Error("Failed to join room", "room", room, "err", err)
		client.Close()
		return err
	}

	go h.readPump(client)
	return nil
}

// bind returns the client's session in current, adopting the connection
// from its attachment when the room has been rehydrated since the client
// last spoke.
func (h *Handler) bind(client *Client, current *hub.Hub) (*hub.Session, error) {
	if client.hub == current {
		return client.session, nil
	}

	session := hub.NewSession(client, client.identity())
	if err := current.Adopt(session); err != nil {
		return nil, err
	}
	client.hub, client.session = current, session
	h.log.Debug("Adopted hibernated connection", "room", client.room, "session", session.ID())
	return session, nil
}

// dispatch forwards one inbound frame to the room. Malformed frames are
// logged and dropped; the connection stays open.
func (h *Handler) dispatch(ctx context.Context, client *Client, message []byte) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	err := h.rooms.Do(client.room, func(current *hub.Hub) error {
		session, err := h.bind(client, current)
		if err != nil {
			return err
		}
		_, err = current.OnSessionEvent(ctx, session, message)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrMalformedPayload):
		h.log.Warn("Dropping malformed frame", "room", client.room, "bytes", len(message))
	default:
		h.log.Error("Failed to handle frame", "room", client.room, "err", err)
	}
}

func (h *Handler) closeSession(client *Client) {
	err := h.rooms.Do(client.room, func(current *hub.Hub) error {
		session, err := h.bind(client, current)
		if err != nil {
			return err
		}
		current.OnSessionClosed(session)
		return nil
	})
	if err != nil {
		h.log.Warn("Failed to close session", "room", client.room, "err", err)
	}
}

// readPump pumps messages from the WebSocket connection to the room.
func (h *Handler) readPump(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Recovered from panic in read loop", "room", client.room, "panic", r)
		}
		cancel()
		h.closeSession(client)
		client.Conn().Close()
	}()

	conn := client.Conn()
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn("WebSocket read error", "room", client.room, "err", err)
			}
			return
		}
		h.dispatch(ctx, client, message)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Close()
		client.Conn().Close()
	}()

	conn := client.Conn()
	for {
		select {
		case message, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The room closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per envelope so clients can JSON.parse each message
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
